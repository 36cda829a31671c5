package pipeline

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config for the pipeline.
type Config struct {
	Concurrency     int           `yaml:"concurrency"`
	DeadlineReserve time.Duration `yaml:"deadline_reserve"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Concurrency, "pipeline.concurrency", 8, "Maximum number of requests delivered to collectors at the same time.")
	f.DurationVar(&cfg.DeadlineReserve, "pipeline.deadline-reserve", 500*time.Millisecond, "Time kept before the invocation deadline to report results. Deliveries still running then are abandoned and their records reported as failed.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.Concurrency < 1 {
		return errors.New("pipeline.concurrency must be at least 1")
	}
	if cfg.DeadlineReserve < 0 {
		return errors.New("pipeline.deadline-reserve must not be negative")
	}
	return nil
}
