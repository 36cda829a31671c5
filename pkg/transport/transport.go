// Package transport extracts candidate envelope lines from Lambda trigger
// events.
package transport

import (
	"flag"
	"fmt"
	"iter"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

// ErrMalformedBatch is returned when the trigger's outer framing cannot be
// decoded. The whole invocation must fail so the trigger redelivers it.
var ErrMalformedBatch = errors.New("malformed trigger batch")

// Trigger identifies the event source that produced a batch.
type Trigger string

const (
	TriggerCloudwatch Trigger = "cloudwatch"
	TriggerKinesis    Trigger = "kinesis"
)

// Record is one candidate line. Several records may share an ID when a single
// trigger item expands into many lines.
type Record struct {
	ID     string
	Line   []byte
	Order  int
	Source string
	// Err is set when the trigger item this record stands for could not be
	// unwrapped; Line is empty in that case.
	Err error
}

// Batch is the unwrapped form of one trigger invocation.
type Batch struct {
	Trigger Trigger
	// IDs lists every trigger item identifier once, in arrival order.
	IDs []string

	records func(yield func(Record) bool)
}

// Records lazily yields the candidate lines of the batch.
func (b *Batch) Records() iter.Seq[Record] {
	if b.records == nil {
		return func(func(Record) bool) {}
	}
	return b.records
}

// Config controls which log sources are forwarded.
type Config struct {
	SubscribeAll bool                   `yaml:"subscribe_all"`
	LogGroups    flagext.StringSliceCSV `yaml:"log_groups"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.SubscribeAll, "transport.subscribe-all", true, "Forward records from every log group. When false only groups matching -transport.log-groups are forwarded.")
	f.Var(&cfg.LogGroups, "transport.log-groups", "Comma separated list of log group names or regular expressions to forward when -transport.subscribe-all is false.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if !cfg.SubscribeAll && len(cfg.LogGroups) == 0 {
		return errors.New("transport.log-groups must be set when transport.subscribe-all is false")
	}
	_, err := NewFilter(*cfg)
	return err
}

// Filter decides whether records from a log group are forwarded.
type Filter struct {
	all      bool
	patterns []*regexp.Regexp
}

// NewFilter compiles the configured log group patterns. Patterns are anchored.
func NewFilter(cfg Config) (*Filter, error) {
	f := &Filter{all: cfg.SubscribeAll}
	for _, p := range cfg.LogGroups {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid log group pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Allow reports whether records from group should be forwarded. Records with
// no known group are always allowed.
func (f *Filter) Allow(group string) bool {
	if f == nil || f.all || group == "" {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(group) {
			return true
		}
	}
	return false
}
