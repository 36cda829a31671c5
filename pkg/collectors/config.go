package collectors

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

const (
	// All selects every configured collector.
	All = "*"

	DefaultSecretsPrefix = "serverless-otlp-forwarder/collectors/"
	DefaultRoutingHeader = "x-otlp-collector"

	defaultRefreshTimeout = 10 * time.Second
)

// Config for the collector registry.
type Config struct {
	SecretsPrefix   string        `yaml:"secrets_prefix"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`
	Default         string        `yaml:"default"`
	RoutingHeader   string        `yaml:"routing_header"`
	// SigningRegion is used for signed collectors whose endpoint does not
	// name a region. main fills it from the function's region when empty.
	SigningRegion string `yaml:"signing_region"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.SecretsPrefix, "collectors.secrets-prefix", DefaultSecretsPrefix, "Name prefix of the secrets describing collectors.")
	f.IntVar(&cfg.CacheTTLSeconds, "collectors.cache-ttl-seconds", 300, "How long collector configuration fetched from the secret store is used before it is refreshed.")
	f.DurationVar(&cfg.RefreshTimeout, "collectors.refresh-timeout", defaultRefreshTimeout, "Upper bound for one refresh of the collector configuration.")
	f.StringVar(&cfg.Default, "collectors.default", All, "Collectors used when a record carries no routing header. Comma separated names, or * for every collector.")
	f.StringVar(&cfg.RoutingHeader, "collectors.routing-header", DefaultRoutingHeader, "Envelope header naming the collectors a record is sent to. It is never forwarded.")
	f.StringVar(&cfg.SigningRegion, "collectors.signing-region", "", "Region used to sign requests to collectors whose endpoint does not name one. Defaults to the function's region.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.SecretsPrefix == "" {
		return errors.New("collectors.secrets-prefix must not be empty")
	}
	if cfg.CacheTTLSeconds < 0 {
		return errors.New("collectors.cache-ttl-seconds must not be negative")
	}
	if cfg.RefreshTimeout <= 0 {
		return errors.New("collectors.refresh-timeout must be positive")
	}
	if cfg.RoutingHeader == "" {
		return errors.New("collectors.routing-header must not be empty")
	}
	return nil
}

// TTL is the cache lifetime.
func (cfg *Config) TTL() time.Duration {
	return time.Duration(cfg.CacheTTLSeconds) * time.Second
}
