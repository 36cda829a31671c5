package forwarder

import (
	"flag"
	"net/url"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/common/config"
)

const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// Config describes how merged requests are delivered to collectors.
type Config struct {
	Timeout       time.Duration  `yaml:"timeout"`
	BackoffConfig backoff.Config `yaml:"backoff_config"`

	Compression string `yaml:"compression"`
	GzipLevel   int    `yaml:"gzip_level"`

	// Network settings handed to the HTTP client as they are.
	ProxyURL              string `yaml:"proxy_url"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// RegisterFlagsWithPrefix registers flags where every name is prefixed by
// prefix. If prefix is a non-empty string, prefix should end with a period.
func (c *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Timeout, prefix+"forwarder.timeout", 5*time.Second, "Maximum time to wait for a collector to respond to one request.")
	// Default schedule: 100ms, 200ms, 400ms, 800ms between five attempts.
	f.IntVar(&c.BackoffConfig.MaxRetries, prefix+"forwarder.max-retries", 5, "Maximum number of attempts to deliver a request, including the first one.")
	f.DurationVar(&c.BackoffConfig.MinBackoff, prefix+"forwarder.min-backoff", 100*time.Millisecond, "Initial backoff time between attempts.")
	f.DurationVar(&c.BackoffConfig.MaxBackoff, prefix+"forwarder.max-backoff", 2*time.Second, "Maximum backoff time between attempts.")
	f.StringVar(&c.Compression, prefix+"forwarder.compression", CompressionGzip, "Compression of request bodies sent to collectors: gzip or none.")
	f.IntVar(&c.GzipLevel, prefix+"forwarder.gzip-level", 6, "Gzip compression level, 0 to 9.")
	f.StringVar(&c.ProxyURL, prefix+"forwarder.proxy-url", "", "HTTP proxy for requests to collectors. Empty uses the proxy environment variables.")
	f.BoolVar(&c.TLSInsecureSkipVerify, prefix+"forwarder.tls-insecure-skip-verify", false, "Skip verification of collector TLS certificates.")
}

// RegisterFlags registers flags.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("", f)
}

// Validate the config.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("forwarder.timeout must be positive")
	}
	if c.BackoffConfig.MaxRetries < 1 {
		return errors.New("forwarder.max-retries must be at least 1")
	}
	if c.BackoffConfig.MinBackoff > c.BackoffConfig.MaxBackoff {
		return errors.New("forwarder.min-backoff must not exceed forwarder.max-backoff")
	}
	switch c.Compression {
	case CompressionGzip, CompressionNone:
	default:
		return errors.Errorf("unsupported forwarder.compression %q", c.Compression)
	}
	if c.GzipLevel < 0 || c.GzipLevel > 9 {
		return errors.Errorf("forwarder.gzip-level %d out of range", c.GzipLevel)
	}
	_, err := c.httpClientConfig()
	return err
}

func (c *Config) httpClientConfig() (config.HTTPClientConfig, error) {
	cfg := config.DefaultHTTPClientConfig
	cfg.TLSConfig.InsecureSkipVerify = c.TLSInsecureSkipVerify
	if c.ProxyURL == "" {
		cfg.ProxyFromEnvironment = true
	} else {
		u, err := url.Parse(c.ProxyURL)
		if err != nil {
			return cfg, errors.Wrap(err, "invalid forwarder.proxy-url")
		}
		cfg.ProxyURL = config.URL{URL: u}
	}
	return cfg, cfg.Validate()
}
