// Package collectors resolves the OTLP collectors records are forwarded to.
// Collector definitions live in AWS Secrets Manager and are cached in
// process memory for a configurable time.
package collectors

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/envelope"
)

// Collector is a resolved destination. Values are never modified once built.
type Collector struct {
	Name     string
	Endpoint string
	Auth     Auth

	base *url.URL
}

// secretEntry is the JSON stored in each collector secret.
type secretEntry struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
}

// NewCollector validates a collector definition. auth is parsed with
// ParseAuth.
func NewCollector(name, endpoint, auth, signingRegion string) (*Collector, error) {
	if name == "" {
		return nil, errors.New("collector has no name")
	}
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, errors.Wrapf(err, "collector %s: invalid endpoint", name)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("collector %s: endpoint %q is not an absolute http(s) URL", name, endpoint)
	}

	a, err := ParseAuth(auth, u.String(), signingRegion)
	if err != nil {
		return nil, errors.Wrapf(err, "collector %s: invalid auth", name)
	}

	return &Collector{
		Name:     name,
		Endpoint: u.String(),
		Auth:     a,
		base:     u,
	}, nil
}

// URL returns the address a request for signal is posted to. Endpoints
// without a path get the signal's OTLP/HTTP path appended.
func (c *Collector) URL(signal envelope.Signal) string {
	if c.base == nil || (c.base.Path != "" && c.base.Path != "/") {
		return c.Endpoint
	}
	u := *c.base
	u.Path = signal.Path()
	return u.String()
}
