package collectors

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

const (
	authSigV4 = "sigv4"
	authIAM   = "iam"

	defaultSigningService = "xray"
)

// Auth is how requests to a collector are authenticated. It is one of
// NoAuth, StaticHeaders or SignedRequest.
type Auth interface {
	isAuth()
}

// NoAuth sends requests as they are.
type NoAuth struct{}

// Header is one static header. Order is kept as written in the secret.
type Header struct {
	Key   string
	Value string
}

// StaticHeaders adds a fixed set of headers to every request.
type StaticHeaders []Header

// SignedRequest signs every request with AWS Signature Version 4.
type SignedRequest struct {
	Service string
	Region  string
}

func (NoAuth) isAuth()        {}
func (StaticHeaders) isAuth() {}
func (SignedRequest) isAuth() {}

// <service>.<region>.amazonaws.com[.cn]
var awsHostRE = regexp.MustCompile(`^([a-z0-9-]+)\.([a-z]{2}(?:-gov)?-[a-z]+-\d+)\.amazonaws\.com(?:\.cn)?$`)

// ParseAuth reads the auth field of a collector secret. "sigv4" and "iam"
// select request signing; anything else is a header list.
func ParseAuth(raw, endpoint, defaultRegion string) (Auth, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return NoAuth{}, nil
	case authSigV4, authIAM:
		return signedRequestFor(endpoint, defaultRegion)
	}

	headers := ParseHeaders(raw)
	if len(headers) == 0 {
		return NoAuth{}, nil
	}
	return headers, nil
}

func signedRequestFor(endpoint, defaultRegion string) (SignedRequest, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return SignedRequest{}, errors.Wrap(err, "parsing endpoint")
	}

	s := SignedRequest{Service: defaultSigningService, Region: defaultRegion}
	if m := awsHostRE.FindStringSubmatch(strings.ToLower(u.Hostname())); m != nil {
		s.Service, s.Region = m[1], m[2]
	}
	if s.Region == "" {
		return SignedRequest{}, errors.Errorf("no signing region for %s", u.Hostname())
	}
	return s, nil
}

// ParseHeaders parses a comma separated key=value list. Whitespace around
// keys and values is trimmed, pairs without '=' or with an empty key are
// dropped, and empty values are kept.
func ParseHeaders(s string) StaticHeaders {
	var headers StaticHeaders
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers = append(headers, Header{Key: key, Value: strings.TrimSpace(value)})
	}
	return headers
}
