// Package envelope decodes the JSON records that instrumented functions write
// to stdout. Each record wraps one base64 (optionally gzip) OTLP export
// request together with routing metadata.
package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/util"
)

const (
	// FormatMarker is the field identifying a forwarder record. Its value is
	// the producer's schema version.
	FormatMarker = "__otel_otlp_stdout"

	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeJSON     = "application/json"

	EncodingGzip = "gzip"
	EncodingNone = "none"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSkipped is returned for lines that are not forwarder records. It is not
// a failure: functions log plenty of other things.
var ErrSkipped = errors.New("not a forwarder record")

// DecodeError is returned when a line carries the format marker but its
// payload cannot be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decoding envelope: " + e.Reason
	}
	return fmt.Sprintf("decoding envelope: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope is the wire format of a forwarder record.
type Envelope struct {
	Version         string            `json:"__otel_otlp_stdout"`
	Source          string            `json:"source"`
	Endpoint        string            `json:"endpoint"`
	Method          string            `json:"method,omitempty"`
	ContentType     string            `json:"content-type"`
	ContentEncoding string            `json:"content-encoding"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         string            `json:"payload"`
	Base64          bool              `json:"base64"`
	Level           string            `json:"level,omitempty"`
}

// Payload is a decoded envelope. Body always holds an uncompressed OTLP
// protobuf export request, whatever the envelope declared.
type Payload struct {
	Version         string
	Source          string
	Endpoint        string
	ContentType     string
	ContentEncoding string
	Headers         map[string]string
	Level           string

	Signal Signal
	Body   []byte
	// Items is the number of spans, log records or data points in Body.
	Items int
}

type markerProbe struct {
	Version string `json:"__otel_otlp_stdout"`
}

// Parse unmarshals a candidate line into an Envelope. It returns ErrSkipped
// when the line is not JSON or has no format marker.
func Parse(line []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrSkipped
	}

	var probe markerProbe
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.Version == "" {
		return nil, ErrSkipped
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if env.Payload == "" {
		return nil, ErrSkipped
	}
	return &env, nil
}

// Decode parses a candidate line and decodes its payload.
func Decode(line []byte) (*Payload, error) {
	env, err := Parse(line)
	if err != nil {
		return nil, err
	}
	return env.Decode()
}

// Decode turns the envelope payload into an uncompressed protobuf request.
func (e *Envelope) Decode() (*Payload, error) {
	for k, v := range e.Headers {
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			return nil, &DecodeError{Reason: fmt.Sprintf("invalid header %q", k)}
		}
	}

	var raw []byte
	if e.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(e.Payload)
		if err != nil {
			return nil, &DecodeError{Reason: "invalid base64 payload", Err: err}
		}
		raw = decoded
	} else {
		raw = []byte(e.Payload)
	}

	switch strings.ToLower(strings.TrimSpace(e.ContentEncoding)) {
	case EncodingGzip:
		decompressed, err := util.Gunzip(raw)
		if err != nil {
			return nil, &DecodeError{Reason: "invalid gzip payload", Err: err}
		}
		raw = decompressed
	case "", EncodingNone, "identity":
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported content-encoding %q", e.ContentEncoding)}
	}

	signal := SignalFromEndpoint(e.Endpoint)
	body, items, err := toProtobuf(signal, mediaType(e.ContentType), raw)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("payload is not a valid %s request", e.ContentType), Err: err}
	}

	return &Payload{
		Version:         e.Version,
		Source:          e.Source,
		Endpoint:        e.Endpoint,
		ContentType:     e.ContentType,
		ContentEncoding: e.ContentEncoding,
		Headers:         e.Headers,
		Level:           e.Level,
		Signal:          signal,
		Body:            body,
		Items:           items,
	}, nil
}

// Encode is the inverse of Decode for protobuf payloads: it writes p as a
// single-line envelope, compressing Body when p.ContentEncoding is gzip.
func Encode(p *Payload, gzipLevel int) ([]byte, error) {
	body := p.Body
	encoding := p.ContentEncoding
	if encoding == "" {
		encoding = EncodingNone
	}
	if strings.EqualFold(encoding, EncodingGzip) {
		compressed, err := util.Gzip(body, gzipLevel)
		if err != nil {
			return nil, errors.Wrap(err, "compressing payload")
		}
		body = compressed
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = ContentTypeProtobuf
	}

	return json.Marshal(&Envelope{
		Version:         p.Version,
		Source:          p.Source,
		Endpoint:        p.Endpoint,
		Method:          "POST",
		ContentType:     contentType,
		ContentEncoding: encoding,
		Headers:         p.Headers,
		Payload:         base64.StdEncoding.EncodeToString(body),
		Base64:          true,
		Level:           p.Level,
	})
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
