package envelope

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
)

// Signal is the OTLP signal a payload carries.
type Signal string

const (
	SignalTraces  Signal = "traces"
	SignalMetrics Signal = "metrics"
	SignalLogs    Signal = "logs"
)

// Path returns the OTLP/HTTP path for the signal.
func (s Signal) Path() string {
	switch s {
	case SignalMetrics:
		return "/v1/metrics"
	case SignalLogs:
		return "/v1/logs"
	default:
		return "/v1/traces"
	}
}

// SignalFromEndpoint infers the signal from an endpoint hint such as
// "http://localhost:4318/v1/logs". Anything unrecognised is traces, which is
// what every producer emits today.
func SignalFromEndpoint(endpoint string) Signal {
	path := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")

	switch {
	case strings.HasSuffix(path, SignalMetrics.Path()):
		return SignalMetrics
	case strings.HasSuffix(path, SignalLogs.Path()):
		return SignalLogs
	default:
		return SignalTraces
	}
}

// toProtobuf validates body as an OTLP export request of the given signal and
// returns its protobuf encoding along with the number of items (spans, log
// records or data points) it carries.
func toProtobuf(signal Signal, contentType string, body []byte) ([]byte, int, error) {
	isJSON := contentType == ContentTypeJSON

	switch signal {
	case SignalMetrics:
		req := pmetricotlp.NewExportRequest()
		if isJSON {
			if err := req.UnmarshalJSON(body); err != nil {
				return nil, 0, errors.Wrap(err, "parsing OTLP metrics JSON")
			}
			out, err := req.MarshalProto()
			return out, req.Metrics().DataPointCount(), err
		}
		if err := req.UnmarshalProto(body); err != nil {
			return nil, 0, errors.Wrap(err, "parsing OTLP metrics protobuf")
		}
		return body, req.Metrics().DataPointCount(), nil

	case SignalLogs:
		req := plogotlp.NewExportRequest()
		if isJSON {
			if err := req.UnmarshalJSON(body); err != nil {
				return nil, 0, errors.Wrap(err, "parsing OTLP logs JSON")
			}
			out, err := req.MarshalProto()
			return out, req.Logs().LogRecordCount(), err
		}
		if err := req.UnmarshalProto(body); err != nil {
			return nil, 0, errors.Wrap(err, "parsing OTLP logs protobuf")
		}
		return body, req.Logs().LogRecordCount(), nil

	default:
		req := ptraceotlp.NewExportRequest()
		if isJSON {
			if err := req.UnmarshalJSON(body); err != nil {
				return nil, 0, errors.Wrap(err, "parsing OTLP traces JSON")
			}
			out, err := req.MarshalProto()
			return out, req.Traces().SpanCount(), err
		}
		if err := req.UnmarshalProto(body); err != nil {
			return nil, 0, errors.Wrap(err, "parsing OTLP traces protobuf")
		}
		return body, req.Traces().SpanCount(), nil
	}
}
