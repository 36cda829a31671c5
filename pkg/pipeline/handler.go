package pipeline

import (
	"context"
	stdjson "encoding/json"

	"github.com/aws/aws-lambda-go/events"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnsupportedEvent is returned for events from triggers the forwarder does
// not handle.
var ErrUnsupportedEvent = errors.New("unsupported event")

// HandleCloudwatch handles a CloudWatch Logs subscription. Those triggers
// cannot redeliver part of a batch, so any failed record fails the whole
// invocation.
func (p *Pipeline) HandleCloudwatch(ctx context.Context, ev *events.CloudwatchLogsEvent) error {
	res, err := p.run(ctx, transport.TriggerCloudwatch, func() (*transport.Batch, error) {
		return transport.UnwrapCloudwatch(ev, p.filter)
	})
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return errors.Errorf("%d of %d log events failed", len(res.Failed), res.Total)
	}
	return nil
}

// HandleKinesis handles a Kinesis batch and reports failed records by
// sequence number.
func (p *Pipeline) HandleKinesis(ctx context.Context, ev *events.KinesisEvent) (events.KinesisEventResponse, error) {
	res, err := p.run(ctx, transport.TriggerKinesis, func() (*transport.Batch, error) {
		return transport.UnwrapKinesis(ev, p.filter), nil
	})
	if err != nil {
		return events.KinesisEventResponse{}, err
	}
	return res.KinesisResponse(), nil
}

type eventProbe struct {
	AWSLogs *stdjson.RawMessage `json:"awslogs"`
	Records []struct {
		Kinesis *stdjson.RawMessage `json:"kinesis"`
	} `json:"Records"`
}

// Handle is the Lambda entry point. It works out which trigger sent the event
// and dispatches it.
func (p *Pipeline) Handle(ctx context.Context, raw stdjson.RawMessage) (interface{}, error) {
	var probe eventProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Wrap(ErrUnsupportedEvent, err.Error())
	}

	switch {
	case probe.AWSLogs != nil:
		var ev events.CloudwatchLogsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "decoding cloudwatch logs event")
		}
		return nil, p.HandleCloudwatch(ctx, &ev)

	case len(probe.Records) > 0 && probe.Records[0].Kinesis != nil:
		var ev events.KinesisEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "decoding kinesis event")
		}
		return p.HandleKinesis(ctx, &ev)

	default:
		return nil, ErrUnsupportedEvent
	}
}
