package transport

import (
	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"
)

const controlMessage = "CONTROL_MESSAGE"

// UnwrapCloudwatch decodes a CloudWatch Logs subscription event. The payload
// is gzip-compressed, base64-encoded JSON; any failure to decode it is
// batch-fatal.
func UnwrapCloudwatch(ev *events.CloudwatchLogsEvent, filter *Filter) (*Batch, error) {
	if ev == nil {
		return &Batch{Trigger: TriggerCloudwatch}, nil
	}

	data, err := ev.AWSLogs.Parse()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedBatch, "parsing cloudwatch logs event: %v", err)
	}

	b := &Batch{
		Trigger: TriggerCloudwatch,
		IDs:     make([]string, 0, len(data.LogEvents)),
	}
	for _, event := range data.LogEvents {
		b.IDs = append(b.IDs, event.ID)
	}

	if data.MessageType == controlMessage || !filter.Allow(data.LogGroup) {
		return b, nil
	}

	b.records = func(yield func(Record) bool) {
		for i, event := range data.LogEvents {
			if !yield(Record{
				ID:     event.ID,
				Line:   []byte(event.Message),
				Order:  i,
				Source: data.LogGroup,
			}) {
				return
			}
		}
	}
	return b, nil
}
