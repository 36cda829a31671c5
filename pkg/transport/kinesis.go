package transport

import (
	"github.com/aws/aws-lambda-go/events"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UnwrapKinesis turns a Kinesis event into candidate lines. Record data has
// already been base64-decoded by the event unmarshaller. Plain records are a
// single line; gzipped records are CloudWatch Logs data delivered through a
// subscription to the stream, and expand into one line per log event, all
// attributed to the Kinesis sequence number.
func UnwrapKinesis(ev *events.KinesisEvent, filter *Filter) *Batch {
	b := &Batch{Trigger: TriggerKinesis}
	if ev == nil {
		return b
	}

	b.IDs = make([]string, 0, len(ev.Records))
	for _, record := range ev.Records {
		b.IDs = append(b.IDs, record.Kinesis.SequenceNumber)
	}

	records := ev.Records
	b.records = func(yield func(Record) bool) {
		order := 0
		for _, record := range records {
			id := record.Kinesis.SequenceNumber
			data := record.Kinesis.Data

			if !util.IsGzipped(data) {
				if !yield(Record{ID: id, Line: data, Order: order, Source: record.EventSourceArn}) {
					return
				}
				order++
				continue
			}

			logs, err := unmarshalCloudwatchData(data)
			if err != nil {
				if !yield(Record{ID: id, Order: order, Source: record.EventSourceArn, Err: err}) {
					return
				}
				order++
				continue
			}
			if logs.MessageType == controlMessage || !filter.Allow(logs.LogGroup) {
				continue
			}

			for _, event := range logs.LogEvents {
				if !yield(Record{ID: id, Line: []byte(event.Message), Order: order, Source: logs.LogGroup}) {
					return
				}
				order++
			}
		}
	}
	return b
}

func unmarshalCloudwatchData(data []byte) (events.CloudwatchLogsData, error) {
	var recordData events.CloudwatchLogsData

	raw, err := util.Gunzip(data)
	if err != nil {
		return recordData, errors.Wrap(err, "decompressing kinesis record")
	}
	if err := json.Unmarshal(raw, &recordData); err != nil {
		return recordData, errors.Wrap(err, "unmarshalling cloudwatch logs data from kinesis record")
	}
	return recordData, nil
}
