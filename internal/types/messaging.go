package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
)

// Flag is the "Y"/"N" signal carried between stages.
type Flag string

const (
	Yes Flag = "Y"
	No  Flag = "N"
)

// IsYes reports whether the flag is exactly "Y".
func (f Flag) IsYes() bool {
	return f == Yes
}

// Stage status strings reported in stage outputs.
const (
	StatusSucceeded       = "SUCCEEDED"
	StatusSkipped         = "SKIPPED"
	StatusExportRequested = "EXPORT_REQUESTED"
	StatusNotTriggered    = "NOT_TRIGGERED"
	StatusPending         = "PENDING"
	StatusTerminated      = "TERMINATED"
	StatusAlreadySent     = "ALREADY_SENT"
)

// ScheduleRequest is the Schedule Engine input, usually sent by an
// EventBridge rule every few minutes.
//
//	{
//	  "file_type": "intervals",
//	  "schd_start_datetime": "2024-03-01T00:00:00Z",
//	  "event_datetime": "2024-03-01T05:00:00Z",
//	  "frequency": "Hourly"
//	}
type ScheduleRequest struct {
	FileType      string    `json:"file_type" validate:"required"`
	StartDateTime string    `json:"schd_start_datetime"`
	EventDateTime string    `json:"event_datetime" validate:"required"`
	Frequency     Frequency `json:"frequency,omitempty" validate:"omitempty,oneof=Hourly QuarterHourly"`
}

// DueSignal is the Schedule Engine output and the Query Stage input.
// SlotID names the slot the signal is for; it is zero in messages written
// before slot ids were carried, in which case only Hour is checked.
type DueSignal struct {
	FileType  string `json:"file_type" validate:"required"`
	LoadDate  string `json:"load_date" validate:"required"`
	Hour      string `json:"hour" validate:"required,len=2,numeric"`
	SlotID    int    `json:"slot_id,omitempty" validate:"omitempty,min=1"`
	QueryFlag Flag   `json:"query_flag"`
}

// QueryResult is the Query Stage output and the Export Stage input.
type QueryResult struct {
	FileType          string `json:"file_type" validate:"required"`
	LoadDate          string `json:"load_date" validate:"required"`
	Hour              string `json:"hour" validate:"required,len=2,numeric"`
	SlotID            int    `json:"slot_id,omitempty" validate:"omitempty,min=1"`
	UpdateStatusFlag  Flag   `json:"update_status_flag"`
	TriggerExportFlag Flag   `json:"trigger_export_flag"`
	Status            string `json:"status,omitempty"`
}

// ExportResult is the Export Stage output.
type ExportResult struct {
	FileType          string `json:"file_type"`
	LoadDate          string `json:"load_date"`
	Hour              string `json:"hour"`
	SlotID            int    `json:"slot_id,omitempty"`
	TriggerExportFlag Flag   `json:"trigger_export_flag"`
	Status            string `json:"status"`
}

// StageResponse is the envelope every stage returns to the Lambda runtime.
// StatusCode follows HTTP conventions: 200 when the stage acted, 202 when an
// export is still running, 208 when the slot had already been sent and 404
// when the export stage was not triggered.
type StageResponse[T any] struct {
	StatusCode int `json:"statusCode"`
	Body       T   `json:"body"`
}

// payloadShape detects which of the accepted input forms a raw event is.
type payloadShape struct {
	ResponsePayload json.RawMessage   `json:"responsePayload"`
	Body            json.RawMessage   `json:"body"`
	Records         []json.RawMessage `json:"Records"`
}

// DecodeStagePayload extracts stage bodies from a raw invocation event. It
// accepts, in order of detection:
//  1. An SQS event; each record body is decoded recursively.
//  2. A Lambda destination envelope ({"responsePayload": {"body": ...}}).
//  3. A StageResponse ({"statusCode": 200, "body": ...}); body may be a
//     JSON-encoded string.
//  4. A bare body.
func DecodeStagePayload[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, NewAppError(ErrCodeParseInvalidInput, "empty invocation payload", nil)
	}

	// A JSON-encoded string wrapping the actual document.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, NewAppError(ErrCodeParseInvalidInput, "invalid string payload", err)
		}
		return DecodeStagePayload[T](json.RawMessage(inner))
	}

	var shape payloadShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, NewAppError(ErrCodeParseInvalidInput, "invalid JSON payload", err)
	}

	if len(shape.Records) > 0 {
		if records, ok := SQSRecords(raw); ok {
			var out []T
			for _, rec := range records {
				bodies, err := DecodeStagePayload[T](json.RawMessage(rec.Body))
				if err != nil {
					return nil, fmt.Errorf("sqs message %s: %w", rec.MessageId, err)
				}
				out = append(out, bodies...)
			}
			return out, nil
		}
	}

	if len(shape.ResponsePayload) > 0 && !bytes.Equal(shape.ResponsePayload, []byte("null")) {
		return DecodeStagePayload[T](shape.ResponsePayload)
	}

	if len(shape.Body) > 0 && !bytes.Equal(shape.Body, []byte("null")) {
		return DecodeStagePayload[T](shape.Body)
	}

	var body T
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, NewAppError(ErrCodeParseInvalidInput, "payload does not match the stage contract", err)
	}
	return []T{body}, nil
}

// SQSRecords returns the records of raw when it is an SQS event.
func SQSRecords(raw json.RawMessage) ([]events.SQSMessage, bool) {
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(raw, &sqsEvent); err != nil || len(sqsEvent.Records) == 0 {
		return nil, false
	}
	if sqsEvent.Records[0].EventSource != "aws:sqs" {
		return nil, false
	}
	return sqsEvent.Records, true
}
