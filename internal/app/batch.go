package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"c2cpipeline/internal/types"
)

// Each decodes the stage bodies in raw and calls fn for each of them.
//
// An SQS event is handled record by record. A record whose body cannot be
// decoded, or for which fn fails, is reported in the returned
// events.SQSEventResponse so that SQS redelivers only that message; the
// invocation itself succeeds. The event source mapping must enable
// ReportBatchItemFailures.
//
// Any other event fails on the first error. A single body yields fn's result
// as is, several bodies yield a []R.
func Each[T, R any](ctx context.Context, raw json.RawMessage, logger *slog.Logger, fn func(context.Context, T) (R, error)) (any, error) {
	if records, ok := types.SQSRecords(raw); ok {
		return eachRecord(ctx, records, logger, fn), nil
	}

	bodies, err := types.DecodeStagePayload[T](raw)
	if err != nil {
		return nil, err
	}
	out := make([]R, 0, len(bodies))
	for _, body := range bodies {
		res, err := fn(ctx, body)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func eachRecord[T, R any](ctx context.Context, records []events.SQSMessage, logger *slog.Logger, fn func(context.Context, T) (R, error)) events.SQSEventResponse {
	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for _, rec := range records {
		log := types.LoggerFromContext(ctx, logger).With("message_id", rec.MessageId)
		if err := processRecord(types.WithLogger(ctx, log), rec, fn); err != nil {
			log.ErrorContext(ctx, "failed to process SQS message",
				"error", err,
				"error_kind", string(types.KindOf(err)),
				"error_code", string(types.CodeOf(err)),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	if n := len(resp.BatchItemFailures); n > 0 {
		types.LoggerFromContext(ctx, logger).WarnContext(ctx, "SQS batch partially failed",
			"records", len(records), "failed", n)
	}
	return resp
}

func processRecord[T, R any](ctx context.Context, rec events.SQSMessage, fn func(context.Context, T) (R, error)) error {
	bodies, err := types.DecodeStagePayload[T](json.RawMessage(rec.Body))
	if err != nil {
		return err
	}
	for _, body := range bodies {
		if _, err := fn(ctx, body); err != nil {
			return err
		}
	}
	return nil
}
