// Package main is the entrypoint for the Schedule Engine Lambda function.
//
// An EventBridge rule invokes the engine every few minutes per file type. The
// engine creates the day's schedule record when none is active and decides
// whether the next queued slot is due. Its output is the Query Stage input,
// delivered by a Lambda destination or, with NEXT_STAGE_QUEUE_URL set, over
// SQS.
//
// This file handles dependency wiring (Cold Start) and delegates all business
// logic to the internal/schedule package (Engine.Evaluate).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// Evaluator decides whether a file type's next slot is due.
type Evaluator interface {
	Evaluate(ctx context.Context, req types.ScheduleRequest) (types.DueSignal, error)
}

func main() {
	ctx := context.Background()

	rt, err := app.Init(ctx)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("ScheduleEngine initialization failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	rt.Logger.Info("ScheduleEngine Lambda initializing (cold start)",
		"table", rt.Config.Schedule.Table,
		"lease_ttl", rt.Config.Schedule.LeaseTTL.String(),
		"forwarding", rt.Forwarder != nil,
	)

	engine := schedule.NewEngine(schedule.EngineConfig{
		Store:    rt.Store,
		LeaseTTL: rt.Config.Schedule.LeaseTTL,
		Logger:   rt.Logger,
	})

	app.Serve(newHandler(engine, rt, time.Now), rt.Logger)
}

// newHandler decodes one or more schedule requests and evaluates each. A
// request without event_datetime is evaluated at the current time. Due
// signals with query_flag Y are forwarded to the Query Stage. Within an SQS
// batch a failing request is reported on its own and the rest proceed.
func newHandler(engine Evaluator, rt *app.Runtime, now func() time.Time) app.Handler {
	pub := rt.Metrics
	if pub == nil {
		pub = metrics.Nop{}
	}
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		return app.Each(ctx, raw, rt.Logger, func(ctx context.Context, req types.ScheduleRequest) (types.StageResponse[types.DueSignal], error) {
			if req.EventDateTime == "" {
				req.EventDateTime = now().UTC().Format(time.RFC3339)
			}
			log := types.LoggerFromContext(ctx, rt.Logger).With("file_type", req.FileType)
			log.InfoContext(ctx, "ScheduleEngine handler invoked",
				"schd_start_datetime", req.StartDateTime,
				"event_datetime", req.EventDateTime,
				"frequency", string(req.Frequency),
			)

			started := now()
			sig, err := engine.Evaluate(types.WithLogger(ctx, log), req)
			if err != nil {
				return types.StageResponse[types.DueSignal]{}, err
			}

			outcome := metrics.OutcomeSkipped
			if sig.QueryFlag.IsYes() {
				outcome = metrics.OutcomeSucceeded
			}
			if err := pub.RecordStage(ctx, metrics.StageMetric{
				Stage:    pipeline.StageSchedule,
				FileType: sig.FileType,
				Outcome:  outcome,
				Duration: now().Sub(started),
			}); err != nil {
				log.WarnContext(ctx, "failed to publish schedule metric", "error", err)
			}

			resp := types.StageResponse[types.DueSignal]{StatusCode: 200, Body: sig}
			if sig.QueryFlag.IsYes() {
				if err := rt.Forward(ctx, pipeline.StageSchedule, sig.FileType, resp); err != nil {
					return types.StageResponse[types.DueSignal]{}, err
				}
			}

			log.InfoContext(ctx, "ScheduleEngine evaluation complete",
				"load_date", sig.LoadDate,
				"hour", sig.Hour,
				"slot_id", sig.SlotID,
				"query_flag", string(sig.QueryFlag),
			)
			return resp, nil
		})
	}
}
