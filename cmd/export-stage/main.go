// Package main is the entrypoint for the Export Stage Lambda function.
//
// The Export Stage receives the Query Stage's result. When an export was
// requested it starts the file type's Glue job for the slot, polls the run
// to completion and marks the slot Sent. Completed exports are optionally
// announced on NEXT_STAGE_QUEUE_URL.
//
// This file handles dependency wiring (Cold Start) and delegates all business
// logic to the internal/pipeline package (ExportStage.Run).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/glue"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/external"
	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/types"
)

// Runner handles one query stage result.
type Runner interface {
	Run(ctx context.Context, in types.QueryResult) (types.StageResponse[types.ExportResult], error)
}

func main() {
	ctx := context.Background()

	rt, err := app.Init(ctx)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("ExportStage initialization failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	ec := rt.Config.Export
	pc := ec.Poll()

	stage := pipeline.NewExportStage(pipeline.ExportStageConfig{
		Configs:   rt.Store,
		Tracker:   rt.Tracker,
		Jobs:      external.NewGlueRunner(glue.NewFromConfig(rt.AWS), rt.Logger),
		Policy:    poll.Policy{Budget: pc.Budget, Delay: pc.Delay},
		Exhausted: pipeline.ExhaustedPolicy(ec.ExhaustedPolicy),
		Runs:      rt.Runs,
		Metrics:   rt.Metrics,
		Logger:    rt.Logger,
	})

	rt.Logger.Info("ExportStage Lambda initialized",
		"poll_budget", pc.Budget,
		"poll_delay", pc.Delay.String(),
		"exhausted_policy", ec.ExhaustedPolicy,
		"run_history", rt.Runs != nil,
		"forwarding", rt.Forwarder != nil,
	)

	app.Serve(newHandler(stage, rt), rt.Logger)
}

// newHandler decodes one or more query results and runs the stage for each.
// Completed exports are forwarded; pending, already sent and not-triggered
// results are not. Within an SQS batch a failing result is reported on its
// own and the rest proceed.
func newHandler(stage Runner, rt *app.Runtime) app.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		return app.Each(ctx, raw, rt.Logger, func(ctx context.Context, in types.QueryResult) (types.StageResponse[types.ExportResult], error) {
			log := types.LoggerFromContext(ctx, rt.Logger).With("file_type", in.FileType)
			log.InfoContext(ctx, "ExportStage handler invoked",
				"load_date", in.LoadDate,
				"hour", in.Hour,
				"slot_id", in.SlotID,
				"trigger_export_flag", string(in.TriggerExportFlag),
			)

			resp, err := stage.Run(types.WithLogger(ctx, log), in)
			if err != nil {
				return resp, err
			}
			if resp.StatusCode == http.StatusOK {
				if err := rt.Forward(ctx, pipeline.StageExport, resp.Body.FileType, resp); err != nil {
					return resp, err
				}
			}
			return resp, nil
		})
	}
}
