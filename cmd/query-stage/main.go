// Package main is the entrypoint for the Query Stage Lambda function.
//
// The Query Stage receives the Schedule Engine's due signal. For a due slot
// it adds the slot's partition to the source table and inserts the slot's
// rows into the target table with Athena, polling each statement to
// completion. Its output drives the Export Stage.
//
// This file handles dependency wiring (Cold Start) and delegates all business
// logic to the internal/pipeline package (QueryStage.Run).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/athena"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/external"
	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/types"
)

// Runner handles one due signal.
type Runner interface {
	Run(ctx context.Context, sig types.DueSignal) (types.QueryResult, error)
}

func main() {
	ctx := context.Background()

	rt, err := app.Init(ctx)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("QueryStage initialization failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	qc := rt.Config.Query
	pc := qc.Poll()
	executor := external.NewAthenaExecutor(athena.NewFromConfig(rt.AWS), external.AthenaExecutorConfig{
		OutputLocation: qc.OutputLocation,
		WorkGroup:      qc.WorkGroup,
		Logger:         rt.Logger,
	})

	stage := pipeline.NewQueryStage(pipeline.QueryStageConfig{
		Configs:  rt.Store,
		Tracker:  rt.Tracker,
		Executor: executor,
		Policy:   poll.Policy{Budget: pc.Budget, Delay: pc.Delay},
		Runs:     rt.Runs,
		Metrics:  rt.Metrics,
		Logger:   rt.Logger,
	})

	rt.Logger.Info("QueryStage Lambda initialized",
		"poll_budget", pc.Budget,
		"poll_delay", pc.Delay.String(),
		"work_group", qc.WorkGroup,
		"run_history", rt.Runs != nil,
		"forwarding", rt.Forwarder != nil,
	)

	app.Serve(newHandler(stage, rt), rt.Logger)
}

// newHandler decodes one or more due signals and runs the stage for each.
// Results that request an export are forwarded to the Export Stage. Within
// an SQS batch a failing signal is reported on its own and the rest proceed.
func newHandler(stage Runner, rt *app.Runtime) app.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		return app.Each(ctx, raw, rt.Logger, func(ctx context.Context, sig types.DueSignal) (types.StageResponse[types.QueryResult], error) {
			log := types.LoggerFromContext(ctx, rt.Logger).With("file_type", sig.FileType)
			log.InfoContext(ctx, "QueryStage handler invoked",
				"load_date", sig.LoadDate,
				"hour", sig.Hour,
				"slot_id", sig.SlotID,
				"query_flag", string(sig.QueryFlag),
			)

			res, err := stage.Run(types.WithLogger(ctx, log), sig)
			if err != nil {
				return types.StageResponse[types.QueryResult]{}, err
			}

			resp := types.StageResponse[types.QueryResult]{StatusCode: http.StatusOK, Body: res}
			if res.TriggerExportFlag.IsYes() {
				if err := rt.Forward(ctx, pipeline.StageQuery, res.FileType, resp); err != nil {
					return types.StageResponse[types.QueryResult]{}, err
				}
			}
			return resp, nil
		})
	}
}
