// Package main implements the pipeline-runner CLI tool, which drives the
// schedule engine, query stage and export stage in-process.
//
// It is intended for local development against LocalStack and for
// backfilling: each tick evaluates every file type and, while a slot is due,
// runs it through the stages. --max-slots bounds how many slots one file
// type may process per tick.
//
// Usage:
//
//	go run ./cmd/tools/pipeline-runner --file-types=intervals,bills --start=2024-03-01
//	go run ./cmd/tools/pipeline-runner --file-types=intervals --max-slots=96
//	go run ./cmd/tools/pipeline-runner --file-types=intervals --cron="*/5 * * * *"
//
// Configuration is read exactly as the Lambda functions read it (environment,
// .env file, SSM).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/external"
	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// Evaluator decides whether a file type's next slot is due.
type Evaluator interface {
	Evaluate(ctx context.Context, req types.ScheduleRequest) (types.DueSignal, error)
}

// QueryRunner runs the query stage for one due signal.
type QueryRunner interface {
	Run(ctx context.Context, sig types.DueSignal) (types.QueryResult, error)
}

// ExportRunner runs the export stage for one query result.
type ExportRunner interface {
	Run(ctx context.Context, in types.QueryResult) (types.StageResponse[types.ExportResult], error)
}

// chain runs the stages back to back.
type chain struct {
	engine      Evaluator
	query       QueryRunner
	export      ExportRunner
	start       string
	frequency   types.Frequency
	maxSlots    int
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// tickSummary counts what one tick did per file type.
type tickSummary struct {
	mu        sync.Mutex
	processed map[string]int
}

func (s *tickSummary) add(fileType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[fileType]++
}

func main() {
	fileTypesFlag := flag.String("file-types", "", "Comma-separated file types to drive (required)")
	startFlag := flag.String("start", time.Now().UTC().Format(types.DateLayout), "Schedule start date for file types without a schedule")
	frequencyFlag := flag.String("frequency", string(types.FrequencyQuarterHourly), "Slot frequency for new schedules (Hourly or QuarterHourly)")
	maxSlotsFlag := flag.Int("max-slots", 1, "Maximum slots processed per file type per tick")
	concurrencyFlag := flag.Int("concurrency", 4, "File types processed in parallel")
	cronFlag := flag.String("cron", "", "Cron spec; when set the runner ticks on this schedule until interrupted")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pipeline-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Run the schedule engine, query stage and export stage in-process.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	fileTypes := splitList(*fileTypesFlag)
	if len(fileTypes) == 0 {
		fmt.Fprintf(os.Stderr, "error: --file-types is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	freq := types.Frequency(*frequencyFlag)
	if freq != types.FrequencyHourly && freq != types.FrequencyQuarterHourly {
		fmt.Fprintf(os.Stderr, "error: invalid --frequency %q\n", *frequencyFlag)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Init(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	cfg := rt.Config
	qp, ep := cfg.Query.Poll(), cfg.Export.Poll()
	c := &chain{
		engine: schedule.NewEngine(schedule.EngineConfig{
			Store:    rt.Store,
			LeaseTTL: cfg.Schedule.LeaseTTL,
			Logger:   rt.Logger,
		}),
		query: pipeline.NewQueryStage(pipeline.QueryStageConfig{
			Configs: rt.Store,
			Tracker: rt.Tracker,
			Executor: external.NewAthenaExecutor(athena.NewFromConfig(rt.AWS), external.AthenaExecutorConfig{
				OutputLocation: cfg.Query.OutputLocation,
				WorkGroup:      cfg.Query.WorkGroup,
				Logger:         rt.Logger,
			}),
			Policy:  poll.Policy{Budget: qp.Budget, Delay: qp.Delay},
			Runs:    rt.Runs,
			Metrics: rt.Metrics,
			Logger:  rt.Logger,
		}),
		export: pipeline.NewExportStage(pipeline.ExportStageConfig{
			Configs:   rt.Store,
			Tracker:   rt.Tracker,
			Jobs:      external.NewGlueRunner(glue.NewFromConfig(rt.AWS), rt.Logger),
			Policy:    poll.Policy{Budget: ep.Budget, Delay: ep.Delay},
			Exhausted: pipeline.ExhaustedPolicy(cfg.Export.ExhaustedPolicy),
			Runs:      rt.Runs,
			Metrics:   rt.Metrics,
			Logger:    rt.Logger,
		}),
		start:       *startFlag,
		frequency:   freq,
		maxSlots:    *maxSlotsFlag,
		concurrency: *concurrencyFlag,
		now:         time.Now,
		logger:      rt.Logger,
	}

	if *cronFlag == "" {
		if err := c.tick(ctx, fileTypes); err != nil {
			rt.Logger.Error("pipeline run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := c.schedule(ctx, *cronFlag, fileTypes); err != nil {
		rt.Logger.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

// schedule ticks on spec until ctx is cancelled. Ticks never overlap; a tick
// that is still running when the next one fires is skipped.
func (c *chain) schedule(ctx context.Context, spec string, fileTypes []string) error {
	engine := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := engine.AddFunc(spec, func() {
		if err := c.tick(ctx, fileTypes); err != nil {
			c.logger.Error("tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid --cron %q: %w", spec, err)
	}

	engine.Start()
	c.logger.Info("pipeline runner scheduled", "cron", spec, "file_types", fileTypes)

	<-ctx.Done()
	<-engine.Stop().Done()
	c.logger.Info("pipeline runner stopped")
	return nil
}

// tick processes every file type concurrently. One file type's failure does
// not stop the others; all failures are returned joined.
func (c *chain) tick(ctx context.Context, fileTypes []string) error {
	summary := &tickSummary{processed: make(map[string]int)}
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gCtx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for _, ft := range fileTypes {
		g.Go(func() error {
			if err := c.drive(gCtx, ft, summary); err != nil {
				c.logger.Error("file type failed", "file_type", ft, "error", err, "error_kind", string(types.KindOf(err)))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ft, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("tick complete", "processed", summary.processed)
	return errors.Join(errs...)
}

// drive runs one file type's due slots through the stages, at most maxSlots
// of them.
func (c *chain) drive(ctx context.Context, fileType string, summary *tickSummary) error {
	limit := c.maxSlots
	if limit < 1 {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		ctx := app.WithInvocation(ctx, c.logger.With("file_type", fileType))

		sig, err := c.engine.Evaluate(ctx, types.ScheduleRequest{
			FileType:      fileType,
			StartDateTime: c.start,
			EventDateTime: c.now().UTC().Format(time.RFC3339),
			Frequency:     c.frequency,
		})
		if err != nil {
			return err
		}
		if !sig.QueryFlag.IsYes() {
			return nil
		}

		res, err := c.query.Run(ctx, sig)
		if err != nil {
			return err
		}
		if res.TriggerExportFlag.IsYes() {
			resp, err := c.export.Run(ctx, res)
			if err != nil {
				return err
			}
			if resp.Body.Status == types.StatusPending {
				// The job keeps running; the slot stays claimed until it is
				// picked up again.
				return nil
			}
		}
		summary.add(fileType)
	}
	return nil
}

// splitList splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
