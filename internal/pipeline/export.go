package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"c2cpipeline/internal/external"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// ExhaustedPolicy selects what the export stage does when its poll budget
// runs out while the job is still running.
type ExhaustedPolicy string

const (
	// ExhaustedFail raises a BudgetExhaustedError and releases the record.
	ExhaustedFail ExhaustedPolicy = "fail"
	// ExhaustedPending reports PENDING and leaves the record in exporting;
	// once the lease expires the slot is offered again.
	ExhaustedPending ExhaustedPolicy = "pending"
)

// JobRunner starts and inspects transform job runs.
type JobRunner interface {
	Start(ctx context.Context, jobName string, args map[string]string) (string, error)
	GetStatus(ctx context.Context, jobName, runID string) (poll.Status, error)
}

// ExportStageConfig wires an ExportStage. Runs and Metrics are optional.
type ExportStageConfig struct {
	Configs   ConfigSource
	Tracker   ScheduleTracker
	Jobs      JobRunner
	Policy    poll.Policy
	Exhausted ExhaustedPolicy
	Runs      RunRecorder
	Metrics   metrics.Publisher
	Sleeper   poll.Sleeper
	Logger    *slog.Logger
}

// ExportStage copies a loaded slot into the relational target with a
// transform job and then marks the slot Sent.
type ExportStage struct {
	cfg      ExportStageConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewExportStage creates an ExportStage. An empty Exhausted policy means
// ExhaustedFail.
func NewExportStage(cfg ExportStageConfig) *ExportStage {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Exhausted == "" {
		cfg.Exhausted = ExhaustedFail
	}
	return &ExportStage{cfg: cfg, validate: validator.New(), logger: logger}
}

// ExportArguments builds the job arguments for one slot. The column mapping
// is passed as a JSON array of tuples.
func ExportArguments(cfg *types.FileTypeConfig, loadDate, hour string) (map[string]string, error) {
	mapping, err := json.Marshal(cfg.ColumnMapping)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "invalid glue_mapping", err)
	}
	if cfg.ColumnMapping == nil {
		mapping = []byte("[]")
	}
	return map[string]string{
		"--athena_source_db": cfg.ExportSourceDB,
		"--rds_target_db":    cfg.ExportTargetDB,
		"--source_table":     cfg.ExportSourceTable,
		"--target_table":     cfg.ExportTargetTable,
		"--glue_mapping":     string(mapping),
		"--load_date":        loadDate,
		"--hour":             hour,
	}, nil
}

// Run handles one query stage result. Without trigger_export_flag=Y the
// stage does nothing and answers 404 NOT_TRIGGERED. Otherwise it claims the
// record (export_started), runs the job to completion and marks the slot
// Sent. A terminal non-success state moves the record to export_failed and
// fails the invocation. A redelivered result for a slot that was already
// Sent answers 208 ALREADY_SENT without starting a job.
func (s *ExportStage) Run(ctx context.Context, in types.QueryResult) (types.StageResponse[types.ExportResult], error) {
	out := types.ExportResult{
		FileType:          in.FileType,
		LoadDate:          in.LoadDate,
		Hour:              in.Hour,
		SlotID:            in.SlotID,
		TriggerExportFlag: in.TriggerExportFlag,
	}
	if out.TriggerExportFlag == "" {
		out.TriggerExportFlag = types.No
	}
	log := types.LoggerFromContext(ctx, s.logger).With(
		"stage", StageExport, "file_type", in.FileType, "load_date", in.LoadDate, "hour", in.Hour, "slot_id", in.SlotID)
	ref := schedule.SlotRef{FileType: in.FileType, LoadDate: in.LoadDate, SlotID: in.SlotID, Hour: in.Hour}

	if !in.TriggerExportFlag.IsYes() {
		log.InfoContext(ctx, "export not triggered")
		out.Status = types.StatusNotTriggered
		return types.StageResponse[types.ExportResult]{StatusCode: http.StatusNotFound, Body: out}, nil
	}
	fail := func(err error) (types.StageResponse[types.ExportResult], error) {
		return types.StageResponse[types.ExportResult]{}, err
	}

	if err := s.validate.Struct(in); err != nil {
		return fail(types.NewAppError(types.ErrCodeParseInvalidInput, "invalid query stage result", err))
	}

	cfg, err := s.cfg.Configs.GetFileTypeConfig(ctx, in.FileType)
	if err != nil {
		return fail(err)
	}
	if !cfg.ExportEnabled || cfg.ExportJobName == "" {
		return fail(types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
			"export triggered for a file type without an export job", nil,
			map[string]any{"file_type": in.FileType}))
	}
	args, err := ExportArguments(cfg, in.LoadDate, in.Hour)
	if err != nil {
		return fail(err)
	}

	if _, err := s.cfg.Tracker.Fire(ctx, ref, schedule.EventExportStarted); err != nil {
		if alreadySent(err) {
			log.WarnContext(ctx, "slot already sent, dropping redelivered export", "error", err)
			out.Status = types.StatusAlreadySent
			return types.StageResponse[types.ExportResult]{StatusCode: http.StatusAlreadyReported, Body: out}, nil
		}
		return fail(err)
	}
	run := startRun(ctx, StageExport, in.FileType, in.LoadDate, in.Hour, s.cfg.Runs, s.cfg.Metrics, log)

	runID, err := s.cfg.Jobs.Start(ctx, cfg.ExportJobName, args)
	if err != nil {
		fireQuietly(ctx, s.cfg.Tracker, log, ref, schedule.EventExportFailed)
		run.finish(ctx, metrics.OutcomeFailed, "", 0, err)
		return fail(err)
	}
	log = log.With("job_name", cfg.ExportJobName, "run_id", runID)

	subject := fmt.Sprintf("job %s run %s", cfg.ExportJobName, runID)
	opts := []poll.Option{poll.WithLogger(log, subject)}
	if s.cfg.Sleeper != nil {
		opts = append(opts, poll.WithSleeper(s.cfg.Sleeper))
	}
	res, err := poll.New(s.cfg.Policy, external.GlueStates, opts...).Until(ctx, func(ctx context.Context) (poll.Status, error) {
		return s.cfg.Jobs.GetStatus(ctx, cfg.ExportJobName, runID)
	})
	if err == nil && res.Outcome == poll.Exhausted {
		if s.cfg.Exhausted == ExhaustedPending {
			log.WarnContext(ctx, "job still running after poll budget, leaving slot pending",
				"state", res.Last.State, "checks", res.Checks)
			run.finish(ctx, metrics.OutcomePending, runID, res.Checks, nil)
			out.Status = types.StatusPending
			return types.StageResponse[types.ExportResult]{StatusCode: http.StatusAccepted, Body: out}, nil
		}
		err = poll.ExhaustedError(subject, s.cfg.Policy, res)
	}
	if err != nil {
		err = annotate(err, map[string]any{"job_name": cfg.ExportJobName, "run_id": runID})
		log.ErrorContext(ctx, "export job failed", "error", err)
		fireQuietly(ctx, s.cfg.Tracker, log, ref, schedule.EventExportFailed)
		run.finish(ctx, metrics.OutcomeFailed, runID, res.Checks, err)
		return fail(err)
	}

	_, slot, err := s.cfg.Tracker.AdvanceSlot(ctx, ref)
	if err != nil {
		run.finish(ctx, metrics.OutcomeFailed, runID, res.Checks, err)
		return fail(err)
	}

	log.InfoContext(ctx, "export succeeded, slot sent", "slot_id", slot.ID, "checks", res.Checks)
	run.finish(ctx, metrics.OutcomeSucceeded, runID, res.Checks, nil)
	out.Status = res.Last.State
	return types.StageResponse[types.ExportResult]{StatusCode: http.StatusOK, Body: out}, nil
}
