package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"c2cpipeline/internal/external"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// QueryExecutor runs statements on the query engine.
type QueryExecutor interface {
	Submit(ctx context.Context, req external.QueryRequest) (string, error)
	GetStatus(ctx context.Context, executionID string) (poll.Status, error)
	Cancel(ctx context.Context, executionID string) error
}

// QueryStageConfig wires a QueryStage. Runs and Metrics are optional.
type QueryStageConfig struct {
	Configs  ConfigSource
	Tracker  ScheduleTracker
	Executor QueryExecutor
	Policy   poll.Policy
	Runs     RunRecorder
	Metrics  metrics.Publisher
	Sleeper  poll.Sleeper
	Logger   *slog.Logger
}

// QueryStage loads a due slot's partition and copies it into the target
// table.
type QueryStage struct {
	cfg      QueryStageConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewQueryStage creates a QueryStage. Metrics default to metrics.Nop and a
// nil Logger to slog.Default.
func NewQueryStage(cfg QueryStageConfig) *QueryStage {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &QueryStage{cfg: cfg, validate: validator.New(), logger: logger}
}

// Run handles one due signal. A signal whose query_flag is not Y is a no-op,
// and so is a redelivered signal for a slot that was already Sent.
// Otherwise the stage claims the record (query_started), runs the add
// partition and insert statements in order, and either hands the slot to the
// export stage or marks it Sent itself. The first failing statement aborts
// the run and returns the record to awaiting_due.
func (s *QueryStage) Run(ctx context.Context, sig types.DueSignal) (types.QueryResult, error) {
	out := types.QueryResult{
		FileType:          sig.FileType,
		LoadDate:          sig.LoadDate,
		Hour:              sig.Hour,
		SlotID:            sig.SlotID,
		UpdateStatusFlag:  types.No,
		TriggerExportFlag: types.No,
	}
	log := types.LoggerFromContext(ctx, s.logger).With(
		"stage", StageQuery, "file_type", sig.FileType, "load_date", sig.LoadDate, "hour", sig.Hour, "slot_id", sig.SlotID)
	ref := schedule.SlotRef{FileType: sig.FileType, LoadDate: sig.LoadDate, SlotID: sig.SlotID, Hour: sig.Hour}

	if !sig.QueryFlag.IsYes() {
		log.InfoContext(ctx, "slot not due, nothing to do", "query_flag", string(sig.QueryFlag))
		out.Status = types.StatusSkipped
		return out, nil
	}
	if err := s.validate.Struct(sig); err != nil {
		return out, types.NewAppError(types.ErrCodeParseInvalidInput, "invalid due signal", err)
	}

	cfg, err := s.cfg.Configs.GetFileTypeConfig(ctx, sig.FileType)
	if err != nil {
		return out, err
	}
	stmts, err := QueryStatements(cfg, sig.LoadDate, sig.Hour)
	if err != nil {
		return out, err
	}

	if _, err := s.cfg.Tracker.Fire(ctx, ref, schedule.EventQueryStarted); err != nil {
		if alreadySent(err) {
			log.WarnContext(ctx, "slot already sent, dropping redelivered signal", "error", err)
			out.Status = types.StatusAlreadySent
			return out, nil
		}
		return out, err
	}

	run := startRun(ctx, StageQuery, sig.FileType, sig.LoadDate, sig.Hour, s.cfg.Runs, s.cfg.Metrics, log)
	var (
		checks int
		lastID string
	)
	for _, stmt := range stmts {
		id, res, err := s.execute(ctx, log, cfg, stmt)
		checks += res.Checks
		if id != "" {
			lastID = id
		}
		if err != nil {
			out.Status = failureStatus(err, res)
			log.ErrorContext(ctx, "query stage failed",
				"statement", stmt.Name, "execution_id", id, "status", out.Status, "error", err)
			fireQuietly(ctx, s.cfg.Tracker, log, ref, schedule.EventQueryFailed)
			run.finish(ctx, metrics.OutcomeFailed, lastID, checks, err)
			return out, err
		}
		out.Status = res.Last.State
	}

	outcome := metrics.OutcomeSucceeded
	if cfg.ExportEnabled {
		if _, err := s.cfg.Tracker.Fire(ctx, ref, schedule.EventExportRequested); err != nil {
			run.finish(ctx, metrics.OutcomeFailed, lastID, checks, err)
			return out, err
		}
		out.UpdateStatusFlag = types.Yes
		out.TriggerExportFlag = types.Yes
		outcome = metrics.OutcomeRequested
		log.InfoContext(ctx, "queries succeeded, export requested")
	} else {
		_, slot, err := s.cfg.Tracker.AdvanceSlot(ctx, ref)
		if err != nil {
			run.finish(ctx, metrics.OutcomeFailed, lastID, checks, err)
			return out, err
		}
		log.InfoContext(ctx, "queries succeeded, slot sent", "slot_id", slot.ID)
	}

	run.finish(ctx, outcome, lastID, checks, nil)
	return out, nil
}

// execute submits one statement and polls it. An unrecognized state cancels
// the execution and surfaces as ErrCodeExecutionTerminated; running out of
// budget is a BudgetExhaustedError.
func (s *QueryStage) execute(ctx context.Context, log *slog.Logger, cfg *types.FileTypeConfig, stmt Statement) (string, poll.Result, error) {
	id, err := s.cfg.Executor.Submit(ctx, external.QueryRequest{
		SQL:            stmt.SQL,
		Database:       cfg.Database,
		Params:         stmt.Params,
		OutputLocation: cfg.OutputLocation,
		WorkGroup:      cfg.WorkGroup,
	})
	if err != nil {
		return "", poll.Result{}, fmt.Errorf("%s: %w", stmt.Name, err)
	}
	log.InfoContext(ctx, "statement submitted", "statement", stmt.Name, "execution_id", id)

	subject := fmt.Sprintf("query %s (%s)", id, stmt.Name)
	opts := []poll.Option{
		poll.WithLogger(log, subject),
		poll.WithTerminateOnUnknown(func(ctx context.Context) error {
			return s.cfg.Executor.Cancel(ctx, id)
		}),
	}
	if s.cfg.Sleeper != nil {
		opts = append(opts, poll.WithSleeper(s.cfg.Sleeper))
	}

	res, err := poll.New(s.cfg.Policy, external.AthenaStates, opts...).Until(ctx, func(ctx context.Context) (poll.Status, error) {
		return s.cfg.Executor.GetStatus(ctx, id)
	})
	if err != nil {
		return id, res, annotate(err, map[string]any{"execution_id": id, "statement": stmt.Name})
	}

	switch res.Outcome {
	case poll.Terminated:
		log.WarnContext(ctx, "statement terminated", "statement", stmt.Name, "execution_id", id,
			"state", res.Last.State, "status", types.StatusTerminated)
		return id, res, types.NewAppErrorWithDetails(types.ErrCodeExecutionTerminated,
			fmt.Sprintf("%s reported unrecognized state %q and was cancelled", subject, res.Last.State), nil,
			map[string]any{"execution_id": id, "statement": stmt.Name, "state": res.Last.State, "status": types.StatusTerminated})
	case poll.Exhausted:
		return id, res, poll.ExhaustedError(subject, s.cfg.Policy, res).
			WithDetails(map[string]any{"execution_id": id, "statement": stmt.Name})
	}

	log.InfoContext(ctx, "statement succeeded", "statement", stmt.Name, "execution_id", id, "checks", res.Checks)
	return id, res, nil
}

// failureStatus is the status reported for a failed statement: TERMINATED
// for a cancelled execution, otherwise the last state the provider reported.
func failureStatus(err error, res poll.Result) string {
	if types.CodeOf(err) == types.ErrCodeExecutionTerminated {
		return types.StatusTerminated
	}
	return res.Last.State
}

// annotate merges details into err when it is an AppError.
func annotate(err error, details map[string]any) error {
	if appErr, ok := err.(*types.AppError); ok {
		return appErr.WithDetails(details)
	}
	return err
}
