package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"c2cpipeline/internal/types"
)

// Store is the part of the schedule table the Engine needs.
type Store interface {
	// QueryByFlag returns every schedule record of fileType whose
	// processing_flag equals flag.
	QueryByFlag(ctx context.Context, fileType string, flag types.ProcessingFlag) ([]types.ScheduleRecord, error)

	// Create writes a new record. It fails with a ConflictError when a record
	// with the same key already exists.
	Create(ctx context.Context, rec *types.ScheduleRecord) error
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store    Store
	LeaseTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Engine decides, once per trigger, whether the next slot of a file type is
// due. It creates the day's schedule record when none is active.
type Engine struct {
	store    Store
	leaseTTL time.Duration
	now      func() time.Time
	validate *validator.Validate
	logger   *slog.Logger
}

// NewEngine creates an Engine. A nil Logger falls back to slog.Default and a
// nil Now to time.Now.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    cfg.Store,
		leaseTTL: cfg.LeaseTTL,
		now:      now,
		validate: validator.New(),
		logger:   logger,
	}
}

// Evaluate returns the due signal for req.
//
// query_flag is Y when event_datetime is strictly after the next Queued
// slot's due instant and no other stage currently holds the record.
// Otherwise it is N and the stage chain does nothing this cycle.
func (e *Engine) Evaluate(ctx context.Context, req types.ScheduleRequest) (types.DueSignal, error) {
	if err := e.validate.Struct(req); err != nil {
		return types.DueSignal{}, types.NewAppError(types.ErrCodeParseInvalidInput, "invalid schedule request", err)
	}

	eventAt, err := ParseTimestamp(req.EventDateTime)
	if err != nil {
		return types.DueSignal{}, err
	}

	log := types.LoggerFromContext(ctx, e.logger).With("file_type", req.FileType)

	rec, err := e.activeRecord(ctx, req, log)
	if err != nil {
		return types.DueSignal{}, err
	}

	slot, ok := NextDue(rec.Slots)
	if !ok {
		return types.DueSignal{}, types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
			"active schedule record has no queued slot", nil,
			map[string]any{"file_type": rec.FileType, "load_date": rec.LoadDate})
	}

	slotAt, err := SlotDateTime(rec.LoadDate, slot)
	if err != nil {
		return types.DueSignal{}, err
	}

	out := types.DueSignal{
		FileType:  rec.FileType,
		LoadDate:  rec.LoadDate,
		Hour:      slot.Hour(),
		SlotID:    slot.ID,
		QueryFlag: types.No,
	}

	phase := EffectivePhase(rec, e.now(), e.leaseTTL)
	due := eventAt.After(slotAt)

	switch {
	case !due:
		log.InfoContext(ctx, "schedule running ahead, nothing to do",
			"load_date", rec.LoadDate, "slot_id", slot.ID, "slot_time", slotAt, "event_time", eventAt)
	case !Admits(phase, EventQueryStarted):
		log.InfoContext(ctx, "slot due but another stage holds the record",
			"load_date", rec.LoadDate, "slot_id", slot.ID, "phase", string(phase))
	default:
		out.QueryFlag = types.Yes
		log.InfoContext(ctx, "slot due",
			"load_date", rec.LoadDate, "slot_id", slot.ID, "hour", out.Hour, "phase", string(phase))
	}

	return out, nil
}

// activeRecord loads the file type's Active record, creating the next one
// when there is none.
func (e *Engine) activeRecord(ctx context.Context, req types.ScheduleRequest, log *slog.Logger) (*types.ScheduleRecord, error) {
	active, err := e.store.QueryByFlag(ctx, req.FileType, types.ProcessingActive)
	if err != nil {
		return nil, fmt.Errorf("loading active schedule: %w", err)
	}

	switch len(active) {
	case 1:
		return &active[0], nil
	case 0:
	default:
		dates := make([]string, len(active))
		for i, r := range active {
			dates[i] = r.LoadDate
		}
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
			fmt.Sprintf("%d active schedule records for one file type", len(active)), nil,
			map[string]any{"file_type": req.FileType, "load_dates": dates})
	}

	loadDate, err := e.nextLoadDate(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := &types.ScheduleRecord{
		FileType:       req.FileType,
		LoadDate:       loadDate,
		ProcessingFlag: types.ProcessingActive,
		Frequency:      req.Frequency.OrDefault(),
		Slots:          GenerateSlots(req.Frequency),
		Phase:          types.PhaseAwaitingDue,
		PhaseUpdatedAt: e.now().UTC().Format(time.RFC3339),
		Version:        1,
	}

	if err := e.store.Create(ctx, rec); err != nil {
		if types.KindOf(err) != types.KindConflict {
			return nil, fmt.Errorf("creating schedule for %s: %w", loadDate, err)
		}
		// Another invocation created it first; use theirs.
		log.WarnContext(ctx, "schedule created concurrently, reloading", "load_date", loadDate)
		active, err := e.store.QueryByFlag(ctx, req.FileType, types.ProcessingActive)
		if err != nil {
			return nil, fmt.Errorf("reloading active schedule: %w", err)
		}
		if len(active) != 1 {
			return nil, types.NewAppError(types.ErrCodeConflictConcurrent, "schedule record changed while being created", err)
		}
		return &active[0], nil
	}

	log.InfoContext(ctx, "created schedule", "load_date", loadDate, "frequency", string(rec.Frequency), "slots", len(rec.Slots))
	return rec, nil
}

// nextLoadDate is the day after the latest Done record, or the request's
// start date for a file type that has never run.
func (e *Engine) nextLoadDate(ctx context.Context, req types.ScheduleRequest) (string, error) {
	done, err := e.store.QueryByFlag(ctx, req.FileType, types.ProcessingDone)
	if err != nil {
		return "", fmt.Errorf("loading completed schedules: %w", err)
	}
	if len(done) > 0 {
		dates := make([]string, len(done))
		for i, r := range done {
			dates[i] = r.LoadDate
		}
		return NextLoadDate(dates)
	}

	if strings.TrimSpace(req.StartDateTime) == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeConfigMissing,
			"no schedule record and no schd_start_datetime", nil,
			map[string]any{"file_type": req.FileType})
	}
	return StartDate(req.StartDateTime)
}

// StartDate returns the date part of a start timestamp ("2024-03-01T00:00:00Z"
// or a bare "2024-03-01").
func StartDate(s string) (string, error) {
	datePart, _, _ := strings.Cut(strings.TrimSpace(s), "T")
	if _, err := time.Parse(types.DateLayout, datePart); err != nil {
		return "", types.NewAppError(types.ErrCodeParseInvalidInput, fmt.Sprintf("invalid schd_start_datetime %q", s), err)
	}
	return datePart, nil
}

// ParseTimestamp parses an RFC 3339 timestamp and converts it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeParseInvalidInput, fmt.Sprintf("invalid timestamp %q", s), err)
	}
	return t.UTC(), nil
}
