package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"c2cpipeline/internal/types"
)

// RecordStore is the part of the schedule table the stages need.
type RecordStore interface {
	Get(ctx context.Context, fileType, loadDate string) (*types.ScheduleRecord, error)

	// UpdateState persists rec's slots, processing flag and phase in one
	// conditional write. The write succeeds only while the stored version
	// equals expectedVersion and the record is still Active; otherwise it
	// fails with a ConflictError. On success rec.Version is incremented.
	UpdateState(ctx context.Context, rec *types.ScheduleRecord, expectedVersion int64) error
}

// Tracker applies phase events and slot advances to a schedule record with
// optimistic concurrency.
type Tracker struct {
	store    RecordStore
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Store    RecordStore
	LeaseTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// SlotRef names the slot a stage message is about. SlotID is zero for
// messages written before slot ids were carried; Hour is then the only check.
type SlotRef struct {
	FileType string
	LoadDate string
	SlotID   int
	Hour     string
}

func (r SlotRef) details() map[string]any {
	return map[string]any{"file_type": r.FileType, "load_date": r.LoadDate, "slot_id": r.SlotID, "hour": r.Hour}
}

// NewTracker creates a Tracker. A nil Logger falls back to slog.Default and a
// nil Now to time.Now.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: cfg.Store, leaseTTL: cfg.LeaseTTL, now: now, logger: logger}
}

// Load returns the record for (fileType, loadDate). A missing record is a
// ConfigurationError.
func (t *Tracker) Load(ctx context.Context, fileType, loadDate string) (*types.ScheduleRecord, error) {
	rec, err := t.store.Get(ctx, fileType, loadDate)
	if err != nil {
		return nil, fmt.Errorf("loading schedule %s/%s: %w", fileType, loadDate, err)
	}
	if rec == nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConfigMissing, "schedule record not found", nil,
			map[string]any{"file_type": fileType, "load_date": loadDate})
	}
	return rec, nil
}

// Fire applies ev to the record of ref and persists the new phase. ref must
// name the record's next due slot: a slot that was already Sent fails with
// ErrCodeConflictSlotSent so a redelivered message can be dropped.
func (t *Tracker) Fire(ctx context.Context, ref SlotRef, ev Event) (*types.ScheduleRecord, error) {
	rec, err := t.Load(ctx, ref.FileType, ref.LoadDate)
	if err != nil {
		return nil, err
	}
	if err := checkSlot(rec, ref); err != nil {
		return nil, err
	}

	now := t.now()
	from := EffectivePhase(rec, now, t.leaseTTL)
	to, err := Transition(from, ev, false)
	if err != nil {
		return nil, err
	}

	expected := rec.Version
	rec.Phase = to
	rec.PhaseUpdatedAt = now.UTC().Format(time.RFC3339)
	if err := t.store.UpdateState(ctx, rec, expected); err != nil {
		return nil, fmt.Errorf("%s on %s/%s: %w", ev, ref.FileType, ref.LoadDate, err)
	}

	types.LoggerFromContext(ctx, t.logger).InfoContext(ctx, "phase changed",
		"file_type", ref.FileType, "load_date", ref.LoadDate, "slot_id", ref.SlotID,
		"event", string(ev), "from", string(from), "to", string(to), "version", rec.Version)
	return rec, nil
}

// AdvanceSlot marks the slot named by ref Sent in one conditional write,
// flipping the record to Done when that slot closes the day. ref must name
// the next due slot, which stops a late retry from marking a slot it never
// processed.
func (t *Tracker) AdvanceSlot(ctx context.Context, ref SlotRef) (*types.ScheduleRecord, types.Slot, error) {
	rec, err := t.Load(ctx, ref.FileType, ref.LoadDate)
	if err != nil {
		return nil, types.Slot{}, err
	}
	if err := checkSlot(rec, ref); err != nil {
		return nil, types.Slot{}, err
	}
	if !rec.IsActive() {
		return nil, types.Slot{}, types.NewAppErrorWithDetails(types.ErrCodeConflictPhase,
			"schedule record is no longer active", nil, ref.details())
	}

	freq := rec.EffectiveFrequency()
	slots, sent, flag, err := Advance(rec.Slots, freq)
	if err != nil {
		return nil, types.Slot{}, err
	}

	now := t.now()
	from := EffectivePhase(rec, now, t.leaseTTL)
	to, err := Transition(from, EventSlotSent, flag == types.ProcessingDone)
	if err != nil {
		return nil, types.Slot{}, err
	}

	expected := rec.Version
	rec.Slots = slots
	rec.ProcessingFlag = flag
	rec.Frequency = freq
	rec.Phase = to
	rec.PhaseUpdatedAt = now.UTC().Format(time.RFC3339)
	if err := t.store.UpdateState(ctx, rec, expected); err != nil {
		return nil, types.Slot{}, fmt.Errorf("advancing %s/%s: %w", ref.FileType, ref.LoadDate, err)
	}

	types.LoggerFromContext(ctx, t.logger).InfoContext(ctx, "slot sent",
		"file_type", ref.FileType, "load_date", ref.LoadDate, "slot_id", sent.ID,
		"slot_time", sent.DueTime, "processing_flag", string(flag), "phase", string(to))
	return rec, sent, nil
}

// checkSlot verifies that ref names rec's next due slot. Slot ids below the
// next due one have been Sent already; a larger id is not due yet.
func checkSlot(rec *types.ScheduleRecord, ref SlotRef) error {
	next, ok := NextDue(rec.Slots)
	switch {
	case ref.SlotID > 0 && (!ok || ref.SlotID < next.ID):
		return types.NewAppErrorWithDetails(types.ErrCodeConflictSlotSent,
			fmt.Sprintf("slot %d was already sent", ref.SlotID), nil, ref.details())
	case ref.SlotID > 0 && ref.SlotID != next.ID:
		return types.NewAppErrorWithDetails(types.ErrCodeConflictPhase,
			fmt.Sprintf("slot %d is not the next due slot (%d)", ref.SlotID, next.ID), nil, ref.details())
	case ref.SlotID == 0 && ref.Hour != "" && ok && next.Hour() != ref.Hour:
		return types.NewAppErrorWithDetails(types.ErrCodeConflictPhase,
			fmt.Sprintf("next due slot is in hour %s, not %s", next.Hour(), ref.Hour), nil, ref.details())
	}
	return nil
}
