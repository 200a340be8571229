// Package pipeline implements the Query and Export stages. Each stage runs
// external work for one due slot, polls it to completion and moves the
// shared schedule record forward.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"c2cpipeline/internal/db"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// Stage names, used in run history, metrics and forwarded messages.
const (
	StageSchedule = "schedule"
	StageQuery    = "query"
	StageExport   = "export"
)

// ConfigSource loads a file type's query and export settings.
type ConfigSource interface {
	GetFileTypeConfig(ctx context.Context, fileType string) (*types.FileTypeConfig, error)
}

// ScheduleTracker moves the shared schedule record through its phases.
type ScheduleTracker interface {
	Fire(ctx context.Context, ref schedule.SlotRef, ev schedule.Event) (*types.ScheduleRecord, error)
	AdvanceSlot(ctx context.Context, ref schedule.SlotRef) (*types.ScheduleRecord, types.Slot, error)
}

// alreadySent reports whether err says the slot was Sent by an earlier
// delivery of the same message.
func alreadySent(err error) bool {
	return types.CodeOf(err) == types.ErrCodeConflictSlotSent
}

// RunRecorder keeps an audit row per stage run. db.RunHistoryRepository
// implements it.
type RunRecorder interface {
	Start(ctx context.Context, e db.RunEntry) (int64, error)
	Finish(ctx context.Context, id int64, status, externalID string, runErr error) error
}

// cleanupTimeout bounds the writes made after a failure, which run even when
// the invocation context is already done.
const cleanupTimeout = 5 * time.Second

// runTracker wraps the optional run history and metrics around one stage
// run. Failures in either are logged, never returned.
type runTracker struct {
	stage   string
	entry   db.RunEntry
	runs    RunRecorder
	metrics metrics.Publisher
	logger  *slog.Logger
	started time.Time
	id      int64
}

func startRun(ctx context.Context, stage, fileType, loadDate, hour string, runs RunRecorder, pub metrics.Publisher, logger *slog.Logger) *runTracker {
	rt := &runTracker{
		stage: stage,
		entry: db.RunEntry{
			Stage:        stage,
			FileType:     fileType,
			LoadDate:     loadDate,
			Hour:         hour,
			InvocationID: types.GetInvocationID(ctx),
		},
		runs:    runs,
		metrics: pub,
		logger:  logger,
		started: time.Now(),
	}
	if runs != nil {
		id, err := runs.Start(ctx, rt.entry)
		if err != nil {
			logger.WarnContext(ctx, "run history unavailable", "stage", stage, "error", err)
		} else {
			rt.id = id
		}
	}
	return rt
}

func (rt *runTracker) finish(ctx context.Context, outcome, externalID string, checks int, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if rt.runs != nil && rt.id != 0 {
		if err := rt.runs.Finish(ctx, rt.id, outcome, externalID, runErr); err != nil {
			rt.logger.WarnContext(ctx, "failed to finish run history entry", "stage", rt.stage, "run_id", rt.id, "error", err)
		}
	}
	if rt.metrics != nil {
		if err := rt.metrics.RecordStage(ctx, metrics.StageMetric{
			Stage:    rt.stage,
			FileType: rt.entry.FileType,
			Outcome:  outcome,
			Duration: time.Since(rt.started),
			Checks:   checks,
		}); err != nil {
			rt.logger.WarnContext(ctx, "failed to publish stage metrics", "stage", rt.stage, "error", err)
		}
	}
}

// fireQuietly applies a failure event after the stage has already failed.
// The original error is what the caller reports, so a failed write is only
// logged; the lease TTL reclaims the record if it never lands.
func fireQuietly(ctx context.Context, tracker ScheduleTracker, logger *slog.Logger, ref schedule.SlotRef, ev schedule.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := tracker.Fire(ctx, ref, ev); err != nil {
		logger.ErrorContext(ctx, "failed to record stage failure",
			"file_type", ref.FileType, "load_date", ref.LoadDate, "slot_id", ref.SlotID, "event", string(ev), "error", err)
	}
}
