package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"c2cpipeline/internal/db"
	"c2cpipeline/internal/external"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// --- config source ---

type fakeConfigs struct {
	cfg *types.FileTypeConfig
	err error
}

func (f *fakeConfigs) GetFileTypeConfig(_ context.Context, fileType string) (*types.FileTypeConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.cfg == nil || f.cfg.FileType != fileType {
		return nil, types.NewAppError(types.ErrCodeConfigMissing, "file type config not found", nil)
	}
	c := *f.cfg
	return &c, nil
}

func intervalsConfig(export bool) *types.FileTypeConfig {
	return &types.FileTypeConfig{
		FileType:          "intervals",
		Database:          "c2c_lake",
		SourceTable:       "raw_intervals",
		TargetTable:       "intervals",
		AddPartitionSQL:   "ALTER TABLE {table_name} ADD IF NOT EXISTS PARTITION (load_date={load_date}, hour={hour})",
		InsertSQL:         "INSERT INTO {target_table} SELECT * FROM {source_table} WHERE load_date={load_date} AND hour={hour}",
		ExportEnabled:     export,
		ExportJobName:     "c2c-intervals-export",
		ExportSourceDB:    "c2c_lake",
		ExportTargetDB:    "analytics",
		ExportSourceTable: "intervals",
		ExportTargetTable: "public.intervals",
		ColumnMapping:     types.ColumnMapping{{"meter_id", "string", "meter_id", "varchar"}},
	}
}

// --- schedule tracker ---

type fakeTracker struct {
	mu       sync.Mutex
	events   []schedule.Event
	refs     []schedule.SlotRef
	advanced []string
	fireErr  map[schedule.Event]error
	advErr   error
}

func (f *fakeTracker) Fire(_ context.Context, ref schedule.SlotRef, ev schedule.Event) (*types.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fireErr[ev]; err != nil {
		return nil, err
	}
	f.events = append(f.events, ev)
	f.refs = append(f.refs, ref)
	return &types.ScheduleRecord{}, nil
}

func (f *fakeTracker) AdvanceSlot(_ context.Context, ref schedule.SlotRef) (*types.ScheduleRecord, types.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advErr != nil {
		return nil, types.Slot{}, f.advErr
	}
	f.advanced = append(f.advanced, ref.Hour)
	return &types.ScheduleRecord{}, types.Slot{ID: ref.SlotID, DueTime: ref.Hour + ":59:00", Status: types.SlotSent}, nil
}

// --- query executor ---

// fakeExecutor replays one status script per submitted statement. The last
// status of a script repeats once the script is used up.
type fakeExecutor struct {
	scripts   [][]poll.Status
	submitErr error
	statusErr error

	submitted []external.QueryRequest
	cancelled []string
	reads     map[string]int
}

func (f *fakeExecutor) Submit(_ context.Context, req external.QueryRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return fmt.Sprintf("qe-%d", len(f.submitted)), nil
}

func (f *fakeExecutor) GetStatus(_ context.Context, id string) (poll.Status, error) {
	if f.statusErr != nil {
		return poll.Status{}, f.statusErr
	}
	if f.reads == nil {
		f.reads = make(map[string]int)
	}
	var idx int
	fmt.Sscanf(id, "qe-%d", &idx)
	script := f.scripts[idx-1]
	n := f.reads[id]
	f.reads[id]++
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], nil
}

func (f *fakeExecutor) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func states(names ...string) []poll.Status {
	out := make([]poll.Status, len(names))
	for i, n := range names {
		out[i] = poll.Status{State: n}
	}
	return out
}

// --- job runner ---

type fakeJobs struct {
	script   []poll.Status
	startErr error

	started []map[string]string
	jobName string
	reads   int

	// onStatus runs before each status read.
	onStatus func()
}

func (f *fakeJobs) Start(_ context.Context, jobName string, args map[string]string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.jobName = jobName
	f.started = append(f.started, args)
	return "jr_1", nil
}

func (f *fakeJobs) GetStatus(_ context.Context, _, _ string) (poll.Status, error) {
	if f.onStatus != nil {
		f.onStatus()
	}
	n := f.reads
	f.reads++
	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	return f.script[n], nil
}

// --- run history and metrics ---

type finishedRun struct {
	status     string
	externalID string
	err        error
}

type fakeRuns struct {
	entries  []db.RunEntry
	finished []finishedRun
	startErr error
}

func (f *fakeRuns) Start(_ context.Context, e db.RunEntry) (int64, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

func (f *fakeRuns) Finish(_ context.Context, _ int64, status, externalID string, runErr error) error {
	f.finished = append(f.finished, finishedRun{status: status, externalID: externalID, err: runErr})
	return nil
}

type fakeMetrics struct {
	recorded []metrics.StageMetric
}

func (f *fakeMetrics) RecordStage(_ context.Context, m metrics.StageMetric) error {
	f.recorded = append(f.recorded, m)
	return errors.New("metrics are best effort")
}

// --- sleeper ---

type countingSleeper struct {
	calls int
	total time.Duration
}

func (s *countingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.calls++
	s.total += d
	return nil
}
