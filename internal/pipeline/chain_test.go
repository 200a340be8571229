package pipeline

import (
	"context"
	"testing"
	"time"

	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// memStore is an in-memory schedule table with the same write conditions as
// the DynamoDB store.
type memStore struct {
	records map[string]types.ScheduleRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]types.ScheduleRecord)}
}

func copyRecord(r types.ScheduleRecord) *types.ScheduleRecord {
	r.Slots = append([]types.Slot(nil), r.Slots...)
	return &r
}

func (m *memStore) QueryByFlag(_ context.Context, fileType string, flag types.ProcessingFlag) ([]types.ScheduleRecord, error) {
	var out []types.ScheduleRecord
	for _, r := range m.records {
		if r.FileType == fileType && r.ProcessingFlag == flag {
			out = append(out, *copyRecord(r))
		}
	}
	return out, nil
}

func (m *memStore) Create(_ context.Context, rec *types.ScheduleRecord) error {
	key := rec.FileType + "/" + rec.LoadDate
	if _, ok := m.records[key]; ok {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "record exists", nil)
	}
	m.records[key] = *copyRecord(*rec)
	return nil
}

func (m *memStore) Get(_ context.Context, fileType, loadDate string) (*types.ScheduleRecord, error) {
	r, ok := m.records[fileType+"/"+loadDate]
	if !ok {
		return nil, nil
	}
	return copyRecord(r), nil
}

func (m *memStore) UpdateState(_ context.Context, rec *types.ScheduleRecord, expected int64) error {
	key := rec.FileType + "/" + rec.LoadDate
	cur, ok := m.records[key]
	if !ok || cur.Version != expected || !cur.IsActive() {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "schedule record was modified concurrently", nil)
	}
	rec.Version = expected + 1
	m.records[key] = *copyRecord(*rec)
	return nil
}

func (m *memStore) record(t *testing.T, key string) types.ScheduleRecord {
	t.Helper()
	r, ok := m.records[key]
	if !ok {
		t.Fatalf("record %s not found", key)
	}
	return r
}

func TestChain_EngineQueryExport(t *testing.T) {
	now := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore()

	engine := schedule.NewEngine(schedule.EngineConfig{Store: store, LeaseTTL: 30 * time.Minute, Now: clock})
	tracker := schedule.NewTracker(schedule.TrackerConfig{Store: store, LeaseTTL: 30 * time.Minute, Now: clock})
	configs := &fakeConfigs{cfg: intervalsConfig(true)}
	sleeper := &countingSleeper{}

	query := NewQueryStage(QueryStageConfig{
		Configs:  configs,
		Tracker:  tracker,
		Executor: &fakeExecutor{scripts: [][]poll.Status{states("SUCCEEDED"), states("RUNNING", "SUCCEEDED")}},
		Policy:   poll.Policy{Budget: 10, Delay: 10 * time.Second},
		Sleeper:  sleeper.sleep,
	})

	req := types.ScheduleRequest{
		FileType:      "intervals",
		StartDateTime: "2024-03-01T00:00:00Z",
		EventDateTime: "2024-03-01T05:00:00Z",
		Frequency:     types.FrequencyHourly,
	}
	ctx := context.Background()

	sig, err := engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.QueryFlag != types.Yes || sig.Hour != "00" || sig.LoadDate != "2024-03-01" {
		t.Fatalf("signal = %+v, want Y for hour 00", sig)
	}

	qr, err := query.Run(ctx, sig)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := store.record(t, "intervals/2024-03-01").Phase; got != types.PhaseAwaitingExport {
		t.Fatalf("phase after query = %s, want awaiting_export", got)
	}
	if sig.SlotID != 1 || qr.SlotID != 1 {
		t.Errorf("slot ids = %d/%d, want 1", sig.SlotID, qr.SlotID)
	}

	// A tick between the query and the export must not claim the slot again.
	pending, err := engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if pending.QueryFlag != types.No {
		t.Errorf("engine emitted %s while the export was pending", pending.QueryFlag)
	}

	var duringExport types.DueSignal
	jobs := &fakeJobs{script: states("RUNNING", "SUCCEEDED")}
	jobs.onStatus = func() {
		if jobs.reads == 0 {
			duringExport, err = engine.Evaluate(ctx, req)
		}
	}
	export := NewExportStage(ExportStageConfig{
		Configs: configs,
		Tracker: tracker,
		Jobs:    jobs,
		Policy:  poll.Policy{Budget: 10, Delay: 80 * time.Second},
		Sleeper: sleeper.sleep,
	})

	resp, err := export.Run(ctx, qr)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if resp.Body.Status != "SUCCEEDED" {
		t.Errorf("export status = %q", resp.Body.Status)
	}
	if duringExport.QueryFlag != types.No {
		t.Errorf("engine emitted %s while the export held the record", duringExport.QueryFlag)
	}

	rec := store.record(t, "intervals/2024-03-01")
	if rec.Phase != types.PhaseAwaitingDue || !rec.IsActive() {
		t.Errorf("record = phase %s flag %s, want awaiting_due/Y", rec.Phase, rec.ProcessingFlag)
	}
	sent := 0
	for _, s := range rec.Slots {
		if s.Status == types.SlotSent {
			sent++
			if s.ID != 1 {
				t.Errorf("slot %d sent, want slot 1", s.ID)
			}
		}
	}
	if sent != 1 {
		t.Errorf("%d slots sent, want 1", sent)
	}

	next, err := engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if next.QueryFlag != types.Yes || next.Hour != "01" {
		t.Errorf("next signal = %+v, want Y for hour 01", next)
	}
}

func TestChain_LastSlotClosesDay(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore()

	slots := schedule.GenerateSlots(types.FrequencyHourly)
	for i := range slots[:23] {
		slots[i].Status = types.SlotSent
	}
	store.records["intervals/2024-03-01"] = types.ScheduleRecord{
		FileType: "intervals", LoadDate: "2024-03-01", ProcessingFlag: types.ProcessingActive,
		Frequency: types.FrequencyHourly, Slots: slots, Phase: types.PhaseAwaitingDue, Version: 23,
	}

	engine := schedule.NewEngine(schedule.EngineConfig{Store: store, Now: clock})
	tracker := schedule.NewTracker(schedule.TrackerConfig{Store: store, Now: clock})
	query := NewQueryStage(QueryStageConfig{
		Configs:  &fakeConfigs{cfg: intervalsConfig(false)},
		Tracker:  tracker,
		Executor: &fakeExecutor{scripts: [][]poll.Status{states("SUCCEEDED"), states("SUCCEEDED")}},
		Policy:   poll.Policy{Budget: 10, Delay: time.Second},
		Sleeper:  (&countingSleeper{}).sleep,
	})

	req := types.ScheduleRequest{FileType: "intervals", EventDateTime: "2024-03-02T00:05:00Z", Frequency: types.FrequencyHourly}
	sig, err := engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.QueryFlag != types.Yes || sig.Hour != "23" {
		t.Fatalf("signal = %+v, want Y for hour 23", sig)
	}
	if _, err := query.Run(context.Background(), sig); err != nil {
		t.Fatalf("query: %v", err)
	}

	rec := store.record(t, "intervals/2024-03-01")
	if rec.ProcessingFlag != types.ProcessingDone || rec.Phase != types.PhaseDone {
		t.Errorf("record = flag %s phase %s, want N/done", rec.ProcessingFlag, rec.Phase)
	}

	// The next tick opens the following day; its first slot is not due
	// until 00:59.
	next, err := engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if next.LoadDate != "2024-03-02" || next.Hour != "00" || next.QueryFlag != types.No {
		t.Errorf("next = %+v, want 2024-03-02 hour 00 N", next)
	}
	if _, ok := store.records["intervals/2024-03-02"]; !ok {
		t.Error("next day's record was not created")
	}
}
