package schedule

import (
	"context"
	"errors"
	"sort"

	"c2cpipeline/internal/types"
)

// mockStore is an in-memory schedule table keyed by file_type/load_date.
type mockStore struct {
	records map[string]*types.ScheduleRecord

	queryErr    error
	createErr   error
	updateErr   error
	createCalls int
	updateCalls int

	// beforeUpdate runs inside UpdateState, before the version check. Tests
	// use it to simulate a concurrent writer.
	beforeUpdate func()
}

func newMockStore(recs ...types.ScheduleRecord) *mockStore {
	m := &mockStore{records: make(map[string]*types.ScheduleRecord)}
	for i := range recs {
		r := recs[i]
		m.records[r.FileType+"/"+r.LoadDate] = &r
	}
	return m
}

func clone(r *types.ScheduleRecord) *types.ScheduleRecord {
	c := *r
	c.Slots = append([]types.Slot(nil), r.Slots...)
	return &c
}

func (m *mockStore) QueryByFlag(_ context.Context, fileType string, flag types.ProcessingFlag) ([]types.ScheduleRecord, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []types.ScheduleRecord
	for _, r := range m.records {
		if r.FileType == fileType && r.ProcessingFlag == flag {
			out = append(out, *clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadDate < out[j].LoadDate })
	return out, nil
}

func (m *mockStore) Create(_ context.Context, rec *types.ScheduleRecord) error {
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	key := rec.FileType + "/" + rec.LoadDate
	if _, exists := m.records[key]; exists {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "record exists", nil)
	}
	m.records[key] = clone(rec)
	return nil
}

func (m *mockStore) Get(_ context.Context, fileType, loadDate string) (*types.ScheduleRecord, error) {
	r, ok := m.records[fileType+"/"+loadDate]
	if !ok {
		return nil, nil
	}
	return clone(r), nil
}

func (m *mockStore) UpdateState(_ context.Context, rec *types.ScheduleRecord, expectedVersion int64) error {
	m.updateCalls++
	if m.beforeUpdate != nil {
		m.beforeUpdate()
	}
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.records[rec.FileType+"/"+rec.LoadDate]
	if !ok || cur.Version != expectedVersion || cur.ProcessingFlag != types.ProcessingActive {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "version mismatch", errors.New("ConditionalCheckFailedException"))
	}
	rec.Version = expectedVersion + 1
	m.records[rec.FileType+"/"+rec.LoadDate] = clone(rec)
	return nil
}
