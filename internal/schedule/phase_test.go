package schedule

import (
	"testing"
	"time"

	"c2cpipeline/internal/types"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from     types.Phase
		ev       Event
		lastSlot bool
		want     types.Phase
		wantErr  bool
	}{
		{types.PhaseAwaitingDue, EventQueryStarted, false, types.PhaseQuerying, false},
		{types.PhaseAwaitingExport, EventQueryStarted, false, "", true},
		{types.PhaseExportFailed, EventQueryStarted, false, types.PhaseQuerying, false},
		{types.PhaseQuerying, EventQueryStarted, false, "", true},
		{types.PhaseExporting, EventQueryStarted, false, "", true},
		{types.PhaseQuerying, EventQueryFailed, false, types.PhaseAwaitingDue, false},
		{types.PhaseQuerying, EventExportRequested, false, types.PhaseAwaitingExport, false},
		{types.PhaseAwaitingExport, EventExportStarted, false, types.PhaseExporting, false},
		{types.PhaseAwaitingDue, EventExportStarted, false, "", true},
		{types.PhaseExportFailed, EventExportStarted, false, types.PhaseExporting, false},
		{types.PhaseExporting, EventExportFailed, false, types.PhaseExportFailed, false},
		{types.PhaseAwaitingExport, EventExportFailed, false, "", true},
		{types.PhaseExportFailed, EventSlotSent, false, "", true},
		{types.PhaseQuerying, EventSlotSent, false, types.PhaseAwaitingDue, false},
		{types.PhaseExporting, EventSlotSent, false, types.PhaseAwaitingDue, false},
		{types.PhaseExporting, EventSlotSent, true, types.PhaseDone, false},
		{types.PhaseAwaitingDue, EventSlotSent, false, "", true},
		{types.PhaseDone, EventQueryStarted, false, "", true},
		{types.PhaseAwaitingDue, Event("bogus"), false, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev, tt.lastSlot)
			if tt.wantErr {
				if types.KindOf(err) != types.KindConflict {
					t.Fatalf("expected ConflictError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Transition = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEffectivePhase_LeaseReclaim(t *testing.T) {
	now := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	ttl := 30 * time.Minute

	tests := []struct {
		name string
		rec  types.ScheduleRecord
		want types.Phase
	}{
		{
			name: "fresh querying lease holds",
			rec:  types.ScheduleRecord{Phase: types.PhaseQuerying, PhaseUpdatedAt: "2024-03-01T05:45:00Z"},
			want: types.PhaseQuerying,
		},
		{
			name: "expired querying lease",
			rec:  types.ScheduleRecord{Phase: types.PhaseQuerying, PhaseUpdatedAt: "2024-03-01T05:30:00Z"},
			want: types.PhaseAwaitingDue,
		},
		{
			name: "expired exporting lease",
			rec:  types.ScheduleRecord{Phase: types.PhaseExporting, PhaseUpdatedAt: "2024-03-01T01:00:00Z"},
			want: types.PhaseExportFailed,
		},
		{
			name: "in-flight without timestamp",
			rec:  types.ScheduleRecord{Phase: types.PhaseExporting},
			want: types.PhaseExportFailed,
		},
		{
			name: "fresh export request holds",
			rec:  types.ScheduleRecord{Phase: types.PhaseAwaitingExport, PhaseUpdatedAt: "2024-03-01T05:59:59Z"},
			want: types.PhaseAwaitingExport,
		},
		{
			name: "lost export request",
			rec:  types.ScheduleRecord{Phase: types.PhaseAwaitingExport, PhaseUpdatedAt: "2024-03-01T05:00:00Z"},
			want: types.PhaseExportFailed,
		},
		{
			name: "resting phase never reclaimed",
			rec:  types.ScheduleRecord{Phase: types.PhaseExportFailed, PhaseUpdatedAt: "2020-01-01T00:00:00Z"},
			want: types.PhaseExportFailed,
		},
		{
			name: "legacy record without phase",
			rec:  types.ScheduleRecord{ProcessingFlag: types.ProcessingActive},
			want: types.PhaseAwaitingDue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectivePhase(&tt.rec, now, ttl); got != tt.want {
				t.Errorf("EffectivePhase = %q, want %q", got, tt.want)
			}
		})
	}

	rec := types.ScheduleRecord{Phase: types.PhaseQuerying}
	if got := EffectivePhase(&rec, now, 0); got != types.PhaseQuerying {
		t.Errorf("zero TTL must disable reclaim, got %q", got)
	}
}
