package types

import (
	"testing"
	"time"
)

func TestFrequency_OrDefaultAndSlotCount(t *testing.T) {
	if Frequency("").OrDefault() != FrequencyQuarterHourly {
		t.Error("empty frequency should default to QuarterHourly")
	}
	if FrequencyHourly.OrDefault() != FrequencyHourly {
		t.Error("explicit frequency should be kept")
	}
	if FrequencyHourly.SlotCount() != 24 {
		t.Errorf("Hourly.SlotCount() = %d, want 24", FrequencyHourly.SlotCount())
	}
	if FrequencyQuarterHourly.SlotCount() != 96 {
		t.Errorf("QuarterHourly.SlotCount() = %d, want 96", FrequencyQuarterHourly.SlotCount())
	}
}

func TestSlot_Hour(t *testing.T) {
	if got := (Slot{DueTime: "04:59:00"}).Hour(); got != "04" {
		t.Errorf("Hour() = %q, want 04", got)
	}
	if got := (Slot{DueTime: "23:59:59"}).Hour(); got != "23" {
		t.Errorf("Hour() = %q, want 23", got)
	}
	if got := (Slot{}).Hour(); got != "" {
		t.Errorf("Hour() of empty slot = %q, want empty", got)
	}
}

func TestScheduleRecord_EffectiveFrequency(t *testing.T) {
	hourlySlots := make([]Slot, 24)
	quarterSlots := make([]Slot, 96)

	tests := []struct {
		name string
		rec  ScheduleRecord
		want Frequency
	}{
		{"stored hourly", ScheduleRecord{Frequency: FrequencyHourly, Slots: quarterSlots}, FrequencyHourly},
		{"inferred hourly", ScheduleRecord{Slots: hourlySlots}, FrequencyHourly},
		{"inferred quarter hourly", ScheduleRecord{Slots: quarterSlots}, FrequencyQuarterHourly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.EffectiveFrequency(); got != tt.want {
				t.Errorf("EffectiveFrequency() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScheduleRecord_EffectivePhase(t *testing.T) {
	if p := (&ScheduleRecord{ProcessingFlag: ProcessingActive}).EffectivePhase(); p != PhaseAwaitingDue {
		t.Errorf("legacy active record phase = %q, want %q", p, PhaseAwaitingDue)
	}
	if p := (&ScheduleRecord{ProcessingFlag: ProcessingDone}).EffectivePhase(); p != PhaseDone {
		t.Errorf("legacy done record phase = %q, want %q", p, PhaseDone)
	}
	if p := (&ScheduleRecord{Phase: PhaseExporting}).EffectivePhase(); p != PhaseExporting {
		t.Errorf("stored phase = %q, want %q", p, PhaseExporting)
	}
}

func TestScheduleRecord_PhaseSince(t *testing.T) {
	rec := &ScheduleRecord{PhaseUpdatedAt: "2024-03-01T05:00:10Z"}
	want := time.Date(2024, 3, 1, 5, 0, 10, 0, time.UTC)
	if got := rec.PhaseSince(); !got.Equal(want) {
		t.Errorf("PhaseSince() = %v, want %v", got, want)
	}

	if !(&ScheduleRecord{PhaseUpdatedAt: "yesterday"}).PhaseSince().IsZero() {
		t.Error("malformed timestamp should yield zero time")
	}
	if !(&ScheduleRecord{}).PhaseSince().IsZero() {
		t.Error("missing timestamp should yield zero time")
	}
}
