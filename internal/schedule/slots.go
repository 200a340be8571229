// Package schedule owns the per-day slot schedule: generating a day's slots,
// picking the next due slot, advancing it, and the phase machine that keeps
// the three stages from working the same slot twice.
package schedule

import (
	"fmt"
	"time"

	"c2cpipeline/internal/types"
)

// quarterBoundaries are the due times within each hour for QuarterHourly
// schedules. The last one closes the hour at :59:59.
var quarterBoundaries = [...]string{"15:00", "30:00", "45:00", "59:59"}

// GenerateSlots returns a fresh day of Queued slots with ids 1..N. Hourly
// yields 24 slots due at HH:59:00; anything else yields 96 slots.
func GenerateSlots(freq types.Frequency) []types.Slot {
	freq = freq.OrDefault()
	slots := make([]types.Slot, 0, freq.SlotCount())
	id := 0
	for hour := range 24 {
		if freq == types.FrequencyHourly {
			id++
			slots = append(slots, types.Slot{
				ID:      id,
				DueTime: fmt.Sprintf("%02d:59:00", hour),
				Status:  types.SlotQueued,
			})
			continue
		}
		for _, b := range quarterBoundaries {
			id++
			slots = append(slots, types.Slot{
				ID:      id,
				DueTime: fmt.Sprintf("%02d:%s", hour, b),
				Status:  types.SlotQueued,
			})
		}
	}
	return slots
}

// NextDue returns the Queued slot with the lowest id. Storage order is not
// significant. ok is false when no slot is Queued.
func NextDue(slots []types.Slot) (slot types.Slot, ok bool) {
	for _, s := range slots {
		if s.Status != types.SlotQueued {
			continue
		}
		if !ok || s.ID < slot.ID {
			slot, ok = s, true
		}
	}
	return slot, ok
}

// IsLastSlot reports whether id closes the day for freq.
func IsLastSlot(id int, freq types.Frequency) bool {
	return id == freq.OrDefault().SlotCount()
}

// Advance marks the next due slot Sent and returns the new slot list, the
// slot that was sent and the record's resulting processing flag. The input
// is not modified. The flag becomes Done only when the sent slot is the last
// slot for freq.
func Advance(slots []types.Slot, freq types.Frequency) ([]types.Slot, types.Slot, types.ProcessingFlag, error) {
	next, ok := NextDue(slots)
	if !ok {
		return nil, types.Slot{}, "", types.NewAppError(types.ErrCodeConflictPhase, "no queued slot left to advance", nil)
	}

	out := make([]types.Slot, len(slots))
	copy(out, slots)
	for i := range out {
		if out[i].ID == next.ID {
			out[i].Status = types.SlotSent
		}
	}

	flag := types.ProcessingActive
	if IsLastSlot(next.ID, freq) {
		flag = types.ProcessingDone
	}
	next.Status = types.SlotSent
	return out, next, flag, nil
}

// SlotDateTime combines a load date and a slot due time into a UTC instant.
func SlotDateTime(loadDate string, slot types.Slot) (time.Time, error) {
	t, err := time.ParseInLocation(types.DateLayout+"T"+types.SlotTimeLayout, loadDate+"T"+slot.DueTime, time.UTC)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeParseInvalidInput,
			fmt.Sprintf("invalid slot datetime %sT%s", loadDate, slot.DueTime), err)
	}
	return t, nil
}

// NextLoadDate returns the calendar day after the latest of dates.
func NextLoadDate(dates []string) (string, error) {
	var latest time.Time
	for _, d := range dates {
		t, err := time.Parse(types.DateLayout, d)
		if err != nil {
			return "", types.NewAppError(types.ErrCodeParseInvalidInput, fmt.Sprintf("invalid load_date %q", d), err)
		}
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return "", types.NewAppError(types.ErrCodeConfigMissing, "no prior load date", nil)
	}
	return latest.AddDate(0, 0, 1).Format(types.DateLayout), nil
}
