package schedule

import (
	"fmt"
	"time"

	"c2cpipeline/internal/types"
)

// Event drives a phase transition.
type Event string

const (
	EventQueryStarted    Event = "query_started"
	EventQueryFailed     Event = "query_failed"
	EventExportRequested Event = "export_requested"
	EventExportStarted   Event = "export_started"
	EventExportFailed    Event = "export_failed"
	EventSlotSent        Event = "slot_sent"
)

// transitions lists, per event, the phases it may start from and where it
// leads. slot_sent is resolved separately because its target depends on
// whether the sent slot was the last. A new query may only start from
// awaiting_due or export_failed; a slot handed to the export stage is never
// queried again while that handoff is live.
var transitions = map[Event]struct {
	from []types.Phase
	to   types.Phase
}{
	EventQueryStarted:    {from: []types.Phase{types.PhaseAwaitingDue, types.PhaseExportFailed}, to: types.PhaseQuerying},
	EventQueryFailed:     {from: []types.Phase{types.PhaseQuerying}, to: types.PhaseAwaitingDue},
	EventExportRequested: {from: []types.Phase{types.PhaseQuerying}, to: types.PhaseAwaitingExport},
	EventExportStarted:   {from: []types.Phase{types.PhaseAwaitingExport, types.PhaseExportFailed}, to: types.PhaseExporting},
	EventExportFailed:    {from: []types.Phase{types.PhaseExporting}, to: types.PhaseExportFailed},
	EventSlotSent:        {from: []types.Phase{types.PhaseQuerying, types.PhaseExporting}, to: types.PhaseAwaitingDue},
}

// Admits reports whether ev may fire from phase.
func Admits(phase types.Phase, ev Event) bool {
	t, ok := transitions[ev]
	if !ok {
		return false
	}
	for _, p := range t.from {
		if p == phase {
			return true
		}
	}
	return false
}

// Transition returns the phase ev leads to from phase. lastSlot only matters
// for slot_sent, which ends the day in PhaseDone.
func Transition(phase types.Phase, ev Event, lastSlot bool) (types.Phase, error) {
	if !Admits(phase, ev) {
		return "", types.NewAppErrorWithDetails(types.ErrCodeConflictPhase,
			fmt.Sprintf("%s not allowed in phase %s", ev, phase), nil,
			map[string]any{"phase": string(phase), "event": string(ev)})
	}
	if ev == EventSlotSent && lastSlot {
		return types.PhaseDone, nil
	}
	return transitions[ev].to, nil
}

// leased maps every phase that some stage holds to the phase it falls back
// to once the lease expires. awaiting_export is held by the pending export
// message; if that message is lost the slot is offered again as a failed
// export.
var leased = map[types.Phase]types.Phase{
	types.PhaseQuerying:       types.PhaseAwaitingDue,
	types.PhaseAwaitingExport: types.PhaseExportFailed,
	types.PhaseExporting:      types.PhaseExportFailed,
}

// EffectivePhase is the record's phase as seen at now. A leased phase older
// than leaseTTL (or with no timestamp) is reclaimed and reported as its
// fallback phase, so a stage that died mid-work does not block the schedule
// forever. A zero leaseTTL disables reclaiming.
func EffectivePhase(rec *types.ScheduleRecord, now time.Time, leaseTTL time.Duration) types.Phase {
	phase := rec.EffectivePhase()
	back, held := leased[phase]
	if !held || leaseTTL <= 0 {
		return phase
	}
	since := rec.PhaseSince()
	if since.IsZero() || now.Sub(since) >= leaseTTL {
		return back
	}
	return phase
}
