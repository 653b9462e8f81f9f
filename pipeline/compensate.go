// ABOUTME: Compensation coordinator: rolls back a failing fan-out iteration's completed writes.
// ABOUTME: Compensates in reverse completion order and records an event per attempted inverse action.
package pipeline

import "context"

// completedWrite is one successfully completed mutating step of the current
// fan-out iteration, kept so a later failure in the same iteration can undo it.
type completedWrite struct {
	nodeID      string
	skillName   string
	output      any
	item        any
	externalRef string
}

// iterationTracker accumulates completed writes per fan-out iteration.
// Tracking is per-iteration, not per-node, so only completions belonging to
// the failing iteration are ever compensated.
type iterationTracker struct {
	index   int
	itemRef string
	writes  []completedWrite
}

func (t *iterationTracker) record(w completedWrite) {
	t.writes = append(t.writes, w)
}

// compensateIteration invokes the compensation collaborator for every
// completed mutating step of the iteration, most recent first. With no
// collaborator configured the writes are surfaced as manual_required so an
// operator can reconcile the uncompensated side effects.
func (e *Engine) compensateIteration(ctx context.Context, st *runState, t *iterationTracker) CompensationStatus {
	if len(t.writes) == 0 {
		return CompensationNotRequired
	}

	e.emit(st, EngineEvent{Type: EventCompensationStarted, Data: map[string]any{
		"item_ref":    t.itemRef,
		"write_count": len(t.writes),
	}})

	if e.config.Compensator == nil {
		for i := len(t.writes) - 1; i >= 0; i-- {
			w := t.writes[i]
			st.compEvents = append(st.compEvents, CompensationEvent{
				NodeID:      w.nodeID,
				SkillName:   w.skillName,
				Status:      string(CompensationManualRequired),
				ExternalRef: w.externalRef,
			})
			e.emit(st, EngineEvent{Type: EventCompensationManual, NodeID: w.nodeID, Data: map[string]any{
				"skill":        w.skillName,
				"external_ref": w.externalRef,
			}})
		}
		return CompensationManualRequired
	}

	allOK := true
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		ok := e.config.Compensator.ExecuteCompensation(ctx, w.nodeID, w.skillName, w.output, w.item)

		status := CompensationCompleted
		evtType := EventCompensationCompleted
		if !ok {
			status = CompensationFailed
			evtType = EventCompensationFailed
			allOK = false
		}
		st.compEvents = append(st.compEvents, CompensationEvent{
			NodeID:      w.nodeID,
			SkillName:   w.skillName,
			Status:      string(status),
			ExternalRef: w.externalRef,
		})
		e.emit(st, EngineEvent{Type: evtType, NodeID: w.nodeID, Data: map[string]any{
			"skill":        w.skillName,
			"external_ref": w.externalRef,
		}})
	}

	if allOK {
		return CompensationCompleted
	}
	return CompensationFailed
}
