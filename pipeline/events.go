// ABOUTME: Engine lifecycle events plus an in-memory, queryable per-run event log.
// ABOUTME: Provides filtering, pagination, tailing, and summarization of EngineEvents.
package pipeline

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EngineEventType identifies the kind of engine lifecycle event.
type EngineEventType string

const (
	EventRunStarted    EngineEventType = "run.started"
	EventRunCompleted  EngineEventType = "run.completed"
	EventRunFailed     EngineEventType = "run.failed"
	EventNodeStarted   EngineEventType = "node.started"
	EventNodeCompleted EngineEventType = "node.completed"
	EventNodeFailed    EngineEventType = "node.failed"
	EventNodeSkipped   EngineEventType = "node.skipped"
	EventNodeRetrying  EngineEventType = "node.retrying"
	EventSkillCall     EngineEventType = "skill.call"
	EventSkillReused   EngineEventType = "skill.reused"

	// Compensation events are the operator visibility channel for partially
	// rolled-back fan-out iterations.
	EventCompensationStarted   EngineEventType = "compensation.started"
	EventCompensationCompleted EngineEventType = "compensation.completed"
	EventCompensationFailed    EngineEventType = "compensation.failed"
	EventCompensationManual    EngineEventType = "compensation.manual_required"
)

// EngineEvent represents a lifecycle event emitted during a pipeline run.
type EngineEvent struct {
	ID        string          `json:"id"`
	Type      EngineEventType `json:"type"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFilter specifies criteria for filtering events from a run's event log.
type EventFilter struct {
	Types  []EngineEventType // filter by event type(s); empty means all types
	NodeID string            // filter by specific node; empty means all nodes
	Since  *time.Time        // events at or after this time; nil means no lower bound
	Limit  int               // max results; 0 means unlimited
	Offset int               // skip first N results after filtering
}

// EventSummary holds aggregate statistics about a run's events.
type EventSummary struct {
	TotalEvents int
	ByType      map[EngineEventType]int
	ByNode      map[string]int
	FirstEvent  *time.Time
	LastEvent   *time.Time
}

// EventLog is an append-only, in-memory log of engine events for one run.
type EventLog struct {
	mu     sync.RWMutex
	events []EngineEvent
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append stamps and records an event, assigning a sortable ULID when the
// event has no ID yet.
func (l *EventLog) Append(evt EngineEvent) EngineEvent {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	return evt
}

// Events returns a copy of all recorded events in append order.
func (l *EventLog) Events() []EngineEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EngineEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Query returns events matching the filter criteria, paginated.
func (l *EventLog) Query(filter EventFilter) []EngineEvent {
	filtered := applyFilter(l.Events(), filter)
	return applyPagination(filtered, filter.Offset, filter.Limit)
}

// Count returns the number of events matching the filter, ignoring pagination.
func (l *EventLog) Count(filter EventFilter) int {
	return len(applyFilter(l.Events(), filter))
}

// Tail returns the last n events in append order.
func (l *EventLog) Tail(n int) []EngineEvent {
	all := l.Events()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Summarize computes aggregate statistics over the full log.
func (l *EventLog) Summarize() *EventSummary {
	all := l.Events()
	summary := &EventSummary{
		TotalEvents: len(all),
		ByType:      make(map[EngineEventType]int),
		ByNode:      make(map[string]int),
	}
	for i := range all {
		evt := all[i]
		summary.ByType[evt.Type]++
		if evt.NodeID != "" {
			summary.ByNode[evt.NodeID]++
		}
		if summary.FirstEvent == nil || evt.Timestamp.Before(*summary.FirstEvent) {
			t := evt.Timestamp
			summary.FirstEvent = &t
		}
		if summary.LastEvent == nil || evt.Timestamp.After(*summary.LastEvent) {
			t := evt.Timestamp
			summary.LastEvent = &t
		}
	}
	return summary
}

// applyFilter returns the events matching the filter criteria.
func applyFilter(events []EngineEvent, filter EventFilter) []EngineEvent {
	var out []EngineEvent
	for _, evt := range events {
		if len(filter.Types) > 0 && !containsType(filter.Types, evt.Type) {
			continue
		}
		if filter.NodeID != "" && evt.NodeID != filter.NodeID {
			continue
		}
		if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// applyPagination slices the filtered events by offset and limit.
func applyPagination(events []EngineEvent, offset, limit int) []EngineEvent {
	if offset >= len(events) {
		return nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

func containsType(types []EngineEventType, t EngineEventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
