// ABOUTME: Tests for the in-memory run event log.
// ABOUTME: Covers appending with ULID assignment, filtering, pagination, tailing, and summaries.
package pipeline

import (
	"testing"
	"time"
)

func seededLog() *EventLog {
	log := NewEventLog()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	log.Append(EngineEvent{Type: EventRunStarted, Timestamp: base})
	log.Append(EngineEvent{Type: EventNodeStarted, NodeID: "fetch", Timestamp: base.Add(1 * time.Second)})
	log.Append(EngineEvent{Type: EventSkillCall, NodeID: "fetch", Timestamp: base.Add(2 * time.Second)})
	log.Append(EngineEvent{Type: EventNodeCompleted, NodeID: "fetch", Timestamp: base.Add(3 * time.Second)})
	log.Append(EngineEvent{Type: EventNodeStarted, NodeID: "write", Timestamp: base.Add(4 * time.Second)})
	log.Append(EngineEvent{Type: EventNodeRetrying, NodeID: "write", Timestamp: base.Add(5 * time.Second)})
	log.Append(EngineEvent{Type: EventNodeCompleted, NodeID: "write", Timestamp: base.Add(6 * time.Second)})
	log.Append(EngineEvent{Type: EventRunCompleted, Timestamp: base.Add(7 * time.Second)})
	return log
}

func TestEventLogAppendAssignsIDs(t *testing.T) {
	log := NewEventLog()
	first := log.Append(EngineEvent{Type: EventRunStarted})
	second := log.Append(EngineEvent{Type: EventRunCompleted})

	if first.ID == "" || second.ID == "" {
		t.Fatal("appended events should receive IDs")
	}
	if first.ID == second.ID {
		t.Errorf("event IDs must be unique, both got %q", first.ID)
	}
	if first.Timestamp.IsZero() {
		t.Error("appended events should be timestamped")
	}

	kept := log.Append(EngineEvent{ID: "custom-id", Type: EventSkillCall})
	if kept.ID != "custom-id" {
		t.Errorf("pre-assigned IDs must be preserved, got %q", kept.ID)
	}
}

func TestEventLogQueryByType(t *testing.T) {
	log := seededLog()

	started := log.Query(EventFilter{Types: []EngineEventType{EventNodeStarted}})
	if len(started) != 2 {
		t.Fatalf("expected 2 node.started events, got %d", len(started))
	}
	if started[0].NodeID != "fetch" || started[1].NodeID != "write" {
		t.Errorf("expected append order fetch, write: %v", started)
	}

	several := log.Query(EventFilter{Types: []EngineEventType{EventRunStarted, EventRunCompleted}})
	if len(several) != 2 {
		t.Errorf("expected 2 run lifecycle events, got %d", len(several))
	}
}

func TestEventLogQueryByNode(t *testing.T) {
	log := seededLog()

	write := log.Query(EventFilter{NodeID: "write"})
	if len(write) != 3 {
		t.Fatalf("expected 3 events for node write, got %d", len(write))
	}
	for _, evt := range write {
		if evt.NodeID != "write" {
			t.Errorf("unexpected node in results: %+v", evt)
		}
	}
}

func TestEventLogQuerySince(t *testing.T) {
	log := seededLog()
	since := time.Date(2026, 3, 2, 9, 0, 4, 0, time.UTC)

	late := log.Query(EventFilter{Since: &since})
	if len(late) != 4 {
		t.Fatalf("expected 4 events at or after the cutoff, got %d", len(late))
	}
	if late[0].Type != EventNodeStarted || late[0].NodeID != "write" {
		t.Errorf("unexpected first event after cutoff: %+v", late[0])
	}
}

func TestEventLogQueryPagination(t *testing.T) {
	log := seededLog()

	page := log.Query(EventFilter{Limit: 3})
	if len(page) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page))
	}

	next := log.Query(EventFilter{Offset: 3, Limit: 3})
	if len(next) != 3 {
		t.Fatalf("expected 3 events on second page, got %d", len(next))
	}
	if next[0].ID == page[0].ID {
		t.Error("pages should not overlap")
	}

	past := log.Query(EventFilter{Offset: 100})
	if len(past) != 0 {
		t.Errorf("offset past the end should return nothing, got %d", len(past))
	}
}

func TestEventLogCountIgnoresPagination(t *testing.T) {
	log := seededLog()
	if got := log.Count(EventFilter{NodeID: "fetch", Limit: 1}); got != 3 {
		t.Errorf("expected count 3 regardless of limit, got %d", got)
	}
}

func TestEventLogTail(t *testing.T) {
	log := seededLog()

	tail := log.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(tail))
	}
	if tail[1].Type != EventRunCompleted {
		t.Errorf("expected run.completed last, got %s", tail[1].Type)
	}

	if got := log.Tail(0); len(got) != 8 {
		t.Errorf("non-positive n should return everything, got %d", len(got))
	}
	if got := log.Tail(100); len(got) != 8 {
		t.Errorf("oversized n should return everything, got %d", len(got))
	}
}

func TestEventLogSummarize(t *testing.T) {
	log := seededLog()
	summary := log.Summarize()

	if summary.TotalEvents != 8 {
		t.Errorf("expected 8 total events, got %d", summary.TotalEvents)
	}
	if summary.ByType[EventNodeCompleted] != 2 {
		t.Errorf("expected 2 node.completed, got %d", summary.ByType[EventNodeCompleted])
	}
	if summary.ByNode["fetch"] != 3 || summary.ByNode["write"] != 3 {
		t.Errorf("unexpected per-node counts: %v", summary.ByNode)
	}
	if summary.FirstEvent == nil || summary.LastEvent == nil {
		t.Fatal("expected first and last timestamps")
	}
	if !summary.LastEvent.After(*summary.FirstEvent) {
		t.Errorf("expected last after first: %v %v", summary.FirstEvent, summary.LastEvent)
	}
}

func TestEventLogEmptySummary(t *testing.T) {
	summary := NewEventLog().Summarize()
	if summary.TotalEvents != 0 || summary.FirstEvent != nil || summary.LastEvent != nil {
		t.Errorf("unexpected empty summary: %+v", summary)
	}
}
