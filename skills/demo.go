// ABOUTME: In-memory demo skill set backing local runs and tests without external services.
// ABOUTME: Covers calendar reads plus docs and tracker mutations with compensation pairings.
package skills

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/maru-assistant/maru/pipeline"
)

// MemoryBackend holds the state mutated by the demo skills. One backend per
// registry; safe for concurrent runs.
type MemoryBackend struct {
	mu     sync.Mutex
	events []map[string]any
	pages  map[string]map[string]any
	issues map[string]map[string]any
}

// NewMemoryBackend creates a backend seeded with a small calendar.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events: []map[string]any{
			{"id": "evt-standup", "title": "Standup", "start": "09:30"},
			{"id": "evt-review", "title": "Design review", "start": "11:00"},
			{"id": "evt-1on1", "title": "1:1 with Sam", "start": "15:00"},
		},
		pages:  make(map[string]map[string]any),
		issues: make(map[string]map[string]any),
	}
}

// SetEvents replaces the seeded calendar, for tests that need specific data.
func (b *MemoryBackend) SetEvents(events []map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
}

// PageCount reports how many pages currently exist.
func (b *MemoryBackend) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

// IssueCount reports how many issues currently exist.
func (b *MemoryBackend) IssueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.issues)
}

// DemoRegistry builds a registry of in-memory skills over the backend,
// with compensation pairings for the creating mutations.
func DemoRegistry(backend *MemoryBackend) *Registry {
	reg := NewRegistry()

	reg.Register(Skill{Name: "calendar_list_events", Fn: backend.listEvents})
	reg.Register(Skill{Name: "docs_get_page", Fn: backend.getPage})
	reg.Register(Skill{Name: "docs_create_page", Fn: backend.createPage, Compensate: "docs_delete_page"})
	reg.Register(Skill{Name: "docs_delete_page", Fn: backend.deletePage})
	reg.Register(Skill{Name: "tracker_create_issue", Fn: backend.createIssue, Compensate: "tracker_delete_issue"})
	reg.Register(Skill{Name: "tracker_update_issue", Fn: backend.updateIssue})
	reg.Register(Skill{Name: "tracker_delete_issue", Fn: backend.deleteIssue})

	return reg
}

func okResult(data map[string]any) (*pipeline.SkillResult, error) {
	return &pipeline.SkillResult{OK: true, Data: data}, nil
}

func failResult(code, format string, args ...any) (*pipeline.SkillResult, error) {
	return &pipeline.SkillResult{OK: false, ErrorCode: code, Detail: fmt.Sprintf(format, args...)}, nil
}

func (b *MemoryBackend) listEvents(_ context.Context, _ string, _ map[string]any) (*pipeline.SkillResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := make([]any, len(b.events))
	for i, ev := range b.events {
		events[i] = ev
	}
	return okResult(map[string]any{"events": events, "count": len(events)})
}

func (b *MemoryBackend) getPage(_ context.Context, _ string, payload map[string]any) (*pipeline.SkillResult, error) {
	id, _ := payload["page_id"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	page, ok := b.pages[id]
	if !ok {
		return failResult("not_found", "page %q does not exist", id)
	}
	return okResult(page)
}

func (b *MemoryBackend) createPage(_ context.Context, userID string, payload map[string]any) (*pipeline.SkillResult, error) {
	title, _ := payload["title"].(string)
	if title == "" {
		return failResult("invalid_payload", "docs_create_page requires a title")
	}

	id := "page-" + ulid.Make().String()
	page := map[string]any{
		"page_id": id,
		"title":   title,
		"body":    payload["body"],
		"owner":   userID,
	}
	b.mu.Lock()
	b.pages[id] = page
	b.mu.Unlock()
	return okResult(page)
}

func (b *MemoryBackend) deletePage(_ context.Context, _ string, payload map[string]any) (*pipeline.SkillResult, error) {
	id, _ := payload["page_id"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pages[id]; !ok {
		return failResult("not_found", "page %q does not exist", id)
	}
	delete(b.pages, id)
	return okResult(map[string]any{"deleted": id})
}

func (b *MemoryBackend) createIssue(_ context.Context, userID string, payload map[string]any) (*pipeline.SkillResult, error) {
	title, _ := payload["title"].(string)
	if title == "" {
		return failResult("invalid_payload", "tracker_create_issue requires a title")
	}

	id := "issue-" + ulid.Make().String()
	issue := map[string]any{
		"issue_id": id,
		"title":    title,
		"state":    "todo",
		"owner":    userID,
	}
	b.mu.Lock()
	b.issues[id] = issue
	b.mu.Unlock()
	return okResult(issue)
}

func (b *MemoryBackend) updateIssue(_ context.Context, _ string, payload map[string]any) (*pipeline.SkillResult, error) {
	id, _ := payload["issue_id"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	issue, ok := b.issues[id]
	if !ok {
		return failResult("not_found", "issue %q does not exist", id)
	}
	if state, ok := payload["state"].(string); ok && state != "" {
		issue["state"] = state
	}
	if title, ok := payload["title"].(string); ok && title != "" {
		issue["title"] = title
	}
	return okResult(issue)
}

func (b *MemoryBackend) deleteIssue(_ context.Context, _ string, payload map[string]any) (*pipeline.SkillResult, error) {
	id, _ := payload["issue_id"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.issues[id]; !ok {
		return failResult("not_found", "issue %q does not exist", id)
	}
	delete(b.issues, id)
	return okResult(map[string]any{"deleted": id})
}
