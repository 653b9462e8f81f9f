// ABOUTME: Tests for the skill registry, write allowlist derivation, and compensation pairing.
// ABOUTME: Also exercises the in-memory demo skill set end to end through the engine interfaces.
package skills

import (
	"context"
	"testing"

	"github.com/maru-assistant/maru/pipeline"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Skill{Name: "docs_create_page", Fn: func(_ context.Context, _ string, _ map[string]any) (*pipeline.SkillResult, error) {
		return &pipeline.SkillResult{OK: true}, nil
	}})

	if _, ok := reg.Get("docs_create_page"); !ok {
		t.Fatal("expected registered skill to be found")
	}
	if _, ok := reg.Get("ghost"); ok {
		t.Fatal("unregistered skill should not be found")
	}

	// Empty names and nil funcs are dropped silently.
	reg.Register(Skill{Name: ""})
	reg.Register(Skill{Name: "nil-fn"})
	if _, ok := reg.Get("nil-fn"); ok {
		t.Error("skill without implementation should not register")
	}
}

func TestRegistryWriteAllowlist(t *testing.T) {
	backend := NewMemoryBackend()
	reg := DemoRegistry(backend)

	allow := reg.WriteAllowlist()
	want := map[string]bool{
		"docs_create_page":     true,
		"docs_delete_page":     true,
		"tracker_create_issue": true,
		"tracker_update_issue": true,
		"tracker_delete_issue": true,
	}
	if len(allow) != len(want) {
		t.Fatalf("expected %d mutating skills, got %v", len(want), allow)
	}
	for _, name := range allow {
		if !want[name] {
			t.Errorf("unexpected allowlist entry %q", name)
		}
	}
	for _, name := range allow {
		if name == "calendar_list_events" || name == "docs_get_page" {
			t.Errorf("read skill %q must not be allowlisted", name)
		}
	}
}

func TestRegistryUnknownSkillIsForbidden(t *testing.T) {
	reg := NewRegistry()
	res, err := reg.ExecuteSkill(context.Background(), "u1", "ghost_skill", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.ErrorCode != "forbidden" {
		t.Errorf("expected forbidden result, got %+v", res)
	}
}

func TestDemoSkillsRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	reg := DemoRegistry(backend)
	ctx := context.Background()

	res, err := reg.ExecuteSkill(ctx, "u1", "calendar_list_events", nil)
	if err != nil || !res.OK {
		t.Fatalf("list events failed: %v %+v", err, res)
	}
	data, _ := res.Data.(map[string]any)
	if data["count"] != 3 {
		t.Errorf("expected 3 seeded events, got %v", data["count"])
	}

	res, err = reg.ExecuteSkill(ctx, "u1", "docs_create_page", map[string]any{"title": "Plan", "body": "- [ ] x"})
	if err != nil || !res.OK {
		t.Fatalf("create page failed: %v %+v", err, res)
	}
	data, _ = res.Data.(map[string]any)
	pageID, _ := data["page_id"].(string)
	if pageID == "" {
		t.Fatal("expected a page_id")
	}
	if backend.PageCount() != 1 {
		t.Errorf("expected 1 page, got %d", backend.PageCount())
	}

	res, err = reg.ExecuteSkill(ctx, "u1", "docs_get_page", map[string]any{"page_id": pageID})
	if err != nil || !res.OK {
		t.Fatalf("get page failed: %v %+v", err, res)
	}
	data, _ = res.Data.(map[string]any)
	if data["title"] != "Plan" {
		t.Errorf("unexpected page: %+v", res.Data)
	}

	res, err = reg.ExecuteSkill(ctx, "u1", "docs_create_page", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.ErrorCode != "invalid_payload" {
		t.Errorf("expected invalid_payload for missing title, got %+v", res)
	}
}

func TestCompensationPairingDeletesCreatedPage(t *testing.T) {
	backend := NewMemoryBackend()
	reg := DemoRegistry(backend)
	ctx := context.Background()

	res, err := reg.ExecuteSkill(ctx, "u1", "docs_create_page", map[string]any{"title": "Plan"})
	if err != nil || !res.OK {
		t.Fatalf("create page failed: %v %+v", err, res)
	}

	ok := reg.ExecuteCompensation(ctx, "write", "docs_create_page", res.Data, nil)
	if !ok {
		t.Fatal("expected compensation to succeed")
	}
	if backend.PageCount() != 0 {
		t.Errorf("expected the page to be deleted, %d remain", backend.PageCount())
	}
}

func TestCompensationWithoutPairingFails(t *testing.T) {
	backend := NewMemoryBackend()
	reg := DemoRegistry(backend)

	// tracker_update_issue has no reversal; the engine surfaces this to the
	// operator as a failed compensation.
	if reg.ExecuteCompensation(context.Background(), "n1", "tracker_update_issue", map[string]any{"issue_id": "i1"}, nil) {
		t.Error("expected compensation without a pairing to fail")
	}
}

func TestDemoSkillsThroughEngine(t *testing.T) {
	backend := NewMemoryBackend()
	reg := DemoRegistry(backend)
	engine := pipeline.NewEngine(pipeline.EngineConfig{
		Skills:         reg,
		Compensator:    reg,
		WriteAllowlist: reg.WriteAllowlist(),
	})

	doc := &pipeline.Document{
		PipelineID: "daily-plan",
		Version:    pipeline.SupportedVersion,
		Limits:     pipeline.Limits{MaxNodes: 6, MaxToolCalls: 10},
		Nodes: []*pipeline.Node{
			{ID: "fetch", Type: pipeline.KindSkill, Name: "calendar_list_events"},
			{ID: "plan", Type: pipeline.KindAggregate, DependsOn: []string{"fetch"}, SourceRef: "$fetch.events"},
			{
				ID:        "write",
				Type:      pipeline.KindSkill,
				Name:      "docs_create_page",
				DependsOn: []string{"plan"},
				Input:     map[string]any{"title": "$plan.page_title", "body": "$plan.body"},
			},
		},
	}

	result, err := engine.Run(context.Background(), doc, pipeline.RunOptions{UserID: "u1"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != pipeline.RunSucceeded {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if backend.PageCount() != 1 {
		t.Errorf("expected the run to create one page, got %d", backend.PageCount())
	}
}
