// ABOUTME: Tests for write-skill detection and idempotency key derivation stability.
// ABOUTME: Keys must be identical across payload key orderings and runs.
package pipeline

import (
	"strings"
	"testing"
)

func TestIsWriteSkill(t *testing.T) {
	writes := []string{
		"calendar_create_event",
		"docs_update_page",
		"tracker_delete_issue",
		"docs_append_block",
		"docs_archive_page",
		"tracker_move_issue",
	}
	for _, name := range writes {
		if !IsWriteSkill(name) {
			t.Errorf("expected %q to be a write skill", name)
		}
	}

	reads := []string{"calendar_list_events", "docs_get_page", "tracker_search_issues"}
	for _, name := range reads {
		if IsWriteSkill(name) {
			t.Errorf("expected %q to be a read skill", name)
		}
	}
}

func TestDeriveKeyStable(t *testing.T) {
	payload := map[string]any{"title": "standup", "when": "09:00"}
	item := map[string]any{"id": "evt-1"}

	k1 := DeriveKey("user-1", "calendar_create_event", payload, item)
	k2 := DeriveKey("user-1", "calendar_create_event", payload, item)
	if k1 != k2 {
		t.Errorf("identical inputs produced different keys: %s vs %s", k1, k2)
	}
	if !strings.HasPrefix(k1, derivedKeyPrefix) {
		t.Errorf("derived key %q missing engine prefix", k1)
	}
}

func TestDeriveKeyDiffersAcrossItems(t *testing.T) {
	payload := map[string]any{"title": "standup"}

	k1 := DeriveKey("user-1", "calendar_create_event", payload, map[string]any{"id": "evt-1"})
	k2 := DeriveKey("user-1", "calendar_create_event", payload, map[string]any{"id": "evt-2"})
	if k1 == k2 {
		t.Error("different items must never share a key")
	}
}

func TestDeriveKeyDiffersAcrossUsersAndSkills(t *testing.T) {
	payload := map[string]any{"title": "standup"}
	item := map[string]any{"id": "evt-1"}

	base := DeriveKey("user-1", "calendar_create_event", payload, item)
	if base == DeriveKey("user-2", "calendar_create_event", payload, item) {
		t.Error("different users must not share a key")
	}
	if base == DeriveKey("user-1", "calendar_update_event", payload, item) {
		t.Error("different skills must not share a key")
	}
}

func TestDeriveKeyExplicitKeyVerbatim(t *testing.T) {
	payload := map[string]any{"idempotency_key": "caller-chose-this", "title": "x"}

	got := DeriveKey("user-1", "calendar_create_event", payload, nil)
	if got != "caller-chose-this" {
		t.Errorf("expected verbatim caller key, got %q", got)
	}
}

func TestDeriveKeyIgnoresKeyFieldInHash(t *testing.T) {
	withKey := map[string]any{"idempotency_key": "", "title": "x"}
	without := map[string]any{"title": "x"}

	if DeriveKey("u", "docs_create_page", withKey, nil) != DeriveKey("u", "docs_create_page", without, nil) {
		t.Error("empty explicit key field should not change the derived key")
	}
}

func TestItemExternalRef(t *testing.T) {
	if ref := itemExternalRef(map[string]any{"id": "evt-9"}); ref != "evt-9" {
		t.Errorf("expected evt-9, got %q", ref)
	}
	if ref := itemExternalRef(map[string]any{itemIndexField: 2.0}); ref != "item-2" {
		t.Errorf("expected item-2, got %q", ref)
	}
	if ref := itemExternalRef("bare string"); ref != "" {
		t.Errorf("expected empty ref for non-mapping, got %q", ref)
	}
}
