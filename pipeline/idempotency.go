// ABOUTME: Idempotency key derivation and write-skill detection for mutating collaborator calls.
// ABOUTME: Hashes a canonical {user_id, skill_name, external_ref, payload} tuple with SHA-256.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// derivedKeyPrefix marks keys the engine derived itself, as opposed to keys
// the caller supplied verbatim in the payload.
const derivedKeyPrefix = "idem-"

// payloadKeyField is the payload field carrying an explicit caller-supplied key.
const payloadKeyField = "idempotency_key"

// writeVerbs are the substrings that mark a skill name as mutating.
var writeVerbs = []string{"create", "update", "delete", "append", "archive", "move"}

// externalRefFields are tried in order on a fan-out item to find its natural identifier.
var externalRefFields = []string{"id", "event_id", "page_id", "task_id", "issue_id"}

// IsWriteSkill reports whether a skill name implies a mutation. Read skills
// never consult or populate the ledger.
func IsWriteSkill(name string) bool {
	lower := strings.ToLower(name)
	for _, verb := range writeVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

// itemExternalRef returns the best natural identifier for the item being
// mutated: an id-like field on the item, then the fan-out index the engine
// tagged it with, so two different items never collide and retries of the
// same item always produce the same key.
func itemExternalRef(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	for _, field := range externalRefFields {
		if v, ok := m[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if idx, ok := m[itemIndexField]; ok {
		if f, ok := toFloat(idx); ok {
			return fmt.Sprintf("item-%d", int(f))
		}
	}
	return ""
}

// DeriveKey computes a stable idempotency key for a mutating skill call.
// A caller-supplied payload key is used verbatim; otherwise the canonical
// JSON of {user_id, skill_name, external_ref, payload-without-key} is hashed
// and truncated. encoding/json sorts map keys, which gives the stable field
// ordering the hash depends on.
func DeriveKey(userID, skillName string, payload map[string]any, item any) string {
	if payload != nil {
		if explicit, ok := payload[payloadKeyField].(string); ok && explicit != "" {
			return explicit
		}
	}

	stripped := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == payloadKeyField {
			continue
		}
		stripped[k] = v
	}

	canonical, err := json.Marshal(map[string]any{
		"user_id":      userID,
		"skill_name":   skillName,
		"external_ref": itemExternalRef(item),
		"payload":      stripped,
	})
	if err != nil {
		// Unmarshalable payloads cannot happen for JSON-decoded documents;
		// fall back to a name-scoped key rather than panic.
		canonical = []byte(userID + "::" + skillName)
	}

	sum := sha256.Sum256(canonical)
	return derivedKeyPrefix + hex.EncodeToString(sum[:])[:32]
}

// ledgerKey scopes an idempotency key to its skill name within the run ledger.
func ledgerKey(skillName, key string) string {
	return skillName + "::" + key
}
