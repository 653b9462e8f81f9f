// ABOUTME: Skill registry mapping collaborator skill names to their implementations.
// ABOUTME: Implements the engine's SkillInvoker and Compensator interfaces and derives the write allowlist.
package skills

import (
	"context"
	"sort"
	"sync"

	"github.com/maru-assistant/maru/pipeline"
)

// Func is the implementation of one collaborator skill. It receives the
// resolved payload and returns the structured result envelope.
type Func func(ctx context.Context, userID string, payload map[string]any) (*pipeline.SkillResult, error)

// Skill pairs a skill implementation with its metadata.
type Skill struct {
	Name string
	Fn   Func

	// Compensate names the registered skill that reverses this one's side
	// effect. Empty means the effect has no automatic reversal; failed
	// fan-out iterations containing it surface to the operator instead.
	Compensate string
}

// Registry maps skill names to registered skills.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a skill to the registry, keyed by its name. Registering an
// already-registered name replaces the previous skill.
func (r *Registry) Register(s Skill) {
	if s.Name == "" || s.Fn == nil {
		return
	}
	r.mu.Lock()
	r.skills[s.Name] = s
	r.mu.Unlock()
}

// Get returns the skill registered under name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names returns all registered skill names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteAllowlist returns the registered mutating skill names, sorted. Feeding
// this to validation rejects pipelines that mutate through unregistered skills.
func (r *Registry) WriteAllowlist() []string {
	var names []string
	for _, name := range r.Names() {
		if pipeline.IsWriteSkill(name) {
			names = append(names, name)
		}
	}
	return names
}

// ExecuteSkill implements pipeline.SkillInvoker. Unknown skill names come back
// as a forbidden result rather than an error so the engine classifies them as
// a non-retryable auth failure.
func (r *Registry) ExecuteSkill(ctx context.Context, userID, name string, payload map[string]any) (*pipeline.SkillResult, error) {
	s, ok := r.Get(name)
	if !ok {
		return &pipeline.SkillResult{
			OK:        false,
			ErrorCode: "forbidden",
			Detail:    "skill " + name + " is not registered",
		}, nil
	}
	return s.Fn(ctx, userID, payload)
}

// ExecuteCompensation implements pipeline.Compensator by invoking the paired
// reversal skill with the original call's output as payload. Returns false
// when no pairing exists or the reversal itself does not succeed.
func (r *Registry) ExecuteCompensation(ctx context.Context, nodeID, skillName string, output any, item any) bool {
	s, ok := r.Get(skillName)
	if !ok || s.Compensate == "" {
		return false
	}
	reverse, ok := r.Get(s.Compensate)
	if !ok {
		return false
	}

	payload, _ := output.(map[string]any)
	if payload == nil {
		payload = map[string]any{"output": output}
	}
	res, err := reverse.Fn(ctx, "", payload)
	return err == nil && res != nil && res.OK
}
