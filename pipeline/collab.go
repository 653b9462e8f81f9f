// ABOUTME: Collaborator interfaces the engine consumes: skill calls, LLM transforms, compensation.
// ABOUTME: Implemented elsewhere (service adapters, llm package); the engine sees only these contracts.
package pipeline

import "context"

// SkillResult is the outcome of one collaborator skill call.
type SkillResult struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SkillInvoker abstracts the per-service API adapter layer.
type SkillInvoker interface {
	// ExecuteSkill invokes a named skill with a resolved payload. A transport
	// or adapter error is returned as err; a service-reported failure comes
	// back as OK=false with an error code for classification.
	ExecuteSkill(ctx context.Context, userID, skillName string, payload map[string]any) (*SkillResult, error)
}

// TransformInvoker abstracts the structured-generation collaborator behind
// llm_transform nodes. The returned value must be a mapping; anything else is
// treated as malformed output.
type TransformInvoker interface {
	ExecuteTransform(ctx context.Context, userID string, payload map[string]any, outputSchema map[string]any) (any, error)
}

// Compensator abstracts the inverse-action collaborator used to roll back
// already-completed mutating steps. Absence is legal and degrades the failure
// to manual_required so operators see the uncompensated side effects.
type Compensator interface {
	// ExecuteCompensation undoes one completed mutating step, returning
	// whether the inverse action succeeded.
	ExecuteCompensation(ctx context.Context, nodeID, skillName string, output any, item any) bool
}
