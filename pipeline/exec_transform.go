// ABOUTME: LLM transform executor: structured generation with output-schema required-field checks.
// ABOUTME: Malformed output fails with LLM_AUTOFILL_FAILED, which is retryable for this node kind.
package pipeline

import "context"

// executeTransform invokes the structured-generation collaborator and checks
// the result against the node's output schema. Generation is expected to be
// occasionally malformed and self-correcting on retry, so every failure here
// carries the retryable autofill code.
func (e *Engine) executeTransform(ctx context.Context, st *runState, node *Node, payload map[string]any) (any, *Failure) {
	if e.config.Transformer == nil {
		return nil, newFailure(ErrDslValidationFailed, node.ID, "no transform collaborator configured")
	}

	out, err := e.config.Transformer.ExecuteTransform(ctx, st.userID, payload, node.OutputSchema)
	if err != nil {
		return nil, newFailure(ErrLlmAutofillFailed, node.ID, "transform: %v", err)
	}

	m, ok := out.(map[string]any)
	if !ok {
		return nil, newFailure(ErrLlmAutofillFailed, node.ID, "transform returned %T, want a mapping", out)
	}

	for _, key := range requiredSchemaKeys(node.OutputSchema) {
		val, present := m[key]
		if !present || isEmptyValue(val) {
			return nil, newFailure(ErrLlmAutofillFailed, node.ID, "transform output missing required field %q", key)
		}
	}
	return m, nil
}

// requiredSchemaKeys extracts the "required" key list from an output schema.
func requiredSchemaKeys(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// isEmptyValue reports whether a required field value counts as absent.
func isEmptyValue(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case []any:
		return len(tv) == 0
	case map[string]any:
		return len(tv) == 0
	default:
		return false
	}
}
