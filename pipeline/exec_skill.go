// ABOUTME: Skill node executor: invokes the per-service adapter with write dedup via the run ledger.
// ABOUTME: Mutating calls derive an idempotency key; duplicate successful writes are short-circuited.
package pipeline

import "context"

// executeSkill invokes a named collaborator skill with the resolved payload.
// Mutating skills consult the run-scoped ledger first: a prior successful call
// under the same skill_name::key is returned without touching the collaborator.
func (e *Engine) executeSkill(ctx context.Context, st *runState, node *Node, payload map[string]any, item any) (any, runMeta, *Failure) {
	if e.config.Skills == nil {
		return nil, runMeta{}, newFailure(ErrDslValidationFailed, node.ID, "no skill collaborator configured")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	meta := runMeta{}
	isWrite := IsWriteSkill(node.Name)
	if isWrite {
		meta.idempotencyKey = DeriveKey(st.userID, node.Name, payload, item)
		meta.externalRef = itemExternalRef(item)

		if cached, ok := st.ledger[ledgerKey(node.Name, meta.idempotencyKey)]; ok {
			meta.reused = true
			st.reuseCount++
			e.emit(st, EngineEvent{Type: EventSkillReused, NodeID: node.ID, Data: map[string]any{
				"skill":           node.Name,
				"idempotency_key": meta.idempotencyKey,
			}})
			if st.iter != nil {
				st.iter.record(completedWrite{
					nodeID:      node.ID,
					skillName:   node.Name,
					output:      cached,
					item:        item,
					externalRef: meta.externalRef,
				})
			}
			return cached, meta, nil
		}
	}

	if max := st.doc.Limits.MaxToolCalls; max > 0 && st.toolCalls >= max {
		fail := newFailure(ErrToolTimeout, node.ID, "max_tool_calls limit %d exceeded", max)
		fail.terminal = true
		return nil, meta, fail
	}
	st.toolCalls++

	e.emit(st, EngineEvent{Type: EventSkillCall, NodeID: node.ID, Data: map[string]any{
		"skill": node.Name,
		"write": isWrite,
	}})

	res, err := e.config.Skills.ExecuteSkill(ctx, st.userID, node.Name, payload)
	if err != nil {
		return nil, meta, newFailure(ClassifyToolError(err.Error()), node.ID, "skill %q: %v", node.Name, err)
	}
	if !res.OK {
		code := ClassifyToolError(res.ErrorCode)
		reason := res.Detail
		if reason == "" {
			reason = res.ErrorCode
		}
		return nil, meta, newFailure(code, node.ID, "skill %q: %s", node.Name, reason)
	}

	if isWrite {
		st.ledger[ledgerKey(node.Name, meta.idempotencyKey)] = res.Data
		if st.iter != nil {
			st.iter.record(completedWrite{
				nodeID:      node.ID,
				skillName:   node.Name,
				output:      res.Data,
				item:        item,
				externalRef: meta.externalRef,
			})
		}
	}
	return res.Data, meta, nil
}
