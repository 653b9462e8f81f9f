// ABOUTME: Verify node executor: a post-condition gate over boolean rules against prior artifacts.
// ABOUTME: Hard gates fail the run with VERIFY_COUNT_MISMATCH; on_fail=fallback succeeds with a marker.
package pipeline

// executeVerify evaluates every rule; all must hold. A rule whose references
// do not resolve counts as unsatisfied rather than crashing the run.
func (e *Engine) executeVerify(st *runState, node *Node, item any, scope map[string]any) (any, *Failure) {
	for i, rule := range node.Rules {
		ok, err := EvaluateWhen(rule, scope, item, st.runCtx)
		if err != nil {
			ok = false
		}
		if ok {
			continue
		}

		if node.OnFail == "fallback" {
			return map[string]any{"action": "fallback", "failed_rule": rule}, nil
		}
		if err != nil {
			return nil, newFailure(ErrVerifyCountMismatch, node.ID, "rule %d (%s) not satisfied: %v", i, rule, err)
		}
		return nil, newFailure(ErrVerifyCountMismatch, node.ID, "rule %d (%s) not satisfied", i, rule)
	}
	return map[string]any{"action": "pass", "rules_checked": len(node.Rules)}, nil
}
