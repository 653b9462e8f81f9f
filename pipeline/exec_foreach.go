// ABOUTME: Fan-out executor: runs a private sub-schedule once per element of a resolved sequence.
// ABOUTME: stop_all failures trigger compensation of the iteration's completed writes; skip records and continues.
package pipeline

import (
	"context"
	"fmt"
)

// itemIndexField tags a fan-out item with its zero-based position in the source.
const itemIndexField = "item_index"

// executeForEach resolves the source sequence and runs the node's
// item_node_ids once per element with a fresh per-item artifact scope that
// inherits visibility of all ancestor artifacts.
func (e *Engine) executeForEach(ctx context.Context, st *runState, node *Node, scope map[string]any) (any, *Failure) {
	src, err := Resolve(node.sourceRef(), scope, nil, st.runCtx)
	if err != nil {
		fail := AsFailure(err)
		if fail == nil {
			fail = newFailure(ErrDslRefNotFound, node.ID, "%v", err)
		}
		fail.FailedStep = node.ID
		return nil, fail
	}

	seq, ok := src.([]any)
	if !ok {
		return nil, newFailure(ErrDslValidationFailed, node.ID, "for_each source %q is not a sequence", node.sourceRef())
	}
	if max := st.doc.Limits.MaxFanout; max > 0 && len(seq) > max {
		return nil, newFailure(ErrDslValidationFailed, node.ID, "for_each over %d items exceeds max_fanout %d", len(seq), max)
	}

	order, err := subOrder(st.doc, node.ItemNodeIDs)
	if err != nil {
		return nil, newFailure(ErrDslValidationFailed, node.ID, "for_each sub-schedule: %v", err)
	}

	itemResults := make([]any, 0, len(seq))
	errCount := 0
	parentIter := st.iter

	for i, raw := range seq {
		current := taggedItem(raw, i)

		iterScope := make(map[string]any, len(scope)+len(order))
		for k, v := range scope {
			iterScope[k] = v
		}

		tracker := &iterationTracker{index: i, itemRef: iterationRef(current, i)}
		st.iter = tracker

		iterResult := make(map[string]any, len(order))
		var iterFail *Failure
		for _, childID := range order {
			child := st.doc.FindNode(childID)
			out, fail := e.executeNode(ctx, st, child, current, iterScope)
			if fail != nil {
				iterFail = fail
				break
			}
			iterScope[childID] = out
			iterResult[childID] = out
		}

		if iterFail == nil {
			st.iter = parentIter
			itemResults = append(itemResults, iterResult)
			continue
		}

		if node.OnItemFail == "skip" {
			st.iter = parentIter
			errCount++
			itemResults = append(itemResults, map[string]any{
				"error":      iterFail.Reason,
				"error_code": string(iterFail.Code),
			})
			continue
		}

		// stop_all (default): roll back this iteration's completed writes in
		// reverse order, then re-raise with the compensation status attached.
		status := e.compensateIteration(ctx, st, tracker)
		st.iter = parentIter
		iterFail.CompensationStatus = status
		iterFail.FailedItemRef = tracker.itemRef
		if status == CompensationFailed {
			iterFail.Code = ErrCompensationFailed
		}
		return nil, iterFail
	}

	return map[string]any{
		"item_results":     itemResults,
		"item_count":       len(seq),
		"item_error_count": errCount,
	}, nil
}

// taggedItem normalizes a fan-out element: mappings pass through (gaining the
// index tag only when they carry no identifier of their own), everything else
// is wrapped so the index is always recoverable for key derivation.
func taggedItem(raw any, index int) any {
	if m, ok := raw.(map[string]any); ok {
		if itemExternalRef(m) != "" {
			return m
		}
		tagged := make(map[string]any, len(m)+1)
		for k, v := range m {
			tagged[k] = v
		}
		tagged[itemIndexField] = index
		return tagged
	}
	return map[string]any{
		"value":        raw,
		itemIndexField: index,
	}
}

// iterationRef names a fan-out iteration for failure reporting.
func iterationRef(item any, index int) string {
	if ref := itemExternalRef(item); ref != "" {
		return ref
	}
	return fmt.Sprintf("item-%d", index)
}
