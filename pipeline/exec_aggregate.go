// ABOUTME: Aggregate node executor: reduces a source sequence into derived fields by mode.
// ABOUTME: The events_to_todo mode folds calendar-style events into a to-do page artifact.
package pipeline

import (
	"fmt"
	"strings"
)

// AggregateModeEventsToTodo folds a sequence of calendar-style events into a
// to-do list artifact: {page_title, body, todo_items, todo_count}.
const AggregateModeEventsToTodo = "events_to_todo"

const defaultTodoText = "(untitled)"

// titleFields are tried in order on an event to find its display text.
var titleFields = []string{"title", "summary", "name"}

// executeAggregate resolves the source sequence and reduces it according to
// the node's mode. The produced mapping is consumable like any node output.
func (e *Engine) executeAggregate(st *runState, node *Node, payload map[string]any, item any, scope map[string]any) (any, *Failure) {
	src, err := Resolve(node.sourceRef(), scope, item, st.runCtx)
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
		return nil, newFailure(ErrDslValidationFailed, node.ID, "aggregate source %q is not a sequence", node.sourceRef())
	}

	mode := node.Mode
	if mode == "" {
		mode = AggregateModeEventsToTodo
	}
	switch mode {
	case AggregateModeEventsToTodo:
		return aggregateEventsToTodo(seq, payload), nil
	default:
		return nil, newFailure(ErrDslValidationFailed, node.ID, "aggregate node %q has unknown mode %q", node.ID, mode)
	}
}

// aggregateEventsToTodo builds the to-do page artifact. Events without a
// usable title get a placeholder so the count always matches the source.
func aggregateEventsToTodo(events []any, payload map[string]any) map[string]any {
	pageTitle := "Today"
	if payload != nil {
		if t, ok := payload["page_title"].(string); ok && t != "" {
			pageTitle = t
		}
	}

	todoItems := make([]any, 0, len(events))
	var lines []string
	for _, raw := range events {
		text := defaultTodoText
		var sourceID string
		if ev, ok := raw.(map[string]any); ok {
			text = eventTitle(ev)
			if id, ok := ev["id"].(string); ok {
				sourceID = id
			}
		}

		entry := map[string]any{
			"text": text,
			"done": false,
		}
		if sourceID != "" {
			entry["source_event_id"] = sourceID
		}
		todoItems = append(todoItems, entry)
		lines = append(lines, fmt.Sprintf("- [ ] %s", text))
	}

	return map[string]any{
		"page_title": pageTitle,
		"body":       strings.Join(lines, "\n"),
		"todo_items": todoItems,
		"todo_count": len(todoItems),
	}
}

// eventTitle picks the first non-empty title-like field of an event.
func eventTitle(ev map[string]any) string {
	for _, field := range titleFields {
		if s, ok := ev[field].(string); ok && s != "" {
			return s
		}
	}
	return defaultTodoText
}
