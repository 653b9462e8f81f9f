// ABOUTME: Reference and condition resolver for the pipeline DSL: $node.path, $item.path, $ctx.path.
// ABOUTME: Evaluates dot/bracket paths over JSON-like values and boolean when/rule expressions.
package pipeline

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// isRef reports whether s is a reference expression ($source.path).
func isRef(s string) bool {
	return strings.HasPrefix(s, "$")
}

// Resolve evaluates a $source.path reference against accumulated artifacts,
// the current fan-out item, and the run context. A missing source or path
// segment yields a DSL_REF_NOT_FOUND failure, which is a normal, catchable
// condition rather than a programming error.
func Resolve(ref string, artifacts map[string]any, item any, runCtx map[string]any) (any, error) {
	if !isRef(ref) {
		return nil, newFailure(ErrDslRefNotFound, "", "not a reference: %q", ref)
	}

	source, path := splitRef(ref[1:])

	var root any
	switch source {
	case "item":
		if item == nil {
			return nil, newFailure(ErrDslRefNotFound, "", "reference %q: no current item", ref)
		}
		root = item
	case "ctx":
		if runCtx == nil {
			return nil, newFailure(ErrDslRefNotFound, "", "reference %q: no run context", ref)
		}
		root = runCtx
	default:
		val, ok := artifacts[source]
		if !ok {
			return nil, newFailure(ErrDslRefNotFound, "", "reference %q: unknown node %q", ref, source)
		}
		root = val
	}

	if path == "" {
		return root, nil
	}

	val, err := resolvePath(root, path)
	if err != nil {
		return nil, newFailure(ErrDslRefNotFound, "", "reference %q: %v", ref, err)
	}
	return val, nil
}

// splitRef splits "source.rest.of.path" into source and path.
func splitRef(ref string) (source, path string) {
	// A bracket may follow the source directly: "items[0].id".
	dot := strings.IndexByte(ref, '.')
	bracket := strings.IndexByte(ref, '[')
	switch {
	case dot < 0 && bracket < 0:
		return ref, ""
	case dot < 0:
		return ref[:bracket], ref[bracket:]
	case bracket >= 0 && bracket < dot:
		return ref[:bracket], ref[bracket:]
	default:
		return ref[:dot], ref[dot+1:]
	}
}

// resolvePath walks a dot/bracket path (a.b[0].c) over a JSON-like value.
func resolvePath(root any, path string) (any, error) {
	segments, err := pathSegments(path)
	if err != nil {
		return nil, err
	}

	current := root
	for _, seg := range segments {
		if idx, isIndex := seg.index(); isIndex {
			seq, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("index [%d] into non-sequence segment", idx)
			}
			if idx < 0 || idx >= len(seq) {
				return nil, fmt.Errorf("index [%d] out of range (len %d)", idx, len(seq))
			}
			current = seq[idx]
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("key %q into non-mapping segment", seg.key)
		}
		val, ok := m[seg.key]
		if !ok {
			return nil, fmt.Errorf("key %q not found", seg.key)
		}
		current = val
	}
	return current, nil
}

// pathSegment is one step of a resolved path: a map key or a sequence index.
type pathSegment struct {
	key   string
	idx   int
	isIdx bool
}

func (s pathSegment) index() (int, bool) { return s.idx, s.isIdx }

// pathSegments tokenizes "a.b[0].c" into key and index segments.
func pathSegments(path string) ([]pathSegment, error) {
	var segs []pathSegment
	rest := path
	for rest != "" {
		rest = strings.TrimPrefix(rest, ".")
		if rest == "" {
			break
		}
		if rest[0] == '[' {
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated index in path %q", path)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return nil, fmt.Errorf("invalid index %q in path %q", rest[1:end], path)
			}
			segs = append(segs, pathSegment{idx: idx, isIdx: true})
			rest = rest[end+1:]
			continue
		}
		stop := len(rest)
		if i := strings.IndexAny(rest, ".["); i >= 0 {
			stop = i
		}
		key := rest[:stop]
		if key == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		segs = append(segs, pathSegment{key: key})
		rest = rest[stop:]
	}
	return segs, nil
}

// resolveInput resolves every embedded reference in an arbitrary input tree,
// depth first, returning a new tree. Strings that start with $ are replaced by
// their resolved value; everything else passes through unchanged.
func resolveInput(v any, artifacts map[string]any, item any, runCtx map[string]any) (any, error) {
	switch tv := v.(type) {
	case string:
		if isRef(tv) {
			return Resolve(tv, artifacts, item, runCtx)
		}
		return tv, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			resolved, err := resolveInput(val, artifacts, item, runCtx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			resolved, err := resolveInput(val, artifacts, item, runCtx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// condition is a parsed "ref op literal-or-ref" expression.
type condition struct {
	left  string
	op    string
	right string
}

// conditionOps lists the supported comparison operators, longest first so the
// scanner never splits ">=" into ">" and "=".
var conditionOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// parseCondition splits a condition expression into its left reference,
// operator, and right operand. The scan skips operator characters inside
// quoted strings and bracketed sequences.
func parseCondition(expr string) (*condition, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("empty condition")
	}

	inQuote := false
	depth := 0
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			continue
		case inQuote:
			continue
		case c == '[':
			depth++
			continue
		case c == ']':
			depth--
			continue
		case depth > 0:
			continue
		}

		for _, op := range conditionOps {
			if strings.HasPrefix(trimmed[i:], op) {
				return newCondition(trimmed[:i], op, trimmed[i+len(op):])
			}
		}
		if strings.HasPrefix(trimmed[i:], " in ") {
			return newCondition(trimmed[:i], "in", trimmed[i+4:])
		}
	}
	return nil, fmt.Errorf("condition %q has no operator", expr)
}

func newCondition(left, op, right string) (*condition, error) {
	c := &condition{
		left:  strings.TrimSpace(left),
		op:    op,
		right: strings.TrimSpace(right),
	}
	if c.left == "" || c.right == "" {
		return nil, fmt.Errorf("condition needs both operands around %q", op)
	}
	if !isRef(c.left) {
		return nil, fmt.Errorf("condition left side %q must be a reference", c.left)
	}
	return c, nil
}

// ValidateConditionSyntax checks a condition expression without evaluating it.
// An empty expression is valid (unconditional). Using "in" with a literal that
// is not a sequence is rejected here so it never becomes a runtime surprise.
func ValidateConditionSyntax(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	cond, err := parseCondition(expr)
	if err != nil {
		return err
	}
	if !isRef(cond.right) {
		lit, err := parseLiteral(cond.right)
		if err != nil {
			return fmt.Errorf("condition right side %q: %w", cond.right, err)
		}
		if cond.op == "in" {
			if _, ok := lit.([]any); !ok {
				return fmt.Errorf("operator \"in\" requires a sequence right side, got %q", cond.right)
			}
		}
	}
	return nil
}

// EvaluateWhen evaluates a when/rule expression. An absent expression is
// unconditionally true.
func EvaluateWhen(expr string, artifacts map[string]any, item any, runCtx map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	cond, err := parseCondition(expr)
	if err != nil {
		return false, newFailure(ErrDslValidationFailed, "", "invalid condition %q: %v", expr, err)
	}

	left, err := Resolve(cond.left, artifacts, item, runCtx)
	if err != nil {
		return false, err
	}

	var right any
	if isRef(cond.right) {
		right, err = Resolve(cond.right, artifacts, item, runCtx)
		if err != nil {
			return false, err
		}
	} else {
		right, err = parseLiteral(cond.right)
		if err != nil {
			return false, newFailure(ErrDslValidationFailed, "", "invalid literal %q in condition %q: %v", cond.right, expr, err)
		}
	}

	return compareValues(cond.op, left, right)
}

// parseLiteral parses a JSON-ish literal: booleans, null, quoted strings,
// numbers, and bracketed sequences.
func parseLiteral(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("not a literal (booleans, null, quoted strings, numbers, sequences)")
	}
	return v, nil
}

// compareValues applies a condition operator to two resolved operands.
func compareValues(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "in":
		seq, ok := right.([]any)
		if !ok {
			return false, newFailure(ErrDslValidationFailed, "", "operator \"in\" requires a sequence right side")
		}
		for _, member := range seq {
			if looseEqual(left, member) {
				return true, nil
			}
		}
		return false, nil
	}

	// Ordering operators: numeric when both sides are numbers, lexicographic
	// when both sides are strings.
	if lf, lok := toFloat(left); lok {
		rf, rok := toFloat(right)
		if !rok {
			return false, newFailure(ErrDslValidationFailed, "", "cannot compare number with %T using %q", right, op)
		}
		switch op {
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	return false, newFailure(ErrDslValidationFailed, "", "operator %q not applicable to %T and %T", op, left, right)
}

// looseEqual compares two JSON-like values, normalizing numeric types first so
// a decoded float64 compares equal to an engine-produced int.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// toFloat normalizes any numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
