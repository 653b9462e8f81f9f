// ABOUTME: Structural validation of pipeline documents against fixed limits and per-kind requirements.
// ABOUTME: Provides a pluggable LintRule interface, built-in rules, Validate, and ValidateOrError.
package pipeline

import (
	"fmt"
	"strings"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	NodeID   string // optional
	Fix      string // optional suggested fix
}

// LintRule is the interface for validation rules.
type LintRule interface {
	Name() string
	Apply(doc *Document, opts ValidateOptions) []Diagnostic
}

// ValidateOptions tunes optional validation behavior.
type ValidateOptions struct {
	// WriteAllowlist, when non-nil, restricts mutating skill names to the
	// listed set. nil disables the check entirely.
	WriteAllowlist []string
}

// builtinRules returns all built-in lint rules, in check order.
func builtinRules() []LintRule {
	return []LintRule{
		&requiredFieldsRule{},
		&versionRule{},
		&nodeBudgetRule{},
		&uniqueIDRule{},
		&nodeKindRule{},
		&dependsOnRule{},
		&conditionSyntaxRule{},
		&kindFieldsRule{},
		&writeAllowlistRule{},
	}
}

// Validate runs all built-in lint rules plus any extra rules on the document.
// When the structural rules pass, it additionally attempts a topological
// ordering and surfaces cycle_detected / unknown_dependency findings.
func Validate(doc *Document, opts ValidateOptions, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic

	rules := builtinRules()
	rules = append(rules, extraRules...)
	for _, rule := range rules {
		diags = append(diags, rule.Apply(doc, opts)...)
	}

	for _, d := range diags {
		if d.Severity == SeverityError {
			return diags
		}
	}

	if _, err := Order(doc.Nodes); err != nil {
		diags = append(diags, Diagnostic{
			Rule:     "acyclic",
			Severity: SeverityError,
			Message:  err.Error(),
			Fix:      "remove the dependency cycle or fix the depends_on entry",
		})
	}
	return diags
}

// ValidateOrError runs validation and returns a DSL_VALIDATION_FAILED failure
// if any ERROR-severity diagnostics exist.
func ValidateOrError(doc *Document, opts ValidateOptions, extraRules ...LintRule) ([]Diagnostic, error) {
	diags := Validate(doc, opts, extraRules...)

	errs := ErrorStrings(diags)
	if len(errs) > 0 {
		return diags, newFailure(ErrDslValidationFailed, "", "pipeline validation failed: %s", strings.Join(errs, "; "))
	}
	return diags, nil
}

// ErrorStrings extracts the messages of ERROR-severity diagnostics. An empty
// result means the pipeline is executable.
func ErrorStrings(diags []Diagnostic) []string {
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Message)
		}
	}
	return errs
}

// --- Built-in lint rules ---

// requiredFieldsRule checks that top-level document fields are present.
type requiredFieldsRule struct{}

func (r *requiredFieldsRule) Name() string { return "required_fields" }

func (r *requiredFieldsRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	if doc.PipelineID == "" {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  "missing pipeline_id",
			Fix:      "set a non-empty pipeline_id",
		})
	}
	if doc.Version == "" {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  "missing version",
			Fix:      "set version to " + SupportedVersion,
		})
	}
	if len(doc.Nodes) == 0 {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  "pipeline has no nodes",
			Fix:      "add at least one node",
		})
	}
	return diags
}

// versionRule checks the DSL version.
type versionRule struct{}

func (r *versionRule) Name() string { return "version" }

func (r *versionRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	if doc.Version == "" || doc.Version == SupportedVersion {
		return nil
	}
	return []Diagnostic{{
		Rule:     r.Name(),
		Severity: SeverityError,
		Message:  fmt.Sprintf("unsupported version %q, expected %q", doc.Version, SupportedVersion),
		Fix:      "set version to " + SupportedVersion,
	}}
}

// nodeBudgetRule checks limits.max_nodes and the node count against the platform ceiling.
type nodeBudgetRule struct{}

func (r *nodeBudgetRule) Name() string { return "node_budget" }

func (r *nodeBudgetRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	if doc.Limits.MaxNodes < 1 || doc.Limits.MaxNodes > MaxPipelineNodes {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("limits.max_nodes %d out of range [1,%d]", doc.Limits.MaxNodes, MaxPipelineNodes),
			Fix:      fmt.Sprintf("set limits.max_nodes between 1 and %d", MaxPipelineNodes),
		})
	}
	if len(doc.Nodes) > MaxPipelineNodes {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("pipeline has %d nodes, platform ceiling is %d", len(doc.Nodes), MaxPipelineNodes),
			Fix:      "split the pipeline or drop nodes",
		})
	}
	if doc.Limits.MaxNodes >= 1 && len(doc.Nodes) > doc.Limits.MaxNodes {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("pipeline has %d nodes, limits.max_nodes allows %d", len(doc.Nodes), doc.Limits.MaxNodes),
			Fix:      "raise limits.max_nodes or drop nodes",
		})
	}
	return diags
}

// uniqueIDRule checks that node IDs are non-empty and unique within the pipeline.
type uniqueIDRule struct{}

func (r *uniqueIDRule) Name() string { return "unique_node_id" }

func (r *uniqueIDRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  "node with empty id",
				Fix:      "give every node a non-empty id",
			})
			continue
		}
		if seen[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %q", n.ID),
				NodeID:   n.ID,
				Fix:      "rename one of the duplicate nodes",
			})
		}
		seen[n.ID] = true
	}
	return diags
}

// nodeKindRule checks that every node type is one of the five recognized kinds.
type nodeKindRule struct{}

func (r *nodeKindRule) Name() string { return "node_kind" }

func (r *nodeKindRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	for _, n := range doc.Nodes {
		if !knownNodeKinds[n.Type] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("invalid_node_type: node %q has type %q", n.ID, n.Type),
				NodeID:   n.ID,
				Fix:      "use one of: skill, llm_transform, for_each, verify, aggregate",
			})
		}
	}
	return diags
}

// dependsOnRule checks that depends_on entries reference existing, non-self node IDs.
type dependsOnRule struct{}

func (r *dependsOnRule) Name() string { return "depends_on" }

func (r *dependsOnRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	for _, n := range doc.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("node %q depends on itself", n.ID),
					NodeID:   n.ID,
					Fix:      "remove the self dependency",
				})
				continue
			}
			if doc.FindNode(dep) == nil {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep),
					NodeID:   n.ID,
					Fix:      fmt.Sprintf("add node %q or fix the depends_on entry", dep),
				})
			}
		}
	}
	return diags
}

// conditionSyntaxRule checks that when expressions and verify rules parse correctly.
type conditionSyntaxRule struct{}

func (r *conditionSyntaxRule) Name() string { return "condition_syntax" }

func (r *conditionSyntaxRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	for _, n := range doc.Nodes {
		if err := ValidateConditionSyntax(n.When); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has invalid when expression: %v", n.ID, err),
				NodeID:   n.ID,
				Fix:      "use format: $ref <op> literal-or-ref",
			})
		}
		for i, rule := range n.Rules {
			if strings.TrimSpace(rule) == "" {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("node %q rule %d is empty", n.ID, i),
					NodeID:   n.ID,
					Fix:      "remove the empty rule or fill it in",
				})
				continue
			}
			if err := ValidateConditionSyntax(rule); err != nil {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("node %q rule %d is invalid: %v", n.ID, i, err),
					NodeID:   n.ID,
					Fix:      "use format: $ref <op> literal-or-ref",
				})
			}
		}
	}
	return diags
}

// kindFieldsRule checks the per-kind required fields.
type kindFieldsRule struct{}

func (r *kindFieldsRule) Name() string { return "kind_fields" }

func (r *kindFieldsRule) Apply(doc *Document, _ ValidateOptions) []Diagnostic {
	var diags []Diagnostic
	errf := func(n *Node, format string, args ...any) {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf(format, args...),
			NodeID:   n.ID,
		})
	}

	for _, n := range doc.Nodes {
		switch n.Type {
		case KindSkill:
			if n.Name == "" {
				errf(n, "skill node %q has no name", n.ID)
			}
		case KindLLMTransform:
			if len(n.OutputSchema) == 0 {
				errf(n, "llm_transform node %q has no output_schema", n.ID)
			}
		case KindForEach:
			if n.sourceRef() == "" {
				errf(n, "for_each node %q has no source_ref", n.ID)
			}
			if len(n.ItemNodeIDs) == 0 {
				errf(n, "for_each node %q has no item_node_ids", n.ID)
			}
			for _, childID := range n.ItemNodeIDs {
				if childID == n.ID {
					errf(n, "for_each node %q lists itself in item_node_ids", n.ID)
					continue
				}
				if doc.FindNode(childID) == nil {
					errf(n, "for_each node %q references unknown item node %q", n.ID, childID)
				}
			}
			if n.OnItemFail != "" && n.OnItemFail != "stop_all" && n.OnItemFail != "skip" {
				errf(n, "for_each node %q has invalid on_item_fail %q", n.ID, n.OnItemFail)
			}
		case KindVerify:
			if len(n.Rules) == 0 {
				errf(n, "verify node %q has no rules", n.ID)
			}
			if n.OnFail != "" && n.OnFail != "fallback" {
				errf(n, "verify node %q has invalid on_fail %q", n.ID, n.OnFail)
			}
		case KindAggregate:
			if n.sourceRef() == "" {
				errf(n, "aggregate node %q has no source_ref", n.ID)
			}
			if n.Mode != "" && n.Mode != AggregateModeEventsToTodo {
				errf(n, "aggregate node %q has unknown mode %q", n.ID, n.Mode)
			}
		}
	}
	return diags
}

// writeAllowlistRule checks mutating skill names against the caller-supplied allowlist.
type writeAllowlistRule struct{}

func (r *writeAllowlistRule) Name() string { return "write_allowlist" }

func (r *writeAllowlistRule) Apply(doc *Document, opts ValidateOptions) []Diagnostic {
	if opts.WriteAllowlist == nil {
		return nil
	}

	allowed := make(map[string]bool, len(opts.WriteAllowlist))
	for _, name := range opts.WriteAllowlist {
		allowed[name] = true
	}

	var diags []Diagnostic
	for _, n := range doc.Nodes {
		if n.Type != KindSkill || n.Name == "" {
			continue
		}
		if IsWriteSkill(n.Name) && !allowed[n.Name] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("mutating skill %q on node %q is not allowlisted", n.Name, n.ID),
				NodeID:   n.ID,
				Fix:      "add the skill to the write allowlist or use a read skill",
			})
		}
	}
	return diags
}
