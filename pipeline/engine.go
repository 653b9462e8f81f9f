// ABOUTME: Pipeline execution engine: validates, schedules, and runs DAG nodes in dependency order.
// ABOUTME: Owns run-scoped state (artifacts, node-run log, idempotency ledger, compensation events).
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EngineConfig holds the collaborators and defaults for the execution engine.
type EngineConfig struct {
	Skills         SkillInvoker      // required; per-service API adapter layer
	Transformer    TransformInvoker  // required for llm_transform nodes
	Compensator    Compensator       // optional; nil degrades to manual_required
	WriteAllowlist []string          // optional; nil skips the allowlist check
	DefaultRetry   RetryPolicy       // used by nodes without their own retry block
	EventHandler   func(EngineEvent) // optional event callback
}

// Engine runs pipeline documents. One Engine may serve many runs; all mutable
// state lives in the per-run state, never on the Engine itself.
type Engine struct {
	config EngineConfig
}

// NewEngine creates a pipeline execution engine with the given configuration.
func NewEngine(config EngineConfig) *Engine {
	return &Engine{config: config}
}

// NodeStatus is the terminal status of one node execution.
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// RunStatus is the terminal status of a pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// NodeRun is one row of the append-only per-run node execution log. Retried
// nodes produce a single row whose Attempt is the final attempt number.
type NodeRun struct {
	NodeID           string     `json:"node_id"`
	NodeType         NodeKind   `json:"node_type"`
	Status           NodeStatus `json:"status"`
	Attempt          int        `json:"attempt"`
	DurationMS       int64      `json:"duration_ms"`
	ErrorCode        ErrorCode  `json:"error_code,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
	ExternalRef      string     `json:"external_ref,omitempty"`
	IdempotentReused bool       `json:"idempotent_reused,omitempty"`
}

// CompensationEvent records one compensation attempt for a completed mutating step.
type CompensationEvent struct {
	NodeID      string `json:"node_id"`
	SkillName   string `json:"skill_name"`
	Status      string `json:"status"` // completed, failed, manual_required
	ExternalRef string `json:"external_ref,omitempty"`
}

// RunResult holds the final state of a pipeline run. On failure, Failure is
// the single source of truth callers use to render a message.
type RunResult struct {
	PipelineRunID               string              `json:"pipeline_run_id"`
	PipelineID                  string              `json:"pipeline_id"`
	Status                      RunStatus           `json:"status"`
	Artifacts                   map[string]any      `json:"artifacts"`
	NodeRuns                    []NodeRun           `json:"node_runs"`
	CompensationEvents          []CompensationEvent `json:"compensation_events,omitempty"`
	IdempotentSuccessReuseCount int                 `json:"idempotent_success_reuse_count"`
	ToolCalls                   int                 `json:"tool_calls"`
	Failure                     *Failure            `json:"failure,omitempty"`
	Events                      *EventLog           `json:"-"`
}

// RunOptions identifies and parameterizes one run.
type RunOptions struct {
	RunID   string         // empty = auto-generated
	UserID  string         // owner of the side effects, folded into idempotency keys
	Context map[string]any // resolvable as $ctx.<path>
}

// runState is the arena for one run: artifacts, node-run log, idempotency
// ledger, and compensation events, owned exclusively by the engine invocation.
type runState struct {
	doc        *Document
	runID      string
	userID     string
	runCtx     map[string]any
	artifacts  map[string]any
	nodeRuns   []NodeRun
	ledger     map[string]any
	compEvents []CompensationEvent
	reuseCount int
	toolCalls  int
	events     *EventLog
	iter       *iterationTracker // non-nil while executing a fan-out iteration
}

// Run executes a pipeline document to completion or terminal failure. The
// returned error, when non-nil, is always a *Failure carrying the error code,
// failing step, and compensation status.
func (e *Engine) Run(ctx context.Context, doc *Document, opts RunOptions) (*RunResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	st := &runState{
		doc:       doc,
		runID:     runID,
		userID:    opts.UserID,
		runCtx:    opts.Context,
		artifacts: make(map[string]any),
		ledger:    make(map[string]any),
		events:    NewEventLog(),
	}

	e.emit(st, EngineEvent{Type: EventRunStarted, Data: map[string]any{"pipeline_id": doc.PipelineID}})

	if _, err := ValidateOrError(doc, ValidateOptions{WriteAllowlist: e.config.WriteAllowlist}); err != nil {
		return e.finishFailed(st, AsFailure(err))
	}

	order, err := Order(doc.Nodes)
	if err != nil {
		return e.finishFailed(st, newFailure(ErrDslValidationFailed, "", "%v", err))
	}

	// Nodes claimed by a fan-out run only inside that fan-out's sub-schedule.
	claimed := make(map[string]bool)
	for _, n := range doc.Nodes {
		if n.Type == KindForEach {
			for _, childID := range n.ItemNodeIDs {
				claimed[childID] = true
			}
		}
	}

	for _, id := range order {
		if claimed[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.finishFailed(st, newFailure(ErrToolTimeout, id, "run cancelled: %v", err))
		}

		node := doc.FindNode(id)
		artifact, fail := e.executeNode(ctx, st, node, nil, st.artifacts)
		if fail != nil {
			return e.finishFailed(st, fail)
		}
		st.artifacts[id] = artifact
	}

	e.emit(st, EngineEvent{Type: EventRunCompleted})
	return e.result(st, RunSucceeded, nil), nil
}

// executeNode runs one node through the shared condition/input/retry wrapper.
// item is the current fan-out item (nil outside fan-out); scope is the
// artifact map visible to this node.
func (e *Engine) executeNode(ctx context.Context, st *runState, node *Node, item any, scope map[string]any) (any, *Failure) {
	active, whenErr := EvaluateWhen(node.When, scope, item, st.runCtx)
	if whenErr != nil {
		// An unresolvable reference in a when expression deactivates the node
		// instead of failing the run; anything else propagates.
		fail := AsFailure(whenErr)
		if fail == nil {
			fail = newFailure(ErrDslValidationFailed, node.ID, "%v", whenErr)
		}
		if fail.Code != ErrDslRefNotFound {
			fail.FailedStep = node.ID
			return nil, fail
		}
		active = false
	}
	if !active {
		st.nodeRuns = append(st.nodeRuns, NodeRun{
			NodeID:   node.ID,
			NodeType: node.Type,
			Status:   NodeSkipped,
		})
		e.emit(st, EngineEvent{Type: EventNodeSkipped, NodeID: node.ID, Data: map[string]any{"reason": "when_false"}})
		return map[string]any{"status": "skipped", "reason": "when_false"}, nil
	}

	input, err := resolveInput(node.Input, scope, item, st.runCtx)
	if err != nil {
		fail := AsFailure(err)
		if fail == nil {
			fail = newFailure(ErrDslRefNotFound, node.ID, "%v", err)
		}
		fail.FailedStep = node.ID
		e.recordFailedRun(st, node, 1, 0, fail)
		return nil, fail
	}
	payload, _ := input.(map[string]any)

	e.emit(st, EngineEvent{Type: EventNodeStarted, NodeID: node.ID, Data: map[string]any{"type": string(node.Type)}})

	policy := policyForNode(node, e.config.DefaultRetry)
	start := time.Now()

	var lastFail *Failure
	attempt := 1
	for ; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastFail = newFailure(ErrToolTimeout, node.ID, "run cancelled: %v", err)
			break
		}

		out, meta, fail := e.executeBody(ctx, st, node, payload, item, scope)
		if fail == nil {
			st.nodeRuns = append(st.nodeRuns, NodeRun{
				NodeID:           node.ID,
				NodeType:         node.Type,
				Status:           NodeSucceeded,
				Attempt:          attempt,
				DurationMS:       time.Since(start).Milliseconds(),
				IdempotencyKey:   meta.idempotencyKey,
				ExternalRef:      meta.externalRef,
				IdempotentReused: meta.reused,
			})
			e.emit(st, EngineEvent{Type: EventNodeCompleted, NodeID: node.ID, Data: map[string]any{"attempt": attempt}})
			return out, nil
		}

		lastFail = fail
		if attempt < policy.MaxAttempts && fail.retryableFor(node.Type) {
			e.emit(st, EngineEvent{Type: EventNodeRetrying, NodeID: node.ID, Data: map[string]any{
				"attempt": attempt,
				"code":    string(fail.Code),
			}})
			sleepWithContext(ctx, policy.Backoff.DelayForAttempt(attempt-1))
			continue
		}
		break
	}

	if lastFail.FailedStep == "" {
		lastFail.FailedStep = node.ID
	}
	e.recordFailedRun(st, node, attempt, time.Since(start).Milliseconds(), lastFail)
	return nil, lastFail
}

// runMeta carries idempotency bookkeeping from a node body to its log row.
type runMeta struct {
	idempotencyKey string
	externalRef    string
	reused         bool
}

// executeBody dispatches to the kind-specific executor. The kind set is
// closed; validation rejects anything else before execution starts.
func (e *Engine) executeBody(ctx context.Context, st *runState, node *Node, payload map[string]any, item any, scope map[string]any) (any, runMeta, *Failure) {
	if node.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSec)*time.Second)
		defer cancel()
	}

	switch node.Type {
	case KindSkill:
		return e.executeSkill(ctx, st, node, payload, item)
	case KindLLMTransform:
		out, fail := e.executeTransform(ctx, st, node, payload)
		return out, runMeta{}, fail
	case KindVerify:
		out, fail := e.executeVerify(st, node, item, scope)
		return out, runMeta{}, fail
	case KindAggregate:
		out, fail := e.executeAggregate(st, node, payload, item, scope)
		return out, runMeta{}, fail
	case KindForEach:
		out, fail := e.executeForEach(ctx, st, node, scope)
		return out, runMeta{}, fail
	default:
		return nil, runMeta{}, newFailure(ErrDslValidationFailed, node.ID, "invalid_node_type: %q", node.Type)
	}
}

// recordFailedRun appends a failed node-run row and emits the failure event.
func (e *Engine) recordFailedRun(st *runState, node *Node, attempt int, durationMS int64, fail *Failure) {
	st.nodeRuns = append(st.nodeRuns, NodeRun{
		NodeID:     node.ID,
		NodeType:   node.Type,
		Status:     NodeFailed,
		Attempt:    attempt,
		DurationMS: durationMS,
		ErrorCode:  fail.Code,
	})
	e.emit(st, EngineEvent{Type: EventNodeFailed, NodeID: node.ID, Data: map[string]any{
		"code":   string(fail.Code),
		"reason": fail.Reason,
	}})
}

// finishFailed stamps the failure with the run ID and builds the failed result.
func (e *Engine) finishFailed(st *runState, fail *Failure) (*RunResult, error) {
	fail.PipelineRunID = st.runID
	e.emit(st, EngineEvent{Type: EventRunFailed, NodeID: fail.FailedStep, Data: map[string]any{
		"code":                string(fail.Code),
		"reason":              fail.Reason,
		"compensation_status": string(fail.CompensationStatus),
	}})
	return e.result(st, RunFailed, fail), fail
}

// result assembles the immutable run record.
func (e *Engine) result(st *runState, status RunStatus, fail *Failure) *RunResult {
	return &RunResult{
		PipelineRunID:               st.runID,
		PipelineID:                  st.doc.PipelineID,
		Status:                      status,
		Artifacts:                   st.artifacts,
		NodeRuns:                    st.nodeRuns,
		CompensationEvents:          st.compEvents,
		IdempotentSuccessReuseCount: st.reuseCount,
		ToolCalls:                   st.toolCalls,
		Failure:                     fail,
		Events:                      st.events,
	}
}

// emit records an event in the run log and forwards it to the configured handler.
func (e *Engine) emit(st *runState, evt EngineEvent) {
	evt.RunID = st.runID
	recorded := st.events.Append(evt)
	if e.config.EventHandler != nil {
		e.config.EventHandler(recorded)
	}
}
