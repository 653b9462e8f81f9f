// ABOUTME: Failure value type carrying the closed error-code enumeration and compensation status.
// ABOUTME: Includes collaborator error classification heuristics and per-kind retryability rules.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is one of the stable failure codes surfaced to callers.
type ErrorCode string

const (
	ErrDslValidationFailed ErrorCode = "DSL_VALIDATION_FAILED"
	ErrDslRefNotFound      ErrorCode = "DSL_REF_NOT_FOUND"
	ErrToolAuthError       ErrorCode = "TOOL_AUTH_ERROR"
	ErrToolRateLimited     ErrorCode = "TOOL_RATE_LIMITED"
	ErrToolTimeout         ErrorCode = "TOOL_TIMEOUT"
	ErrLlmAutofillFailed   ErrorCode = "LLM_AUTOFILL_FAILED"
	ErrVerifyCountMismatch ErrorCode = "VERIFY_COUNT_MISMATCH"
	ErrCompensationFailed  ErrorCode = "COMPENSATION_FAILED"
)

// CompensationStatus records the outcome of compensating rollback for a failed run.
type CompensationStatus string

const (
	CompensationNotRequired    CompensationStatus = "not_required"
	CompensationCompleted      CompensationStatus = "completed"
	CompensationFailed         CompensationStatus = "failed"
	CompensationManualRequired CompensationStatus = "manual_required"
)

// Failure is the terminal failure value of a run or node. It implements error
// so callers branch on it explicitly instead of unwinding through the engine.
type Failure struct {
	Code               ErrorCode          `json:"code"`
	Reason             string             `json:"reason"`
	FailedStep         string             `json:"failed_step,omitempty"`
	FailedItemRef      string             `json:"failed_item_ref,omitempty"`
	CompensationStatus CompensationStatus `json:"compensation_status"`
	PipelineRunID      string             `json:"pipeline_run_id,omitempty"`

	// terminal suppresses retries regardless of code. Set for deterministic
	// breaches such as an exhausted tool-call budget, where a retry can only
	// repeat the same outcome.
	terminal bool
}

func (f *Failure) Error() string {
	if f.FailedStep != "" {
		return fmt.Sprintf("%s at node %q: %s", f.Code, f.FailedStep, f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

// newFailure builds a Failure with compensation not required.
func newFailure(code ErrorCode, step string, format string, args ...any) *Failure {
	return &Failure{
		Code:               code,
		Reason:             fmt.Sprintf(format, args...),
		FailedStep:         step,
		CompensationStatus: CompensationNotRequired,
	}
}

// AsFailure unwraps err into a *Failure, or nil if err is not one.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// ClassifyToolError maps a collaborator-reported error string onto the
// engine's code enumeration. Unrecognized strings fall back to TOOL_TIMEOUT,
// the generic retryable default.
func ClassifyToolError(errCode string) ErrorCode {
	lower := strings.ToLower(errCode)
	switch {
	case strings.Contains(lower, "auth_required"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "unauthorized"):
		return ErrToolAuthError
	case strings.Contains(lower, "rate_limited"),
		strings.Contains(lower, "429"):
		return ErrToolRateLimited
	default:
		return ErrToolTimeout
	}
}

// retryableFor reports whether this failure should be retried for a node of
// the given kind. Rate limits and timeouts are always transient; malformed
// generation output is retried only for llm_transform nodes, where a retry is
// expected to self-correct.
func (f *Failure) retryableFor(kind NodeKind) bool {
	if f.terminal {
		return false
	}
	switch f.Code {
	case ErrToolRateLimited, ErrToolTimeout:
		return true
	case ErrLlmAutofillFailed:
		return kind == KindLLMTransform
	default:
		return false
	}
}
