// ABOUTME: Retry policy configuration and backoff delay calculation for node execution attempts.
// ABOUTME: Node-level retry{max_attempts,backoff_ms} maps onto a constant-delay policy.
package pipeline

import (
	"context"
	"math"
	"time"
)

// RetryPolicy controls how many times a node execution is attempted.
type RetryPolicy struct {
	MaxAttempts int // minimum 1 (1 = no retries)
	Backoff     BackoffConfig
}

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64 // 1.0 = constant delay
	MaxDelay     time.Duration
}

// DelayForAttempt calculates the delay for a given attempt number (0-indexed):
// InitialDelay * Factor^attempt, capped at MaxDelay.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 1.0
	}
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(factor, float64(attempt))
	if b.MaxDelay > 0 {
		baseNanos = math.Min(baseNanos, float64(b.MaxDelay.Nanoseconds()))
	}
	return time.Duration(int64(baseNanos))
}

// RetryPolicyNone returns a policy with no retries (single attempt).
func RetryPolicyNone() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// RetryPolicyStandard returns three attempts with a constant 500ms delay.
func RetryPolicyStandard() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Factor:       1.0,
			MaxDelay:     30 * time.Second,
		},
	}
}

// policyForNode resolves the effective retry policy for a node: the node's
// own retry block wins, then the engine default, then a single attempt.
func policyForNode(n *Node, def RetryPolicy) RetryPolicy {
	if n.Retry != nil && n.Retry.MaxAttempts >= 1 {
		return RetryPolicy{
			MaxAttempts: n.Retry.MaxAttempts,
			Backoff: BackoffConfig{
				InitialDelay: time.Duration(n.Retry.BackoffMS) * time.Millisecond,
				Factor:       1.0,
			},
		}
	}
	if def.MaxAttempts >= 1 {
		return def
	}
	return RetryPolicyNone()
}

// sleepWithContext sleeps for the given duration, returning early if the
// context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
