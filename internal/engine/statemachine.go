// Package engine implements the computation state machine, the dispatcher
// worker pool, and the background sweeper: the three components that turn
// readiness candidates into durable store mutations. It generalizes the
// donor's internal/scheduler (runLoop, maybeScheduleReady, scheduleNode,
// onNodeFinished) from "walk a static DAG of shell/K8s nodes once" to "claim
// and complete computation attempts against a revisioned store, forever,
// across crashes."
package engine

import (
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// backoffPolicy computes whether enough wall-clock time has passed since a
// failed or abandoned attempt's completion to retry, and whether max
// attempts has been exhausted.
type backoffPolicy struct {
	base       time.Duration
	cap        time.Duration
	maxAttempts int
}

// elapsed reports whether comp, a terminal failed/abandoned Computation, is
// eligible for retry right now. A node whose attempt count has reached its
// effective max attempts never becomes eligible again. node's own
// MaxAttempts, when set, overrides the dispatcher-wide default carried in p.
func (p backoffPolicy) elapsed(node *types.NodeDef, comp *types.Computation, now time.Time) bool {
	if Exhausted(node, comp.AttemptIndex+1, p.maxAttempts) {
		return false
	}
	if comp.CompletedAt == nil {
		return true
	}
	delay := p.delayFor(comp.AttemptIndex)
	return now.After(comp.CompletedAt.Add(delay))
}

// delayFor returns the backoff delay before retrying after attemptIndex has
// failed, exponential with base and capped at cap — the same doubling
// discipline as the donor's onNodeFinished, generalized to a configurable
// base/cap pair instead of a hardcoded 60s ceiling.
func (p backoffPolicy) delayFor(attemptIndex int) time.Duration {
	delay := p.base
	for i := 0; i < attemptIndex; i++ {
		delay *= 2
		if delay >= p.cap {
			return p.cap
		}
	}
	if delay > p.cap {
		delay = p.cap
	}
	return delay
}

// Exhausted reports whether node has used up its max_attempts budget, used
// by the dispatcher to decide whether a failed terminal state is final
// (unreachable) rather than retryable, and by the HTTP surface to resolve
// get_value/wait_any into unreachable(node, last_error) instead of a live
// timeout. node's own MaxAttempts overrides defaultMaxAttempts when set;
// a defaultMaxAttempts of 0 means unlimited retries.
func Exhausted(node *types.NodeDef, attemptsSoFar, defaultMaxAttempts int) bool {
	max := defaultMaxAttempts
	if node != nil && node.MaxAttempts > 0 {
		max = node.MaxAttempts
	}
	return max > 0 && attemptsSoFar >= max
}
