// Package bus implements wait_any/wait_new against the store's revision
// notification stream. It is in-process and best-effort: correctness of the
// scheduler is restored by the sweeper even if an event here is missed, so
// these helpers never retry a dropped send themselves; they re-check the
// store on every relevant event and on a two-second fallback poll until the
// deadline passes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// ErrTimeout is returned when a wait expires before its condition is met.
var ErrTimeout = errors.New("wait timed out")

// ErrUnreachable is the sentinel wrapped by UnreachableError. Callers that
// only care whether a wait failed permanently, not why, can check
// errors.Is(err, ErrUnreachable).
var ErrUnreachable = errors.New("node unreachable: retries exhausted")

// UnreachableError reports that a node's value will never become set: its
// most recent computation attempt is a terminal failure and its retry budget
// is exhausted, so waiting longer cannot help. LastError carries the failed
// attempt's error payload verbatim for the caller to surface.
type UnreachableError struct {
	NodeName  string
	LastError json.RawMessage
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("node %q unreachable: retries exhausted", e.NodeName)
}

func (e *UnreachableError) Unwrap() error { return ErrUnreachable }

// UnreachableCheck decides, for a node's latest computation, whether it is
// terminally unreachable (retries exhausted) and if so returns the error
// payload to surface. It is supplied by callers that know the node's
// MaxAttempts budget (internal/engine.Exhausted), since the bus package has
// no access to the registered graph.
type UnreachableCheck func(latest *types.Computation) (bool, json.RawMessage)

// WaitAny blocks until node's value becomes set, or ctx/timeout expires.
// If the value is already set at call time it returns immediately.
// unreachable may be nil, in which case exhausted retries simply time out.
func WaitAny(ctx context.Context, s store.Store, executionID, nodeName string, timeout time.Duration, unreachable UnreachableCheck) (*types.NodeInstance, error) {
	return waitFor(ctx, s, executionID, nodeName, timeout, unreachable, func(inst *types.NodeInstance) bool {
		return inst != nil && inst.IsSet
	})
}

// WaitNew blocks until node's set_revision exceeds revisionObserved, i.e. a
// later successful write or computation commits after the caller's last
// observation. unreachable may be nil, in which case exhausted retries
// simply time out.
func WaitNew(ctx context.Context, s store.Store, executionID, nodeName string, revisionObserved int64, timeout time.Duration, unreachable UnreachableCheck) (*types.NodeInstance, error) {
	return waitFor(ctx, s, executionID, nodeName, timeout, unreachable, func(inst *types.NodeInstance) bool {
		return inst != nil && inst.IsSet && inst.SetRevision > revisionObserved
	})
}

// waitFor subscribes to the execution's revision stream and re-checks the
// node's current snapshot against satisfied on every event, an initial poll,
// and periodically as a fallback against missed events, until satisfied
// returns true, unreachable reports a terminal failure, or the deadline
// passes.
func waitFor(ctx context.Context, s store.Store, executionID, nodeName string, timeout time.Duration, unreachable UnreachableCheck, satisfied func(*types.NodeInstance) bool) (*types.NodeInstance, error) {
	check := func() (*types.NodeInstance, bool, error) {
		snap, err := s.Snapshot(ctx, executionID)
		if err != nil {
			return nil, false, err
		}
		inst := snap.Nodes[nodeName]
		if satisfied(inst) {
			return inst, true, nil
		}
		if unreachable != nil {
			if done, lastErr := unreachable(snap.LatestComputation[nodeName]); done {
				return nil, false, &UnreachableError{NodeName: nodeName, LastError: lastErr}
			}
		}
		return inst, false, nil
	}

	if inst, ok, err := check(); err != nil {
		return nil, err
	} else if ok {
		return inst, nil
	}

	events, cancel, err := s.Subscribe(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var deadlineCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	// Fallback poll in case the bus drops an event under backpressure;
	// bounded so a wait never blocks forever on a missed notification.
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadlineCh:
			return nil, ErrTimeout
		case evt, ok := <-events:
			if !ok {
				return nil, ErrTimeout
			}
			if evt.NodeName != "" && evt.NodeName != nodeName {
				continue
			}
			inst, done, err := check()
			if err != nil {
				return nil, err
			}
			if done {
				return inst, nil
			}
		case <-poll.C:
			inst, done, err := check()
			if err != nil {
				return nil, err
			}
			if done {
				return inst, nil
			}
		}
	}
}
