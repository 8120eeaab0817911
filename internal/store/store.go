// Package store provides the persistent store gateway: transactional
// operations over executions, node instances, and computation attempts.
// It is the durable state the scheduler trusts, and the only place the
// at-most-one-concurrent-attempt-per-node invariant is enforced.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// Sentinel errors returned by Store implementations. ErrConflict is internal:
// callers (the dispatcher) must never surface it, only skip the candidate.
var (
	ErrUnknownExecution  = errors.New("unknown execution")
	ErrUnknownNode       = errors.New("unknown node")
	ErrUnknownComputation = errors.New("unknown computation")
	ErrExecutionArchived = errors.New("execution archived")
	ErrConflict          = errors.New("conflict: claim lost a race")
)

// RevisionEvent is published on the notification bus every time a gateway
// write commits. NodeName is empty for execution-level events that did not
// touch a specific node's value (a pure computing->abandoned sweep reclaim,
// for instance, still bumps revision but does not change NodeInstance.Value).
type RevisionEvent struct {
	ExecutionID string
	NodeName    string
	IsValueSet  bool
	NewRevision int64
	Time        time.Time
}

// Store is the persistent store gateway interface. Implementations must be
// safe for concurrent use across goroutines and, for the Redis adapter,
// across processes.
type Store interface {
	// CreateExecution creates a durable Execution plus one not_set
	// NodeInstance per declared node (the graph's NodeDefs are supplied by
	// the caller since the store itself does not depend on the graph
	// registry).
	CreateExecution(ctx context.Context, graphRef types.GraphRef, nodeNames []string) (*types.Execution, error)

	// LoadExecution does a fresh read-through of execution metadata only.
	LoadExecution(ctx context.Context, executionID string) (*types.Execution, error)

	// Snapshot returns a point-in-time view of the execution, every node
	// instance, and the latest known Computation per node. Used by the
	// readiness evaluator.
	Snapshot(ctx context.Context, executionID string) (*types.ExecutionSnapshot, error)

	// WriteValue transactionally updates a NodeInstance's value, bumps the
	// execution's revision, and records the new revision on the instance.
	// Fails with ErrExecutionArchived if the execution has been archived.
	// Writes are revision-generating even when the payload is
	// byte-for-byte identical to the current value.
	WriteValue(ctx context.Context, executionID, nodeName string, payload json.RawMessage) (newRevision int64, err error)

	// TouchRevision bumps a node's set_revision without changing its value,
	// used by the increment_revision diagnostic to force a recompute cascade.
	TouchRevision(ctx context.Context, executionID, nodeName string) (newRevision int64, err error)

	// ClaimComputation inserts a Computation row in the computing state for
	// (executionID, nodeName), but only if no other computation for that
	// pair is currently computing and the execution's revision still equals
	// exRevSeen. Returns ErrConflict if either precondition fails.
	ClaimComputation(ctx context.Context, executionID, nodeName string, deadline time.Time, exRevSeen int64, upstreamRevisions map[string]int64) (*types.Computation, error)

	// CompleteComputation atomically transitions a claimed Computation to a
	// terminal state. On success, it also writes resultPayload to
	// targetNode's NodeInstance (targetNode is the computation's own node
	// name, except for mutate nodes, where it is the mutate target) in the
	// same transaction as the state transition and revision bump.
	CompleteComputation(ctx context.Context, computationID string, targetNode string, newState types.ComputationState, resultPayload, errorPayload json.RawMessage) (newRevision int64, err error)

	// ListLiveExecutions paginates over non-archived executions.
	ListLiveExecutions(ctx context.Context, cursor string, limit int) (ids []string, nextCursor string, err error)

	// ListStaleComputations returns every computing Computation across all
	// live executions whose deadline is before threshold — candidates for
	// sweeper reclaim.
	ListStaleComputations(ctx context.Context, threshold time.Time) ([]*types.Computation, error)

	// Archive sets archived_at, after which every subsequent
	// WriteValue/ClaimComputation/CompleteComputation on this execution
	// fails with ErrExecutionArchived.
	Archive(ctx context.Context, executionID string) error

	// Subscribe returns a channel receiving RevisionEvents for one
	// execution. The cleanup function releases the subscription. The bus is
	// best-effort: slow subscribers may miss events under backpressure;
	// correctness is restored by the sweeper, not the bus.
	Subscribe(ctx context.Context, executionID string) (<-chan RevisionEvent, func(), error)

	// AdapterInfo reports implementation-specific diagnostics.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds tuning knobs shared by all Store implementations.
type Config struct {
	// EventBufferSize bounds the per-subscriber channel used by Subscribe.
	EventBufferSize int

	// TTL for executions in the Redis adapter (0 = no expiry). Ignored by
	// the in-memory adapter.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventBufferSize: 100,
		TTL:             7 * 24 * time.Hour,
	}
}
