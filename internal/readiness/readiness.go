// Package readiness implements the pure readiness evaluator: given an
// execution snapshot, it returns the set of nodes whose upstream predicate is
// satisfied and whose last attempt is stale, without touching the store or
// any process-wide state. This generalizes the donor scheduler's
// ExprEvaluator (internal/scheduler/expr.go) from "evaluate a conditional
// branch expression" to "evaluate a node's upstream_predicate", with the
// same compile-once-cache-forever discipline.
package readiness

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// MaxPredicateLength bounds compiled expression size, mirroring the donor
// evaluator's security limit.
const MaxPredicateLength = 4096

// Evaluator compiles and caches upstream_predicate expressions. It is safe
// for concurrent use and holds no execution-specific state.
type Evaluator struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// New creates an empty predicate evaluator.
func New() *Evaluator {
	return &Evaluator{compiled: make(map[string]*vm.Program)}
}

// predicateEnv is the environment a predicate expression evaluates against:
// provided(name) and value_equals(name, want) close over the snapshot that is
// live for one call to Evaluate; nothing here is shared across calls.
type predicateEnv struct {
	Provided    func(name string) bool                   `expr:"provided"`
	ValueEquals func(name string, want interface{}) bool `expr:"value_equals"`
	Now         func() int64                             `expr:"now"`
	Value       func(name string) interface{}            `expr:"value"`
}

// compile returns the cached program for expression, compiling and caching
// it on first use.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if len(expression) > MaxPredicateLength {
		return nil, fmt.Errorf("upstream predicate exceeds maximum length of %d characters", MaxPredicateLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.Env(predicateEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile upstream predicate %q: %w", expression, err)
	}

	e.mu.Lock()
	e.compiled[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// EvaluatePredicate runs node's upstream_predicate against snapshot and
// reports whether it is satisfied. An empty predicate is satisfied iff every
// declared dependency is provided (the common case: plain conjunction of
// presence).
func (e *Evaluator) EvaluatePredicate(node *types.NodeDef, snapshot *types.ExecutionSnapshot, now time.Time) (bool, error) {
	if node.UpstreamPredicate == "" {
		for _, dep := range node.DependsOn {
			inst, ok := snapshot.Nodes[dep]
			if !ok || !inst.IsSet {
				return false, nil
			}
		}
		return true, nil
	}

	prog, err := e.compile(node.UpstreamPredicate)
	if err != nil {
		return false, err
	}

	env := predicateEnv{
		Provided: func(name string) bool {
			inst, ok := snapshot.Nodes[name]
			return ok && inst.IsSet
		},
		ValueEquals: func(name string, want interface{}) bool {
			inst, ok := snapshot.Nodes[name]
			if !ok || !inst.IsSet {
				return false
			}
			var got interface{}
			if err := jsonUnmarshal(inst.Value, &got); err != nil {
				return false
			}
			return looseEqual(got, want)
		},
		Now: func() int64 { return now.Unix() },
		Value: func(name string) interface{} {
			inst, ok := snapshot.Nodes[name]
			if !ok || !inst.IsSet {
				return nil
			}
			var v interface{}
			_ = jsonUnmarshal(inst.Value, &v)
			return v
		},
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate upstream predicate %q: %w", node.UpstreamPredicate, err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("upstream predicate %q returned %T, expected bool", node.UpstreamPredicate, result)
	}
	return ok, nil
}

// UpstreamRevisions returns the set_revision of every node the NodeDef reads,
// i.e. its declared dependencies. This is the revision vector recorded on a
// claim for staleness comparison against later attempts.
func UpstreamRevisions(node *types.NodeDef, snapshot *types.ExecutionSnapshot) map[string]int64 {
	revs := make(map[string]int64, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if inst, ok := snapshot.Nodes[dep]; ok {
			revs[dep] = inst.SetRevision
		}
	}
	return revs
}

// isStale reports whether node N's most recent computation, if any, no
// longer reflects the current upstream revisions, honoring backoff for
// failed/abandoned attempts. node is passed through to backoffElapsed so a
// per-node MaxAttempts override can stop a node from ever going stale again
// once exhausted. A schedule_recurring node's own successful attempt is a
// special case: it re-arms itself once wall-clock time reaches the fire time
// it last recorded, independent of any upstream revision change.
func isStale(node *types.NodeDef, latest *types.Computation, upstream map[string]int64, now time.Time, backoffElapsed func(*types.NodeDef, *types.Computation) bool) bool {
	if latest == nil {
		return true
	}
	for name, rev := range upstream {
		if seen, ok := latest.UpstreamRevisions[name]; !ok || rev > seen {
			return true
		}
	}
	switch latest.State {
	case types.ComputationFailed, types.ComputationAbandoned:
		return backoffElapsed(node, latest)
	case types.ComputationSuccess:
		switch node.Kind {
		case types.NodeKindScheduleOnce:
			// A one-shot timer that has not yet fired (no_schedule, no
			// payload) keeps getting re-evaluated; once it records a fire
			// time it never does so again.
			return len(latest.ResultPayload) == 0
		case types.NodeKindScheduleRecurring:
			return recurringScheduleDue(latest, now)
		default:
			return false
		}
	case types.ComputationCancelled:
		return false
	default:
		// computing is filtered out by the caller before isStale is reached.
		return false
	}
}

// recurringScheduleDue reports whether a schedule_recurring node's last
// successful attempt has reached its own re-arm time. A no_schedule outcome
// leaves no result payload and is re-checked on every pass; a schedule
// outcome records the next fire time as its result, and becomes due once now
// reaches it.
func recurringScheduleDue(latest *types.Computation, now time.Time) bool {
	if len(latest.ResultPayload) == 0 {
		return true
	}
	var scheduleAt int64
	if err := jsonUnmarshal(latest.ResultPayload, &scheduleAt); err != nil {
		return false
	}
	return !now.Before(time.Unix(scheduleAt, 0))
}

// Evaluate is the pure readiness function: ready(exec_snapshot) ->
// []ReadyCandidate. nodes is the full NodeDef set of the registered graph;
// backoffElapsed decides, for a failed/abandoned attempt, whether enough
// wall-clock time has passed under the configured exponential-backoff policy
// to retry, honoring the node's own MaxAttempts override when set.
func (e *Evaluator) Evaluate(nodes map[string]*types.NodeDef, snapshot *types.ExecutionSnapshot, now time.Time, backoffElapsed func(*types.NodeDef, *types.Computation) bool) ([]types.ReadyCandidate, error) {
	var candidates []types.ReadyCandidate

	for name, node := range nodes {
		if node.Kind == types.NodeKindInput {
			continue
		}

		latest := snapshot.LatestComputation[name]
		if latest != nil && latest.State == types.ComputationComputing {
			continue
		}

		satisfied, err := e.EvaluatePredicate(node, snapshot, now)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		if !satisfied {
			continue
		}

		upstream := UpstreamRevisions(node, snapshot)
		if !isStale(node, latest, upstream, now, backoffElapsed) {
			continue
		}

		candidates = append(candidates, types.ReadyCandidate{
			NodeName:          name,
			UpstreamRevisions: upstream,
			ExRevisionSeen:    snapshot.Execution.Revision,
		})
	}

	return candidates, nil
}

// Outstanding reports, for one node, which of its declared dependencies are
// currently provided versus not — the building block for the
// outstanding_computations diagnostic, decomposed one clause per declared
// dependency so cardinality matches the upstream count exactly.
func Outstanding(node *types.NodeDef, snapshot *types.ExecutionSnapshot) (met, notMet []string) {
	for _, dep := range node.DependsOn {
		inst, ok := snapshot.Nodes[dep]
		if ok && inst.IsSet {
			met = append(met, dep)
		} else {
			notMet = append(notMet, dep)
		}
	}
	return met, notMet
}
