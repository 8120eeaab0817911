package readiness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func snapshotWith(nodes map[string]*types.NodeInstance, rev int64) *types.ExecutionSnapshot {
	return &types.ExecutionSnapshot{
		Execution:         &types.Execution{ID: "exec-1", Revision: rev},
		Nodes:             nodes,
		LatestComputation: map[string]*types.Computation{},
	}
}

func setNode(value interface{}, rev int64) *types.NodeInstance {
	raw, _ := json.Marshal(value)
	return &types.NodeInstance{IsSet: true, Value: raw, SetRevision: rev}
}

func TestEvaluator_EvaluatePredicate(t *testing.T) {
	e := New()
	now := time.Now()

	t.Run("empty predicate requires every dependency set", func(t *testing.T) {
		node := &types.NodeDef{Name: "b", DependsOn: []string{"a"}}
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		ok, err := e.EvaluatePredicate(node, snap, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected not ready when dependency unset")
		}

		snap = snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		ok, err = e.EvaluatePredicate(node, snap, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected ready once dependency is set")
		}
	})

	t.Run("explicit predicate using provided()", func(t *testing.T) {
		node := &types.NodeDef{Name: "b", UpstreamPredicate: "provided('a')"}
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode("x", 1)}, 1)
		ok, err := e.EvaluatePredicate(node, snap, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected predicate to be satisfied")
		}
	})

	t.Run("value_equals compares loosely across numeric types", func(t *testing.T) {
		node := &types.NodeDef{Name: "b", UpstreamPredicate: "value_equals('a', 3)"}
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(3, 1)}, 1)
		ok, err := e.EvaluatePredicate(node, snap, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected value_equals to match")
		}
	})

	t.Run("predicate exceeding max length is rejected", func(t *testing.T) {
		long := make([]byte, MaxPredicateLength+1)
		for i := range long {
			long[i] = 'x'
		}
		node := &types.NodeDef{Name: "b", UpstreamPredicate: string(long)}
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		if _, err := e.EvaluatePredicate(node, snap, now); err == nil {
			t.Error("expected an error for an oversized predicate")
		}
	})

	t.Run("predicate that does not return a bool is an error", func(t *testing.T) {
		node := &types.NodeDef{Name: "b", UpstreamPredicate: "1 + 1"}
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		if _, err := e.EvaluatePredicate(node, snap, now); err == nil {
			t.Error("expected an error for a non-bool predicate result")
		}
	})

	t.Run("compiled programs are cached across calls", func(t *testing.T) {
		node := &types.NodeDef{Name: "b", UpstreamPredicate: "provided('a')"}
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		if _, err := e.EvaluatePredicate(node, snap, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		e.mu.RLock()
		_, cached := e.compiled[node.UpstreamPredicate]
		e.mu.RUnlock()
		if !cached {
			t.Error("expected the predicate program to be cached")
		}
	})
}

func TestUpstreamRevisions(t *testing.T) {
	node := &types.NodeDef{Name: "c", DependsOn: []string{"a", "b"}}
	snap := snapshotWith(map[string]*types.NodeInstance{
		"a": setNode(1, 5),
		"b": setNode(2, 7),
	}, 7)

	revs := UpstreamRevisions(node, snap)
	if revs["a"] != 5 || revs["b"] != 7 {
		t.Errorf("unexpected upstream revisions: %+v", revs)
	}
	if len(revs) != 2 {
		t.Errorf("expected 2 entries, got %d", len(revs))
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	e := New()
	now := time.Now()
	alwaysElapsed := func(*types.NodeDef, *types.Computation) bool { return true }
	neverElapsed := func(*types.NodeDef, *types.Computation) bool { return false }

	nodes := map[string]*types.NodeDef{
		"a": {Name: "a", Kind: types.NodeKindInput},
		"b": {Name: "b", Kind: types.NodeKindCompute, DependsOn: []string{"a"}},
	}

	t.Run("input nodes are never candidates", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		cands, err := e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, c := range cands {
			if c.NodeName == "a" {
				t.Error("input node should never be a candidate")
			}
		}
	})

	t.Run("node with unset dependency is not a candidate", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		cands, err := e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 0 {
			t.Errorf("expected no candidates, got %+v", cands)
		}
	})

	t.Run("node with satisfied dependency and no prior attempt is a candidate", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		cands, err := e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 1 || cands[0].NodeName != "b" {
			t.Fatalf("expected node b as the only candidate, got %+v", cands)
		}
		if cands[0].ExRevisionSeen != 1 {
			t.Errorf("expected ExRevisionSeen 1, got %d", cands[0].ExRevisionSeen)
		}
	})

	t.Run("computing node is excluded regardless of backoff", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		snap.LatestComputation["b"] = &types.Computation{NodeName: "b", State: types.ComputationComputing}
		cands, err := e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 0 {
			t.Errorf("expected no candidates while computing, got %+v", cands)
		}
	})

	t.Run("successful attempt is not retried unless upstream advances", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		snap.LatestComputation["b"] = &types.Computation{
			NodeName: "b", State: types.ComputationSuccess,
			UpstreamRevisions: map[string]int64{"a": 1},
		}
		cands, err := e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 0 {
			t.Errorf("expected no candidates when upstream unchanged, got %+v", cands)
		}

		snap.Nodes["a"] = setNode(2, 2)
		snap.Execution.Revision = 2
		cands, err = e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 1 {
			t.Errorf("expected a cascade candidate once upstream advances, got %+v", cands)
		}
	})

	t.Run("failed attempt only retries once backoff has elapsed", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{"a": setNode(1, 1)}, 1)
		snap.LatestComputation["b"] = &types.Computation{
			NodeName: "b", State: types.ComputationFailed,
			UpstreamRevisions: map[string]int64{"a": 1},
		}

		cands, err := e.Evaluate(nodes, snap, now, neverElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 0 {
			t.Errorf("expected no candidates while backoff has not elapsed, got %+v", cands)
		}

		cands, err = e.Evaluate(nodes, snap, now, alwaysElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 1 {
			t.Errorf("expected a retry candidate once backoff elapsed, got %+v", cands)
		}
	})
}

func TestEvaluator_Evaluate_ScheduleRecurringRearms(t *testing.T) {
	e := New()
	neverElapsed := func(*types.NodeDef, *types.Computation) bool { return false }

	nodes := map[string]*types.NodeDef{
		"timer": {Name: "timer", Kind: types.NodeKindScheduleRecurring},
	}

	t.Run("no_schedule outcome is rechecked on every pass", func(t *testing.T) {
		now := time.Now()
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		snap.LatestComputation["timer"] = &types.Computation{
			NodeName: "timer", State: types.ComputationSuccess,
		}
		cands, err := e.Evaluate(nodes, snap, now, neverElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 1 {
			t.Fatalf("expected timer to be a candidate after declining to fire, got %+v", cands)
		}
	})

	t.Run("first fire is not re-dispatched before its own schedule time", func(t *testing.T) {
		now := time.Now()
		future, _ := json.Marshal(now.Add(time.Hour).Unix())
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		snap.LatestComputation["timer"] = &types.Computation{
			NodeName: "timer", State: types.ComputationSuccess,
			ResultPayload: future,
		}
		cands, err := e.Evaluate(nodes, snap, now, neverElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 0 {
			t.Errorf("expected timer not yet due, got %+v", cands)
		}
	})

	t.Run("second fire is dispatched once now reaches the recorded schedule time", func(t *testing.T) {
		now := time.Now()
		due, _ := json.Marshal(now.Add(-time.Second).Unix())
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		snap.LatestComputation["timer"] = &types.Computation{
			NodeName: "timer", State: types.ComputationSuccess,
			ResultPayload: due,
		}
		cands, err := e.Evaluate(nodes, snap, now, neverElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 1 || cands[0].NodeName != "timer" {
			t.Fatalf("expected timer to re-arm once its schedule time has passed, got %+v", cands)
		}
	})
}

func TestEvaluator_Evaluate_ScheduleOnceFiresExactlyOnce(t *testing.T) {
	e := New()
	neverElapsed := func(*types.NodeDef, *types.Computation) bool { return false }
	now := time.Now()

	nodes := map[string]*types.NodeDef{
		"timer": {Name: "timer", Kind: types.NodeKindScheduleOnce},
	}

	t.Run("waiting (no_schedule) timer is still a candidate", func(t *testing.T) {
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		snap.LatestComputation["timer"] = &types.Computation{
			NodeName: "timer", State: types.ComputationSuccess,
		}
		cands, err := e.Evaluate(nodes, snap, now, neverElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 1 {
			t.Fatalf("expected timer to still be a candidate while waiting, got %+v", cands)
		}
	})

	t.Run("fired timer is never a candidate again, even long after its own time", func(t *testing.T) {
		fired, _ := json.Marshal(now.Add(-time.Hour).Unix())
		snap := snapshotWith(map[string]*types.NodeInstance{}, 0)
		snap.LatestComputation["timer"] = &types.Computation{
			NodeName: "timer", State: types.ComputationSuccess,
			ResultPayload: fired,
		}
		cands, err := e.Evaluate(nodes, snap, now, neverElapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cands) != 0 {
			t.Errorf("expected a fired one-shot timer to stay non-stale, got %+v", cands)
		}
	})
}

func TestOutstanding(t *testing.T) {
	node := &types.NodeDef{Name: "c", DependsOn: []string{"a", "b"}}
	snap := snapshotWith(map[string]*types.NodeInstance{
		"a": setNode(1, 1),
	}, 1)

	met, notMet := Outstanding(node, snap)
	if len(met) != 1 || met[0] != "a" {
		t.Errorf("expected met=[a], got %+v", met)
	}
	if len(notMet) != 1 || notMet[0] != "b" {
		t.Errorf("expected notMet=[b], got %+v", notMet)
	}
}
