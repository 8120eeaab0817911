package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/readiness"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func testGraphDef() *types.GraphDef {
	return &types.GraphDef{
		Ref: types.GraphRef{Name: "pipeline", Version: "v1"},
		Nodes: map[string]*types.NodeDef{
			"input":   {Name: "input", Kind: types.NodeKindInput},
			"derived": {Name: "derived", Kind: types.NodeKindCompute, DependsOn: []string{"input"}, FunctionRef: "double"},
		},
	}
}

func newTestDispatcher(t *testing.T, cfg Config, fn graph.Function) (*Dispatcher, store.Store, *types.Execution) {
	t.Helper()
	graphs := graph.New()
	if err := graphs.Register(testGraphDef()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	functions := graph.NewFunctionRegistry()
	if fn != nil {
		functions.Register("double", fn)
	}
	s := store.NewMemoryStore(nil)
	ready := readiness.New()
	d := New(graphs, functions, s, ready, cfg, nil)

	exec, err := s.CreateExecution(context.Background(), testGraphDef().Ref, []string{"input", "derived"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	return d, s, exec
}

func TestDispatcher_EvaluateOnce_DispatchesReadyCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 4
	d, s, exec := newTestDispatcher(t, cfg, func(ctx context.Context, inputs map[string]json.RawMessage) types.FunctionOutcome {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeOK, Value: json.RawMessage(`"doubled"`)}
	})
	defer s.Close()
	ctx := context.Background()

	if _, err := s.WriteValue(ctx, exec.ID, "input", json.RawMessage(`1`)); err != nil {
		t.Fatalf("WriteValue failed: %v", err)
	}

	d.evaluateOnce(ctx, exec.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.Snapshot(ctx, exec.ID)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if inst, ok := snap.Nodes["derived"]; ok && inst.IsSet {
			if string(inst.Value) != `"doubled"` {
				t.Errorf("expected derived value %q, got %s", `"doubled"`, inst.Value)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected derived to be dispatched and completed within the deadline")
}

func TestDispatcher_Invoke_RecoversFromPanic(t *testing.T) {
	d, s, _ := newTestDispatcher(t, DefaultConfig(), nil)
	defer s.Close()

	panicking := func(ctx context.Context, inputs map[string]json.RawMessage) types.FunctionOutcome {
		panic("boom")
	}
	outcome := d.invoke(context.Background(), panicking, nil)
	if outcome.Kind != types.FunctionOutcomeError {
		t.Fatalf("expected a recovered panic to surface as an error outcome, got %v", outcome.Kind)
	}
	if outcome.Err == nil {
		t.Fatal("expected a non-nil error describing the panic")
	}
}

func TestDispatcher_ApplyOutcome(t *testing.T) {
	tests := []struct {
		name        string
		node        *types.NodeDef
		outcome     types.FunctionOutcome
		wantState   types.ComputationState
		wantTarget  string
		wantPayload string
	}{
		{
			name:        "ok outcome on a compute node succeeds with its own value",
			node:        &types.NodeDef{Name: "derived", Kind: types.NodeKindCompute},
			outcome:     types.FunctionOutcome{Kind: types.FunctionOutcomeOK, Value: json.RawMessage(`42`)},
			wantState:   types.ComputationSuccess,
			wantTarget:  "derived",
			wantPayload: "42",
		},
		{
			name:        "ok outcome on a mutate node succeeds writing through to its target",
			node:        &types.NodeDef{Name: "mutator", Kind: types.NodeKindMutate, Mutates: "derived"},
			outcome:     types.FunctionOutcome{Kind: types.FunctionOutcomeOK, Value: json.RawMessage(`7`)},
			wantState:   types.ComputationSuccess,
			wantTarget:  "derived",
			wantPayload: "7",
		},
		{
			name:      "error outcome fails",
			node:      &types.NodeDef{Name: "derived", Kind: types.NodeKindCompute},
			outcome:   types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: errors.New("bad")},
			wantState: types.ComputationFailed,
		},
		{
			name:      "schedule outcome for a non-schedule node is malformed and fails",
			node:      &types.NodeDef{Name: "derived", Kind: types.NodeKindCompute},
			outcome:   types.FunctionOutcome{Kind: types.FunctionOutcomeSchedule, ScheduleAt: 100},
			wantState: types.ComputationFailed,
		},
		{
			name:        "schedule outcome for a schedule node succeeds",
			node:        &types.NodeDef{Name: "timer", Kind: types.NodeKindScheduleOnce},
			outcome:     types.FunctionOutcome{Kind: types.FunctionOutcomeSchedule, ScheduleAt: 100},
			wantState:   types.ComputationSuccess,
			wantTarget:  "timer",
			wantPayload: "100",
		},
		{
			name:      "no_schedule outcome succeeds without writing a value",
			node:      &types.NodeDef{Name: "timer", Kind: types.NodeKindScheduleRecurring},
			outcome:   types.FunctionOutcome{Kind: types.FunctionOutcomeNoSchedule},
			wantState: types.ComputationSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s, _ := newTestDispatcher(t, DefaultConfig(), nil)
			defer s.Close()
			ctx := context.Background()

			exec, err := s.CreateExecution(ctx, types.GraphRef{Name: "pipeline", Version: "v1"}, []string{tt.node.Name, "derived", "timer"})
			if err != nil {
				t.Fatalf("CreateExecution failed: %v", err)
			}
			comp, err := s.ClaimComputation(ctx, exec.ID, tt.node.Name, time.Now().Add(time.Minute), exec.Revision, nil)
			if err != nil {
				t.Fatalf("ClaimComputation failed: %v", err)
			}

			d.applyOutcome(ctx, comp, tt.node, tt.outcome)

			snap, err := s.Snapshot(ctx, comp.ExecutionID)
			if err != nil {
				t.Fatalf("Snapshot failed: %v", err)
			}
			latest := snap.LatestComputation[tt.node.Name]
			if latest == nil || latest.State != tt.wantState {
				t.Fatalf("expected state %v, got %v", tt.wantState, latest)
			}
			if tt.wantTarget != "" {
				inst, ok := snap.Nodes[tt.wantTarget]
				if !ok || !inst.IsSet || string(inst.Value) != tt.wantPayload {
					t.Errorf("expected node %q to be set to %s, got %+v", tt.wantTarget, tt.wantPayload, inst)
				}
			}
		})
	}
}

func TestDispatcher_BuildInputMap(t *testing.T) {
	d, s, exec := newTestDispatcher(t, DefaultConfig(), nil)
	defer s.Close()
	ctx := context.Background()

	t.Run("missing dependency is an error", func(t *testing.T) {
		node := testGraphDef().Nodes["derived"]
		if _, err := d.buildInputMap(ctx, exec.ID, node); err == nil {
			t.Fatal("expected an error for an unset dependency")
		}
	})

	t.Run("reads every declared dependency's current value", func(t *testing.T) {
		if _, err := s.WriteValue(ctx, exec.ID, "input", json.RawMessage(`"hello"`)); err != nil {
			t.Fatalf("WriteValue failed: %v", err)
		}
		node := testGraphDef().Nodes["derived"]
		inputs, err := d.buildInputMap(ctx, exec.ID, node)
		if err != nil {
			t.Fatalf("buildInputMap failed: %v", err)
		}
		if string(inputs["input"]) != `"hello"` {
			t.Errorf("expected input value %q, got %s", `"hello"`, inputs["input"])
		}
	})
}

func TestDispatcher_EvaluateOnce_RecurringScheduleFiresMoreThanOnce(t *testing.T) {
	graphs := graph.New()
	def := &types.GraphDef{
		Ref: types.GraphRef{Name: "timers", Version: "v1"},
		Nodes: map[string]*types.NodeDef{
			"timer": {Name: "timer", Kind: types.NodeKindScheduleRecurring, FunctionRef: "tick"},
		},
	}
	if err := graphs.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var fires int32
	functions := graph.NewFunctionRegistry()
	functions.Register("tick", func(ctx context.Context, inputs map[string]json.RawMessage) types.FunctionOutcome {
		n := atomic.AddInt32(&fires, 1)
		if n == 1 {
			// Already-past timestamp: the next readiness pass should re-arm
			// immediately rather than waiting out a real interval.
			return types.FunctionOutcome{Kind: types.FunctionOutcomeSchedule, ScheduleAt: time.Now().Add(-time.Second).Unix()}
		}
		// Second and later fires park far in the future so the test can stop
		// once it has observed two fires.
		return types.FunctionOutcome{Kind: types.FunctionOutcomeSchedule, ScheduleAt: time.Now().Add(time.Hour).Unix()}
	})

	s := store.NewMemoryStore(nil)
	defer s.Close()
	ready := readiness.New()
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 2
	d := New(graphs, functions, s, ready, cfg, nil)

	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, def.Ref, []string{"timer"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&fires) < 2 {
		d.evaluateOnce(ctx, exec.ID)
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&fires); got < 2 {
		t.Fatalf("expected the recurring timer to fire at least twice, got %d", got)
	}
}

func TestDispatcher_Watch_IsIdempotent(t *testing.T) {
	d, s, exec := newTestDispatcher(t, DefaultConfig(), func(ctx context.Context, inputs map[string]json.RawMessage) types.FunctionOutcome {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeOK, Value: json.RawMessage(`1`)}
	})
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Watch(ctx, exec.ID)
	d.Watch(ctx, exec.ID)

	d.mu.Lock()
	n := len(d.running)
	d.mu.Unlock()
	if n != 1 {
		t.Errorf("expected exactly one running loop after two Watch calls, got %d", n)
	}

	d.Unwatch(exec.ID)
	d.mu.Lock()
	_, stillRunning := d.running[exec.ID]
	d.mu.Unlock()
	if stillRunning {
		t.Error("expected Unwatch to remove the execution from running")
	}
}
