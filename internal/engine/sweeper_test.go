package engine

import (
	"context"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/readiness"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func TestSweeper_ReclaimAbandoned(t *testing.T) {
	s := store.NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, types.GraphRef{Name: "pipeline", Version: "v1"}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	pastDeadline := time.Now().Add(-time.Minute)
	comp, err := s.ClaimComputation(ctx, exec.ID, "a", pastDeadline, exec.Revision, nil)
	if err != nil {
		t.Fatalf("ClaimComputation failed: %v", err)
	}

	liveExec, err := s.LoadExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("LoadExecution failed: %v", err)
	}
	liveComp, err := s.ClaimComputation(ctx, exec.ID, "b", time.Now().Add(time.Hour), liveExec.Revision, nil)
	if err != nil {
		t.Fatalf("ClaimComputation failed: %v", err)
	}

	d := New(graph.New(), graph.NewFunctionRegistry(), s, readiness.New(), DefaultConfig(), nil)
	sw := NewSweeper(s, d, time.Hour, nil)

	if err := sw.reclaimAbandoned(ctx); err != nil {
		t.Fatalf("reclaimAbandoned failed: %v", err)
	}

	snap, err := s.Snapshot(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.LatestComputation["a"].State != types.ComputationAbandoned {
		t.Errorf("expected the past-deadline attempt %s to be abandoned, got %v", comp.ID, snap.LatestComputation["a"].State)
	}
	if snap.LatestComputation["b"].State != types.ComputationComputing {
		t.Errorf("expected the live attempt %s to remain computing, got %v", liveComp.ID, snap.LatestComputation["b"].State)
	}
}

func TestSweeper_Tick_ReArmsWatchForLiveExecutions(t *testing.T) {
	s := store.NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, types.GraphRef{Name: "pipeline", Version: "v1"}, []string{"a"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	archived, err := s.CreateExecution(ctx, types.GraphRef{Name: "pipeline", Version: "v1"}, []string{"a"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := s.Archive(ctx, archived.ID); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	d := New(graph.New(), graph.NewFunctionRegistry(), s, readiness.New(), DefaultConfig(), nil)
	sw := NewSweeper(s, d, time.Hour, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.tick(runCtx)

	d.mu.Lock()
	_, watching := d.running[exec.ID]
	_, watchingArchived := d.running[archived.ID]
	d.mu.Unlock()

	if !watching {
		t.Error("expected tick to re-arm a readiness loop for the live execution")
	}
	if watchingArchived {
		t.Error("expected tick to not watch an archived execution")
	}
}
