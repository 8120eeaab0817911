package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func newTestExecution(t *testing.T, s store.Store, nodes ...string) *types.Execution {
	t.Helper()
	exec, err := s.CreateExecution(context.Background(), types.GraphRef{Name: "g", Version: "v1"}, nodes)
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	return exec
}

func TestWaitAny(t *testing.T) {
	t.Run("returns immediately if already set", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")
		if _, err := s.WriteValue(ctx, exec.ID, "a", json.RawMessage(`1`)); err != nil {
			t.Fatalf("WriteValue failed: %v", err)
		}

		inst, err := WaitAny(ctx, s, exec.ID, "a", time.Second, nil)
		if err != nil {
			t.Fatalf("WaitAny failed: %v", err)
		}
		if string(inst.Value) != "1" {
			t.Errorf("expected value 1, got %s", inst.Value)
		}
	})

	t.Run("unblocks once the value is set by a concurrent writer", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")

		done := make(chan struct{})
		go func() {
			time.Sleep(50 * time.Millisecond)
			s.WriteValue(ctx, exec.ID, "a", json.RawMessage(`"later"`))
			close(done)
		}()

		inst, err := WaitAny(ctx, s, exec.ID, "a", 5*time.Second, nil)
		if err != nil {
			t.Fatalf("WaitAny failed: %v", err)
		}
		<-done
		if string(inst.Value) != `"later"` {
			t.Errorf("expected value \"later\", got %s", inst.Value)
		}
	})

	t.Run("times out when the value never arrives", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")

		_, err := WaitAny(ctx, s, exec.ID, "a", 100*time.Millisecond, nil)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("resolves unreachable once the check reports exhausted retries", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")

		deadline := time.Now().Add(time.Minute)
		comp, err := s.ClaimComputation(ctx, exec.ID, "a", deadline, exec.Revision, nil)
		if err != nil {
			t.Fatalf("ClaimComputation failed: %v", err)
		}
		lastErr := json.RawMessage(`{"error":"boom"}`)
		if _, err := s.CompleteComputation(ctx, comp.ID, "a", types.ComputationFailed, nil, lastErr); err != nil {
			t.Fatalf("CompleteComputation failed: %v", err)
		}

		unreachable := func(latest *types.Computation) (bool, json.RawMessage) {
			if latest != nil && latest.State == types.ComputationFailed {
				return true, latest.ErrorPayload
			}
			return false, nil
		}

		_, err = WaitAny(ctx, s, exec.ID, "a", 5*time.Second, unreachable)
		var unreachableErr *UnreachableError
		if !errors.As(err, &unreachableErr) {
			t.Fatalf("expected an UnreachableError, got %v", err)
		}
		if !errors.Is(err, ErrUnreachable) {
			t.Error("expected errors.Is to match ErrUnreachable")
		}
		if unreachableErr.NodeName != "a" {
			t.Errorf("expected node name %q, got %q", "a", unreachableErr.NodeName)
		}
		if string(unreachableErr.LastError) != string(lastErr) {
			t.Errorf("expected last error payload %s, got %s", lastErr, unreachableErr.LastError)
		}
	})

	t.Run("a nil unreachable check simply times out on exhausted retries", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")

		deadline := time.Now().Add(time.Minute)
		comp, err := s.ClaimComputation(ctx, exec.ID, "a", deadline, exec.Revision, nil)
		if err != nil {
			t.Fatalf("ClaimComputation failed: %v", err)
		}
		if _, err := s.CompleteComputation(ctx, comp.ID, "a", types.ComputationFailed, nil, nil); err != nil {
			t.Fatalf("CompleteComputation failed: %v", err)
		}

		_, err = WaitAny(ctx, s, exec.ID, "a", 100*time.Millisecond, nil)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})
}

func TestWaitNew(t *testing.T) {
	t.Run("returns immediately if the observed revision is already stale", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")
		rev, err := s.WriteValue(ctx, exec.ID, "a", json.RawMessage(`1`))
		if err != nil {
			t.Fatalf("WriteValue failed: %v", err)
		}

		inst, err := WaitNew(ctx, s, exec.ID, "a", rev-1, time.Second, nil)
		if err != nil {
			t.Fatalf("WaitNew failed: %v", err)
		}
		if inst.SetRevision != rev {
			t.Errorf("expected revision %d, got %d", rev, inst.SetRevision)
		}
	})

	t.Run("blocks until a revision past the observed one commits", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx := context.Background()
		exec := newTestExecution(t, s, "a")
		rev, err := s.WriteValue(ctx, exec.ID, "a", json.RawMessage(`1`))
		if err != nil {
			t.Fatalf("WriteValue failed: %v", err)
		}

		go func() {
			time.Sleep(50 * time.Millisecond)
			s.WriteValue(ctx, exec.ID, "a", json.RawMessage(`2`))
		}()

		inst, err := WaitNew(ctx, s, exec.ID, "a", rev, 5*time.Second, nil)
		if err != nil {
			t.Fatalf("WaitNew failed: %v", err)
		}
		if inst.SetRevision <= rev {
			t.Errorf("expected a revision past %d, got %d", rev, inst.SetRevision)
		}
	})

	t.Run("context cancellation unblocks the wait", func(t *testing.T) {
		s := store.NewMemoryStore(nil)
		defer s.Close()
		ctx, cancel := context.WithCancel(context.Background())
		exec := newTestExecution(t, s, "a")
		rev, err := s.WriteValue(ctx, exec.ID, "a", json.RawMessage(`1`))
		if err != nil {
			t.Fatalf("WriteValue failed: %v", err)
		}

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err = WaitNew(ctx, s, exec.ID, "a", rev, 5*time.Second, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
