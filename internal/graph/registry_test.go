package graph

import (
	"errors"
	"testing"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func TestRegistry_Register(t *testing.T) {
	t.Run("registers a new graph", func(t *testing.T) {
		r := New()
		if err := r.Register(validDef()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		def, err := r.Lookup("pipeline", "v1")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if def.Ref.Name != "pipeline" {
			t.Errorf("expected graph name %q, got %q", "pipeline", def.Ref.Name)
		}
	})

	t.Run("re-registering an identical definition is a no-op", func(t *testing.T) {
		r := New()
		if err := r.Register(validDef()); err != nil {
			t.Fatalf("first Register failed: %v", err)
		}
		if err := r.Register(validDef()); err != nil {
			t.Fatalf("expected re-registering an identical definition to succeed, got %v", err)
		}
	})

	t.Run("re-registering a different definition under the same ref is rejected", func(t *testing.T) {
		r := New()
		if err := r.Register(validDef()); err != nil {
			t.Fatalf("first Register failed: %v", err)
		}
		changed := validDef()
		changed.Nodes["derived"].UpstreamPredicate = "provided('input')"
		if err := r.Register(changed); !errors.Is(err, ErrGraphMismatch) {
			t.Fatalf("expected ErrGraphMismatch, got %v", err)
		}
	})

	t.Run("rejects an invalid definition before storing it", func(t *testing.T) {
		r := New()
		def := validDef()
		def.Ref.Name = ""
		if err := r.Register(def); err == nil {
			t.Fatal("expected Register to reject an invalid definition")
		}
		if _, err := r.Lookup("", "v1"); !errors.Is(err, ErrUnknownGraph) {
			t.Errorf("expected the invalid definition to not be stored, got %v", err)
		}
	})
}

func TestRegistry_Lookup(t *testing.T) {
	r := New()

	t.Run("unknown graph", func(t *testing.T) {
		if _, err := r.Lookup("nope", "v1"); !errors.Is(err, ErrUnknownGraph) {
			t.Fatalf("expected ErrUnknownGraph, got %v", err)
		}
	})

	t.Run("version is part of the identity", func(t *testing.T) {
		if err := r.Register(validDef()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if _, err := r.Lookup("pipeline", "v2"); !errors.Is(err, ErrUnknownGraph) {
			t.Fatalf("expected ErrUnknownGraph for a different version, got %v", err)
		}
	})
}

func TestGraphDef_Equal(t *testing.T) {
	a := validDef()
	b := validDef()
	if !a.Equal(b) {
		t.Error("expected two freshly built definitions to be equal")
	}

	b.Nodes["derived"].MaxAttempts = 3
	if a.Equal(b) {
		t.Error("expected a changed MaxAttempts to break equality")
	}

	var nilDef *types.GraphDef
	if nilDef.Equal(a) {
		t.Error("a nil definition should never equal a non-nil one")
	}
}
