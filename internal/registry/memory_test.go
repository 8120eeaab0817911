package registry

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryCatalog_Register(t *testing.T) {
	cat := NewMemoryCatalog()
	defer cat.Close()
	ctx := context.Background()

	t.Run("registers new function spec", func(t *testing.T) {
		req := &RegisterFunctionSpecRequest{
			Ref:         "summarize.v1",
			Driver:      DriverSubprocess,
			Command:     []string{"/bin/summarize"},
			Description: "summarizes text",
		}

		spec, err := cat.Register(ctx, req)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if spec.Ref != req.Ref {
			t.Errorf("expected Ref %q, got %q", req.Ref, spec.Ref)
		}
		if spec.Driver != DriverSubprocess {
			t.Errorf("expected Driver %q, got %q", DriverSubprocess, spec.Driver)
		}
		if spec.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
		if spec.UpdatedAt.IsZero() {
			t.Error("UpdatedAt should be set")
		}
	})

	t.Run("rejects duplicate ref", func(t *testing.T) {
		req := &RegisterFunctionSpecRequest{Ref: "dup.v1", Driver: DriverSubprocess, Command: []string{"/bin/dup"}}
		if _, err := cat.Register(ctx, req); err != nil {
			t.Fatalf("first Register failed: %v", err)
		}
		_, err := cat.Register(ctx, req)
		if !errors.Is(err, ErrFunctionExists) {
			t.Fatalf("expected ErrFunctionExists, got %v", err)
		}
	})

	t.Run("rejects missing ref", func(t *testing.T) {
		_, err := cat.Register(ctx, &RegisterFunctionSpecRequest{Driver: DriverSubprocess, Command: []string{"x"}})
		if err == nil {
			t.Fatal("expected an error for missing ref")
		}
	})

	t.Run("rejects subprocess spec with no command", func(t *testing.T) {
		_, err := cat.Register(ctx, &RegisterFunctionSpecRequest{Ref: "bad.v1", Driver: DriverSubprocess})
		if err == nil {
			t.Fatal("expected an error for subprocess spec without a command")
		}
	})

	t.Run("rejects k8s_job spec with no image", func(t *testing.T) {
		_, err := cat.Register(ctx, &RegisterFunctionSpecRequest{Ref: "bad.v2", Driver: DriverK8sJob})
		if err == nil {
			t.Fatal("expected an error for k8s_job spec without an image")
		}
	})

	t.Run("rejects unknown driver kind", func(t *testing.T) {
		_, err := cat.Register(ctx, &RegisterFunctionSpecRequest{Ref: "bad.v3", Driver: "carrier_pigeon"})
		if err == nil {
			t.Fatal("expected an error for an unknown driver kind")
		}
	})
}

func TestMemoryCatalog_Get(t *testing.T) {
	cat := NewMemoryCatalog()
	defer cat.Close()
	ctx := context.Background()

	req := &RegisterFunctionSpecRequest{Ref: "lookup.v1", Driver: DriverK8sJob, Image: "registry/lookup:v1"}
	if _, err := cat.Register(ctx, req); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("finds registered spec", func(t *testing.T) {
		spec, err := cat.Get(ctx, "lookup.v1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if spec.Image != req.Image {
			t.Errorf("expected Image %q, got %q", req.Image, spec.Image)
		}
	})

	t.Run("Get returns a copy, not the stored pointer", func(t *testing.T) {
		spec, err := cat.Get(ctx, "lookup.v1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		spec.Image = "mutated"

		again, err := cat.Get(ctx, "lookup.v1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if again.Image != req.Image {
			t.Errorf("mutating a Get result leaked into the catalog: got Image %q", again.Image)
		}
	})

	t.Run("unknown ref errors", func(t *testing.T) {
		_, err := cat.Get(ctx, "does.not.exist")
		if !errors.Is(err, ErrFunctionNotFound) {
			t.Fatalf("expected ErrFunctionNotFound, got %v", err)
		}
	})
}

func TestMemoryCatalog_Delete(t *testing.T) {
	cat := NewMemoryCatalog()
	defer cat.Close()
	ctx := context.Background()

	if _, err := cat.Register(ctx, &RegisterFunctionSpecRequest{Ref: "del.v1", Driver: DriverSubprocess, Command: []string{"/bin/del"}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := cat.Delete(ctx, "del.v1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := cat.Get(ctx, "del.v1"); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expected deleted spec to be gone, got %v", err)
	}

	if err := cat.Delete(ctx, "del.v1"); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expected ErrFunctionNotFound deleting twice, got %v", err)
	}
}

func TestMemoryCatalog_List(t *testing.T) {
	cat := NewMemoryCatalog()
	defer cat.Close()
	ctx := context.Background()

	specs, err := cat.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("expected empty catalog, got %d specs", len(specs))
	}

	refs := []string{"a.v1", "b.v1", "c.v1"}
	for _, ref := range refs {
		if _, err := cat.Register(ctx, &RegisterFunctionSpecRequest{Ref: ref, Driver: DriverSubprocess, Command: []string{"/bin/" + ref}}); err != nil {
			t.Fatalf("Register(%s) failed: %v", ref, err)
		}
	}

	specs, err = cat.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(specs) != len(refs) {
		t.Fatalf("expected %d specs, got %d", len(refs), len(specs))
	}
}

func TestMemoryCatalog_SatisfiesCatalogInterface(t *testing.T) {
	var _ Catalog = NewMemoryCatalog()
}
