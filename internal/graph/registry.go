// Package graph provides the process-wide graph registry: content-addressed
// storage and validation of immutable graph definitions.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// ErrGraphMismatch is returned when re-registering an existing (name, version)
// with a definition that differs from what is already registered.
var ErrGraphMismatch = errors.New("graph mismatch: (name, version) already registered with a different definition")

// ErrUnknownGraph is returned by Lookup when no graph is registered under the
// given ref.
var ErrUnknownGraph = errors.New("unknown graph")

// Registry is a process-wide, write-once-per-identity store of graph
// definitions. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	graphs map[types.GraphRef]*types.GraphDef
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		graphs: make(map[types.GraphRef]*types.GraphDef),
	}
}

// Register validates and stores a graph definition. Registering the same
// (name, version) twice with an identical definition is a no-op; with a
// different definition it returns ErrGraphMismatch.
func (r *Registry) Register(def *types.GraphDef) error {
	if err := Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.graphs[def.Ref]
	if !ok {
		r.graphs[def.Ref] = def
		return nil
	}
	if !existing.Equal(def) {
		return fmt.Errorf("%w: %s", ErrGraphMismatch, def.Ref)
	}
	return nil
}

// Lookup returns the registered graph definition for (name, version).
func (r *Registry) Lookup(name, version string) (*types.GraphDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.graphs[types.GraphRef{Name: name, Version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrUnknownGraph, name, version)
	}
	return def, nil
}
