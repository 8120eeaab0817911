package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// ErrFunctionNotFound is returned when a NodeDef's FunctionRef has no
// registered implementation.
var ErrFunctionNotFound = errors.New("function not registered")

// Function is the in-process contract a compute/schedule/mutate NodeDef's
// function must satisfy: given the current values of its declared
// dependencies, produce a FunctionOutcome. Implementations may perform I/O
// but must not touch process-wide scheduler state directly.
type Function func(ctx context.Context, inputs map[string]json.RawMessage) types.FunctionOutcome

// FunctionRegistry resolves a NodeDef.FunctionRef to an invocable Function.
// This generalizes the donor's agent-catalog CRUD (internal/registry,
// AgentRegistry) from "register a container image for HTTP-driven lookup"
// to "register a function reference for dispatcher-driven invocation" —
// the same create/get/list shape, repointed at in-process closures plus an
// optional external-driver fallback for refs the registry does not hold
// directly.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]Function
	fallback  FunctionRegistryFallback
}

// FunctionRegistryFallback is consulted when a FunctionRef has no
// in-process registration; it lets external drivers (subprocess, K8s job)
// serve as the function's implementation.
type FunctionRegistryFallback interface {
	ResolveFallback(ref string) (Function, bool)
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		functions: make(map[string]Function),
	}
}

// SetFallback installs the external-driver fallback, replacing any previous one.
func (r *FunctionRegistry) SetFallback(fb FunctionRegistryFallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fb
}

// Register installs or replaces the in-process implementation for ref.
func (r *FunctionRegistry) Register(ref string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[ref] = fn
}

// Resolve returns the Function bound to ref, consulting the fallback if no
// in-process registration exists.
func (r *FunctionRegistry) Resolve(ref string) (Function, error) {
	r.mu.RLock()
	fn, ok := r.functions[ref]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return fn, nil
	}
	if fallback != nil {
		if fn, ok := fallback.ResolveFallback(ref); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, ref)
}
