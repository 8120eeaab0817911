package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// driverBinding pairs one Driver with the CapturingEmitter it was
// constructed with, so the fallback can register a per-invocation result
// capture before calling RunNode and unregister it after.
type driverBinding struct {
	driver   Driver
	emitter  *CapturingEmitter
}

// ExternalDriverFallback adapts the function catalog and its drivers into a
// graph.FunctionRegistryFallback: a NodeDef's function_ref that has no
// in-process registration is resolved to a subprocess or K8s Job
// invocation, with the node's input map passed as a JSON-encoded
// INPUT_JSON environment variable and its result read back from the
// invocation's single stream_data NDJSON line. Grounded on the donor's
// Driver interface (RunNode's exit-code contract) generalized from
// "report status to a run store" to "produce a FunctionOutcome."
type ExternalDriverFallback struct {
	catalog    registry.Catalog
	subprocess *driverBinding
	k8s        *driverBinding
	logger     *slog.Logger
}

// NewExternalDriverFallback creates a fallback resolver. subprocess and k8s
// bind a Driver to the CapturingEmitter it was constructed with; either may
// be nil if that driver kind is not configured for this process, in which
// case specs naming it fail at invocation time.
func NewExternalDriverFallback(catalog registry.Catalog, subprocess Driver, subprocessEmitter *CapturingEmitter, k8sDriver Driver, k8sEmitter *CapturingEmitter, logger *slog.Logger) *ExternalDriverFallback {
	if logger == nil {
		logger = slog.Default()
	}
	f := &ExternalDriverFallback{catalog: catalog, logger: logger}
	if subprocess != nil {
		f.subprocess = &driverBinding{driver: subprocess, emitter: subprocessEmitter}
	}
	if k8sDriver != nil {
		f.k8s = &driverBinding{driver: k8sDriver, emitter: k8sEmitter}
	}
	return f
}

// ResolveFallback satisfies graph.FunctionRegistryFallback.
func (f *ExternalDriverFallback) ResolveFallback(ref string) (graph.Function, bool) {
	spec, err := f.catalog.Get(context.Background(), ref)
	if err != nil {
		return nil, false
	}
	return func(ctx context.Context, inputs map[string]json.RawMessage) types.FunctionOutcome {
		return f.invoke(ctx, spec, inputs)
	}, true
}

func (f *ExternalDriverFallback) invoke(ctx context.Context, spec *registry.FunctionSpec, inputs map[string]json.RawMessage) types.FunctionOutcome {
	var binding *driverBinding
	switch spec.Driver {
	case registry.DriverSubprocess:
		binding = f.subprocess
	case registry.DriverK8sJob:
		binding = f.k8s
	}
	if binding == nil {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: fmt.Errorf("function %q declares driver %q, which is not configured", spec.Ref, spec.Driver)}
	}

	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: fmt.Errorf("marshal inputs for %q: %w", spec.Ref, err)}
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["INPUT_JSON"] = string(inputJSON)

	cmd := spec.Command
	if spec.Driver == registry.DriverK8sJob && spec.Image != "" {
		env["AGENT_IMAGE"] = spec.Image
	}

	runID := fmt.Sprintf("fn-%s-%p", spec.Ref, ctx)
	capture := newResultCapture(f.logger, spec.Ref)
	if binding.emitter != nil {
		binding.emitter.Register(runID, capture)
		defer binding.emitter.Unregister(runID)
	}

	exitCode, err := binding.driver.RunNode(ctx, runID, spec.Ref, cmd, env, 0)
	if err != nil {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: fmt.Errorf("invoke %q: %w", spec.Ref, err)}
	}
	if exitCode != 0 {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: fmt.Errorf("function %q exited %d", spec.Ref, exitCode)}
	}

	result, ok := capture.result()
	if !ok {
		return types.FunctionOutcome{Kind: types.FunctionOutcomeMalformed, Err: fmt.Errorf("function %q produced no stream_data result", spec.Ref)}
	}
	return types.FunctionOutcome{Kind: types.FunctionOutcomeOK, Value: result}
}

// resultCapture remembers the single stream_data event's raw payload for
// one invocation, ignoring every other event type.
type resultCapture struct {
	mu     sync.Mutex
	logger *slog.Logger
	ref    string
	value  json.RawMessage
	got    bool
}

func newResultCapture(logger *slog.Logger, ref string) *resultCapture {
	return &resultCapture{logger: logger, ref: ref}
}

func (c *resultCapture) result() (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.got
}

func (c *resultCapture) observe(eventType string, data map[string]interface{}) {
	if types.EventType(eventType) != types.EventTypeStreamData {
		return
	}
	raw, ok := data["raw"]
	if !ok {
		return
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		c.logger.Warn("fallback: stream_data raw payload not serializable", "ref", c.ref, "error", err)
		return
	}
	c.mu.Lock()
	c.value = encoded
	c.got = true
	c.mu.Unlock()
}

// CapturingEmitter is an EventEmitter that forwards every event to an
// underlying sink for observability while also feeding stream_data events
// for registered run IDs to a per-invocation resultCapture, so a single
// subprocess/K8s driver instance can serve the fallback for many
// concurrent invocations without sharing capture state across them.
type CapturingEmitter struct {
	sink EventEmitter

	mu       sync.Mutex
	captures map[string]*resultCapture
}

// NewCapturingEmitter wraps sink (pass nil when no diagnostic forwarding is
// needed).
func NewCapturingEmitter(sink EventEmitter) *CapturingEmitter {
	return &CapturingEmitter{sink: sink, captures: make(map[string]*resultCapture)}
}

// Register associates runID with capture so EmitEvent calls for that runID
// feed it. Call Unregister once the invocation completes.
func (e *CapturingEmitter) Register(runID string, capture *resultCapture) {
	e.mu.Lock()
	e.captures[runID] = capture
	e.mu.Unlock()
}

// Unregister stops feeding runID's events to any capture.
func (e *CapturingEmitter) Unregister(runID string) {
	e.mu.Lock()
	delete(e.captures, runID)
	e.mu.Unlock()
}

func (e *CapturingEmitter) EmitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) error {
	e.mu.Lock()
	capture := e.captures[runID]
	e.mu.Unlock()
	if capture != nil {
		capture.observe(eventType, data)
	}
	if e.sink != nil {
		return e.sink.EmitEvent(ctx, runID, eventType, data, nodeID, level)
	}
	return nil
}

var _ EventEmitter = (*CapturingEmitter)(nil)
