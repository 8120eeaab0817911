package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/readiness"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/telemetry"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

var tracer = telemetry.Tracer("mentatlab/orchestrator/engine")

// Config tunes the dispatcher and sweeper.
type Config struct {
	WorkerPoolSize        int
	DefaultAttemptTimeout time.Duration
	MaxAttemptsPerNode    int
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	SweepInterval         time.Duration
	// PollInterval governs how often a per-execution loop re-evaluates
	// readiness between revision-bus wakeups, the fallback for crash
	// recovery (the bus is best-effort).
	PollInterval time.Duration
}

// DefaultConfig mirrors the donor scheduler's defaults, widened to the
// durable attempt model's extra knobs.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:        8,
		DefaultAttemptTimeout: 30 * time.Second,
		MaxAttemptsPerNode:    5,
		BackoffBase:           1 * time.Second,
		BackoffCap:            60 * time.Second,
		SweepInterval:         10 * time.Second,
		PollInterval:          250 * time.Millisecond,
	}
}

// Dispatcher is the worker pool that claims ready computations and drives
// them through the user function contract. One Dispatcher can service many
// executions concurrently; each execution gets its own readiness-polling
// loop, gated by a shared worker semaphore, generalizing the donor's
// per-run runLoop/scheduleNode pair to the claim/complete store contract.
type Dispatcher struct {
	graphs    *graph.Registry
	functions *graph.FunctionRegistry
	store     store.Store
	ready     *readiness.Evaluator
	cfg       Config
	logger    *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a Dispatcher. logger may be nil, in which case slog.Default()
// is used.
func New(graphs *graph.Registry, functions *graph.FunctionRegistry, s store.Store, ready *readiness.Evaluator, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	return &Dispatcher{
		graphs:    graphs,
		functions: functions,
		store:     s,
		ready:     ready,
		cfg:       cfg,
		logger:    logger,
		sem:       make(chan struct{}, cfg.WorkerPoolSize),
		running:   make(map[string]context.CancelFunc),
	}
}

// Watch starts a readiness-polling loop for executionID, idempotently: a
// second Watch call for the same execution is a no-op. The loop runs until
// ctx is cancelled or Unwatch is called.
func (d *Dispatcher) Watch(ctx context.Context, executionID string) {
	d.mu.Lock()
	if _, ok := d.running[executionID]; ok {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.running[executionID] = cancel
	d.mu.Unlock()

	go d.loop(loopCtx, executionID)
}

// Unwatch stops the polling loop for executionID, if any.
func (d *Dispatcher) Unwatch(executionID string) {
	d.mu.Lock()
	cancel, ok := d.running[executionID]
	delete(d.running, executionID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// loop re-evaluates readiness for one execution on every revision event and
// on a fallback poll interval, dispatching every ready candidate it finds.
func (d *Dispatcher) loop(ctx context.Context, executionID string) {
	defer d.Unwatch(executionID)

	events, cancel, err := d.store.Subscribe(ctx, executionID)
	if err != nil {
		d.logger.Error("dispatcher: subscribe failed", "execution_id", executionID, "error", err)
		return
	}
	defer cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.evaluateOnce(ctx, executionID)

		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-ticker.C:
		}
	}
}

// evaluateOnce runs one readiness pass and dispatches every candidate found.
func (d *Dispatcher) evaluateOnce(ctx context.Context, executionID string) {
	exec, err := d.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrUnknownExecution) {
			return
		}
		d.logger.Error("dispatcher: load execution failed", "execution_id", executionID, "error", err)
		return
	}
	if exec.IsArchived() {
		return
	}

	def, err := d.graphs.Lookup(exec.GraphRef.Name, exec.GraphRef.Version)
	if err != nil {
		d.logger.Error("dispatcher: unknown graph", "execution_id", executionID, "graph_ref", exec.GraphRef, "error", err)
		return
	}

	snapshot, err := d.store.Snapshot(ctx, executionID)
	if err != nil {
		d.logger.Error("dispatcher: snapshot failed", "execution_id", executionID, "error", err)
		return
	}

	backoff := backoffPolicy{base: d.cfg.BackoffBase, cap: d.cfg.BackoffCap, maxAttempts: d.cfg.MaxAttemptsPerNode}
	now := time.Now().UTC()

	candidates, err := d.ready.Evaluate(def.Nodes, snapshot, now, func(n *types.NodeDef, c *types.Computation) bool {
		return backoff.elapsed(n, c, now)
	})
	if err != nil {
		d.logger.Error("dispatcher: readiness evaluation failed", "execution_id", executionID, "error", err)
		return
	}
	metrics.SchedulerQueueDepth.Set(float64(len(candidates)))

	for _, cand := range candidates {
		node := def.Nodes[cand.NodeName]
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(node *types.NodeDef, cand types.ReadyCandidate) {
			defer func() { <-d.sem }()
			d.dispatch(ctx, executionID, node, cand)
		}(node, cand)
	}
}

// dispatch claims cand, invokes node's function, and applies the outcome.
// Any Conflict from ClaimComputation is expected under concurrent
// dispatchers and is silently discarded, never surfaced.
func (d *Dispatcher) dispatch(ctx context.Context, executionID string, node *types.NodeDef, cand types.ReadyCandidate) {
	ctx, span := tracer.Start(ctx, "computation.attempt", trace.WithAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("node", node.Name),
	))
	defer span.End()

	timeout := time.Duration(node.AttemptTimeout) * time.Second
	if timeout <= 0 {
		timeout = d.cfg.DefaultAttemptTimeout
	}
	deadline := time.Now().UTC().Add(timeout)

	comp, err := d.claim(ctx, executionID, node, cand, deadline)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			span.SetStatus(codes.Unset, "claim conflict")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		d.logger.Error("dispatcher: claim failed", "execution_id", executionID, "node", node.Name, "error", err)
		return
	}
	span.SetAttributes(attribute.String("computation_id", comp.ID), attribute.Int("attempt", comp.AttemptIndex))
	d.logger.Info("dispatcher: claimed computation", "execution_id", executionID, "node", node.Name, "computation_id", comp.ID, "attempt", comp.AttemptIndex)

	inputs, err := d.buildInputMap(ctx, executionID, node)
	if err != nil {
		d.completeWithError(ctx, comp, node, fmt.Errorf("build input map: %w", err))
		return
	}

	fn, err := d.functions.Resolve(node.FunctionRef)
	if err != nil {
		d.completeWithError(ctx, comp, node, fmt.Errorf("resolve function: %w", err))
		return
	}

	invokeCtx, invokeSpan := tracer.Start(ctx, "computation.invoke")
	attemptCtx, cancel := context.WithDeadline(invokeCtx, deadline)
	outcome := d.invoke(attemptCtx, fn, inputs)
	cancel()
	if outcome.Kind == types.FunctionOutcomeError {
		invokeSpan.RecordError(outcome.Err)
		invokeSpan.SetStatus(codes.Error, "user function error")
	}
	invokeSpan.End()

	d.applyOutcome(ctx, comp, node, outcome)
}

// claim wraps ClaimComputation with metrics recording, kept separate from
// dispatch's span/error handling for readability.
func (d *Dispatcher) claim(ctx context.Context, executionID string, node *types.NodeDef, cand types.ReadyCandidate, deadline time.Time) (*types.Computation, error) {
	comp, err := d.store.ClaimComputation(ctx, executionID, node.Name, deadline, cand.ExRevisionSeen, cand.UpstreamRevisions)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ComputationClaimsTotal.WithLabelValues("conflict").Inc()
		} else {
			metrics.ComputationClaimsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.ComputationClaimsTotal.WithLabelValues("claimed").Inc()
	return comp, nil
}

// buildInputMap reads the execution's current values for node's declared
// dependencies, at the revision recorded in the claim — since the store has
// no historical value log, "at the claim revision" means the current value
// as of this read, which is consistent because a node's value never
// changes except by a strictly-revision-increasing write: any write racing
// with this read will simply make the *next* readiness pass re-dispatch.
func (d *Dispatcher) buildInputMap(ctx context.Context, executionID string, node *types.NodeDef) (map[string]json.RawMessage, error) {
	snapshot, err := d.store.Snapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	inputs := make(map[string]json.RawMessage, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		inst, ok := snapshot.Nodes[dep]
		if !ok || !inst.IsSet {
			return nil, fmt.Errorf("dependency %q not set", dep)
		}
		inputs[dep] = inst.Value
	}
	return inputs, nil
}

// invoke runs fn, recovering from panics and surfacing them as user function
// errors rather than crashing the worker, matching "uncaught exceptions
// become failed(exception, stacktrace)".
func (d *Dispatcher) invoke(ctx context.Context, fn graph.Function, inputs map[string]json.RawMessage) (outcome types.FunctionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn(ctx, inputs)
}

// applyOutcome maps a FunctionOutcome to a terminal computation state and
// applies it through complete_computation.
func (d *Dispatcher) applyOutcome(ctx context.Context, comp *types.Computation, node *types.NodeDef, outcome types.FunctionOutcome) {
	ctx, span := tracer.Start(ctx, "computation.complete", trace.WithAttributes(
		attribute.String("computation_id", comp.ID),
		attribute.String("node", node.Name),
	))
	defer span.End()

	started := time.Now()
	var state types.ComputationState
	var resultPayload, errorPayload json.RawMessage
	targetNode := node.Name
	if node.Kind == types.NodeKindMutate {
		targetNode = node.Mutates
	}

	switch outcome.Kind {
	case types.FunctionOutcomeOK:
		state = types.ComputationSuccess
		resultPayload = outcome.Value
	case types.FunctionOutcomeSchedule:
		if node.Kind != types.NodeKindScheduleOnce && node.Kind != types.NodeKindScheduleRecurring {
			state = types.ComputationFailed
			errorPayload = mustMarshalErr(fmt.Errorf("function returned schedule outcome for non-schedule node %q", node.Name))
			break
		}
		state = types.ComputationSuccess
		resultPayload = mustMarshal(outcome.ScheduleAt)
	case types.FunctionOutcomeNoSchedule:
		// A schedule node that declines to fire produces no candidate value;
		// record success with no payload and write no value. Readiness
		// re-evaluates a schedule node whose latest success has no payload
		// on every pass, so it is offered again.
		state = types.ComputationSuccess
		resultPayload = nil
		targetNode = ""
	case types.FunctionOutcomeError:
		state = types.ComputationFailed
		errorPayload = mustMarshalErr(outcome.Err)
	default:
		state = types.ComputationFailed
		errorPayload = mustMarshalErr(fmt.Errorf("malformed function result: kind=%q", outcome.Kind))
	}

	newRev, err := d.store.CompleteComputation(ctx, comp.ID, targetNode, state, resultPayload, errorPayload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete_computation failed")
		d.logger.Error("dispatcher: complete_computation failed", "execution_id", comp.ExecutionID, "node", node.Name, "computation_id", comp.ID, "error", err)
		return
	}
	span.SetAttributes(attribute.String("state", string(state)), attribute.Int64("new_revision", newRev))
	if state == types.ComputationFailed {
		span.SetStatus(codes.Error, "computation failed")
	}

	metrics.ComputationsCompletedTotal.WithLabelValues(string(state)).Inc()
	metrics.ComputationDuration.WithLabelValues(string(state)).Observe(time.Since(started).Seconds())
	d.logger.Info("dispatcher: completed computation", "execution_id", comp.ExecutionID, "node", node.Name, "computation_id", comp.ID, "state", state, "new_revision", newRev)
}

// completeWithError is a convenience for failures that occur before a
// function is even invoked (missing dependency, unresolvable function ref).
func (d *Dispatcher) completeWithError(ctx context.Context, comp *types.Computation, node *types.NodeDef, err error) {
	d.applyOutcome(ctx, comp, node, types.FunctionOutcome{Kind: types.FunctionOutcomeError, Err: err})
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func mustMarshalErr(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	return mustMarshal(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
