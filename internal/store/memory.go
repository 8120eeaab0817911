package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// memoryExecution holds all durable state for one execution in memory.
type memoryExecution struct {
	mu sync.Mutex

	exec  *types.Execution
	nodes map[string]*types.NodeInstance

	// computations holds every attempt ever made, keyed by ID, so that
	// ListStaleComputations and the readiness evaluator can see history.
	computations map[string]*types.Computation
	// computingByNode enforces at most one computing row per node: it maps
	// node name to the single in-flight Computation's ID.
	computingByNode map[string]string

	subscribers map[chan RevisionEvent]struct{}
}

// MemoryStore is an in-memory Store implementation. Suitable for tests and
// single-process deployments; state is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*memoryExecution
	cfg        *Config

	// indexMu guards compIndex, a computation ID -> execution ID index that
	// lets CompleteComputation find its target execution without scanning
	// every live execution.
	indexMu   sync.RWMutex
	compIndex map[string]string
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		executions: make(map[string]*memoryExecution),
		compIndex:  make(map[string]string),
		cfg:        cfg,
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, graphRef types.GraphRef, nodeNames []string) (*types.Execution, error) {
	now := time.Now().UTC()
	exec := &types.Execution{
		ID:        uuid.NewString(),
		GraphRef:  graphRef,
		Revision:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	nodes := make(map[string]*types.NodeInstance, len(nodeNames)+2)
	for _, name := range nodeNames {
		nodes[name] = &types.NodeInstance{NodeName: name}
	}
	nodes[types.SystemNodeExecutionID] = &types.NodeInstance{NodeName: types.SystemNodeExecutionID}
	nodes[types.SystemNodeLastUpdatedAt] = &types.NodeInstance{NodeName: types.SystemNodeLastUpdatedAt}

	me := &memoryExecution{
		exec:            exec,
		nodes:           nodes,
		computations:    make(map[string]*types.Computation),
		computingByNode: make(map[string]string),
		subscribers:     make(map[chan RevisionEvent]struct{}),
	}

	s.mu.Lock()
	s.executions[exec.ID] = me
	s.mu.Unlock()
	metrics.RunsActive.Inc()

	// The execution_id system node is set atomically with creation, bumping
	// the revision to 1, matching "created by start_execution" in the
	// lifecycle section.
	if _, err := s.WriteValue(ctx, exec.ID, types.SystemNodeExecutionID, mustMarshal(exec.ID)); err != nil {
		metrics.RunStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	// re-read to return the post-write execution (revision now 1).
	loaded, err := s.LoadExecution(ctx, exec.ID)
	if err != nil {
		metrics.RunStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	metrics.RunStoreOperations.WithLabelValues("create", "success").Inc()
	return loaded, nil
}

func (s *MemoryStore) get(executionID string) (*memoryExecution, error) {
	s.mu.RLock()
	me, ok := s.executions[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return me, nil
}

func (s *MemoryStore) LoadExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	me, err := s.get(executionID)
	if err != nil {
		metrics.RunStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	cp := *me.exec
	metrics.RunStoreOperations.WithLabelValues("get", "success").Inc()
	return &cp, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, executionID string) (*types.ExecutionSnapshot, error) {
	me, err := s.get(executionID)
	if err != nil {
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	execCopy := *me.exec
	nodesCopy := make(map[string]*types.NodeInstance, len(me.nodes))
	for name, n := range me.nodes {
		cp := *n
		nodesCopy[name] = &cp
	}

	latest := make(map[string]*types.Computation, len(me.nodes))
	for _, c := range me.computations {
		cur, ok := latest[c.NodeName]
		if !ok || computationIsNewer(c, cur) {
			cp := *c
			latest[c.NodeName] = &cp
		}
	}

	return &types.ExecutionSnapshot{
		Execution:          &execCopy,
		Nodes:              nodesCopy,
		LatestComputation:  latest,
	}, nil
}

// computationIsNewer orders by attempt index, which is monotonic per node.
func computationIsNewer(a, b *types.Computation) bool {
	return a.AttemptIndex > b.AttemptIndex
}

func (s *MemoryStore) WriteValue(ctx context.Context, executionID, nodeName string, payload json.RawMessage) (int64, error) {
	me, err := s.get(executionID)
	if err != nil {
		return 0, err
	}

	me.mu.Lock()
	if me.exec.IsArchived() {
		me.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrExecutionArchived, executionID)
	}
	node, ok := me.nodes[nodeName]
	if !ok {
		me.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, nodeName)
	}

	me.exec.Revision++
	rev := me.exec.Revision
	now := time.Now().UTC()
	me.exec.UpdatedAt = now

	node.IsSet = true
	node.Value = payload
	node.SetRevision = rev
	node.SetTime = &now

	// last_updated_at is maintained implicitly as part of every write's
	// transaction, per the graph's implicit system nodes.
	if nodeName != types.SystemNodeLastUpdatedAt {
		if lu, ok := me.nodes[types.SystemNodeLastUpdatedAt]; ok {
			lu.IsSet = true
			lu.Value = mustMarshal(now.Unix())
			lu.SetRevision = rev
			lu.SetTime = &now
		}
	}

	subs := snapshotSubscribers(me)
	me.mu.Unlock()

	publish(subs, RevisionEvent{ExecutionID: executionID, NodeName: nodeName, IsValueSet: true, NewRevision: rev, Time: now})
	return rev, nil
}

func (s *MemoryStore) TouchRevision(ctx context.Context, executionID, nodeName string) (int64, error) {
	me, err := s.get(executionID)
	if err != nil {
		return 0, err
	}

	me.mu.Lock()
	if me.exec.IsArchived() {
		me.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrExecutionArchived, executionID)
	}
	node, ok := me.nodes[nodeName]
	if !ok {
		me.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, nodeName)
	}

	me.exec.Revision++
	rev := me.exec.Revision
	now := time.Now().UTC()
	me.exec.UpdatedAt = now
	node.SetRevision = rev
	node.SetTime = &now

	subs := snapshotSubscribers(me)
	me.mu.Unlock()

	publish(subs, RevisionEvent{ExecutionID: executionID, NodeName: nodeName, IsValueSet: node.IsSet, NewRevision: rev, Time: now})
	return rev, nil
}

func (s *MemoryStore) ClaimComputation(ctx context.Context, executionID, nodeName string, deadline time.Time, exRevSeen int64, upstreamRevisions map[string]int64) (*types.Computation, error) {
	me, err := s.get(executionID)
	if err != nil {
		return nil, err
	}

	me.mu.Lock()

	if me.exec.IsArchived() {
		me.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionArchived, executionID)
	}
	if _, computing := me.computingByNode[nodeName]; computing {
		me.mu.Unlock()
		return nil, fmt.Errorf("%w: node %s already computing", ErrConflict, nodeName)
	}
	if me.exec.Revision != exRevSeen {
		me.mu.Unlock()
		return nil, fmt.Errorf("%w: execution revision advanced past %d", ErrConflict, exRevSeen)
	}

	attemptIndex := 0
	for _, c := range me.computations {
		if c.NodeName == nodeName && c.AttemptIndex >= attemptIndex {
			attemptIndex = c.AttemptIndex + 1
		}
	}

	me.exec.Revision++
	rev := me.exec.Revision
	now := time.Now().UTC()
	me.exec.UpdatedAt = now

	revsCopy := make(map[string]int64, len(upstreamRevisions))
	for k, v := range upstreamRevisions {
		revsCopy[k] = v
	}

	comp := &types.Computation{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		NodeName:          nodeName,
		State:             types.ComputationComputing,
		AttemptIndex:      attemptIndex,
		StartedAt:         now,
		Deadline:          deadline,
		ExRevisionAtStart: exRevSeen,
		UpstreamRevisions: revsCopy,
	}
	me.computations[comp.ID] = comp
	me.computingByNode[nodeName] = comp.ID

	s.indexMu.Lock()
	s.compIndex[comp.ID] = executionID
	s.indexMu.Unlock()

	subs := snapshotSubscribers(me)
	cp := *comp
	me.mu.Unlock()

	publish(subs, RevisionEvent{ExecutionID: executionID, NodeName: "", NewRevision: rev, Time: now})
	return &cp, nil
}

func (s *MemoryStore) CompleteComputation(ctx context.Context, computationID string, targetNode string, newState types.ComputationState, resultPayload, errorPayload json.RawMessage) (int64, error) {
	s.indexMu.RLock()
	executionID, ok := s.compIndex[computationID]
	s.indexMu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownComputation, computationID)
	}

	me, err := s.get(executionID)
	if err != nil {
		return 0, err
	}

	me.mu.Lock()

	comp, ok := me.computations[computationID]
	if !ok {
		me.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownComputation, computationID)
	}
	if comp.State.IsTerminal() {
		me.mu.Unlock()
		return 0, fmt.Errorf("computation %s already terminal (%s)", computationID, comp.State)
	}
	if me.exec.IsArchived() {
		me.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrExecutionArchived, comp.ExecutionID)
	}

	now := time.Now().UTC()
	comp.State = newState
	comp.CompletedAt = &now
	comp.ResultPayload = resultPayload
	comp.ErrorPayload = errorPayload
	delete(me.computingByNode, comp.NodeName)

	me.exec.Revision++
	rev := me.exec.Revision
	me.exec.UpdatedAt = now

	isValueSet := false
	if newState == types.ComputationSuccess && targetNode != "" {
		if node, ok := me.nodes[targetNode]; ok {
			node.IsSet = true
			node.Value = resultPayload
			node.SetRevision = rev
			node.SetTime = &now
			isValueSet = true
		}
		if lu, ok := me.nodes[types.SystemNodeLastUpdatedAt]; ok {
			lu.IsSet = true
			lu.Value = mustMarshal(now.Unix())
			lu.SetRevision = rev
			lu.SetTime = &now
		}
	}

	execID := comp.ExecutionID
	subs := snapshotSubscribers(me)
	me.mu.Unlock()

	publish(subs, RevisionEvent{ExecutionID: execID, NodeName: targetNode, IsValueSet: isValueSet, NewRevision: rev, Time: now})
	return rev, nil
}

func (s *MemoryStore) ListLiveExecutions(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, me := range s.executions {
		me.mu.Lock()
		archived := me.exec.IsArchived()
		me.mu.Unlock()
		if !archived {
			ids = append(ids, id)
		}
	}
	// The in-memory adapter has no stable ordering to page over; it returns
	// everything in one page and an empty continuation cursor, matching the
	// semantics (if not the scale) of the Redis adapter's SCAN-based listing.
	return ids, "", nil
}

func (s *MemoryStore) ListStaleComputations(ctx context.Context, threshold time.Time) ([]*types.Computation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*types.Computation
	for _, me := range s.executions {
		me.mu.Lock()
		for _, id := range me.computingByNode {
			c := me.computations[id]
			if c.Deadline.Before(threshold) {
				cp := *c
				stale = append(stale, &cp)
			}
		}
		me.mu.Unlock()
	}
	return stale, nil
}

func (s *MemoryStore) Archive(ctx context.Context, executionID string) error {
	me, err := s.get(executionID)
	if err != nil {
		metrics.RunStoreOperations.WithLabelValues("archive", "error").Inc()
		return err
	}
	me.mu.Lock()
	now := time.Now().UTC()
	me.exec.ArchivedAt = &now
	me.exec.UpdatedAt = now
	for ch := range me.subscribers {
		close(ch)
		delete(me.subscribers, ch)
	}
	me.mu.Unlock()
	metrics.RunStoreOperations.WithLabelValues("archive", "success").Inc()
	metrics.RunsActive.Dec()
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, executionID string) (<-chan RevisionEvent, func(), error) {
	me, err := s.get(executionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan RevisionEvent, s.cfg.EventBufferSize)
	me.mu.Lock()
	if me.subscribers == nil {
		me.mu.Unlock()
		return nil, nil, fmt.Errorf("subscribe %s: store closed", executionID)
	}
	me.subscribers[ch] = struct{}{}
	me.mu.Unlock()
	metrics.RevisionBusSubscribers.Inc()

	cleanup := func() {
		me.mu.Lock()
		delete(me.subscribers, ch)
		me.mu.Unlock()
		metrics.RevisionBusSubscribers.Dec()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	count := len(s.executions)
	s.mu.RUnlock()
	return map[string]interface{}{
		"adapter":         "memory",
		"execution_count": count,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, me := range s.executions {
		me.mu.Lock()
		for ch := range me.subscribers {
			close(ch)
		}
		me.subscribers = nil
		me.mu.Unlock()
	}
	return nil
}

func snapshotSubscribers(me *memoryExecution) []chan RevisionEvent {
	subs := make([]chan RevisionEvent, 0, len(me.subscribers))
	for ch := range me.subscribers {
		subs = append(subs, ch)
	}
	return subs
}

// publish is a non-blocking fan-out send: a slow subscriber skips the event
// rather than stalling the writer. The bus is best-effort for liveness; the
// sweeper restores correctness for anyone who missed it.
func publish(subs []chan RevisionEvent, evt RevisionEvent) {
	if evt.IsValueSet {
		metrics.EventsTotal.WithLabelValues("value_set").Inc()
	} else {
		metrics.EventsTotal.WithLabelValues("revision_touch").Inc()
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

var _ Store = (*MemoryStore)(nil)
