package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// RedisStore implements Store backed by Redis, generalizing the donor's
// runstore.RedisStore (Hashes for metadata; revision events are fanned out
// in-process only, see publish) from run/node-state rows to execution/node-instance/computation
// rows. The claim/complete transitions, which the donor never needed
// (its scheduler owned mutual exclusion in-process), are implemented as
// Lua scripts so the check-then-write is atomic across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	subsMu sync.RWMutex
	subs   map[string]map[chan RevisionEvent]struct{}

	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "orch",
		TTL:          7 * 24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store, pinging the server once to
// fail fast on misconfiguration.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orch"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		subs:   make(map[string]map[chan RevisionEvent]struct{}),
	}, nil
}

func (s *RedisStore) keyMeta(id string) string      { return fmt.Sprintf("%s:exec:%s:meta", s.prefix, id) }
func (s *RedisStore) keyNodes(id string) string     { return fmt.Sprintf("%s:exec:%s:nodes", s.prefix, id) }
func (s *RedisStore) keyComps(id string) string     { return fmt.Sprintf("%s:exec:%s:comps", s.prefix, id) }
func (s *RedisStore) keyComputing(id string) string { return fmt.Sprintf("%s:exec:%s:computing", s.prefix, id) }
func (s *RedisStore) keyAttempts(id string) string  { return fmt.Sprintf("%s:exec:%s:attempts", s.prefix, id) }
func (s *RedisStore) keyRevisions(id string) string { return fmt.Sprintf("%s:exec:%s:revisions", s.prefix, id) }
func (s *RedisStore) keyLive() string                { return s.prefix + ":live" }
func (s *RedisStore) keyCompIndex() string           { return s.prefix + ":compindex" }

func (s *RedisStore) setTTL(ctx context.Context, executionID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(executionID), s.ttl)
	pipe.Expire(ctx, s.keyNodes(executionID), s.ttl)
	pipe.Expire(ctx, s.keyComps(executionID), s.ttl)
	pipe.Expire(ctx, s.keyComputing(executionID), s.ttl)
	pipe.Expire(ctx, s.keyAttempts(executionID), s.ttl)
	pipe.Expire(ctx, s.keyRevisions(executionID), s.ttl)
	_, _ = pipe.Exec(ctx)
}

func (s *RedisStore) CreateExecution(ctx context.Context, graphRef types.GraphRef, nodeNames []string) (*types.Execution, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	nodes := make(map[string]json.RawMessage, len(nodeNames)+2)
	encodeNode := func(name string) {
		b, _ := json.Marshal(&types.NodeInstance{NodeName: name})
		nodes[name] = b
	}
	for _, name := range nodeNames {
		encodeNode(name)
	}
	encodeNode(types.SystemNodeExecutionID)
	encodeNode(types.SystemNodeLastUpdatedAt)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(id), map[string]interface{}{
		"graph_name":    graphRef.Name,
		"graph_version": graphRef.Version,
		"revision":      "0",
		"archived_at":   "",
		"created_at":    now.Format(time.RFC3339Nano),
		"updated_at":    now.Format(time.RFC3339Nano),
	})
	nodeFields := make(map[string]interface{}, len(nodes))
	for name, b := range nodes {
		nodeFields[name] = string(b)
	}
	pipe.HSet(ctx, s.keyNodes(id), nodeFields)
	pipe.SAdd(ctx, s.keyLive(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RunStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("create execution: %w", err)
	}
	metrics.RunsActive.Inc()
	s.setTTL(ctx, id)

	if _, err := s.WriteValue(ctx, id, types.SystemNodeExecutionID, mustMarshal(id)); err != nil {
		metrics.RunStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	exec, err := s.LoadExecution(ctx, id)
	if err != nil {
		metrics.RunStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	metrics.RunStoreOperations.WithLabelValues("create", "success").Inc()
	return exec, nil
}

func (s *RedisStore) loadMeta(ctx context.Context, executionID string) (map[string]string, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return meta, nil
}

func execFromMeta(id string, meta map[string]string) *types.Execution {
	rev, _ := strconv.ParseInt(meta["revision"], 10, 64)
	exec := &types.Execution{
		ID:       id,
		GraphRef: types.GraphRef{Name: meta["graph_name"], Version: meta["graph_version"]},
		Revision: rev,
	}
	if meta["created_at"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, meta["created_at"]); err == nil {
			exec.CreatedAt = t
		}
	}
	if meta["updated_at"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, meta["updated_at"]); err == nil {
			exec.UpdatedAt = t
		}
	}
	if meta["archived_at"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, meta["archived_at"]); err == nil {
			exec.ArchivedAt = &t
		}
	}
	return exec
}

func (s *RedisStore) LoadExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	meta, err := s.loadMeta(ctx, executionID)
	if err != nil {
		metrics.RunStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	metrics.RunStoreOperations.WithLabelValues("get", "success").Inc()
	return execFromMeta(executionID, meta), nil
}

func (s *RedisStore) Snapshot(ctx context.Context, executionID string) (*types.ExecutionSnapshot, error) {
	meta, err := s.loadMeta(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exec := execFromMeta(executionID, meta)

	nodeFields, err := s.client.HGetAll(ctx, s.keyNodes(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	nodes := make(map[string]*types.NodeInstance, len(nodeFields))
	for name, raw := range nodeFields {
		var inst types.NodeInstance
		if err := json.Unmarshal([]byte(raw), &inst); err == nil {
			nodes[name] = &inst
		}
	}

	compFields, err := s.client.HGetAll(ctx, s.keyComps(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get computations: %w", err)
	}
	latest := make(map[string]*types.Computation, len(compFields))
	for _, raw := range compFields {
		var comp types.Computation
		if err := json.Unmarshal([]byte(raw), &comp); err != nil {
			continue
		}
		cur, ok := latest[comp.NodeName]
		if !ok || comp.AttemptIndex > cur.AttemptIndex {
			latest[comp.NodeName] = &comp
		}
	}

	return &types.ExecutionSnapshot{Execution: exec, Nodes: nodes, LatestComputation: latest}, nil
}

// writeValueScript bumps revision and writes a node's value in one
// round trip, rejecting archived executions.
var writeValueScript = redis.NewScript(`
local meta = KEYS[1]
local nodes = KEYS[2]
local node_name = ARGV[1]
local payload = ARGV[2]
local now = ARGV[3]
local touch_only = ARGV[4]

local archived = redis.call('HGET', meta, 'archived_at')
if archived and archived ~= '' then
  return {err='archived'}
end

local inst = redis.call('HGET', nodes, node_name)
if not inst then
  return {err='unknown_node'}
end

local rev = redis.call('HINCRBY', meta, 'revision', 1)
redis.call('HSET', meta, 'updated_at', now)

local decoded = cjson.decode(inst)
decoded.set_revision = rev
decoded.set_time = now
if touch_only ~= '1' then
  decoded.is_set = true
  decoded.value = cjson.decode(payload)
end
redis.call('HSET', nodes, node_name, cjson.encode(decoded))

local lu_key = ARGV[5]
if node_name ~= lu_key then
  local lu = redis.call('HGET', nodes, lu_key)
  if lu then
    local lud = cjson.decode(lu)
    lud.is_set = true
    lud.value = now
    lud.set_revision = rev
    lud.set_time = now
    redis.call('HSET', nodes, lu_key, cjson.encode(lud))
  end
end

return {rev, decoded.is_set and 1 or 0}
`)

func (s *RedisStore) writeOrTouch(ctx context.Context, executionID, nodeName string, payload json.RawMessage, touchOnly bool) (int64, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	payloadArg := "null"
	if payload != nil {
		payloadArg = string(payload)
	}
	touchArg := "0"
	if touchOnly {
		touchArg = "1"
	}
	res, err := writeValueScript.Run(ctx, s.client, []string{s.keyMeta(executionID), s.keyNodes(executionID)},
		nodeName, payloadArg, now, touchArg, types.SystemNodeLastUpdatedAt).Result()
	if err != nil {
		if err.Error() == "archived" {
			return 0, false, fmt.Errorf("%w: %s", ErrExecutionArchived, executionID)
		}
		if err.Error() == "unknown_node" {
			return 0, false, fmt.Errorf("%w: %s", ErrUnknownNode, nodeName)
		}
		return 0, false, fmt.Errorf("write value: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("write value: unexpected script result %v", res)
	}
	rev, _ := vals[0].(int64)
	isSet := vals[1].(int64) == 1
	s.setTTL(ctx, executionID)
	return rev, isSet, nil
}

func (s *RedisStore) WriteValue(ctx context.Context, executionID, nodeName string, payload json.RawMessage) (int64, error) {
	rev, isSet, err := s.writeOrTouch(ctx, executionID, nodeName, payload, false)
	if err != nil {
		return 0, err
	}
	s.publish(executionID, RevisionEvent{ExecutionID: executionID, NodeName: nodeName, IsValueSet: isSet, NewRevision: rev, Time: time.Now().UTC()})
	return rev, nil
}

func (s *RedisStore) TouchRevision(ctx context.Context, executionID, nodeName string) (int64, error) {
	rev, isSet, err := s.writeOrTouch(ctx, executionID, nodeName, nil, true)
	if err != nil {
		return 0, err
	}
	s.publish(executionID, RevisionEvent{ExecutionID: executionID, NodeName: nodeName, IsValueSet: isSet, NewRevision: rev, Time: time.Now().UTC()})
	return rev, nil
}

// claimScript enforces the two ClaimComputation preconditions (no
// concurrent computing attempt for the node, execution revision unchanged
// since the candidate was evaluated) and commits the new computing row
// atomically.
var claimScript = redis.NewScript(`
local meta = KEYS[1]
local computing = KEYS[2]
local comps = KEYS[3]
local attempts = KEYS[4]
local node_name = ARGV[1]
local ex_rev_seen = ARGV[2]
local comp_json = ARGV[3]
local now = ARGV[4]

local archived = redis.call('HGET', meta, 'archived_at')
if archived and archived ~= '' then
  return {err='archived'}
end

local rev = redis.call('HGET', meta, 'revision')
if rev ~= ex_rev_seen then
  return {err='conflict'}
end

if redis.call('HEXISTS', computing, node_name) == 1 then
  return {err='conflict'}
end

local next_index = tonumber(redis.call('HGET', attempts, node_name) or '0')

local new_rev = redis.call('HINCRBY', meta, 'revision', 1)
redis.call('HSET', meta, 'updated_at', now)

local decoded = cjson.decode(comp_json)
decoded.attempt_index = next_index
redis.call('HSET', attempts, node_name, next_index + 1)

local encoded = cjson.encode(decoded)
redis.call('HSET', comps, decoded.id, encoded)
redis.call('HSET', computing, node_name, decoded.id)

return {new_rev, encoded}
`)

func (s *RedisStore) ClaimComputation(ctx context.Context, executionID, nodeName string, deadline time.Time, exRevSeen int64, upstreamRevisions map[string]int64) (*types.Computation, error) {
	now := time.Now().UTC()
	comp := &types.Computation{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		NodeName:          nodeName,
		State:             types.ComputationComputing,
		StartedAt:         now,
		Deadline:          deadline,
		ExRevisionAtStart: exRevSeen,
		UpstreamRevisions: upstreamRevisions,
	}
	compJSON, err := json.Marshal(comp)
	if err != nil {
		return nil, fmt.Errorf("marshal computation: %w", err)
	}

	res, err := claimScript.Run(ctx, s.client,
		[]string{s.keyMeta(executionID), s.keyComputing(executionID), s.keyComps(executionID), s.keyAttempts(executionID)},
		nodeName, strconv.FormatInt(exRevSeen, 10), string(compJSON), now.Format(time.RFC3339Nano)).Result()
	if err != nil {
		if err.Error() == "archived" {
			return nil, fmt.Errorf("%w: %s", ErrExecutionArchived, executionID)
		}
		if err.Error() == "conflict" {
			return nil, fmt.Errorf("%w: node %s", ErrConflict, nodeName)
		}
		return nil, fmt.Errorf("claim computation: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("claim computation: unexpected script result %v", res)
	}
	var committed types.Computation
	if err := json.Unmarshal([]byte(vals[1].(string)), &committed); err != nil {
		return nil, fmt.Errorf("claim computation: decode committed record: %w", err)
	}

	s.client.HSet(ctx, s.keyCompIndex(), committed.ID, executionID)
	s.setTTL(ctx, executionID)

	rev, _ := vals[0].(int64)
	s.publish(executionID, RevisionEvent{ExecutionID: executionID, NewRevision: rev, Time: now})
	return &committed, nil
}

// completeScript transitions a claimed computation to a terminal state and,
// on success with a target node, writes the result payload through in the
// same round trip.
var completeScript = redis.NewScript(`
local meta = KEYS[1]
local computing = KEYS[2]
local comps = KEYS[3]
local nodes = KEYS[4]
local comp_id = ARGV[1]
local target_node = ARGV[2]
local new_state = ARGV[3]
local result_payload = ARGV[4]
local error_payload = ARGV[5]
local now = ARGV[6]
local lu_key = ARGV[7]

local raw = redis.call('HGET', comps, comp_id)
if not raw then
  return {err='unknown_computation'}
end
local comp = cjson.decode(raw)
if comp.state == 'success' or comp.state == 'failed' or comp.state == 'abandoned' or comp.state == 'cancelled' then
  return {err='terminal'}
end

local archived = redis.call('HGET', meta, 'archived_at')
if archived and archived ~= '' then
  return {err='archived'}
end

comp.state = new_state
comp.completed_at = now
if result_payload ~= '' then
  comp.result_payload = cjson.decode(result_payload)
end
if error_payload ~= '' then
  comp.error_payload = cjson.decode(error_payload)
end
redis.call('HSET', comps, comp_id, cjson.encode(comp))
redis.call('HDEL', computing, comp.node_name)

local rev = redis.call('HINCRBY', meta, 'revision', 1)
redis.call('HSET', meta, 'updated_at', now)

local is_value_set = 0
if new_state == 'success' and target_node ~= '' then
  local inst = redis.call('HGET', nodes, target_node)
  if inst then
    local decoded = cjson.decode(inst)
    decoded.is_set = true
    decoded.value = cjson.decode(result_payload)
    decoded.set_revision = rev
    decoded.set_time = now
    redis.call('HSET', nodes, target_node, cjson.encode(decoded))
    is_value_set = 1
  end
  local lu = redis.call('HGET', nodes, lu_key)
  if lu then
    local lud = cjson.decode(lu)
    lud.is_set = true
    lud.value = now
    lud.set_revision = rev
    lud.set_time = now
    redis.call('HSET', nodes, lu_key, cjson.encode(lud))
  end
end

return {rev, is_value_set}
`)

func (s *RedisStore) CompleteComputation(ctx context.Context, computationID string, targetNode string, newState types.ComputationState, resultPayload, errorPayload json.RawMessage) (int64, error) {
	executionID, err := s.client.HGet(ctx, s.keyCompIndex(), computationID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownComputation, computationID)
		}
		return 0, fmt.Errorf("complete computation: lookup index: %w", err)
	}

	resultArg, errorArg := "", ""
	if resultPayload != nil {
		resultArg = string(resultPayload)
	}
	if errorPayload != nil {
		errorArg = string(errorPayload)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := completeScript.Run(ctx, s.client,
		[]string{s.keyMeta(executionID), s.keyComputing(executionID), s.keyComps(executionID), s.keyNodes(executionID)},
		computationID, targetNode, string(newState), resultArg, errorArg, now, types.SystemNodeLastUpdatedAt).Result()
	if err != nil {
		switch err.Error() {
		case "unknown_computation":
			return 0, fmt.Errorf("%w: %s", ErrUnknownComputation, computationID)
		case "terminal":
			return 0, fmt.Errorf("computation %s already terminal", computationID)
		case "archived":
			return 0, fmt.Errorf("%w: %s", ErrExecutionArchived, executionID)
		}
		return 0, fmt.Errorf("complete computation: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("complete computation: unexpected script result %v", res)
	}
	rev, _ := vals[0].(int64)
	isValueSet := vals[1].(int64) == 1
	s.setTTL(ctx, executionID)

	s.publish(executionID, RevisionEvent{ExecutionID: executionID, NodeName: targetNode, IsValueSet: isValueSet, NewRevision: rev, Time: time.Now().UTC()})
	return rev, nil
}

func (s *RedisStore) ListLiveExecutions(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	cur, err := strconv.ParseUint(cursor, 10, 64)
	if cursor != "" && err != nil {
		cur = 0
	}
	count := int64(limit)
	if count <= 0 {
		count = 200
	}
	ids, next, err := s.client.SScan(ctx, s.keyLive(), cur, "", count).Result()
	if err != nil {
		return nil, "", fmt.Errorf("list live executions: %w", err)
	}
	nextCursor := ""
	if next != 0 {
		nextCursor = strconv.FormatUint(next, 10)
	}
	return ids, nextCursor, nil
}

func (s *RedisStore) ListStaleComputations(ctx context.Context, threshold time.Time) ([]*types.Computation, error) {
	ids, err := s.client.SMembers(ctx, s.keyLive()).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale computations: %w", err)
	}
	var stale []*types.Computation
	for _, id := range ids {
		computing, err := s.client.HGetAll(ctx, s.keyComputing(id)).Result()
		if err != nil || len(computing) == 0 {
			continue
		}
		compIDs := make([]string, 0, len(computing))
		for _, compID := range computing {
			compIDs = append(compIDs, compID)
		}
		raws, err := s.client.HMGet(ctx, s.keyComps(id), compIDs...).Result()
		if err != nil {
			continue
		}
		for _, raw := range raws {
			str, ok := raw.(string)
			if !ok {
				continue
			}
			var comp types.Computation
			if err := json.Unmarshal([]byte(str), &comp); err != nil {
				continue
			}
			if comp.Deadline.Before(threshold) {
				stale = append(stale, &comp)
			}
		}
	}
	return stale, nil
}

func (s *RedisStore) Archive(ctx context.Context, executionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(executionID), "archived_at", now, "updated_at", now)
	pipe.SRem(ctx, s.keyLive(), executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RunStoreOperations.WithLabelValues("archive", "error").Inc()
		return fmt.Errorf("archive: %w", err)
	}

	s.subsMu.Lock()
	for ch := range s.subs[executionID] {
		close(ch)
	}
	delete(s.subs, executionID)
	s.subsMu.Unlock()
	metrics.RunStoreOperations.WithLabelValues("archive", "success").Inc()
	metrics.RunsActive.Dec()
	return nil
}

// Subscribe registers a local channel that receives the RevisionEvents this
// process publishes for the execution; nothing is read back from Redis.
func (s *RedisStore) Subscribe(ctx context.Context, executionID string) (<-chan RevisionEvent, func(), error) {
	if _, err := s.loadMeta(ctx, executionID); err != nil {
		return nil, nil, err
	}

	ch := make(chan RevisionEvent, 100)
	s.subsMu.Lock()
	if s.subs[executionID] == nil {
		s.subs[executionID] = make(map[chan RevisionEvent]struct{})
	}
	s.subs[executionID][ch] = struct{}{}
	s.subsMu.Unlock()

	cleanup := func() {
		s.subsMu.Lock()
		delete(s.subs[executionID], ch)
		if len(s.subs[executionID]) == 0 {
			delete(s.subs, executionID)
		}
		s.subsMu.Unlock()
	}
	return ch, cleanup, nil
}

// publish fans an event out to this process's local subscribers only. Each
// orchestrator process therefore relies on its own dispatcher's poll
// interval as the cross-process fallback, the same best-effort posture the
// in-memory adapter documents, widened to "best-effort across processes."
func (s *RedisStore) publish(executionID string, evt RevisionEvent) {
	if evt.IsValueSet {
		metrics.EventsTotal.WithLabelValues("value_set").Inc()
	} else {
		metrics.EventsTotal.WithLabelValues("revision_touch").Inc()
	}
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for ch := range s.subs[executionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{"adapter": "redis", "healthy": false, "error": err.Error()}, nil
	}
	latency := time.Since(start)
	stats := s.client.PoolStats()
	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": latency.String(),
			"pool": map[string]interface{}{
				"hits":       stats.Hits,
				"misses":     stats.Misses,
				"timeouts":   stats.Timeouts,
				"total_conn": stats.TotalConns,
				"idle_conn":  stats.IdleConns,
			},
		},
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.subsMu.Lock()
	for _, chans := range s.subs {
		for ch := range chans {
			close(ch)
		}
	}
	s.subs = nil
	s.subsMu.Unlock()
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
