package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// overflowMarker is the JSON key an offloaded payload is wrapped under, so
// OverflowStore can recognize its own pointers on read without guessing at
// the shape of ordinary node values.
const overflowMarker = "__mentatlab_overflow_ref__"

type overflowPointer struct {
	Ref *dataflow.ArtifactRef `json:"__mentatlab_overflow_ref__"`
}

// OverflowStore decorates a Store so that payloads above thresholdBytes are
// offloaded to the dataflow service (S3/MinIO) instead of being written
// inline, and transparently resolved back to real bytes on read. It embeds
// Store so every method it does not override (LoadExecution,
// TouchRevision, ClaimComputation, ListLiveExecutions,
// ListStaleComputations, Archive, Subscribe, AdapterInfo, Close) passes
// straight through to the wrapped adapter.
type OverflowStore struct {
	Store
	flow           *dataflow.Service
	thresholdBytes int
}

// NewOverflowStore wraps inner with large-payload offload to flow. A
// thresholdBytes of 0 or less disables offload (every payload is written
// inline), which is useful for tests that want a plain Store.
func NewOverflowStore(inner Store, flow *dataflow.Service, thresholdBytes int) *OverflowStore {
	return &OverflowStore{Store: inner, flow: flow, thresholdBytes: thresholdBytes}
}

// offload replaces payload with an overflow pointer when it exceeds the
// configured threshold, storing the original bytes under runID/node/label.
func (s *OverflowStore) offload(ctx context.Context, runID, node, label string, payload json.RawMessage) (json.RawMessage, error) {
	if s.flow == nil || s.thresholdBytes <= 0 || len(payload) <= s.thresholdBytes {
		return payload, nil
	}
	ref, err := s.flow.StoreArtifact(ctx, runID, node, label, bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, fmt.Errorf("offload %s payload: %w", label, err)
	}
	return json.Marshal(overflowPointer{Ref: ref})
}

// resolve reverses offload: if payload is one of our overflow pointers, it
// fetches the original bytes from the dataflow service; otherwise it returns
// payload unchanged.
func (s *OverflowStore) resolve(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if s.flow == nil || len(payload) == 0 || !bytes.Contains(payload, []byte(overflowMarker)) {
		return payload, nil
	}
	var ptr overflowPointer
	if err := json.Unmarshal(payload, &ptr); err != nil || ptr.Ref == nil {
		return payload, nil
	}
	rc, err := s.flow.GetArtifact(ctx, ptr.Ref)
	if err != nil {
		return nil, fmt.Errorf("resolve overflow payload: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read overflow payload: %w", err)
	}
	return data, nil
}

// WriteValue offloads payload before delegating to the wrapped store.
func (s *OverflowStore) WriteValue(ctx context.Context, executionID, nodeName string, payload json.RawMessage) (int64, error) {
	stored, err := s.offload(ctx, executionID, nodeName, "value", payload)
	if err != nil {
		return 0, err
	}
	return s.Store.WriteValue(ctx, executionID, nodeName, stored)
}

// CompleteComputation offloads resultPayload/errorPayload before delegating,
// the exact site SPEC_FULL.md section 11 names as the overflow boundary.
func (s *OverflowStore) CompleteComputation(ctx context.Context, computationID string, targetNode string, newState types.ComputationState, resultPayload, errorPayload json.RawMessage) (int64, error) {
	storedResult, err := s.offload(ctx, computationID, targetNode, "result", resultPayload)
	if err != nil {
		return 0, err
	}
	storedError, err := s.offload(ctx, computationID, targetNode, "error", errorPayload)
	if err != nil {
		return 0, err
	}
	return s.Store.CompleteComputation(ctx, computationID, targetNode, newState, storedResult, storedError)
}

// Snapshot resolves every node value and latest-computation payload that was
// offloaded, so callers (the readiness evaluator, the HTTP surface) never
// see an overflow pointer.
func (s *OverflowStore) Snapshot(ctx context.Context, executionID string) (*types.ExecutionSnapshot, error) {
	snap, err := s.Store.Snapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if s.flow == nil {
		return snap, nil
	}
	for _, inst := range snap.Nodes {
		if inst == nil || !inst.IsSet {
			continue
		}
		resolved, err := s.resolve(ctx, inst.Value)
		if err != nil {
			return nil, err
		}
		inst.Value = resolved
	}
	for _, comp := range snap.LatestComputation {
		if comp == nil {
			continue
		}
		if resolved, err := s.resolve(ctx, comp.ResultPayload); err != nil {
			return nil, err
		} else {
			comp.ResultPayload = resolved
		}
		if resolved, err := s.resolve(ctx, comp.ErrorPayload); err != nil {
			return nil, err
		} else {
			comp.ErrorPayload = resolved
		}
	}
	return snap, nil
}

var _ Store = (*OverflowStore)(nil)
