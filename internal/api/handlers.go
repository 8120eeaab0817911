package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/bus"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/config"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/readiness"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies. Generalized
// from the donor's run/scheduler-backed Handlers to the
// execution/node/computation contract: the scheduler is gone, replaced by
// a store plus a dispatcher that watches executions in the background.
type Handlers struct {
	store      store.Store
	graphs     *graph.Registry
	dispatcher *engine.Dispatcher
	ready      *readiness.Evaluator
	config     *config.Config
	logger     *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(s store.Store, graphs *graph.Registry, dispatcher *engine.Dispatcher, ready *readiness.Evaluator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:      s,
		graphs:     graphs,
		dispatcher: dispatcher,
		ready:      ready,
		config:     cfg,
		logger:     logger,
	}
}

// --- Health endpoints ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "store": info})
}

// --- Graph registry ---

// RegisterGraph handles POST /api/v1/graphs: register_graph(graph_def).
func (h *Handlers) RegisterGraph(w http.ResponseWriter, r *http.Request) {
	var def types.GraphDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid graph definition body", nil)
		return
	}
	if err := h.graphs.Register(&def); err != nil {
		if errors.Is(err, graph.ErrGraphMismatch) {
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
			return
		}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"name": def.Ref.Name, "version": def.Ref.Version})
}

// GetGraph handles GET /api/v1/graphs/{name}/{version}: lookup(name, version).
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	def, err := h.graphs.Lookup(vars["name"], vars["version"])
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// GenerateMermaidGraph handles GET /api/v1/graphs/{name}/{version}/mermaid:
// the generate_mermaid_graph(graph) diagnostic.
func (h *Handlers) GenerateMermaidGraph(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	def, err := h.graphs.Lookup(vars["name"], vars["version"])
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(renderMermaid(def)))
}

func renderMermaid(def *types.GraphDef) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	for name, node := range def.Nodes {
		fmt.Fprintf(&b, "  %s[\"%s (%s)\"]\n", name, name, node.Kind)
		for _, dep := range node.DependsOn {
			fmt.Fprintf(&b, "  %s --> %s\n", dep, name)
		}
		if node.Kind == types.NodeKindMutate && node.Mutates != "" {
			fmt.Fprintf(&b, "  %s -.mutates.-> %s\n", name, node.Mutates)
		}
	}
	return b.String()
}

// --- Executions ---

// StartExecutionRequest is the body for start_execution.
type StartExecutionRequest struct {
	GraphName    string `json:"graph_name"`
	GraphVersion string `json:"graph_version"`
}

// StartExecution handles POST /api/v1/executions: start_execution(graph_ref).
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}

	def, err := h.graphs.Lookup(req.GraphName, req.GraphVersion)
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
		return
	}

	nodeNames := make([]string, 0, len(def.Nodes))
	for name := range def.Nodes {
		nodeNames = append(nodeNames, name)
	}

	exec, err := h.store.CreateExecution(ctx, def.Ref, nodeNames)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	h.dispatcher.Watch(ctx, exec.ID)

	h.respondJSON(w, http.StatusCreated, exec)
}

// LoadExecution handles GET /api/v1/executions/{id}: load(execution).
func (h *Handlers) LoadExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	exec, err := h.store.LoadExecution(ctx, vars["id"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, exec)
}

// ArchiveExecution handles POST /api/v1/executions/{id}/archive: archive(execution).
func (h *Handlers) ArchiveExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	if err := h.store.Archive(ctx, vars["id"]); err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.dispatcher.Unwatch(vars["id"])
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// Values handles GET /api/v1/executions/{id}/values: values(execution).
func (h *Handlers) Values(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	snapshot, err := h.store.Snapshot(ctx, vars["id"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	values := make(map[string]json.RawMessage, len(snapshot.Nodes))
	for name, inst := range snapshot.Nodes {
		if inst.IsSet {
			values[name] = inst.Value
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"revision": snapshot.Execution.Revision, "values": values})
}

// SetNodeRequest is the body for set(execution, node, value).
type SetNodeRequest struct {
	Value json.RawMessage `json:"value"`
}

// SetNode handles POST /api/v1/executions/{id}/nodes/{node}: set(execution, node, value).
func (h *Handlers) SetNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var req SetNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}

	rev, err := h.store.WriteValue(ctx, vars["id"], vars["node"], req.Value)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"revision": rev})
}

// IncrementRevision handles POST /api/v1/executions/{id}/nodes/{node}/increment_revision:
// the increment_revision diagnostic that forces a recompute cascade without
// changing the node's value.
func (h *Handlers) IncrementRevision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	rev, err := h.store.TouchRevision(ctx, vars["id"], vars["node"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"revision": rev})
}

// GetValue handles GET /api/v1/executions/{id}/nodes/{node}:
// get_value(execution, node, wait_any|wait_new|timeout).
func (h *Handlers) GetValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	executionID, nodeName := vars["id"], vars["node"]

	wait := r.URL.Query().Get("wait")
	timeout := parseTimeout(r.URL.Query().Get("timeout_ms"), 0)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var inst *types.NodeInstance
	var err error

	switch wait {
	case "any":
		inst, err = bus.WaitAny(waitCtx, h.store, executionID, nodeName, timeout, h.unreachableCheck(ctx, executionID, nodeName))
	case "new":
		observed := parseInt64(r.URL.Query().Get("revision_observed"), 0)
		inst, err = bus.WaitNew(waitCtx, h.store, executionID, nodeName, observed, timeout, h.unreachableCheck(ctx, executionID, nodeName))
	default:
		snapshot, serr := h.store.Snapshot(ctx, executionID)
		if serr != nil {
			h.respondStoreError(w, r, serr)
			return
		}
		inst = snapshot.Nodes[nodeName]
		if inst == nil {
			err = store.ErrUnknownNode
		}
	}

	if err != nil {
		var unreachable *bus.UnreachableError
		if errors.As(err, &unreachable) {
			writeErrorResponse(w, r, http.StatusFailedDependency, ErrCodeUnreachable,
				fmt.Sprintf("node %q is unreachable: retries exhausted", unreachable.NodeName),
				map[string]interface{}{"node": unreachable.NodeName, "last_error": unreachable.LastError})
			return
		}
		if errors.Is(err, bus.ErrTimeout) {
			writeErrorResponse(w, r, http.StatusRequestTimeout, "timeout", "wait timed out before the value was set", nil)
			return
		}
		h.respondStoreError(w, r, err)
		return
	}

	if inst == nil || !inst.IsSet {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"node": nodeName, "is_set": false})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"node":         nodeName,
		"is_set":       true,
		"value":        inst.Value,
		"set_revision": inst.SetRevision,
	})
}

// unreachableCheck builds the bus.UnreachableCheck for one wait on
// executionID/nodeName: it resolves the execution's registered graph to find
// the node's own MaxAttempts override (falling back to the dispatcher-wide
// default), so a terminal failed/abandoned computation with no budget left
// resolves the wait as unreachable(node, last_error) instead of a plain
// timeout. Returns nil (no early unreachable detection) if the execution or
// graph can't be resolved; the wait still times out normally in that case.
func (h *Handlers) unreachableCheck(ctx context.Context, executionID, nodeName string) bus.UnreachableCheck {
	exec, err := h.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil
	}
	def, err := h.graphs.Lookup(exec.GraphRef.Name, exec.GraphRef.Version)
	if err != nil {
		return nil
	}
	node, ok := def.Nodes[nodeName]
	if !ok {
		return nil
	}
	defaultMax := 0
	if h.config != nil {
		defaultMax = h.config.MaxAttemptsPerNode
	}
	return func(latest *types.Computation) (bool, json.RawMessage) {
		if latest == nil {
			return false, nil
		}
		if latest.State != types.ComputationFailed && latest.State != types.ComputationAbandoned {
			return false, nil
		}
		if !engine.Exhausted(node, latest.AttemptIndex+1, defaultMax) {
			return false, nil
		}
		return true, latest.ErrorPayload
	}
}

// --- Diagnostics ---

// Summarize handles GET /api/v1/executions/{id}/summarize: the summarize(execution_id) diagnostic.
func (h *Handlers) Summarize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	snapshot, err := h.store.Snapshot(ctx, vars["id"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "execution %s (graph %s@%s) revision=%d\n", snapshot.Execution.ID, snapshot.Execution.GraphRef.Name, snapshot.Execution.GraphRef.Version, snapshot.Execution.Revision)
	for name, inst := range snapshot.Nodes {
		status := "not_set"
		if inst.IsSet {
			status = fmt.Sprintf("set@rev=%d", inst.SetRevision)
		}
		comp := snapshot.LatestComputation[name]
		compStatus := "none"
		if comp != nil {
			compStatus = fmt.Sprintf("%s(attempt=%d)", comp.State, comp.AttemptIndex)
		}
		fmt.Fprintf(&b, "  %s: value=%s latest_computation=%s\n", name, status, compStatus)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

// OutstandingComputations handles GET /api/v1/executions/{id}/outstanding:
// the outstanding_computations(execution_id) diagnostic.
func (h *Handlers) OutstandingComputations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	exec, err := h.store.LoadExecution(ctx, vars["id"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	def, err := h.graphs.Lookup(exec.GraphRef.Name, exec.GraphRef.Version)
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
		return
	}
	snapshot, err := h.store.Snapshot(ctx, vars["id"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	type entry struct {
		Node             string   `json:"node"`
		State            string   `json:"state"`
		ConditionsMet    []string `json:"conditions_met"`
		ConditionsNotMet []string `json:"conditions_not_met"`
	}
	var out []entry
	for name, node := range def.Nodes {
		if node.Kind == types.NodeKindInput {
			continue
		}
		comp := snapshot.LatestComputation[name]
		if comp != nil && comp.State.IsTerminal() && comp.State != types.ComputationFailed && comp.State != types.ComputationAbandoned {
			continue
		}
		met, notMet := readiness.Outstanding(node, snapshot)
		state := "not_set"
		if comp != nil {
			state = string(comp.State)
		}
		out = append(out, entry{Node: name, State: state, ConditionsMet: met, ConditionsNotMet: notMet})
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"outstanding": out})
}

// --- Store diagnostics ---

func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Helpers ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondStoreError maps the store's error taxonomy onto HTTP status codes
// and the standard error envelope.
func (h *Handlers) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownExecution), errors.Is(err, store.ErrUnknownNode), errors.Is(err, store.ErrUnknownComputation):
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
	case errors.Is(err, store.ErrExecutionArchived):
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		// ErrConflict is internal to claim/complete races; a caller should
		// never see it through the HTTP surface, but map it defensively.
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "internal conflict, retry", nil)
	default:
		h.logger.Error("store failure", "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "store failure", nil)
	}
}

func parseTimeout(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func parseInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
