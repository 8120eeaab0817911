package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// StreamExecutionEvents handles GET /api/v1/executions/{id}/events.
// It streams the execution's revision bus as Server-Sent Events: one event
// per durable mutation (a node value write, a touch, or a computation
// completion), so a client can watch an execution settle without polling.
func (h *Handlers) StreamExecutionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	executionID := vars["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("execution_id", executionID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if _, err := h.store.LoadExecution(ctx, executionID); err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     executionID,
		Type:      "hello",
		Timestamp: time.Now().UTC(),
	})

	eventCh, cleanup, err := h.store.Subscribe(ctx, executionID)
	if err != nil {
		h.logger.Error("failed to subscribe to revision bus", "error", err, "execution_id", executionID)
		return
	}
	defer cleanup()

	done := ctx.Done()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			duration := time.Since(startTime)
			metrics.SSEConnectionDuration.Observe(duration.Seconds())
			h.logger.Info("SSE connection closed (client disconnect)",
				slog.String("execution_id", executionID),
				slog.String("request_id", requestID),
				slog.Duration("duration", duration),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendExecutionEndEvent(w, flusher, executionID)
				duration := time.Since(startTime)
				metrics.SSEConnectionDuration.Observe(duration.Seconds())
				h.logger.Info("SSE connection closed (bus closed)",
					slog.String("execution_id", executionID),
					slog.String("request_id", requestID),
					slog.Duration("duration", duration),
				)
				return
			}
			h.writeSSE(w, flusher, revisionToEvent(evt))

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

func revisionToEvent(evt store.RevisionEvent) *types.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"is_value_set": evt.IsValueSet,
		"new_revision": evt.NewRevision,
	})
	return &types.Event{
		ID:        time.Now().UTC().Format(time.RFC3339Nano),
		RunID:     evt.ExecutionID,
		Type:      types.EventTypeNodeStatus,
		NodeID:    evt.NodeName,
		Timestamp: evt.Time,
		Data:      data,
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendExecutionEndEvent sends a final event indicating the bus closed
// (the subscription's cleanup fired, or the execution was archived).
func (h *Handlers) sendExecutionEndEvent(w http.ResponseWriter, flusher http.Flusher, executionID string) {
	evt := &types.Event{
		ID:        "final",
		RunID:     executionID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
	}
	h.writeSSE(w, flusher, evt)
}
