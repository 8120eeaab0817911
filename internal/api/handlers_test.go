package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/config"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/readiness"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func testHandlers(t *testing.T) (*Handlers, store.Store, *graph.Registry, *graph.FunctionRegistry) {
	t.Helper()
	s := store.NewMemoryStore(nil)
	t.Cleanup(func() { s.Close() })
	graphs := graph.New()
	functions := graph.NewFunctionRegistry()
	ready := readiness.New()
	cfg := &config.Config{MaxAttemptsPerNode: 3}
	d := engine.New(graphs, functions, s, ready, engine.DefaultConfig(), nil)
	return NewHandlers(s, graphs, d, ready, cfg, nil), s, graphs, functions
}

func withVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

func decodeJSON(t *testing.T, body *bytes.Buffer, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response body %q: %v", body.String(), err)
	}
}

func testGraphDefForAPI() *types.GraphDef {
	return &types.GraphDef{
		Ref: types.GraphRef{Name: "pipeline", Version: "v1"},
		Nodes: map[string]*types.NodeDef{
			"input":   {Name: "input", Kind: types.NodeKindInput},
			"derived": {Name: "derived", Kind: types.NodeKindCompute, DependsOn: []string{"input"}, FunctionRef: "double"},
		},
	}
}

func TestHandlers_RegisterAndGetGraph(t *testing.T) {
	h, _, _, _ := testHandlers(t)

	body, _ := json.Marshal(testGraphDefForAPI())
	req := httptest.NewRequest("POST", "/api/v1/graphs", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.RegisterGraph(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	getReq := withVars(httptest.NewRequest("GET", "/api/v1/graphs/pipeline/v1", nil), map[string]string{"name": "pipeline", "version": "v1"})
	getRR := httptest.NewRecorder()
	h.GetGraph(getRR, getReq)
	if getRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRR.Code, getRR.Body.String())
	}
	var def types.GraphDef
	decodeJSON(t, getRR.Body, &def)
	if def.Ref.Name != "pipeline" {
		t.Errorf("expected graph name %q, got %q", "pipeline", def.Ref.Name)
	}

	t.Run("unknown graph returns 404", func(t *testing.T) {
		req := withVars(httptest.NewRequest("GET", "/api/v1/graphs/nope/v1", nil), map[string]string{"name": "nope", "version": "v1"})
		rr := httptest.NewRecorder()
		h.GetGraph(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("conflicting re-registration returns 409", func(t *testing.T) {
		changed := testGraphDefForAPI()
		changed.Nodes["derived"].FunctionRef = "triple"
		body, _ := json.Marshal(changed)
		req := httptest.NewRequest("POST", "/api/v1/graphs", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		h.RegisterGraph(rr, req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestHandlers_StartLoadArchiveExecution(t *testing.T) {
	h, s, graphs, _ := testHandlers(t)
	if err := graphs.Register(testGraphDefForAPI()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	body, _ := json.Marshal(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"})
	req := httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.StartExecution(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var exec types.Execution
	decodeJSON(t, rr.Body, &exec)
	if exec.ID == "" {
		t.Fatal("expected a non-empty execution id")
	}

	t.Run("load", func(t *testing.T) {
		req := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID, nil), map[string]string{"id": exec.ID})
		rr := httptest.NewRecorder()
		h.LoadExecution(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("load unknown execution returns 404", func(t *testing.T) {
		req := withVars(httptest.NewRequest("GET", "/api/v1/executions/nope", nil), map[string]string{"id": "nope"})
		rr := httptest.NewRecorder()
		h.LoadExecution(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("archive", func(t *testing.T) {
		req := withVars(httptest.NewRequest("POST", "/api/v1/executions/"+exec.ID+"/archive", nil), map[string]string{"id": exec.ID})
		rr := httptest.NewRecorder()
		h.ArchiveExecution(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		archivedExec, err := s.LoadExecution(context.Background(), exec.ID)
		if err != nil {
			t.Fatalf("LoadExecution failed: %v", err)
		}
		if !archivedExec.IsArchived() {
			t.Error("expected the execution to be archived")
		}

		t.Run("writes after archive are rejected", func(t *testing.T) {
			setReq := withVars(httptest.NewRequest("POST", "/api/v1/executions/"+exec.ID+"/nodes/input", bytes.NewReader([]byte(`{"value":1}`))), map[string]string{"id": exec.ID, "node": "input"})
			setRR := httptest.NewRecorder()
			h.SetNode(setRR, setReq)
			if setRR.Code != http.StatusConflict {
				t.Errorf("expected 409 for a write on an archived execution, got %d", setRR.Code)
			}
		})
	})
}

func TestHandlers_SetNodeAndValues(t *testing.T) {
	h, _, graphs, _ := testHandlers(t)
	if err := graphs.Register(testGraphDefForAPI()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	startReq := httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(mustJSON(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"})))
	startRR := httptest.NewRecorder()
	h.StartExecution(startRR, startReq)
	var exec types.Execution
	decodeJSON(t, startRR.Body, &exec)

	setReq := withVars(httptest.NewRequest("POST", "/api/v1/executions/"+exec.ID+"/nodes/input", bytes.NewReader(mustJSON(SetNodeRequest{Value: json.RawMessage(`42`)}))), map[string]string{"id": exec.ID, "node": "input"})
	setRR := httptest.NewRecorder()
	h.SetNode(setRR, setReq)
	if setRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", setRR.Code, setRR.Body.String())
	}

	valuesReq := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID+"/values", nil), map[string]string{"id": exec.ID})
	valuesRR := httptest.NewRecorder()
	h.Values(valuesRR, valuesReq)
	var resp struct {
		Revision int64                      `json:"revision"`
		Values   map[string]json.RawMessage `json:"values"`
	}
	decodeJSON(t, valuesRR.Body, &resp)
	if string(resp.Values["input"]) != "42" {
		t.Errorf("expected input value 42, got %s", resp.Values["input"])
	}
}

func TestHandlers_GetValue(t *testing.T) {
	t.Run("returns is_set false for an unset node", func(t *testing.T) {
		h, _, graphs, _ := testHandlers(t)
		graphs.Register(testGraphDefForAPI())
		startRR := httptest.NewRecorder()
		h.StartExecution(startRR, httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(mustJSON(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"}))))
		var exec types.Execution
		decodeJSON(t, startRR.Body, &exec)

		req := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID+"/nodes/input", nil), map[string]string{"id": exec.ID, "node": "input"})
		rr := httptest.NewRecorder()
		h.GetValue(rr, req)
		var resp struct {
			IsSet bool `json:"is_set"`
		}
		decodeJSON(t, rr.Body, &resp)
		if resp.IsSet {
			t.Error("expected is_set=false")
		}
	})

	t.Run("wait=any resolves once the value is set", func(t *testing.T) {
		h, s, graphs, _ := testHandlers(t)
		graphs.Register(testGraphDefForAPI())
		startRR := httptest.NewRecorder()
		h.StartExecution(startRR, httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(mustJSON(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"}))))
		var exec types.Execution
		decodeJSON(t, startRR.Body, &exec)

		go func() {
			time.Sleep(50 * time.Millisecond)
			s.WriteValue(context.Background(), exec.ID, "input", json.RawMessage(`7`))
		}()

		req := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID+"/nodes/input?wait=any&timeout_ms=5000", nil), map[string]string{"id": exec.ID, "node": "input"})
		rr := httptest.NewRecorder()
		h.GetValue(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			IsSet bool            `json:"is_set"`
			Value json.RawMessage `json:"value"`
		}
		decodeJSON(t, rr.Body, &resp)
		if !resp.IsSet || string(resp.Value) != "7" {
			t.Errorf("expected is_set=true value=7, got %+v", resp)
		}
	})

	t.Run("wait=any on a node with exhausted retries resolves unreachable, not timeout", func(t *testing.T) {
		h, s, graphs, _ := testHandlers(t)
		def := testGraphDefForAPI()
		def.Nodes["derived"].MaxAttempts = 1
		graphs.Register(def)
		startRR := httptest.NewRecorder()
		h.StartExecution(startRR, httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(mustJSON(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"}))))
		var exec types.Execution
		decodeJSON(t, startRR.Body, &exec)

		comp, err := s.ClaimComputation(context.Background(), exec.ID, "derived", time.Now().Add(time.Minute), exec.Revision, nil)
		if err != nil {
			t.Fatalf("ClaimComputation failed: %v", err)
		}
		lastErr := json.RawMessage(`{"error":"no such function"}`)
		if _, err := s.CompleteComputation(context.Background(), comp.ID, "derived", types.ComputationFailed, nil, lastErr); err != nil {
			t.Fatalf("CompleteComputation failed: %v", err)
		}

		req := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID+"/nodes/derived?wait=any&timeout_ms=2000", nil), map[string]string{"id": exec.ID, "node": "derived"})
		rr := httptest.NewRecorder()
		h.GetValue(rr, req)
		if rr.Code != http.StatusFailedDependency {
			t.Fatalf("expected 424 unreachable, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp ErrorResponse
		decodeJSON(t, rr.Body, &resp)
		if resp.Error != ErrCodeUnreachable {
			t.Errorf("expected error code %q, got %q", ErrCodeUnreachable, resp.Error)
		}
	})

	t.Run("wait=any on a live retryable failure times out, not unreachable", func(t *testing.T) {
		h, s, graphs, _ := testHandlers(t)
		def := testGraphDefForAPI()
		def.Nodes["derived"].MaxAttempts = 5
		graphs.Register(def)
		startRR := httptest.NewRecorder()
		h.StartExecution(startRR, httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(mustJSON(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"}))))
		var exec types.Execution
		decodeJSON(t, startRR.Body, &exec)

		comp, err := s.ClaimComputation(context.Background(), exec.ID, "derived", time.Now().Add(time.Minute), exec.Revision, nil)
		if err != nil {
			t.Fatalf("ClaimComputation failed: %v", err)
		}
		if _, err := s.CompleteComputation(context.Background(), comp.ID, "derived", types.ComputationFailed, nil, json.RawMessage(`{"error":"transient"}`)); err != nil {
			t.Fatalf("CompleteComputation failed: %v", err)
		}

		req := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID+"/nodes/derived?wait=any&timeout_ms=200", nil), map[string]string{"id": exec.ID, "node": "derived"})
		rr := httptest.NewRecorder()
		h.GetValue(rr, req)
		if rr.Code != http.StatusRequestTimeout {
			t.Fatalf("expected 408 timeout, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestHandlers_OutstandingComputations(t *testing.T) {
	h, _, graphs, _ := testHandlers(t)
	graphs.Register(testGraphDefForAPI())
	startRR := httptest.NewRecorder()
	h.StartExecution(startRR, httptest.NewRequest("POST", "/api/v1/executions", bytes.NewReader(mustJSON(StartExecutionRequest{GraphName: "pipeline", GraphVersion: "v1"}))))
	var exec types.Execution
	decodeJSON(t, startRR.Body, &exec)

	req := withVars(httptest.NewRequest("GET", "/api/v1/executions/"+exec.ID+"/outstanding", nil), map[string]string{"id": exec.ID})
	rr := httptest.NewRecorder()
	h.OutstandingComputations(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Outstanding []struct {
			Node string `json:"node"`
		} `json:"outstanding"`
	}
	decodeJSON(t, rr.Body, &resp)
	if len(resp.Outstanding) != 1 || resp.Outstanding[0].Node != "derived" {
		t.Errorf("expected exactly the derived node outstanding, got %+v", resp.Outstanding)
	}
}

func TestHandlers_StoreInfo(t *testing.T) {
	h, _, _, _ := testHandlers(t)
	req := httptest.NewRequest("GET", "/api/v1/store/info", nil)
	rr := httptest.NewRecorder()
	h.StoreInfo(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
