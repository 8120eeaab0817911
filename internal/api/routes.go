// Package api provides HTTP handlers and routing for the orchestrator service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	authMW   *auth.Middleware
}

// NewServer creates a new API server with the given handlers. authMW may be
// nil, in which case the mutating routes run unauthenticated (the donor's
// historical posture, and the default when OIDC is not configured).
func NewServer(h *Handlers, authMW *auth.Middleware) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		authMW:   authMW,
	}
	s.setupRoutes()
	return s
}

// mutate wraps a handler that durably mutates execution state with the auth
// middleware, when one is configured. Read-only endpoints (GetGraph, Values,
// GetValue, the SSE stream, diagnostics) are left unwrapped.
func (s *Server) mutate(h http.HandlerFunc) http.Handler {
	if s.authMW == nil {
		return h
	}
	return s.authMW.Handler(h)
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Graph registry
	api.HandleFunc("/graphs", s.handlers.RegisterGraph).Methods("POST")
	api.HandleFunc("/graphs/{name}/{version}", s.handlers.GetGraph).Methods("GET")
	api.HandleFunc("/graphs/{name}/{version}/mermaid", s.handlers.GenerateMermaidGraph).Methods("GET")

	// Executions
	api.Handle("/executions", s.mutate(s.handlers.StartExecution)).Methods("POST")
	api.HandleFunc("/executions/{id}", s.handlers.LoadExecution).Methods("GET")
	api.Handle("/executions/{id}/archive", s.mutate(s.handlers.ArchiveExecution)).Methods("POST")
	api.HandleFunc("/executions/{id}/values", s.handlers.Values).Methods("GET")
	api.HandleFunc("/executions/{id}/summarize", s.handlers.Summarize).Methods("GET")
	api.HandleFunc("/executions/{id}/outstanding", s.handlers.OutstandingComputations).Methods("GET")
	api.HandleFunc("/executions/{id}/events", s.handlers.StreamExecutionEvents).Methods("GET")

	// Node values
	api.HandleFunc("/executions/{id}/nodes/{node}", s.handlers.GetValue).Methods("GET")
	api.Handle("/executions/{id}/nodes/{node}", s.mutate(s.handlers.SetNode)).Methods("POST")
	api.HandleFunc("/executions/{id}/nodes/{node}/increment_revision", s.handlers.IncrementRevision).Methods("POST")

	// Store diagnostics
	api.HandleFunc("/store/info", s.handlers.StoreInfo).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
