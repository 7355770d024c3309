// Package api exposes the router over REST/JSON plus a websocket for live
// session updates. It is a thin layer: every handler delegates to a core
// subsystem.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atp/router/internal/core"
	"github.com/atp/router/internal/middleware"
)

// APIServer exposes the router's data plane and ops surface.
type APIServer struct {
	router  *core.Router
	limiter *middleware.RateLimiter
	logger  *log.Logger
}

func NewAPIServer(r *core.Router) *APIServer {
	return &APIServer{
		router:  r,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

func (s *APIServer) Routes() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.Tenant(false))
	r.Use(s.limiter.Middleware)

	// Data plane
	r.HandleFunc("/api/v1/infer", s.handleInfer).Methods("POST")

	// Orchestrated multi-step sessions
	r.HandleFunc("/api/v1/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{session_id}", s.handleSessionStatus).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{session_id}/run", s.handleRunSession).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{session_id}/cancel", s.handleCancelSession).Methods("POST")
	r.HandleFunc("/ws/sessions", s.router.Streamer.HandleWebSocket)

	// Catalog administration
	r.HandleFunc("/api/v1/providers", s.handleListProviders).Methods("GET")
	r.HandleFunc("/api/v1/providers", s.handleCreateProvider).Methods("POST")
	r.HandleFunc("/api/v1/models", s.handleListModels).Methods("GET")
	r.HandleFunc("/api/v1/models", s.handleCreateModel).Methods("POST")
	r.HandleFunc("/api/v1/models/{name}/promote", s.handlePromoteModel).Methods("POST")
	r.HandleFunc("/api/v1/models/{name}/demote", s.handleDemoteModel).Methods("POST")

	// Governance & ops
	r.HandleFunc("/api/v1/abuse/events", s.handleAbuseEvents).Methods("GET")
	r.HandleFunc("/api/v1/abuse/reset", s.handleAbuseReset).Methods("POST")
	r.HandleFunc("/api/v1/improvement/run", s.handleImprovementRun).Methods("POST")
	r.HandleFunc("/api/v1/improvement/{execution_id}", s.handleImprovementStatus).Methods("GET")
	r.HandleFunc("/api/v1/errorbudget", s.handleErrorBudgetStatus).Methods("GET")
	r.HandleFunc("/api/v1/errorbudget/gates", s.handleErrorBudgetGates).Methods("POST")
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", s.router.Metrics.Handler()).Methods("GET")

	return r
}

func (s *APIServer) Start(port string) error {
	addr := ":" + port
	s.logger.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, s.Routes())
}

// getTenantID reads the tenant from the middleware context, falling back to
// the header for handlers mounted outside the middleware chain.
func getTenantID(r *http.Request) string {
	if tid := middleware.TenantFrom(r.Context()); tid != "" {
		return tid
	}
	if tid := r.Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *APIServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Status())
}
