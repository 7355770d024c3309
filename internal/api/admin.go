package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/atp/router/internal/registry"
)

func (s *APIServer) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Registry.Providers.List())
}

func (s *APIServer) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p registry.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider: %v", err)
		return
	}
	created, err := s.router.Registry.Providers.Create(&p)
	if err != nil {
		writeError(w, http.StatusBadRequest, "create provider: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *APIServer) handleListModels(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") == "shadow" {
		writeJSON(w, http.StatusOK, s.router.Registry.ShadowView())
		return
	}
	writeJSON(w, http.StatusOK, s.router.Registry.Models.List())
}

func (s *APIServer) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m registry.Model
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid model: %v", err)
		return
	}
	created, err := s.router.Registry.Models.Create(&m)
	if err != nil {
		writeError(w, http.StatusBadRequest, "create model: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *APIServer) handlePromoteModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.Registry.PromoteShadowModel(name) {
		writeError(w, http.StatusNotFound, "no shadow model named %q", name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": name, "status": "active"})
}

func (s *APIServer) handleDemoteModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.Registry.DemoteToShadow(name) {
		writeError(w, http.StatusNotFound, "no active model named %q", name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": name, "status": "shadow"})
}

func (s *APIServer) handleAbuseEvents(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window_s"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			window = time.Duration(secs) * time.Second
		}
	}
	events := s.router.Abuse.GetAbuseEvents(getTenantID(r), window)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *APIServer) handleAbuseReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	s.router.Abuse.ResetEntity(getTenantID(r), body.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *APIServer) handleImprovementRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TriggerReason string `json:"trigger_reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if body.TriggerReason == "" {
		body.TriggerReason = "manual"
	}

	exec := s.router.Improvement.Execute(r.Context(), body.TriggerReason)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": exec.ExecutionID,
		"status":       exec.Status,
	})
}

func (s *APIServer) handleImprovementStatus(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["execution_id"]
	exec, ok := s.router.Improvement.ExecutionStatus(executionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no execution %q", executionID)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *APIServer) handleErrorBudgetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ErrorBudget.BudgetStatus())
}

func (s *APIServer) handleErrorBudgetGates(w http.ResponseWriter, r *http.Request) {
	report := s.router.ErrorBudget.EnforceBudgetGates()
	status := http.StatusOK
	if !report.Passed {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}
