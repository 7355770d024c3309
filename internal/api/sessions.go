package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/atp/router/internal/orchestrator"
)

type createSessionRequest struct {
	InitialPrompt string           `json:"initial_prompt"`
	SubRequests   []subRequestSpec `json:"sub_requests"`
}

type subRequestSpec struct {
	Prompt       string   `json:"prompt"`
	Adapter      string   `json:"adapter"`
	Dependencies []string `json:"dependencies"`
	TimeoutS     int      `json:"timeout_s"`
}

// handleCreateSession registers a session with its sub-request DAG. The
// session stays idle until /run.
func (s *APIServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	sessionID := s.router.Orch.CreateSession(body.InitialPrompt)
	requestIDs := make([]string, 0, len(body.SubRequests))
	for _, spec := range body.SubRequests {
		timeout := time.Duration(spec.TimeoutS) * time.Second
		reqID, err := s.router.Orch.AddSubRequest(sessionID, spec.Prompt, spec.Adapter, spec.Dependencies, timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "add sub-request: %v", err)
			return
		}
		requestIDs = append(requestIDs, reqID)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":  sessionID,
		"request_ids": requestIDs,
	})
}

func (s *APIServer) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	status, err := s.router.Orch.SessionStatus(sessionID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRunSession starts dispatching in the background; clients follow
// progress over the websocket or by polling status.
func (s *APIServer) handleRunSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if _, err := s.router.Orch.State(sessionID); err != nil {
		s.writeSessionError(w, err)
		return
	}

	go func() {
		state, err := s.router.Dispatcher.RunSession(context.Background(), sessionID)
		if err != nil {
			s.logger.Printf("session %s finished with error (state=%s): %v", sessionID, state, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     "dispatching",
	})
}

func (s *APIServer) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if err := s.router.Orch.CancelSession(sessionID); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     "cancelled",
	})
}

func (s *APIServer) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, orchestrator.ErrSessionCompleted):
		writeError(w, http.StatusConflict, "%v", err)
	default:
		writeError(w, http.StatusBadRequest, "%v", err)
	}
}
