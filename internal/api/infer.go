package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/atp/router/internal/events"
	"github.com/atp/router/internal/pipeline"
)

// inferRequest is the inbound JSON body for /api/v1/infer.
type inferRequest struct {
	RequestID      string                 `json:"request_id"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id"`
	Prompt         string                 `json:"prompt"`
	Model          string                 `json:"model"`
	Nonce          string                 `json:"nonce"`
	Stream         bool                   `json:"stream"`
	HasImages      bool                   `json:"has_images"`
	Depth          int                    `json:"depth"`
	ParentID       string                 `json:"parent_request_id"`
	SamplingParams map[string]interface{} `json:"sampling_params"`
}

type inferResponse struct {
	RequestID        string  `json:"request_id"`
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Text             string  `json:"text"`
	Chunks           int     `json:"chunks"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMS        float64 `json:"latency_ms"`
	DPBudgetExceeded bool    `json:"dp_budget_exceeded,omitempty"`
}

func (s *APIServer) handleInfer(w http.ResponseWriter, r *http.Request) {
	var body inferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		} else {
			clientIP = r.RemoteAddr
		}
	}

	req := pipeline.Request{
		RequestID:      body.RequestID,
		TenantID:       getTenantID(r),
		UserID:         body.UserID,
		SessionID:      body.SessionID,
		Prompt:         body.Prompt,
		RequestedModel: body.Model,
		Nonce:          body.Nonce,
		ClientIP:       clientIP,
		UserAgent:      r.UserAgent(),
		WantStreaming:  body.Stream,
		HasImages:      body.HasImages,
		Depth:          body.Depth,
		ParentID:       body.ParentID,
		SamplingParams: body.SamplingParams,
	}

	if body.Stream {
		s.streamInfer(w, r, req)
		return
	}

	resp, err := s.router.Pipeline.Process(r.Context(), req, nil)
	if err != nil {
		s.writeInferError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInferResponse(resp))
}

// streamInfer sends chunks as server-sent events, then a final "done" event
// with the response summary.
func (s *APIServer) streamInfer(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	started := false
	onChunk := func(c pipeline.Chunk) {
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"text":  c.Text,
			"final": c.Final,
			"error": c.Err,
		})
		w.Write([]byte("event: chunk\ndata: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	resp, err := s.router.Pipeline.Process(r.Context(), req, onChunk)
	if err != nil {
		if !started {
			s.writeInferError(w, err)
			return
		}
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		w.Write([]byte("event: error\ndata: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(toInferResponse(resp))
	w.Write([]byte("event: done\ndata: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

func toInferResponse(resp *pipeline.Response) inferResponse {
	return inferResponse{
		RequestID:        resp.RequestID,
		Model:            resp.Model,
		Provider:         resp.Provider,
		Text:             resp.Text,
		Chunks:           resp.Chunks,
		InputTokens:      resp.InputTokens,
		OutputTokens:     resp.OutputTokens,
		CostUSD:          resp.CostUSD,
		LatencyMS:        resp.LatencyMS,
		DPBudgetExceeded: resp.DPBudgetExceeded,
	}
}

// writeInferError maps admission rejections to HTTP status codes.
func (s *APIServer) writeInferError(w http.ResponseWriter, err error) {
	rej, ok := pipeline.AsRejection(err)
	if !ok {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}

	status := http.StatusForbidden
	switch rej.Reason {
	case events.ReasonRateLimitExceeded:
		status = http.StatusTooManyRequests
	case events.ReasonResourceExhausted:
		status = http.StatusTooManyRequests
	case events.ReasonInputValidation, events.ReasonMalformedRequest, events.ReasonSchemaMismatch:
		status = http.StatusBadRequest
	case events.ReasonReplayDetected:
		status = http.StatusConflict
	}

	if rej.RetryAfter > 0 {
		secs := int(rej.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, map[string]string{
		"error":  rej.Detail,
		"reason": string(rej.Reason),
	})
}
