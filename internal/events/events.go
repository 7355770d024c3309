// Package events surfaces structured rejection and speculative-sampling
// events to in-process subscribers, with an optional Pub/Sub mirror for
// durable cross-service delivery.
package events

import (
	"encoding/json"
	"time"
)

// RejectionReason classifies why a request was refused.
type RejectionReason string

const (
	ReasonInputValidation   RejectionReason = "input_validation"
	ReasonReplayDetected    RejectionReason = "replay_detected"
	ReasonPolicyViolation   RejectionReason = "policy_violation"
	ReasonResourceExhausted RejectionReason = "resource_exhausted"
	ReasonAuthFailed        RejectionReason = "authentication_failed"
	ReasonRateLimitExceeded RejectionReason = "rate_limit_exceeded"
	ReasonSchemaMismatch    RejectionReason = "schema_mismatch"
	ReasonMalformedRequest  RejectionReason = "malformed_request"
)

// SpeculativeEventType classifies speculative-sampling lifecycle events.
type SpeculativeEventType string

const (
	SpeculationAttempted SpeculativeEventType = "speculation_attempted"
	SpeculationAccepted  SpeculativeEventType = "speculation_accepted"
	SpeculationRejected  SpeculativeEventType = "speculation_rejected"
	EarlyTermination     SpeculativeEventType = "early_termination"
	LatencySaved         SpeculativeEventType = "latency_saved"
)

// RejectionEvent records a single admission refusal.
type RejectionEvent struct {
	Reason    RejectionReason        `json:"reason"`
	Component string                 `json:"component"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// SpeculativeEvent records a speculative-sampling outcome.
type SpeculativeEvent struct {
	Type            SpeculativeEventType   `json:"speculative_type"`
	ModelName       string                 `json:"model_name"`
	LatencySavedMs  float64                `json:"latency_saved_ms,omitempty"`
	ConfidenceScore float64                `json:"confidence_score,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Envelope is the generic wire form delivered to subscribers and to the
// Pub/Sub mirror. Kind is "rejection" or "speculative".
type Envelope struct {
	Kind      string                 `json:"event_type"`
	ID        string                 `json:"id"`
	Time      time.Time              `json:"time"`
	Data      map[string]interface{} `json:"data"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func (e RejectionEvent) toData() map[string]interface{} {
	return map[string]interface{}{
		"reason":     string(e.Reason),
		"component":  e.Component,
		"request_id": e.RequestID,
		"details":    e.Details,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	}
}

func (e SpeculativeEvent) toData() map[string]interface{} {
	return map[string]interface{}{
		"speculative_type": string(e.Type),
		"model_name":       e.ModelName,
		"latency_saved_ms": e.LatencySavedMs,
		"confidence_score": e.ConfidenceScore,
		"request_id":       e.RequestID,
		"details":          e.Details,
		"timestamp":        e.Timestamp.Format(time.RFC3339Nano),
	}
}
