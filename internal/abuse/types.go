// Package abuse guards the request path against loops, floods, and
// anomalous traffic: a loop detector, a progressive rate limiter, an anomaly
// scorer, and per-entity circuit breakers composed behind one check.
package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// BlockReason classifies why a request was denied.
type BlockReason string

const (
	BlockRequestLoop        BlockReason = "request_loop"
	BlockRateLimitExceeded  BlockReason = "rate_limit_exceeded"
	BlockAnomalousBehavior  BlockReason = "anomalous_behavior"
	BlockDepthExceeded      BlockReason = "recursive_depth_exceeded"
	BlockSuspiciousPattern  BlockReason = "suspicious_pattern"
	BlockDDoSProtection     BlockReason = "ddos_protection"
	BlockCircuitBreakerOpen BlockReason = "circuit_breaker_open"
)

// ThreatLevel grades an abuse event.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Signature is the value-typed identity of a request for loop detection:
// two requests are "the same" iff their signatures are equal.
type Signature struct {
	ContentHash string
	Endpoint    string
	Method      string
	TenantID    string
	UserID      string
}

// HashContent computes the truncated content fingerprint used in signatures.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// RequestContext carries the tracked attributes of one in-flight request.
type RequestContext struct {
	RequestID       string
	Signature       Signature
	Timestamp       time.Time
	ParentRequestID string
	Depth           int
	SourceIP        string
	UserAgent       string
}

// Event is a recorded abuse detection.
type Event struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	TenantID    string                 `json:"tenant_id"`
	UserID      string                 `json:"user_id,omitempty"`
	SourceIP    string                 `json:"source_ip,omitempty"`
	BlockReason BlockReason            `json:"block_reason"`
	ThreatLevel ThreatLevel            `json:"threat_level"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ActionTaken string                 `json:"action_taken"`
}

func entityKey(tenantID, userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return tenantID + ":" + userID
}
