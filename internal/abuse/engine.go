package abuse

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atp/router/internal/circuitbreaker"
	"github.com/atp/router/internal/metrics"
)

// eventRetention is how long recorded abuse events are kept.
const eventRetention = 30 * 24 * time.Hour

// cleanupInterval is the cadence of the background sweeper.
const cleanupInterval = 300 * time.Second

// entityBanDuration is the temporary ban applied on a critical anomaly.
const entityBanDuration = 10 * time.Minute

// CheckParams carries everything the composed check needs about a request.
type CheckParams struct {
	RequestID       string
	TenantID        string
	Endpoint        string
	Method          string
	Content         string
	UserID          string
	SourceIP        string
	UserAgent       string
	ParentRequestID string
	Depth           int
}

// Decision is the outcome of CheckRequest.
type Decision struct {
	Allowed bool
	Reason  BlockReason
	Message string
}

// Engine composes the loop detector, progressive limiter, anomaly scorer,
// and per-entity circuit breakers behind one check.
type Engine struct {
	Loops    *LoopDetector
	Limiter  *ProgressiveLimiter
	Anomaly  *AnomalyDetector
	Breakers *circuitbreaker.Manager

	mu              sync.Mutex
	events          []Event
	blockedEntities map[string]time.Time

	metrics *metrics.Registry
	logger  *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func NewEngine(reg *metrics.Registry) *Engine {
	return &Engine{
		Loops:           NewLoopDetector(0, 0, reg),
		Limiter:         NewProgressiveLimiter(reg),
		Anomaly:         NewAnomalyDetector(),
		Breakers:        circuitbreaker.NewManager(nil),
		blockedEntities: make(map[string]time.Time),
		metrics:         reg,
		logger:          log.New(log.Writer(), "[ABUSE] ", log.LstdFlags),
		stop:            make(chan struct{}),
	}
}

// Start launches the background sweeper.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Loops.CleanupOldHistory()
				e.cleanupOldEvents()
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// CheckRequest runs the composed check: entity ban, rate limit, loop
// detection, anomaly scoring, then circuit-breaker state.
func (e *Engine) CheckRequest(p CheckParams) Decision {
	reqCtx := &RequestContext{
		RequestID: p.RequestID,
		Signature: Signature{
			ContentHash: HashContent(p.Content),
			Endpoint:    p.Endpoint,
			Method:      p.Method,
			TenantID:    p.TenantID,
			UserID:      p.UserID,
		},
		Timestamp:       time.Now(),
		ParentRequestID: p.ParentRequestID,
		Depth:           p.Depth,
		SourceIP:        p.SourceIP,
		UserAgent:       p.UserAgent,
	}

	key := entityKey(p.TenantID, p.UserID)
	e.mu.Lock()
	if until, ok := e.blockedEntities[key]; ok {
		if time.Now().Before(until) {
			e.mu.Unlock()
			return Decision{Allowed: false, Reason: BlockSuspiciousPattern, Message: "entity temporarily blocked"}
		}
		delete(e.blockedEntities, key)
	}
	e.mu.Unlock()

	if allowed, reason, wait := e.Limiter.IsAllowed(p.TenantID, p.UserID, p.Endpoint); !allowed {
		e.recordEvent(p, BlockRateLimitExceeded, ThreatMedium, map[string]interface{}{
			"reason":    reason,
			"wait_time": wait.Seconds(),
			"endpoint":  p.Endpoint,
		})
		return Decision{Allowed: false, Reason: BlockRateLimitExceeded, Message: "rate limit exceeded: " + reason}
	}

	if allowed, loopReason := e.Loops.StartRequest(reqCtx); !allowed {
		e.recordEvent(p, BlockRequestLoop, ThreatHigh, map[string]interface{}{
			"reason":   loopReason,
			"depth":    p.Depth,
			"endpoint": p.Endpoint,
		})
		return Decision{Allowed: false, Reason: BlockRequestLoop, Message: loopReason}
	}

	if anomalous, score, anomalyReason := e.Anomaly.AnalyzeRequest(reqCtx); anomalous {
		threat := ThreatHigh
		if score > banThreshold {
			threat = ThreatCritical
			e.mu.Lock()
			e.blockedEntities[key] = time.Now().Add(entityBanDuration)
			e.mu.Unlock()
		}
		e.recordEvent(p, BlockAnomalousBehavior, threat, map[string]interface{}{
			"anomaly_score": score,
			"reason":        anomalyReason,
			"endpoint":      p.Endpoint,
		})
		if score > banThreshold {
			return Decision{Allowed: false, Reason: BlockAnomalousBehavior, Message: "anomalous behavior detected: " + anomalyReason}
		}
	}

	if e.Breakers.ForEntity(p.TenantID, p.Endpoint).State() == circuitbreaker.StateOpen {
		return Decision{Allowed: false, Reason: BlockCircuitBreakerOpen, Message: "circuit breaker is open"}
	}

	return Decision{Allowed: true, Message: "request allowed"}
}

// EndRequest releases active-request tracking and reports the outcome to
// the entity's circuit breaker.
func (e *Engine) EndRequest(requestID string, success bool) {
	ctx := e.Loops.EndRequest(requestID)
	if ctx == nil {
		return
	}
	cb := e.Breakers.ForEntity(ctx.Signature.TenantID, ctx.Signature.Endpoint)
	if success {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
}

func (e *Engine) recordEvent(p CheckParams, reason BlockReason, threat ThreatLevel, details map[string]interface{}) {
	action := "logged"
	if threat == ThreatHigh || threat == ThreatCritical {
		action = "blocked"
	}
	event := Event{
		EventID:     uuid.NewString(),
		Timestamp:   time.Now(),
		TenantID:    p.TenantID,
		UserID:      p.UserID,
		SourceIP:    p.SourceIP,
		BlockReason: reason,
		ThreatLevel: threat,
		Details:     details,
		ActionTaken: action,
	}

	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncCounter("abuse_blocks_total", map[string]string{"block_reason": string(reason)})
	}
	e.logger.Printf("abuse event: tenant=%s reason=%s threat=%s action=%s", p.TenantID, reason, threat, action)
}

func (e *Engine) cleanupOldEvents() {
	cutoff := time.Now().Add(-eventRetention)
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.events[:0]
	for _, ev := range e.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	e.events = kept
}

// GetAbuseEvents returns events from the trailing window, optionally
// filtered by tenant.
func (e *Engine) GetAbuseEvents(tenantID string, window time.Duration) []Event {
	cutoff := time.Now().Add(-window)
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if !ev.Timestamp.After(cutoff) {
			continue
		}
		if tenantID != "" && ev.TenantID != tenantID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// ResetEntity clears abuse tracking for a (tenant, user) pair.
func (e *Engine) ResetEntity(tenantID, userID string) {
	key := entityKey(tenantID, userID)
	e.mu.Lock()
	delete(e.blockedEntities, key)
	e.mu.Unlock()

	e.Limiter.ResetViolations(tenantID, userID, "default")
	e.Anomaly.ResetTenant(tenantID)
	e.logger.Printf("reset abuse tracking for %s", key)
}

// SystemStatus reports a snapshot of all subsystems.
func (e *Engine) SystemStatus() map[string]interface{} {
	e.mu.Lock()
	blocked := len(e.blockedEntities)
	recent := 0
	cutoff := time.Now().Add(-time.Hour)
	for _, ev := range e.events {
		if ev.Timestamp.After(cutoff) {
			recent++
		}
	}
	e.mu.Unlock()

	breakerStates := make(map[string]interface{})
	for name, stat := range e.Breakers.Stats() {
		breakerStates[name] = map[string]interface{}{
			"state":         stat.State.String(),
			"failure_count": stat.Counts.TotalFailures,
		}
	}

	return map[string]interface{}{
		"active_requests":     e.Loops.ActiveCount(),
		"circuit_breakers":    breakerStates,
		"blocked_entities":    blocked,
		"recent_abuse_events": recent,
		"anomaly_scores":      e.Anomaly.Scores(),
	}
}
