// Package orchestrator manages multi-step reasoning sessions: a DAG of
// sub-requests with dependency-driven readiness. The orchestrator never
// invokes adapters itself; a dispatcher pulls the ready set, submits each
// sub-request, and reports completion back.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atp/router/internal/metrics"
)

// SessionState is the lifecycle state of an orchestration session.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateInitializing SessionState = "initializing"
	StateExecuting    SessionState = "executing"
	StateWaiting      SessionState = "waiting"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
	StateCancelled    SessionState = "cancelled"
)

// Sub-request statuses.
const (
	SubPending   = "pending"
	SubRunning   = "running"
	SubCompleted = "completed"
	SubFailed    = "failed"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrRequestNotFound  = errors.New("sub-request not found")
	ErrSessionCompleted = errors.New("session already completed")
	ErrSessionNotIdle   = errors.New("session not in idle state")
)

// DefaultSubRequestTimeout applies when add omits a timeout.
const DefaultSubRequestTimeout = 30 * time.Second

const defaultMaxRetries = 3

// SubRequest is one node of the session DAG.
type SubRequest struct {
	RequestID    string
	Prompt       string
	AdapterName  string
	Dependencies []string
	Timeout      time.Duration
	RetryCount   int
	MaxRetries   int
	Status       string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	Result       map[string]interface{}
	Error        string
}

// Duration returns the execution duration, or zero while incomplete.
func (r *SubRequest) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

func (r *SubRequest) clone() *SubRequest {
	c := *r
	c.Dependencies = append([]string(nil), r.Dependencies...)
	if r.Result != nil {
		c.Result = make(map[string]interface{}, len(r.Result))
		for k, v := range r.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// Session owns the DAG of sub-requests for one reasoning workflow.
type Session struct {
	SessionID      string
	InitialPrompt  string
	State          SessionState
	SubRequests    map[string]*SubRequest
	ExecutionOrder []string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	Error          string
}

// Active reports whether the session is still making progress.
func (s *Session) Active() bool {
	switch s.State {
	case StateInitializing, StateExecuting, StateWaiting:
		return true
	}
	return false
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// readyLocked returns the pending sub-requests whose dependencies all exist
// in the session and are completed. Unknown dependency ids are never
// satisfied.
func (s *Session) readyLocked() []*SubRequest {
	var ready []*SubRequest
	for _, id := range s.ExecutionOrder {
		req := s.SubRequests[id]
		if req.Status != SubPending {
			continue
		}
		satisfied := true
		for _, depID := range req.Dependencies {
			dep, ok := s.SubRequests[depID]
			if !ok || dep.Status != SubCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, req)
		}
	}
	return ready
}

func (s *Session) countLocked(status string) int {
	n := 0
	for _, req := range s.SubRequests {
		if req.Status == status {
			n++
		}
	}
	return n
}


var sessionDurationBuckets = []float64{1, 5, 10, 30, 60, 300}
var subRequestDurationBuckets = []float64{0.1, 0.5, 1, 5, 10, 30}
var subRequestsPerSessionBuckets = []float64{1, 2, 3, 5, 10, 20}

// Orchestrator tracks sessions and applies the DAG execution rules.
type Orchestrator struct {
	mu       sync.Mutex
	sessions map[string]*Session

	streamer *SessionStreamer
	metrics  *metrics.Registry
	logger   *log.Logger
}

func New(reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		sessions: make(map[string]*Session),
		metrics:  reg,
		logger:   log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

// SetStreamer attaches a websocket streamer for live session updates.
func (o *Orchestrator) SetStreamer(s *SessionStreamer) {
	o.mu.Lock()
	o.streamer = s
	o.mu.Unlock()
}

func shortID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateSession registers a new idle session and returns its id.
func (o *Orchestrator) CreateSession(initialPrompt string) string {
	session := &Session{
		SessionID:     shortID("orch"),
		InitialPrompt: initialPrompt,
		State:         StateIdle,
		SubRequests:   make(map[string]*SubRequest),
		CreatedAt:     time.Now(),
	}

	o.mu.Lock()
	o.sessions[session.SessionID] = session
	streamer := o.streamer
	o.mu.Unlock()

	o.count("atp_orchestrator_sessions_created_total")
	o.gaugeActiveSessions()
	o.logger.Printf("created session %s", session.SessionID)
	if streamer != nil {
		streamer.StreamSessionState(session.SessionID, string(StateIdle), nil)
	}
	return session.SessionID
}

// AddSubRequest appends a sub-request to a session's DAG.
func (o *Orchestrator) AddSubRequest(sessionID, prompt, adapterName string, dependencies []string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultSubRequestTimeout
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Terminal() {
		return "", fmt.Errorf("%w: %s", ErrSessionCompleted, sessionID)
	}

	req := &SubRequest{
		RequestID:    shortID("req"),
		Prompt:       prompt,
		AdapterName:  adapterName,
		Dependencies: append([]string(nil), dependencies...),
		Timeout:      timeout,
		MaxRetries:   defaultMaxRetries,
		Status:       SubPending,
		CreatedAt:    time.Now(),
	}
	session.SubRequests[req.RequestID] = req
	session.ExecutionOrder = append(session.ExecutionOrder, req.RequestID)

	o.count("atp_orchestrator_sub_requests_created_total")
	o.logger.Printf("added sub-request %s to session %s (adapter=%s deps=%d)",
		req.RequestID, sessionID, adapterName, len(req.Dependencies))
	if o.streamer != nil {
		o.streamer.StreamSubRequestAdded(sessionID, req.RequestID, adapterName, req.Dependencies)
	}
	return req.RequestID, nil
}

// StartSession moves an idle session to EXECUTING when ready requests exist,
// otherwise INITIALIZING.
func (o *Orchestrator) StartSession(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State != StateIdle {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotIdle, sessionID, session.State)
	}

	session.State = StateInitializing
	session.StartedAt = time.Now()

	ready := session.readyLocked()
	if len(ready) > 0 {
		session.State = StateExecuting
		o.logger.Printf("started session %s with %d initial requests", sessionID, len(ready))
	} else {
		o.logger.Printf("no ready requests for session %s", sessionID)
	}
	if o.streamer != nil {
		o.streamer.StreamSessionState(sessionID, string(session.State), map[string]interface{}{
			"ready_requests": len(ready),
		})
	}
	return nil
}

// MarkRunning transitions a pending sub-request to running. The dispatcher
// calls this when it submits the request to an adapter.
func (o *Orchestrator) MarkRunning(sessionID, requestID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, _, err := o.lookupLocked(sessionID, requestID)
	if err != nil {
		return err
	}
	if req.Status != SubPending {
		return nil
	}
	req.Status = SubRunning
	req.StartedAt = time.Now()
	if o.streamer != nil {
		o.streamer.StreamSubRequestUpdated(sessionID, requestID, SubRunning, nil)
	}
	return nil
}

// CompleteSubRequest records a sub-request result and re-evaluates the
// session. Completing an already-terminal sub-request is a no-op.
func (o *Orchestrator) CompleteSubRequest(sessionID, requestID string, result map[string]interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, session, err := o.lookupLocked(sessionID, requestID)
	if err != nil {
		return err
	}
	if req.Status == SubCompleted || req.Status == SubFailed {
		o.logger.Printf("sub-request %s already %s", requestID, req.Status)
		return nil
	}
	if session.State == StateCancelled {
		return nil
	}

	req.Status = SubCompleted
	req.CompletedAt = time.Now()
	req.Result = result

	o.count("atp_orchestrator_sub_requests_completed_total")
	if d := req.Duration(); d > 0 && o.metrics != nil {
		o.metrics.ObserveWithBuckets("atp_orchestrator_sub_request_duration_seconds",
			d.Seconds(), nil, subRequestDurationBuckets)
	}
	o.logger.Printf("completed sub-request %s in session %s", requestID, sessionID)
	if o.streamer != nil {
		o.streamer.StreamSubRequestUpdated(sessionID, requestID, SubCompleted, nil)
	}

	o.checkCompletionLocked(session)
	return nil
}

// FailSubRequest records a sub-request failure and re-evaluates the session.
func (o *Orchestrator) FailSubRequest(sessionID, requestID, errorMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, session, err := o.lookupLocked(sessionID, requestID)
	if err != nil {
		return err
	}
	if req.Status == SubCompleted || req.Status == SubFailed {
		o.logger.Printf("sub-request %s already %s", requestID, req.Status)
		return nil
	}
	if session.State == StateCancelled {
		return nil
	}

	req.Status = SubFailed
	req.CompletedAt = time.Now()
	req.Error = errorMsg

	o.count("atp_orchestrator_sub_requests_failed_total")
	o.logger.Printf("failed sub-request %s in session %s: %s", requestID, sessionID, errorMsg)
	if o.streamer != nil {
		o.streamer.StreamSubRequestUpdated(sessionID, requestID, SubFailed, map[string]interface{}{
			"error": errorMsg,
		})
	}

	o.checkCompletionLocked(session)
	return nil
}

// CancelSession is terminal and idempotent. Completion callbacks for
// in-flight sub-requests become no-ops afterward.
func (o *Orchestrator) CancelSession(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Terminal() {
		return nil
	}

	session.State = StateCancelled
	session.CompletedAt = time.Now()
	o.logger.Printf("cancelled session %s", sessionID)
	if o.streamer != nil {
		o.streamer.StreamSessionState(sessionID, string(StateCancelled), nil)
	}
	return nil
}

// ReadyRequests returns copies of the session's ready sub-requests.
func (o *Orchestrator) ReadyRequests(sessionID string) ([]*SubRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State == StateCancelled {
		return nil, nil
	}
	ready := session.readyLocked()
	out := make([]*SubRequest, 0, len(ready))
	for _, req := range ready {
		out = append(out, req.clone())
	}
	return out, nil
}

// SessionStatus returns a snapshot of the session and its sub-requests.
func (o *Orchestrator) SessionStatus(sessionID string) (map[string]interface{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	subRequests := make(map[string]interface{}, len(session.SubRequests))
	for id, req := range session.SubRequests {
		subRequests[id] = map[string]interface{}{
			"status":       req.Status,
			"adapter_name": req.AdapterName,
			"dependencies": append([]string(nil), req.Dependencies...),
			"created_at":   req.CreatedAt,
			"started_at":   req.StartedAt,
			"completed_at": req.CompletedAt,
			"duration":     req.Duration().Seconds(),
			"error":        req.Error,
		}
	}

	status := map[string]interface{}{
		"session_id":   session.SessionID,
		"state":        string(session.State),
		"created_at":   session.CreatedAt,
		"started_at":   session.StartedAt,
		"completed_at": session.CompletedAt,
		"error":        session.Error,
		"sub_requests": subRequests,
	}
	return status, nil
}

// State returns just the session's lifecycle state.
func (o *Orchestrator) State(sessionID string) (SessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.State, nil
}

// SubRequestResult returns a completed sub-request's result map.
func (o *Orchestrator) SubRequestResult(sessionID, requestID string) (map[string]interface{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, _, err := o.lookupLocked(sessionID, requestID)
	if err != nil {
		return nil, err
	}
	return req.clone().Result, nil
}

func (o *Orchestrator) lookupLocked(sessionID, requestID string) (*SubRequest, *Session, error) {
	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	req, ok := session.SubRequests[requestID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in session %s", ErrRequestNotFound, requestID, sessionID)
	}
	return req, session, nil
}

// checkCompletionLocked finalizes the session when no further progress is
// possible: either every sub-request reached a terminal status, or the
// remaining pending ones are blocked behind failed dependencies.
func (o *Orchestrator) checkCompletionLocked(session *Session) {
	if session.Terminal() {
		return
	}
	if session.countLocked(SubRunning) > 0 {
		return
	}
	failed := session.countLocked(SubFailed)
	if session.countLocked(SubPending) > 0 {
		if failed == 0 || len(session.readyLocked()) > 0 {
			return
		}
		// failures blocked the rest of the DAG; nothing can ever run
	}

	session.CompletedAt = time.Now()
	if failed > 0 {
		session.State = StateFailed
		session.Error = fmt.Sprintf("%d sub-request(s) failed", failed)
		o.count("atp_orchestrator_sessions_failed_total")
	} else {
		session.State = StateCompleted
		o.count("atp_orchestrator_sessions_completed_total")
	}

	if o.metrics != nil {
		if !session.StartedAt.IsZero() {
			o.metrics.ObserveWithBuckets("atp_orchestrator_session_duration_seconds",
				session.CompletedAt.Sub(session.StartedAt).Seconds(), nil, sessionDurationBuckets)
		}
		o.metrics.ObserveWithBuckets("atp_orchestrator_sub_requests_per_session",
			float64(len(session.SubRequests)), nil, subRequestsPerSessionBuckets)
	}
	o.logger.Printf("session %s finished with state %s", session.SessionID, session.State)
	if o.streamer != nil {
		o.streamer.StreamSessionState(session.SessionID, string(session.State), map[string]interface{}{
			"error": session.Error,
		})
	}
	o.gaugeActiveSessionsLocked()
}

func (o *Orchestrator) count(name string) {
	if o.metrics != nil {
		o.metrics.IncCounter(name, nil)
	}
}

func (o *Orchestrator) gaugeActiveSessions() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gaugeActiveSessionsLocked()
}

func (o *Orchestrator) gaugeActiveSessionsLocked() {
	if o.metrics == nil {
		return
	}
	active := 0
	for _, s := range o.sessions {
		if !s.Terminal() {
			active++
		}
	}
	o.metrics.SetGauge("atp_orchestrator_active_sessions", float64(active), nil)
}

// Stats summarizes sessions by state.
func (o *Orchestrator) Stats() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	byState := make(map[string]int)
	for _, s := range o.sessions {
		byState[string(s.State)]++
	}
	return map[string]interface{}{
		"total_sessions":    len(o.sessions),
		"sessions_by_state": byState,
	}
}
