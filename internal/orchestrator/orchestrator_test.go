package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/metrics"
	"github.com/atp/router/pb"
)

func newTestOrchestrator() *Orchestrator {
	return New(metrics.NewRegistry())
}

func TestCreateSessionAndStatus(t *testing.T) {
	o := newTestOrchestrator()

	sessionID := o.CreateSession("summarize the report")
	assert.Contains(t, sessionID, "orch_")

	status, err := o.SessionStatus(sessionID)
	require.NoError(t, err)
	assert.Equal(t, "idle", status["state"])
	assert.Empty(t, status["sub_requests"])

	_, err = o.SessionStatus("orch_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAddSubRequestValidation(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("prompt")

	reqID, err := o.AddSubRequest(sessionID, "step one", "acme", nil, 0)
	require.NoError(t, err)
	assert.Contains(t, reqID, "req_")

	_, err = o.AddSubRequest("orch_missing", "step", "acme", nil, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, o.CancelSession(sessionID))
	_, err = o.AddSubRequest(sessionID, "too late", "acme", nil, 0)
	assert.ErrorIs(t, err, ErrSessionCompleted)
}

func TestStartSessionStates(t *testing.T) {
	o := newTestOrchestrator()

	// no ready requests: blocked on a dependency that does not exist yet
	blocked := o.CreateSession("prompt")
	_, err := o.AddSubRequest(blocked, "step", "acme", []string{"req_external"}, 0)
	require.NoError(t, err)
	require.NoError(t, o.StartSession(blocked))
	state, err := o.State(blocked)
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, state)

	// a dependency-free request makes the session executable immediately
	runnable := o.CreateSession("prompt")
	_, err = o.AddSubRequest(runnable, "step", "acme", nil, 0)
	require.NoError(t, err)
	require.NoError(t, o.StartSession(runnable))
	state, err = o.State(runnable)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, state)

	// starting twice is rejected
	err = o.StartSession(runnable)
	assert.ErrorIs(t, err, ErrSessionNotIdle)
}

func TestDependencyChainCompletes(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("three step chain")

	r1, err := o.AddSubRequest(sessionID, "first", "acme", nil, 0)
	require.NoError(t, err)
	r2, err := o.AddSubRequest(sessionID, "second", "acme", []string{r1}, 0)
	require.NoError(t, err)
	r3, err := o.AddSubRequest(sessionID, "third", "acme", []string{r2}, 0)
	require.NoError(t, err)

	require.NoError(t, o.StartSession(sessionID))

	ready, err := o.ReadyRequests(sessionID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, r1, ready[0].RequestID)

	require.NoError(t, o.CompleteSubRequest(sessionID, r1, map[string]interface{}{"out": 1}))
	ready, _ = o.ReadyRequests(sessionID)
	require.Len(t, ready, 1)
	assert.Equal(t, r2, ready[0].RequestID)

	require.NoError(t, o.CompleteSubRequest(sessionID, r2, nil))
	ready, _ = o.ReadyRequests(sessionID)
	require.Len(t, ready, 1)
	assert.Equal(t, r3, ready[0].RequestID)

	require.NoError(t, o.CompleteSubRequest(sessionID, r3, nil))
	state, _ := o.State(sessionID)
	assert.Equal(t, StateCompleted, state)

	result, err := o.SubRequestResult(sessionID, r1)
	require.NoError(t, err)
	assert.Equal(t, 1, result["out"])
}

func TestFailureBlocksDownstream(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("chain with failure")

	r1, _ := o.AddSubRequest(sessionID, "first", "acme", nil, 0)
	r2, _ := o.AddSubRequest(sessionID, "second", "acme", []string{r1}, 0)
	r3, _ := o.AddSubRequest(sessionID, "third", "acme", []string{r2}, 0)

	require.NoError(t, o.StartSession(sessionID))
	require.NoError(t, o.CompleteSubRequest(sessionID, r1, nil))
	require.NoError(t, o.FailSubRequest(sessionID, r2, "adapter exploded"))

	state, _ := o.State(sessionID)
	assert.Equal(t, StateFailed, state)

	status, _ := o.SessionStatus(sessionID)
	assert.Equal(t, "1 sub-request(s) failed", status["error"])

	// the downstream request stays pending and never becomes ready
	subs := status["sub_requests"].(map[string]interface{})
	assert.Equal(t, SubPending, subs[r3].(map[string]interface{})["status"])
}

func TestIndependentBranchSurvivesFailure(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("parallel branches")

	r1, _ := o.AddSubRequest(sessionID, "left", "acme", nil, 0)
	r2, _ := o.AddSubRequest(sessionID, "right", "acme", nil, 0)

	require.NoError(t, o.StartSession(sessionID))
	require.NoError(t, o.FailSubRequest(sessionID, r1, "boom"))

	// the other branch is still ready; the session keeps executing
	state, _ := o.State(sessionID)
	assert.Equal(t, StateExecuting, state)

	require.NoError(t, o.CompleteSubRequest(sessionID, r2, nil))
	state, _ = o.State(sessionID)
	assert.Equal(t, StateFailed, state)
}

func TestCompleteIsIdempotent(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("prompt")
	r1, _ := o.AddSubRequest(sessionID, "step", "acme", nil, 0)
	require.NoError(t, o.StartSession(sessionID))

	require.NoError(t, o.CompleteSubRequest(sessionID, r1, map[string]interface{}{"v": "first"}))
	require.NoError(t, o.CompleteSubRequest(sessionID, r1, map[string]interface{}{"v": "second"}))

	result, err := o.SubRequestResult(sessionID, r1)
	require.NoError(t, err)
	assert.Equal(t, "first", result["v"])
}

func TestUnknownRequestErrors(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("prompt")

	err := o.CompleteSubRequest(sessionID, "req_missing", nil)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	err = o.FailSubRequest("orch_missing", "req_missing", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelSessionIsTerminal(t *testing.T) {
	o := newTestOrchestrator()
	sessionID := o.CreateSession("prompt")
	r1, _ := o.AddSubRequest(sessionID, "step", "acme", nil, 0)
	require.NoError(t, o.StartSession(sessionID))

	require.NoError(t, o.CancelSession(sessionID))
	require.NoError(t, o.CancelSession(sessionID)) // idempotent

	// completion after cancellation is a no-op
	require.NoError(t, o.CompleteSubRequest(sessionID, r1, nil))
	state, _ := o.State(sessionID)
	assert.Equal(t, StateCancelled, state)

	ready, err := o.ReadyRequests(sessionID)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func textChunks(parts ...string) []*pb.StreamChunk {
	chunks := make([]*pb.StreamChunk, 0, len(parts))
	for i, p := range parts {
		chunks = append(chunks, &pb.StreamChunk{
			Type:        pb.ChunkTypeText,
			ContentJson: pb.TextEnvelope(p),
			Confidence:  0.9,
			More:        i < len(parts)-1,
		})
	}
	return chunks
}

func TestDispatcherRunsChain(t *testing.T) {
	o := newTestOrchestrator()
	mock := &pb.MockAdapterClient{Chunks: textChunks("hello ", "world")}
	d := NewDispatcher(o, func(name string) (pb.AdapterServiceClient, error) {
		return mock, nil
	}, 2)

	sessionID := o.CreateSession("chain")
	r1, _ := o.AddSubRequest(sessionID, "first", "acme", nil, time.Second)
	r2, _ := o.AddSubRequest(sessionID, "second", "acme", []string{r1}, time.Second)
	require.NoError(t, o.StartSession(sessionID))

	state, err := d.RunSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 2, mock.StreamCalls)

	result, err := o.SubRequestResult(sessionID, r2)
	require.NoError(t, err)
	assert.Equal(t, "hello world", result["response"])
	assert.Equal(t, 2, result["chunks"])
}

func TestDispatcherParallelBranches(t *testing.T) {
	o := newTestOrchestrator()
	mock := &pb.MockAdapterClient{Chunks: textChunks("ok")}
	d := NewDispatcher(o, func(name string) (pb.AdapterServiceClient, error) {
		return mock, nil
	}, 4)

	sessionID := o.CreateSession("fan out")
	for i := 0; i < 5; i++ {
		_, err := o.AddSubRequest(sessionID, "branch", "acme", nil, time.Second)
		require.NoError(t, err)
	}
	require.NoError(t, o.StartSession(sessionID))

	state, err := d.RunSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 5, mock.StreamCalls)
}

func TestDispatcherAdapterErrorFailsSession(t *testing.T) {
	o := newTestOrchestrator()
	mock := &pb.MockAdapterClient{Chunks: []*pb.StreamChunk{
		{Type: pb.ChunkTypeError, ContentJson: `{"error":"model unavailable"}`},
	}}
	d := NewDispatcher(o, func(name string) (pb.AdapterServiceClient, error) {
		return mock, nil
	}, 1)

	sessionID := o.CreateSession("doomed")
	r1, _ := o.AddSubRequest(sessionID, "step", "acme", nil, time.Second)
	require.NoError(t, o.StartSession(sessionID))

	state, err := d.RunSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	// one initial attempt plus the configured retries
	assert.Equal(t, 1+defaultMaxRetries, mock.StreamCalls)

	status, _ := o.SessionStatus(sessionID)
	subs := status["sub_requests"].(map[string]interface{})
	assert.Contains(t, subs[r1].(map[string]interface{})["error"], "model unavailable")
}

func TestDispatcherResolveError(t *testing.T) {
	o := newTestOrchestrator()
	d := NewDispatcher(o, func(name string) (pb.AdapterServiceClient, error) {
		return nil, errors.New("no such adapter")
	}, 1)

	sessionID := o.CreateSession("prompt")
	_, err := o.AddSubRequest(sessionID, "step", "ghost", nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, o.StartSession(sessionID))

	state, err := d.RunSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestDispatcherStalledSession(t *testing.T) {
	o := newTestOrchestrator()
	d := NewDispatcher(o, func(name string) (pb.AdapterServiceClient, error) {
		return &pb.MockAdapterClient{}, nil
	}, 1)

	sessionID := o.CreateSession("external dependency")
	_, err := o.AddSubRequest(sessionID, "step", "acme", []string{"req_outside"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, o.StartSession(sessionID))

	_, err = d.RunSession(context.Background(), sessionID)
	assert.ErrorIs(t, err, ErrSessionStalled)
}

func TestDispatcherCancelledContext(t *testing.T) {
	o := newTestOrchestrator()
	d := NewDispatcher(o, func(name string) (pb.AdapterServiceClient, error) {
		return &pb.MockAdapterClient{}, nil
	}, 1)

	sessionID := o.CreateSession("prompt")
	_, err := o.AddSubRequest(sessionID, "step", "acme", nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, o.StartSession(sessionID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := d.RunSession(ctx, sessionID)
	assert.Error(t, err)
	assert.Equal(t, StateCancelled, state)

	got, _ := o.State(sessionID)
	assert.Equal(t, StateCancelled, got)
}

func TestStreamerBroadcastNonBlocking(t *testing.T) {
	s := NewSessionStreamer()

	// no running hub and no clients: events must not block
	for i := 0; i < 300; i++ {
		s.StreamSessionState("orch_1", "executing", nil)
	}

	stats := s.Statistics()
	assert.Equal(t, 0, stats["connected_clients"])
	assert.Equal(t, 256, stats["broadcast_queue"])
}

func TestStreamerSlowClientDoesNotStallOthers(t *testing.T) {
	s := NewSessionStreamer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	fast := &streamClient{send: make(chan SessionEvent, clientSendBuffer)}
	slow := &streamClient{send: make(chan SessionEvent)} // full from the first event
	s.register <- fast
	s.register <- slow

	for i := 0; i < 5; i++ {
		s.StreamSessionState("orch_1", "executing", nil)
	}

	// every event reaches the fast client even though the slow one never reads
	for i := 0; i < 5; i++ {
		select {
		case event := <-fast.send:
			assert.Equal(t, "session_state", event.Type)
		case <-time.After(time.Second):
			t.Fatal("fast client starved by slow client")
		}
	}

	// the slow client was dropped, its send channel closed
	_, open := <-slow.send
	assert.False(t, open)

	s.mu.RLock()
	remaining := len(s.clients)
	s.mu.RUnlock()
	assert.Equal(t, 1, remaining)
}

func TestOrchestratorStats(t *testing.T) {
	o := newTestOrchestrator()
	a := o.CreateSession("one")
	_ = o.CreateSession("two")
	require.NoError(t, o.CancelSession(a))

	stats := o.Stats()
	assert.Equal(t, 2, stats["total_sessions"])
	byState := stats["sessions_by_state"].(map[string]int)
	assert.Equal(t, 1, byState["cancelled"])
	assert.Equal(t, 1, byState["idle"])
}
