package pipeline

import (
	"sync"
	"time"
)

// backpressureHold is how long a session stays marked after an admission
// refusal.
const backpressureHold = 2 * time.Second

// Window caps a session's concurrent spend. Zero values disable the
// corresponding cap.
type Window struct {
	MaxParallel  int   `yaml:"max_parallel"`
	MaxTokens    int64 `yaml:"max_tokens"`
	MaxUSDMicros int64 `yaml:"max_usd_micros"`
}

type windowState struct {
	inflight         int
	tokens           int64
	usdMicros        int64
	lastBackpressure time.Time
}

// WindowTable tracks per-session in-flight work against a Window. Admit
// reserves an estimate; Ack releases it when the request settles either way.
type WindowTable struct {
	mu     sync.RWMutex
	states map[string]*windowState
}

func NewWindowTable() *WindowTable {
	return &WindowTable{states: make(map[string]*windowState)}
}

// Admit reserves (tokens, usdMicros) for key if every cap holds. A refusal
// reserves nothing.
func (t *WindowTable) Admit(key string, w Window, estTokens, estUSDMicros int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		st = &windowState{}
		t.states[key] = st
	}

	if w.MaxParallel > 0 && st.inflight >= w.MaxParallel {
		return false
	}
	if w.MaxTokens > 0 && st.tokens+estTokens > w.MaxTokens {
		return false
	}
	if w.MaxUSDMicros > 0 && st.usdMicros+estUSDMicros > w.MaxUSDMicros {
		return false
	}

	st.inflight++
	st.tokens += estTokens
	st.usdMicros += estUSDMicros
	return true
}

// Ack releases a prior reservation.
func (t *WindowTable) Ack(key string, estTokens, estUSDMicros int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		return
	}
	if st.inflight > 0 {
		st.inflight--
	}
	if st.tokens -= estTokens; st.tokens < 0 {
		st.tokens = 0
	}
	if st.usdMicros -= estUSDMicros; st.usdMicros < 0 {
		st.usdMicros = 0
	}
}

// MarkBackpressure stamps the session after a refused admission.
func (t *WindowTable) MarkBackpressure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[key]; ok {
		st.lastBackpressure = time.Now()
	}
}

// UnderPressure reports whether the session was refused within the hold
// window.
func (t *WindowTable) UnderPressure(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[key]
	if !ok {
		return false
	}
	return time.Since(st.lastBackpressure) < backpressureHold
}

// PruneIdle drops sessions with no in-flight work and no reserved spend.
func (t *WindowTable) PruneIdle() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pruned := 0
	for key, st := range t.states {
		if st.inflight == 0 && st.tokens == 0 && st.usdMicros == 0 &&
			time.Since(st.lastBackpressure) > backpressureHold {
			delete(t.states, key)
			pruned++
		}
	}
	return pruned
}
