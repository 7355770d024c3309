// Package replay implements the anti-replay nonce guard: a bounded
// (nonce, seen-at) set with TTL, plus a Redis-backed variant for
// multi-replica deployments.
package replay

import (
	"log"
	"sync"
	"time"

	"github.com/atp/router/internal/events"
	"github.com/atp/router/internal/metrics"
)

// Guard is the interface consumed by the admission pipeline.
type Guard interface {
	// CheckAndStore returns true and records the nonce iff it has not been
	// seen within the TTL. A false return means replay.
	CheckAndStore(nonce string, now time.Time) bool
}

// NonceStore is the in-memory guard. Fixed capacity with FIFO eviction;
// entries expire after the TTL. Safe for concurrent use.
type NonceStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []string
	ttl     time.Duration
	cap     int
	emitter events.Emitter
	metrics *metrics.Registry
	logger  *log.Logger
}

// NewNonceStore creates a guard with the given capacity and TTL. The emitter
// and registry may be nil (tests).
func NewNonceStore(capacity int, ttl time.Duration, emitter events.Emitter, reg *metrics.Registry) *NonceStore {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NonceStore{
		seen:    make(map[string]time.Time, capacity),
		order:   make([]string, 0, capacity),
		ttl:     ttl,
		cap:     capacity,
		emitter: emitter,
		metrics: reg,
		logger:  log.New(log.Writer(), "[REPLAY] ", log.LstdFlags),
	}
}

// CheckAndStore implements Guard. Amortized O(1): each call prunes expired
// entries from the front of the insertion queue and evicts past capacity.
func (ns *NonceStore) CheckAndStore(nonce string, now time.Time) bool {
	ns.mu.Lock()
	ns.prune(now)

	if seenAt, ok := ns.seen[nonce]; ok && now.Sub(seenAt) < ns.ttl {
		ns.mu.Unlock()
		ns.reject(nonce)
		return false
	}

	if len(ns.order) >= ns.cap {
		oldest := ns.order[0]
		ns.order = ns.order[1:]
		delete(ns.seen, oldest)
	}

	ns.seen[nonce] = now
	ns.order = append(ns.order, nonce)
	ns.mu.Unlock()
	return true
}

// prune drops expired entries. Insertion order is time order, so scanning
// from the front suffices.
func (ns *NonceStore) prune(now time.Time) {
	for len(ns.order) > 0 {
		front := ns.order[0]
		seenAt, ok := ns.seen[front]
		if ok && now.Sub(seenAt) < ns.ttl {
			break
		}
		ns.order = ns.order[1:]
		delete(ns.seen, front)
	}
}

func (ns *NonceStore) reject(nonce string) {
	if ns.metrics != nil {
		ns.metrics.IncCounter("replay_reject_total", nil)
	}
	if ns.emitter != nil {
		ns.emitter.EmitRejection(events.RejectionEvent{
			Reason:    events.ReasonReplayDetected,
			Component: "replay_guard",
			Details:   map[string]interface{}{"nonce_len": len(nonce)},
		})
	}
}

// Len returns the current number of tracked nonces.
func (ns *NonceStore) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.seen)
}

// Stats summarizes the store for the ops endpoint.
func (ns *NonceStore) Stats() map[string]interface{} {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return map[string]interface{}{
		"tracked":  len(ns.seen),
		"capacity": ns.cap,
		"ttl_s":    ns.ttl.Seconds(),
	}
}

var _ Guard = (*NonceStore)(nil)
