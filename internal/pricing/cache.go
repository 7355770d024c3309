// Package pricing tracks per-model token pricing: a TTL cache with change
// detection, bounded price history, cost calculation and validation, and
// cross-provider cost optimization.
package pricing

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// changeThreshold is the relative delta at which a price movement counts as
// a change (1%).
const changeThreshold = 0.01

// historyLimit bounds the per-model change history.
const historyLimit = 100

// Pricing is USD per 1K tokens.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Change records a detected price movement on one token direction.
type Change struct {
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	Type           string    `json:"type"` // "input" or "output"
	PreviousPrice  float64   `json:"previous_price"`
	CurrentPrice   float64   `json:"current_price"`
	ChangePercent  float64   `json:"change_percent"`
	ChangeAbsolute float64   `json:"change_absolute"`
	DetectedAt     time.Time `json:"detected_at"`
}

// HistoryEntry is one point in a model's price history, written whenever a
// change is detected.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Pricing   Pricing   `json:"pricing"`
	Changes   []Change  `json:"changes"`
}

type cacheEntry struct {
	Pricing   Pricing
	Timestamp time.Time
	Provider  string
	Model     string
	Metadata  map[string]interface{}
	Changes   []Change
}

// Cache holds current pricing per (provider, model) with a TTL, and a longer
// lived change history capped at historyLimit entries.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	history map[string][]HistoryEntry
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		history: make(map[string][]HistoryEntry),
	}
}

func cacheKey(provider, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}

// Get returns the cached pricing if present and unexpired.
func (c *Cache) Get(provider, model string) (Pricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(provider, model)]
	if !ok || time.Since(e.Timestamp) > c.ttl {
		return Pricing{}, false
	}
	return e.Pricing, true
}

// Set stores pricing, detecting changes against the previous entry. Detected
// changes are returned and appended to the model's history.
func (c *Cache) Set(provider, model string, p Pricing, metadata map[string]interface{}) []Change {
	key := cacheKey(provider, model)

	c.mu.Lock()
	defer c.mu.Unlock()

	var changes []Change
	if prev, ok := c.entries[key]; ok {
		changes = detectChanges(provider, model, prev.Pricing, p)
	}

	c.entries[key] = &cacheEntry{
		Pricing:   p,
		Timestamp: time.Now(),
		Provider:  provider,
		Model:     model,
		Metadata:  metadata,
		Changes:   changes,
	}

	if len(changes) > 0 {
		h := append(c.history[key], HistoryEntry{
			Timestamp: time.Now(),
			Pricing:   p,
			Changes:   changes,
		})
		if len(h) > historyLimit {
			h = h[len(h)-historyLimit:]
		}
		c.history[key] = h
	}
	return changes
}

func detectChanges(provider, model string, prev, curr Pricing) []Change {
	var changes []Change
	for _, dir := range []struct {
		name       string
		prev, curr float64
	}{
		{"input", prev.Input, curr.Input},
		{"output", prev.Output, curr.Output},
	} {
		if dir.prev <= 0 {
			continue
		}
		pct := (dir.curr - dir.prev) / dir.prev * 100
		if math.Abs(pct) < changeThreshold*100 {
			continue
		}
		changes = append(changes, Change{
			Provider:       provider,
			Model:          model,
			Type:           dir.name,
			PreviousPrice:  dir.prev,
			CurrentPrice:   dir.curr,
			ChangePercent:  pct,
			ChangeAbsolute: dir.curr - dir.prev,
			DetectedAt:     time.Now(),
		})
	}
	return changes
}

// History returns the newest limit history entries for a model.
func (c *Cache) History(provider, model string, limit int) []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[cacheKey(provider, model)]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out
}

// Changes returns detected changes across all entries, optionally filtered
// by provider/model and a lower time bound.
func (c *Cache) Changes(provider, model string, since time.Time) []Change {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Change
	for _, e := range c.entries {
		if provider != "" && e.Provider != provider {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		for _, ch := range e.Changes {
			if !since.IsZero() && ch.DetectedAt.Before(since) {
				continue
			}
			out = append(out, ch)
		}
	}
	return out
}

// Stale returns (provider, model, age) triples for entries older than the
// threshold.
func (c *Cache) Stale(threshold time.Duration) []StaleEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []StaleEntry
	for _, e := range c.entries {
		if age := time.Since(e.Timestamp); age > threshold {
			out = append(out, StaleEntry{Provider: e.Provider, Model: e.Model, Age: age})
		}
	}
	return out
}

// StaleEntry identifies a pricing entry past its staleness threshold.
type StaleEntry struct {
	Provider string
	Model    string
	Age      time.Duration
}

// Clear removes entries. Empty provider clears everything; empty model
// clears all of a provider's entries. Returns the number removed.
func (c *Cache) Clear(provider, model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cleared := 0
	for key, e := range c.entries {
		if provider != "" && e.Provider != provider {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		delete(c.entries, key)
		delete(c.history, key)
		cleared++
	}
	return cleared
}

// Stats summarizes the cache.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	providerCounts := make(map[string]int)
	stale := 0
	for _, e := range c.entries {
		providerCounts[e.Provider]++
		if time.Since(e.Timestamp) > c.ttl {
			stale++
		}
	}
	historyEntries := 0
	for _, h := range c.history {
		historyEntries += len(h)
	}
	return map[string]interface{}{
		"total_cached_models": len(c.entries),
		"history_entries":     historyEntries,
		"stale_entries":       stale,
		"provider_counts":     providerCounts,
		"cache_ttl_seconds":   c.ttl.Seconds(),
	}
}
