package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ModelRepository stores model entries in memory. Lifecycle transitions
// (promote, demote, retire) are atomic on a single entry: a model is never
// observably both shadow and active.
type ModelRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Model
	byName map[string]uuid.UUID
	cache  *queryCache
}

func NewModelRepository() *ModelRepository {
	return &ModelRepository{
		byID:   make(map[uuid.UUID]*Model),
		byName: make(map[string]uuid.UUID),
		cache:  newQueryCache(),
	}
}

// Create inserts a model. Name must be unique across providers. Status
// defaults to shadow so new models never take production traffic until
// promoted.
func (r *ModelRepository) Create(m *Model) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Name == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if m.ProviderID == uuid.Nil {
		return nil, fmt.Errorf("model %s has no provider", m.Name)
	}
	if _, exists := r.byName[m.Name]; exists {
		return nil, fmt.Errorf("model %s already exists", m.Name)
	}

	stored := m.clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.Status == "" {
		stored.Status = StatusShadow
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.byID[stored.ID] = stored
	r.byName[stored.Name] = stored.ID
	r.cache.invalidate()
	return stored.clone(), nil
}

// Get returns the model by id, or nil.
func (r *ModelRepository) Get(id uuid.UUID) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byID[id]; ok {
		return m.clone()
	}
	return nil
}

// GetByName returns the model by name, or nil.
func (r *ModelRepository) GetByName(name string) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[name]; ok {
		return r.byID[id].clone()
	}
	return nil
}

// Update applies fn to the model under the write lock.
func (r *ModelRepository) Update(id uuid.UUID, fn func(*Model)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return false
	}
	oldName := m.Name
	fn(m)
	m.ID = id
	m.UpdatedAt = time.Now().UTC()
	if m.Name != oldName {
		delete(r.byName, oldName)
		r.byName[m.Name] = id
	}
	r.cache.invalidate()
	return true
}

// Delete removes a model.
func (r *ModelRepository) Delete(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byName, m.Name)
	delete(r.byID, id)
	r.cache.invalidate()
	return true
}

// List returns all models sorted by name.
func (r *ModelRepository) List() []*Model {
	if v, ok := r.cache.get("list"); ok {
		return v.([]*Model)
	}
	r.mu.RLock()
	out := make([]*Model, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	r.cache.put("list", out)
	return out
}

// ByStatus returns models in the given lifecycle state.
func (r *ModelRepository) ByStatus(status ModelStatus) []*Model {
	var out []*Model
	for _, m := range r.List() {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

// Shadow returns all shadow models.
func (r *ModelRepository) Shadow() []*Model { return r.ByStatus(StatusShadow) }

// Active returns all active models.
func (r *ModelRepository) Active() []*Model { return r.ByStatus(StatusActive) }

// Enabled returns models that are enabled and active. Provider health is the
// manager's concern; see Manager.SelectableModels.
func (r *ModelRepository) Enabled() []*Model {
	var out []*Model
	for _, m := range r.List() {
		if m.Enabled && m.Status == StatusActive {
			out = append(out, m)
		}
	}
	return out
}

// ByProvider returns all models owned by a provider.
func (r *ModelRepository) ByProvider(providerID uuid.UUID) []*Model {
	var out []*Model
	for _, m := range r.List() {
		if m.ProviderID == providerID {
			out = append(out, m)
		}
	}
	return out
}

// ByFamily returns all models in a family.
func (r *ModelRepository) ByFamily(family string) []*Model {
	var out []*Model
	for _, m := range r.List() {
		if m.Family == family {
			out = append(out, m)
		}
	}
	return out
}

// Search matches name or display name, case-insensitively.
func (r *ModelRepository) Search(term string, enabledOnly bool) []*Model {
	term = strings.ToLower(term)
	var out []*Model
	for _, m := range r.List() {
		if enabledOnly && !m.Enabled {
			continue
		}
		if strings.Contains(strings.ToLower(m.Name), term) ||
			strings.Contains(strings.ToLower(m.DisplayName), term) {
			out = append(out, m)
		}
	}
	return out
}

// UpdatePerformance sets any of the performance fields that are non-nil.
// Returns false when nothing was updated.
func (r *ModelRepository) UpdatePerformance(id uuid.UUID, p50, p95, quality *float64) bool {
	if p50 == nil && p95 == nil && quality == nil {
		return false
	}
	return r.Update(id, func(m *Model) {
		if p50 != nil {
			m.LatencyP50MS = *p50
		}
		if p95 != nil {
			m.LatencyP95MS = *p95
		}
		if quality != nil {
			m.QualityScore = *quality
		}
	})
}

// UpdatePricing sets any of the cost fields that are non-nil.
func (r *ModelRepository) UpdatePricing(id uuid.UUID, inputCost, outputCost, requestCost *float64) bool {
	if inputCost == nil && outputCost == nil && requestCost == nil {
		return false
	}
	return r.Update(id, func(m *Model) {
		if inputCost != nil {
			m.CostPerInputToken = *inputCost
		}
		if outputCost != nil {
			m.CostPerOutputToken = *outputCost
		}
		if requestCost != nil {
			m.CostPerRequest = *requestCost
		}
	})
}

// Promote moves a shadow model to active. Returns false unless the model
// exists and is currently shadow.
func (r *ModelRepository) Promote(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok || m.Status != StatusShadow {
		return false
	}
	m.Status = StatusActive
	m.UpdatedAt = time.Now().UTC()
	r.cache.invalidate()
	return true
}

// Demote moves an active model to shadow. Returns false unless the model
// exists and is currently active.
func (r *ModelRepository) Demote(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok || m.Status != StatusActive {
		return false
	}
	m.Status = StatusShadow
	m.UpdatedAt = time.Now().UTC()
	r.cache.invalidate()
	return true
}

// Retire marks a model retired and disabled. Retired models are never
// selectable again.
func (r *ModelRepository) Retire(id uuid.UUID) bool {
	return r.Update(id, func(m *Model) {
		m.Status = StatusRetired
		m.Enabled = false
	})
}

// Cheapest returns up to limit enabled models ordered by input token cost.
func (r *ModelRepository) Cheapest(limit int) []*Model {
	out := r.enabledSorted(func(a, b *Model) bool {
		return a.CostPerInputToken < b.CostPerInputToken
	})
	return truncate(out, limit)
}

// Fastest returns up to limit enabled models ordered by p95 latency.
func (r *ModelRepository) Fastest(limit int) []*Model {
	out := r.enabledSorted(func(a, b *Model) bool {
		return a.LatencyP95MS < b.LatencyP95MS
	})
	return truncate(out, limit)
}

// HighestQuality returns up to limit enabled models ordered by quality score
// descending.
func (r *ModelRepository) HighestQuality(limit int) []*Model {
	out := r.enabledSorted(func(a, b *Model) bool {
		return a.QualityScore > b.QualityScore
	})
	return truncate(out, limit)
}

func (r *ModelRepository) enabledSorted(less func(a, b *Model) bool) []*Model {
	var out []*Model
	for _, m := range r.List() {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func truncate(ms []*Model, limit int) []*Model {
	if limit > 0 && len(ms) > limit {
		return ms[:limit]
	}
	return ms
}

// Count returns the number of models.
func (r *ModelRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Statistics summarizes the model population.
func (r *ModelRepository) Statistics() map[string]interface{} {
	all := r.List()
	enabled := 0
	byStatus := make(map[string]int)
	var sumInput, sumOutput, sumP95, sumQuality float64
	for _, m := range all {
		if m.Enabled {
			enabled++
		}
		byStatus[string(m.Status)]++
		sumInput += m.CostPerInputToken
		sumOutput += m.CostPerOutputToken
		sumP95 += m.LatencyP95MS
		sumQuality += m.QualityScore
	}
	n := float64(len(all))
	avg := func(sum float64) float64 {
		if n == 0 {
			return 0
		}
		return sum / n
	}
	return map[string]interface{}{
		"total_models":              len(all),
		"enabled_models":            enabled,
		"disabled_models":           len(all) - enabled,
		"models_by_status":          byStatus,
		"avg_input_cost_per_token":  avg(sumInput),
		"avg_output_cost_per_token": avg(sumOutput),
		"avg_latency_p95_ms":        avg(sumP95),
		"avg_quality_score":         avg(sumQuality),
	}
}

// CacheStats exposes the repository cache counters.
func (r *ModelRepository) CacheStats() map[string]interface{} {
	return r.cache.stats()
}

func (r *ModelRepository) snapshot() map[uuid.UUID]*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[uuid.UUID]*Model, len(r.byID))
	for id, m := range r.byID {
		snap[id] = m.clone()
	}
	return snap
}

func (r *ModelRepository) restore(snap map[uuid.UUID]*Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[uuid.UUID]*Model, len(snap))
	r.byName = make(map[string]uuid.UUID, len(snap))
	for id, m := range snap {
		r.byID[id] = m.clone()
		r.byName[m.Name] = id
	}
	r.cache.invalidate()
}
