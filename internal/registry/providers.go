package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProviderRepository stores provider entries in memory with a query cache
// that is invalidated on every write.
type ProviderRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Provider
	byName map[string]uuid.UUID
	cache  *queryCache
}

func NewProviderRepository() *ProviderRepository {
	return &ProviderRepository{
		byID:   make(map[uuid.UUID]*Provider),
		byName: make(map[string]uuid.UUID),
		cache:  newQueryCache(),
	}
}

// Create inserts a provider. Name must be unique. A zero ID is assigned,
// unknown health defaults to HealthUnknown.
func (r *ProviderRepository) Create(p *Provider) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if _, exists := r.byName[p.Name]; exists {
		return nil, fmt.Errorf("provider %s already exists", p.Name)
	}

	stored := p.clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.Health == "" {
		stored.Health = HealthUnknown
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.byID[stored.ID] = stored
	r.byName[stored.Name] = stored.ID
	r.cache.invalidate()
	return stored.clone(), nil
}

// Get returns the provider by id, or nil.
func (r *ProviderRepository) Get(id uuid.UUID) *Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byID[id]; ok {
		return p.clone()
	}
	return nil
}

// GetByName returns the provider by name, or nil.
func (r *ProviderRepository) GetByName(name string) *Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[name]; ok {
		return r.byID[id].clone()
	}
	return nil
}

// Update applies fn to the provider under the write lock. Returns false if
// the id is unknown.
func (r *ProviderRepository) Update(id uuid.UUID, fn func(*Provider)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	oldName := p.Name
	fn(p)
	p.ID = id
	p.UpdatedAt = time.Now().UTC()
	if p.Name != oldName {
		delete(r.byName, oldName)
		r.byName[p.Name] = id
	}
	r.cache.invalidate()
	return true
}

// UpdateHealth sets a provider's health status and health-check timestamp.
func (r *ProviderRepository) UpdateHealth(id uuid.UUID, status HealthStatus) bool {
	return r.Update(id, func(p *Provider) {
		p.Health = status
		p.LastHealthCheck = time.Now().UTC()
	})
}

// Delete removes a provider. Models pointing at it are the caller's problem;
// the manager removes them inside a transaction.
func (r *ProviderRepository) Delete(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byName, p.Name)
	delete(r.byID, id)
	r.cache.invalidate()
	return true
}

// List returns all providers sorted by name.
func (r *ProviderRepository) List() []*Provider {
	if v, ok := r.cache.get("list"); ok {
		return v.([]*Provider)
	}
	r.mu.RLock()
	out := make([]*Provider, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	r.cache.put("list", out)
	return out
}

// Enabled returns enabled providers.
func (r *ProviderRepository) Enabled() []*Provider {
	var out []*Provider
	for _, p := range r.List() {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Healthy returns providers that are enabled and report healthy.
func (r *ProviderRepository) Healthy() []*Provider {
	var out []*Provider
	for _, p := range r.List() {
		if p.Enabled && p.Health == HealthHealthy {
			out = append(out, p)
		}
	}
	return out
}

// ByType returns providers of the given type.
func (r *ProviderRepository) ByType(t ProviderType) []*Provider {
	var out []*Provider
	for _, p := range r.List() {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Search matches name or display name, case-insensitively.
func (r *ProviderRepository) Search(term string, enabledOnly bool) []*Provider {
	term = strings.ToLower(term)
	var out []*Provider
	for _, p := range r.List() {
		if enabledOnly && !p.Enabled {
			continue
		}
		if strings.Contains(strings.ToLower(p.Name), term) ||
			strings.Contains(strings.ToLower(p.DisplayName), term) {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of providers.
func (r *ProviderRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Statistics summarizes the provider population.
func (r *ProviderRepository) Statistics() map[string]interface{} {
	all := r.List()
	enabled, healthy := 0, 0
	byType := make(map[string]int)
	for _, p := range all {
		if p.Enabled {
			enabled++
			if p.Health == HealthHealthy {
				healthy++
			}
		}
		byType[string(p.Type)]++
	}
	return map[string]interface{}{
		"total_providers":     len(all),
		"enabled_providers":   enabled,
		"disabled_providers":  len(all) - enabled,
		"healthy_providers":   healthy,
		"unhealthy_providers": enabled - healthy,
		"provider_types":      byType,
	}
}

// CacheStats exposes the repository cache counters.
func (r *ProviderRepository) CacheStats() map[string]interface{} {
	return r.cache.stats()
}

func (r *ProviderRepository) snapshot() map[uuid.UUID]*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[uuid.UUID]*Provider, len(r.byID))
	for id, p := range r.byID {
		snap[id] = p.clone()
	}
	return snap
}

func (r *ProviderRepository) restore(snap map[uuid.UUID]*Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[uuid.UUID]*Provider, len(snap))
	r.byName = make(map[string]uuid.UUID, len(snap))
	for id, p := range snap {
		r.byID[id] = p.clone()
		r.byName[p.Name] = id
	}
	r.cache.invalidate()
}
