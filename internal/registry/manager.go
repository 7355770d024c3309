package registry

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/atp/router/internal/metrics"
)

// Manager coordinates the six repositories (models, providers, requests,
// policies, compliance, audit) and provides the transactional boundary:
// mutations inside Transaction either all commit or all roll back.
type Manager struct {
	Models     *ModelRepository
	Providers  *ProviderRepository
	Requests   *RecordRepository
	Policies   *RecordRepository
	Compliance *RecordRepository
	Audit      *RecordRepository

	txMu    sync.Mutex
	metrics *metrics.Registry
	logger  *log.Logger
}

func NewManager(reg *metrics.Registry) *Manager {
	m := &Manager{
		Models:     NewModelRepository(),
		Providers:  NewProviderRepository(),
		Requests:   NewRecordRepository("requests"),
		Policies:   NewRecordRepository("policies"),
		Compliance: NewRecordRepository("compliance"),
		Audit:      NewRecordRepository("audit"),
		metrics:    reg,
		logger:     log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
	m.logger.Printf("repository manager initialized with all repositories")
	return m
}

// Transaction runs fn with exclusive write access. If fn returns an error or
// panics, every repository is restored to its pre-transaction state.
func (m *Manager) Transaction(fn func(*Manager) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	modelSnap := m.Models.snapshot()
	providerSnap := m.Providers.snapshot()
	requestSnap := m.Requests.snapshot()
	policySnap := m.Policies.snapshot()
	complianceSnap := m.Compliance.snapshot()
	auditSnap := m.Audit.snapshot()

	rollback := func() {
		m.Models.restore(modelSnap)
		m.Providers.restore(providerSnap)
		m.Requests.restore(requestSnap)
		m.Policies.restore(policySnap)
		m.Compliance.restore(complianceSnap)
		m.Audit.restore(auditSnap)
	}

	defer func() {
		if r := recover(); r != nil {
			rollback()
			err = fmt.Errorf("transaction panicked: %v", r)
			m.logger.Printf("transaction rolled back: %v", r)
		}
	}()

	if err = fn(m); err != nil {
		rollback()
		m.logger.Printf("transaction rolled back: %v", err)
		return err
	}
	return nil
}

// SelectableModels returns the models eligible for production traffic:
// active, enabled, and owned by an enabled provider that reports healthy.
// Shadow and retired entries are never returned.
func (m *Manager) SelectableModels() []*Model {
	providers := make(map[uuid.UUID]*Provider)
	for _, p := range m.Providers.Healthy() {
		providers[p.ID] = p
	}
	var out []*Model
	for _, model := range m.Models.Enabled() {
		if _, ok := providers[model.ProviderID]; ok {
			out = append(out, model)
		}
	}
	return out
}

// RegistryView flattens the selectable models into name -> attribute map for
// callers that do not need rich query.
func (m *Manager) RegistryView() map[string]map[string]interface{} {
	return m.flatten(m.SelectableModels())
}

// ShadowView flattens the shadow models.
func (m *Manager) ShadowView() map[string]map[string]interface{} {
	return m.flatten(m.Models.Shadow())
}

func (m *Manager) flatten(models []*Model) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(models))
	for _, model := range models {
		provider := m.Providers.Get(model.ProviderID)
		if provider == nil {
			continue
		}
		out[model.Name] = map[string]interface{}{
			"id":                        model.ID.String(),
			"name":                      model.Name,
			"display_name":              model.DisplayName,
			"provider":                  provider.Name,
			"provider_id":               provider.ID.String(),
			"status":                    string(model.Status),
			"is_enabled":                model.Enabled,
			"model_family":              model.Family,
			"context_window":            model.ContextWindow,
			"max_output_tokens":         model.MaxOutputTokens,
			"supports_streaming":        model.SupportsStreaming,
			"supports_function_calling": model.SupportsFunctionCalling,
			"supports_vision":           model.SupportsVision,
			"cost_per_input_token":      model.CostPerInputToken,
			"cost_per_output_token":     model.CostPerOutputToken,
			"cost_per_request":          model.CostPerRequest,
			"latency_p50_ms":            model.LatencyP50MS,
			"latency_p95_ms":            model.LatencyP95MS,
			"quality_score":             model.QualityScore,
		}
	}
	return out
}

// PromoteShadowModel promotes a shadow model to active by name.
func (m *Manager) PromoteShadowModel(name string) bool {
	model := m.Models.GetByName(name)
	if model == nil {
		m.logger.Printf("model %s not found for promotion", name)
		return false
	}
	ok := m.Models.Promote(model.ID)
	if ok {
		if m.metrics != nil {
			m.metrics.IncCounter("registry_lifecycle_transitions_total", map[string]string{"direction": "promote"})
		}
		m.logger.Printf("promoted model %s to active", name)
	}
	return ok
}

// DemoteToShadow demotes an active model to shadow by name.
func (m *Manager) DemoteToShadow(name string) bool {
	model := m.Models.GetByName(name)
	if model == nil {
		m.logger.Printf("model %s not found for demotion", name)
		return false
	}
	ok := m.Models.Demote(model.ID)
	if ok {
		if m.metrics != nil {
			m.metrics.IncCounter("registry_lifecycle_transitions_total", map[string]string{"direction": "demote"})
		}
		m.logger.Printf("demoted model %s to shadow", name)
	}
	return ok
}

// UpdateModelPerformance updates a model's performance metrics by name.
func (m *Manager) UpdateModelPerformance(name string, p50, p95, quality *float64) bool {
	model := m.Models.GetByName(name)
	if model == nil {
		m.logger.Printf("model %s not found for performance update", name)
		return false
	}
	return m.Models.UpdatePerformance(model.ID, p50, p95, quality)
}

// DeleteProvider removes a provider and all of its models atomically.
func (m *Manager) DeleteProvider(id uuid.UUID) error {
	return m.Transaction(func(tx *Manager) error {
		if !tx.Providers.Delete(id) {
			return fmt.Errorf("provider %s not found", id)
		}
		for _, model := range tx.Models.ByProvider(id) {
			tx.Models.Delete(model.ID)
		}
		return nil
	})
}

// LogRequest appends a request record.
func (m *Manager) LogRequest(fields map[string]interface{}) *Record {
	return m.Requests.Append(fields)
}

// LogAuditEvent appends an audit record.
func (m *Manager) LogAuditEvent(eventType, action, outcome string, fields map[string]interface{}) *Record {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["event_type"] = eventType
	fields["action"] = action
	fields["outcome"] = outcome
	return m.Audit.Append(fields)
}

// CacheStatistics reports cache counters from every repository.
func (m *Manager) CacheStatistics() map[string]interface{} {
	return map[string]interface{}{
		"models":     m.Models.CacheStats(),
		"providers":  m.Providers.CacheStats(),
		"requests":   m.Requests.CacheStats(),
		"policies":   m.Policies.CacheStats(),
		"compliance": m.Compliance.CacheStats(),
		"audit":      m.Audit.CacheStats(),
	}
}

// HealthCheck reports per-repository record counts and cache stats.
func (m *Manager) HealthCheck() map[string]interface{} {
	repos := map[string]interface{}{
		"models":     map[string]interface{}{"status": "healthy", "record_count": m.Models.Count()},
		"providers":  map[string]interface{}{"status": "healthy", "record_count": m.Providers.Count()},
		"requests":   map[string]interface{}{"status": "healthy", "record_count": m.Requests.Count()},
		"policies":   map[string]interface{}{"status": "healthy", "record_count": m.Policies.Count()},
		"compliance": map[string]interface{}{"status": "healthy", "record_count": m.Compliance.Count()},
		"audit":      map[string]interface{}{"status": "healthy", "record_count": m.Audit.Count()},
	}
	return map[string]interface{}{
		"repositories": repos,
		"cache_stats":  m.CacheStatistics(),
	}
}

// Stats publishes population gauges and returns the combined statistics.
func (m *Manager) Stats() map[string]interface{} {
	modelStats := m.Models.Statistics()
	providerStats := m.Providers.Statistics()
	if m.metrics != nil {
		m.metrics.SetGauge("registry_models_total", float64(m.Models.Count()), nil)
		m.metrics.SetGauge("registry_providers_total", float64(m.Providers.Count()), nil)
	}
	return map[string]interface{}{
		"models":    modelStats,
		"providers": providerStats,
	}
}
