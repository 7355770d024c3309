// Package registry holds the model/provider catalog: CRUD repositories with
// per-repository caches, lifecycle transitions (shadow -> active -> retired),
// and a repository manager that coordinates them behind a transactional
// boundary.
package registry

import (
	"time"

	"github.com/google/uuid"
)

// ModelStatus is a model's lifecycle state.
type ModelStatus string

const (
	StatusActive  ModelStatus = "active"
	StatusShadow  ModelStatus = "shadow"
	StatusRetired ModelStatus = "retired"
)

// HealthStatus is a provider's reported health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProviderType classifies where a provider runs.
type ProviderType string

const (
	ProviderCloud   ProviderType = "cloud"
	ProviderLocal   ProviderType = "local"
	ProviderGeneric ProviderType = "generic"
)

// Provider is an inference provider entry.
type Provider struct {
	ID                      uuid.UUID    `json:"id"`
	Name                    string       `json:"name"`
	DisplayName             string       `json:"display_name"`
	Type                    ProviderType `json:"provider_type"`
	Enabled                 bool         `json:"is_enabled"`
	Health                  HealthStatus `json:"health_status"`
	SupportsStreaming       bool         `json:"supports_streaming"`
	SupportsFunctionCalling bool         `json:"supports_function_calling"`
	SupportsVision          bool         `json:"supports_vision"`
	LastHealthCheck         time.Time    `json:"last_health_check"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// Model is a catalog entry for a single servable model.
type Model struct {
	ID                      uuid.UUID   `json:"id"`
	Name                    string      `json:"name"`
	DisplayName             string      `json:"display_name"`
	ProviderID              uuid.UUID   `json:"provider_id"`
	Status                  ModelStatus `json:"status"`
	Enabled                 bool        `json:"is_enabled"`
	Family                  string      `json:"model_family"`
	ContextWindow           int         `json:"context_window"`
	MaxOutputTokens         int         `json:"max_output_tokens"`
	SupportsStreaming       bool        `json:"supports_streaming"`
	SupportsFunctionCalling bool        `json:"supports_function_calling"`
	SupportsVision          bool        `json:"supports_vision"`
	CostPerInputToken       float64     `json:"cost_per_input_token"`
	CostPerOutputToken      float64     `json:"cost_per_output_token"`
	CostPerRequest          float64     `json:"cost_per_request"`
	LatencyP50MS            float64     `json:"latency_p50_ms"`
	LatencyP95MS            float64     `json:"latency_p95_ms"`
	QualityScore            float64     `json:"quality_score"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

func (m *Model) clone() *Model {
	c := *m
	return &c
}

func (p *Provider) clone() *Provider {
	c := *p
	return &c
}
