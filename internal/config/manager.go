package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant override blocks keyed by tenant id.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// TenantOverride carries the subset of settings a tenant may customize.
// Zero values mean "inherit from the global config".
type TenantOverride struct {
	BudgetUSD         float64 `yaml:"budget_usd"`
	EpsilonPerRequest float64 `yaml:"epsilon_per_request"`
	MaxEpsilon        float64 `yaml:"max_epsilon"`
	MaxLatencyP95MS   float64 `yaml:"max_latency_p95_ms"`
	DisableShadow     bool    `yaml:"disable_shadow"`
	DisableSpec       bool    `yaml:"disable_speculative"`
}

// Manager resolves the effective configuration for a tenant by merging its
// overrides onto the global config.
type Manager struct {
	mu      sync.RWMutex
	global  *Config
	tenants map[string]TenantOverride
}

// NewManager loads the global config and an optional tenants file. A missing
// tenants file just means no overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	global, err := Load(masterPath)
	if err != nil {
		return nil, err
	}

	tenants := make(map[string]TenantOverride)
	if tenantsPath != "" {
		data, err := os.ReadFile(tenantsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			var tc TenantsConfig
			if err := yaml.Unmarshal(data, &tc); err != nil {
				return nil, err
			}
			if tc.Tenants != nil {
				tenants = tc.Tenants
			}
		}
	}

	return &Manager{global: global, tenants: tenants}, nil
}

// Global returns the unmodified global config.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Get returns the effective config for a tenant: a copy of the global config
// with the tenant's overrides applied.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global
	override, ok := m.tenants[tenantID]
	if !ok {
		return &effective
	}

	if override.BudgetUSD != 0 {
		effective.Pipeline.TenantBudgetUSD = override.BudgetUSD
	}
	if override.EpsilonPerRequest != 0 {
		effective.Pipeline.EpsilonPerRequest = override.EpsilonPerRequest
	}
	if override.MaxEpsilon != 0 {
		effective.DPLedger.MaxEpsilonPerTenant = override.MaxEpsilon
	}
	if override.MaxLatencyP95MS != 0 {
		effective.Pipeline.MaxLatencyP95MS = override.MaxLatencyP95MS
	}
	if override.DisableShadow {
		effective.Pipeline.EnableShadowMirror = false
	}
	if override.DisableSpec {
		effective.Pipeline.EnableSpeculative = false
	}
	return &effective
}

// SetOverride installs or replaces a tenant's overrides at runtime.
func (m *Manager) SetOverride(tenantID string, override TenantOverride) {
	m.mu.Lock()
	m.tenants[tenantID] = override
	m.mu.Unlock()
}
