package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10.0, cfg.Pipeline.TenantBudgetUSD)
	assert.Equal(t, 10, cfg.Abuse.MaxDepth)
	assert.True(t, cfg.WAF.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	body := `
server:
  port: "9090"
pipeline:
  tenant_budget_usd: 2.5
  request_timeout_s: 30
abuse:
  max_depth: 4
adapters:
  - name: acme
    target: localhost:50051
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2.5, cfg.Pipeline.TenantBudgetUSD)
	assert.Equal(t, 30, cfg.Pipeline.RequestTimeoutS)
	assert.Equal(t, 4, cfg.Abuse.MaxDepth)
	require.Len(t, cfg.Adapters, 1)
	assert.Equal(t, "acme", cfg.Adapters[0].Name)

	// untouched sections keep their defaults
	assert.Equal(t, 300, cfg.Replay.NonceTTLS)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATP_SERVER_PORT", "7070")
	t.Setenv("ATP_TENANT_BUDGET_USD", "0.5")
	t.Setenv("ATP_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 0.5, cfg.Pipeline.TenantBudgetUSD)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestTenantOverridesMerge(t *testing.T) {
	dir := t.TempDir()
	tenantsPath := filepath.Join(dir, "tenants.yaml")
	body := `
tenants:
  tenant-a:
    budget_usd: 1.0
    disable_shadow: true
  tenant-b:
    max_epsilon: 2.0
`
	require.NoError(t, os.WriteFile(tenantsPath, []byte(body), 0o644))

	m, err := NewManager("", tenantsPath)
	require.NoError(t, err)

	a := m.Get("tenant-a")
	assert.Equal(t, 1.0, a.Pipeline.TenantBudgetUSD)
	assert.False(t, a.Pipeline.EnableShadowMirror)
	assert.Equal(t, 10.0, a.DPLedger.MaxEpsilonPerTenant)

	b := m.Get("tenant-b")
	assert.Equal(t, 2.0, b.DPLedger.MaxEpsilonPerTenant)
	assert.Equal(t, 10.0, b.Pipeline.TenantBudgetUSD)

	// unknown tenants get the global config
	c := m.Get("tenant-c")
	assert.Equal(t, m.Global().Pipeline.TenantBudgetUSD, c.Pipeline.TenantBudgetUSD)
}

func TestSetOverrideAtRuntime(t *testing.T) {
	m, err := NewManager("", "")
	require.NoError(t, err)

	m.SetOverride("tenant-x", TenantOverride{BudgetUSD: 3.0})
	assert.Equal(t, 3.0, m.Get("tenant-x").Pipeline.TenantBudgetUSD)
}
