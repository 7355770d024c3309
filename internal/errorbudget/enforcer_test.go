package errorbudget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/metrics"
)

func newTestEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "error_budget_config.json")
	return New(path, metrics.NewRegistry())
}

func TestDefaultsInstalledAndSaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error_budget_config.json")
	e := New(path, metrics.NewRegistry())

	assert.Equal(t, []string{"api_availability", "error_rate", "p95_latency"}, e.SLONames())

	// the default config was persisted
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		SLOs []SLODefinition `json:"slos"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Len(t, cfg.SLOs, 3)

	// a second enforcer loads the same file
	e2 := New(path, metrics.NewRegistry())
	assert.Equal(t, e.SLONames(), e2.SLONames())
}

func TestLoadCustomConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slos.json")
	cfg := `{"slos":[{"name":"custom_slo","target_percentage":98.0,"window_days":14,"error_budget_percentage":2.0}]}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	e := New(path, metrics.NewRegistry())
	assert.Equal(t, []string{"custom_slo"}, e.SLONames())
}

func TestRecordMeasurementUnknownSLO(t *testing.T) {
	e := newTestEnforcer(t)
	err := e.RecordMeasurement("nonexistent", 100, 1)
	assert.ErrorContains(t, err, "unknown SLO")
}

func TestNoViolationWhileMeetingTarget(t *testing.T) {
	e := newTestEnforcer(t)

	// 99.95% availability against a 99.9% target
	require.NoError(t, e.RecordMeasurement("api_availability", 10000, 5))

	violations := e.CheckAllSLOs()
	assert.Empty(t, violations)

	report := e.EnforceBudgetGates()
	assert.True(t, report.Passed)
	assert.Empty(t, report.Warnings)
}

func TestViolationBelowTarget(t *testing.T) {
	e := newTestEnforcer(t)

	// 99.0% availability against a 99.9% target
	require.NoError(t, e.RecordMeasurement("api_availability", 10000, 100))

	violations := e.CheckAllSLOs()
	require.Len(t, violations, 1)
	v := violations[0]
	assert.Equal(t, "api_availability", v.SLOName)
	assert.InDelta(t, 99.0, v.ActualPercentage, 0.001)
	assert.Contains(t, v.Description, "99.00% < 99.90% target")

	report := e.EnforceBudgetGates()
	assert.False(t, report.Passed)
}

func TestBudgetRemainingFormula(t *testing.T) {
	slo := SLODefinition{Name: "x", TargetPercentage: 99.0, ErrorBudgetPercentage: 3.0}

	// within target: full budget
	st := &state{totalRequests: 1000, errorRequests: 5}
	assert.InDelta(t, 3.0, st.budgetRemaining(slo), 0.001)

	// 2% error rate against 1% allowed: overshoot consumes the full budget
	st = &state{totalRequests: 1000, errorRequests: 20}
	assert.InDelta(t, 0.0, st.budgetRemaining(slo), 0.001)

	// 1.5% error rate: half the allowed rate over, half the budget gone
	st = &state{totalRequests: 1000, errorRequests: 15}
	assert.InDelta(t, 1.5, st.budgetRemaining(slo), 0.001)

	// far past the budget clamps at zero
	st = &state{totalRequests: 1000, errorRequests: 500}
	assert.Equal(t, 0.0, st.budgetRemaining(slo))
}

func TestGateWarningNearExhaustion(t *testing.T) {
	e := newTestEnforcer(t)

	// error_rate SLO: target 99.0, budget 3.0. A 1.9% error rate leaves
	// 10% of the budget, under the 20% warning floor, while availability
	// for the other SLOs stays healthy.
	require.NoError(t, e.RecordMeasurement("error_rate", 10000, 190))

	report := e.EnforceBudgetGates()
	assert.False(t, report.Passed) // 98.1% < 99.0% target is also a violation
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "error_rate")
}

func TestBudgetStatusFields(t *testing.T) {
	e := newTestEnforcer(t)
	require.NoError(t, e.RecordMeasurement("api_availability", 1000, 1))

	status := e.BudgetStatus()
	entry := status["api_availability"].(map[string]interface{})
	assert.Equal(t, 99.9, entry["slo_target"])
	assert.InDelta(t, 99.9, entry["current_availability"].(float64), 0.001)
	assert.Equal(t, int64(1000), entry["total_requests"])
	assert.Equal(t, int64(1), entry["error_requests"])
}

func TestExportMetrics(t *testing.T) {
	e := newTestEnforcer(t)
	require.NoError(t, e.RecordMeasurement("api_availability", 100, 0))

	out := filepath.Join(t.TempDir(), "budget_metrics.json")
	require.NoError(t, e.ExportMetrics(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Contains(t, payload, "error_budget_status")
	assert.Contains(t, payload, "timestamp")
}
