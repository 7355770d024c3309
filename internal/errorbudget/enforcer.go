// Package errorbudget holds SLO definitions and rolling error-budget state,
// and decides whether budget gates pass. It never blocks requests itself;
// pipelines consult it.
package errorbudget

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/atp/router/internal/metrics"
)

// budgetWarningFloor is the remaining-budget percentage below which a gate
// check emits a warning.
const budgetWarningFloor = 20.0

// SLODefinition is one service-level objective.
type SLODefinition struct {
	Name                  string  `json:"name"`
	TargetPercentage      float64 `json:"target_percentage"`
	WindowDays            int     `json:"window_days"`
	ErrorBudgetPercentage float64 `json:"error_budget_percentage"`
}

// Violation records an SLO falling below target.
type Violation struct {
	SLOName             string    `json:"slo_name"`
	Timestamp           time.Time `json:"timestamp"`
	ActualPercentage    float64   `json:"actual_percentage"`
	TargetPercentage    float64   `json:"target_percentage"`
	ErrorBudgetConsumed float64   `json:"error_budget_consumed"`
	Description         string    `json:"description"`
}

// state is the rolling measurement accumulator for one SLO.
type state struct {
	totalRequests int64
	errorRequests int64
	windowStart   time.Time
	violations    []Violation
	lastUpdated   time.Time
}

func (s *state) errorRatePercentage() float64 {
	if s.totalRequests == 0 {
		return 0.0
	}
	return float64(s.errorRequests) / float64(s.totalRequests) * 100
}

func (s *state) availabilityPercentage() float64 {
	return 100.0 - s.errorRatePercentage()
}

// budgetRemaining returns the unconsumed error budget in percent. While
// availability meets the target the full budget remains; past the target
// the overshoot consumes budget proportionally to the allowed error rate.
func (s *state) budgetRemaining(slo SLODefinition) float64 {
	availability := s.availabilityPercentage()
	if availability >= slo.TargetPercentage {
		return slo.ErrorBudgetPercentage
	}

	allowedErrorRate := 100.0 - slo.TargetPercentage
	currentErrorRate := 100.0 - availability
	if currentErrorRate <= allowedErrorRate {
		return slo.ErrorBudgetPercentage
	}

	consumed := (currentErrorRate - allowedErrorRate) / allowedErrorRate * slo.ErrorBudgetPercentage
	remaining := slo.ErrorBudgetPercentage - consumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// GateReport is the structured result of a gate check.
type GateReport struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Enforcer holds the configured SLOs and their measurement state.
type Enforcer struct {
	mu         sync.Mutex
	configFile string
	slos       map[string]SLODefinition
	states     map[string]*state

	metrics *metrics.Registry
	logger  *log.Logger
}

type configFile struct {
	SLOs []SLODefinition `json:"slos"`
}

// DefaultSLOs are installed when no configuration file exists.
func DefaultSLOs() []SLODefinition {
	return []SLODefinition{
		{Name: "api_availability", TargetPercentage: 99.9, WindowDays: 30, ErrorBudgetPercentage: 5.0},
		{Name: "p95_latency", TargetPercentage: 95.0, WindowDays: 7, ErrorBudgetPercentage: 10.0},
		{Name: "error_rate", TargetPercentage: 99.0, WindowDays: 30, ErrorBudgetPercentage: 3.0},
	}
}

// New loads SLO configuration from path, installing and saving the defaults
// when the file is missing or unreadable.
func New(path string, reg *metrics.Registry) *Enforcer {
	if path == "" {
		path = "error_budget_config.json"
	}
	e := &Enforcer{
		configFile: path,
		slos:       make(map[string]SLODefinition),
		states:     make(map[string]*state),
		metrics:    reg,
		logger:     log.New(log.Writer(), "[ERRORBUDGET] ", log.LstdFlags),
	}
	e.loadConfig()
	return e
}

func (e *Enforcer) loadConfig() {
	data, err := os.ReadFile(e.configFile)
	if err != nil {
		e.installDefaults()
		return
	}
	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err != nil || len(cfg.SLOs) == 0 {
		e.logger.Printf("config %s unreadable, using defaults: %v", e.configFile, err)
		e.installDefaults()
		return
	}
	for _, slo := range cfg.SLOs {
		e.installSLO(slo)
	}
}

func (e *Enforcer) installDefaults() {
	for _, slo := range DefaultSLOs() {
		e.installSLO(slo)
	}
	if err := e.SaveConfig(); err != nil {
		e.logger.Printf("could not save default config: %v", err)
	}
}

func (e *Enforcer) installSLO(slo SLODefinition) {
	e.slos[slo.Name] = slo
	e.states[slo.Name] = &state{
		windowStart: time.Now().AddDate(0, 0, -slo.WindowDays),
		lastUpdated: time.Now(),
	}
}

// SaveConfig writes the current SLO definitions back to the config file.
func (e *Enforcer) SaveConfig() error {
	e.mu.Lock()
	slos := make([]SLODefinition, 0, len(e.slos))
	for _, slo := range e.slos {
		slos = append(slos, slo)
	}
	e.mu.Unlock()
	sort.Slice(slos, func(i, j int) bool { return slos[i].Name < slos[j].Name })

	data, err := json.MarshalIndent(configFile{SLOs: slos}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.configFile, data, 0o644)
}

// SLONames returns the configured SLO names, sorted.
func (e *Enforcer) SLONames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.slos))
	for name := range e.slos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordMeasurement adds (total, errors) to an SLO's rolling state.
func (e *Enforcer) RecordMeasurement(sloName string, totalRequests, errorRequests int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[sloName]
	if !ok {
		return fmt.Errorf("unknown SLO: %s", sloName)
	}
	st.totalRequests += totalRequests
	st.errorRequests += errorRequests
	st.lastUpdated = time.Now()

	if e.metrics != nil {
		e.metrics.SetGauge("error_budget_availability_percent",
			st.availabilityPercentage(), map[string]string{"slo": sloName})
		e.metrics.SetGauge("error_budget_remaining_percent",
			st.budgetRemaining(e.slos[sloName]), map[string]string{"slo": sloName})
	}
	return nil
}

// CheckAllSLOs enumerates current violations (availability below target).
func (e *Enforcer) CheckAllSLOs() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var violations []Violation
	for _, name := range e.sortedNamesLocked() {
		slo := e.slos[name]
		st := e.states[name]
		availability := st.availabilityPercentage()
		if availability >= slo.TargetPercentage {
			continue
		}
		consumed := (slo.TargetPercentage - availability) / (100.0 - slo.TargetPercentage) * 100
		v := Violation{
			SLOName:             name,
			Timestamp:           time.Now(),
			ActualPercentage:    availability,
			TargetPercentage:    slo.TargetPercentage,
			ErrorBudgetConsumed: consumed,
			Description: fmt.Sprintf("SLO violation: %.2f%% < %.2f%% target",
				availability, slo.TargetPercentage),
		}
		st.violations = append(st.violations, v)
		violations = append(violations, v)
		if e.metrics != nil {
			e.metrics.IncCounter("error_budget_violations_total", map[string]string{"slo": name})
		}
	}
	return violations
}

// EnforceBudgetGates returns a report that passes iff no SLO is in
// violation. SLOs under 20% remaining budget produce warnings.
func (e *Enforcer) EnforceBudgetGates() GateReport {
	report := GateReport{CheckedAt: time.Now()}
	report.Violations = e.CheckAllSLOs()
	report.Passed = len(report.Violations) == 0

	e.mu.Lock()
	for _, name := range e.sortedNamesLocked() {
		slo := e.slos[name]
		remaining := e.states[name].budgetRemaining(slo)
		if pct := remaining / slo.ErrorBudgetPercentage * 100; pct < budgetWarningFloor {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: %.1f%% budget remaining", name, pct))
		}
	}
	e.mu.Unlock()

	if !report.Passed {
		for _, v := range report.Violations {
			e.logger.Printf("gate violation: %s: %s", v.SLOName, v.Description)
		}
	}
	for _, w := range report.Warnings {
		e.logger.Printf("budget warning: %s", w)
	}
	return report
}

// BudgetStatus reports every SLO's availability, error rate, and remaining
// budget.
func (e *Enforcer) BudgetStatus() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := make(map[string]interface{}, len(e.slos))
	for name, slo := range e.slos {
		st := e.states[name]
		status[name] = map[string]interface{}{
			"slo_target":               slo.TargetPercentage,
			"current_availability":     st.availabilityPercentage(),
			"error_rate":               st.errorRatePercentage(),
			"total_requests":           st.totalRequests,
			"error_requests":           st.errorRequests,
			"budget_remaining_percent": st.budgetRemaining(slo),
			"violations_count":         len(st.violations),
			"last_updated":             st.lastUpdated,
		}
	}
	return status
}

// ExportMetrics writes the budget status as JSON for external monitoring.
func (e *Enforcer) ExportMetrics(outputFile string) error {
	payload := map[string]interface{}{
		"timestamp":           time.Now(),
		"error_budget_status": e.BudgetStatus(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(outputFile, data, 0o644)
}

func (e *Enforcer) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.slos))
	for name := range e.slos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
