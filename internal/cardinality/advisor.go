// Package cardinality tracks unique label values per metric and raises
// alerts with remediation hints before label explosion degrades the
// monitoring stack.
package cardinality

import (
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp/router/internal/metrics"
)

// Violation records a metric that crossed a cardinality threshold.
type Violation struct {
	MetricName   string    `json:"metric_name"`
	UniqueLabels int       `json:"unique_labels"`
	Threshold    int       `json:"threshold"`
	Severity     string    `json:"severity"` // "warning" or "critical"
	Timestamp    time.Time `json:"timestamp"`
	SampleLabels []string  `json:"sample_labels"`
}

// Recommendation is an actionable remediation hint for a violation.
type Recommendation struct {
	MetricName      string   `json:"metric_name"`
	Severity        string   `json:"severity"` // "low", "medium", "high", "critical"
	Action          string   `json:"action"`
	Rationale       string   `json:"rationale"`
	EstimatedImpact string   `json:"estimated_impact"`
	SuggestedLabels []string `json:"suggested_labels,omitempty"`
}

// MetricStats summarizes one monitored metric.
type MetricStats struct {
	UniqueLabels int  `json:"unique_labels"`
	IsViolation  bool `json:"is_violation"`
}

// Advisor is the cardinality guardrail. Safe for concurrent recording.
type Advisor struct {
	warningThreshold int
	criticalThreshold int
	maxSampleLabels  int
	alertCooldown    time.Duration

	mu          sync.Mutex
	cardinality map[string]map[string]struct{}
	sampleOrder map[string][]string // insertion-ordered sample per metric
	violations  map[string]Violation
	lastAlert   map[string]time.Time

	metrics *metrics.Registry
	logger  *log.Logger
}

// NewAdvisor creates an advisor. Zero-valued parameters take the defaults
// (warning 100, critical 1000, 10 samples, 1h cooldown).
func NewAdvisor(warningThreshold, criticalThreshold, maxSampleLabels int, alertCooldown time.Duration, reg *metrics.Registry) *Advisor {
	if warningThreshold <= 0 {
		warningThreshold = 100
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 1000
	}
	if maxSampleLabels <= 0 {
		maxSampleLabels = 10
	}
	if alertCooldown <= 0 {
		alertCooldown = time.Hour
	}
	a := &Advisor{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
		maxSampleLabels:   maxSampleLabels,
		alertCooldown:     alertCooldown,
		cardinality:       make(map[string]map[string]struct{}),
		sampleOrder:       make(map[string][]string),
		violations:        make(map[string]Violation),
		lastAlert:         make(map[string]time.Time),
		metrics:           reg,
		logger:            log.New(log.Writer(), "[CARDINALITY] ", log.LstdFlags),
	}
	a.logger.Printf("initialized advisor: warning=%d critical=%d", warningThreshold, criticalThreshold)
	return a
}

// Attach registers the advisor as the label observer of a metrics registry.
func (a *Advisor) Attach(reg *metrics.Registry) {
	reg.SetLabelObserver(func(metric string, labels prometheus.Labels) {
		for _, v := range labels {
			a.RecordLabelValue(metric, v)
		}
	})
}

// RecordLabelValue tracks one observed label value for a metric and checks
// the thresholds.
func (a *Advisor) RecordLabelValue(metricName, labelValue string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.cardinality[metricName]
	if !ok {
		set = make(map[string]struct{})
		a.cardinality[metricName] = set
	}
	if _, seen := set[labelValue]; !seen {
		set[labelValue] = struct{}{}
		if len(a.sampleOrder[metricName]) < a.maxSampleLabels {
			a.sampleOrder[metricName] = append(a.sampleOrder[metricName], labelValue)
		}
	}

	if a.metrics != nil {
		a.metrics.SetGauge("cardinality_metrics_monitored", float64(len(a.cardinality)), nil)
	}

	a.checkViolation(metricName, time.Now())
}

// checkViolation is called with the mutex held.
func (a *Advisor) checkViolation(metricName string, now time.Time) {
	unique := len(a.cardinality[metricName])

	var severity string
	var threshold int
	switch {
	case unique >= a.criticalThreshold:
		severity, threshold = "critical", a.criticalThreshold
	case unique >= a.warningThreshold:
		severity, threshold = "warning", a.warningThreshold
	default:
		return
	}

	if last, ok := a.lastAlert[metricName]; ok && now.Sub(last) < a.alertCooldown {
		return
	}

	samples := make([]string, len(a.sampleOrder[metricName]))
	copy(samples, a.sampleOrder[metricName])

	a.violations[metricName] = Violation{
		MetricName:   metricName,
		UniqueLabels: unique,
		Threshold:    threshold,
		Severity:     severity,
		Timestamp:    now,
		SampleLabels: samples,
	}
	a.lastAlert[metricName] = now

	if a.metrics != nil {
		a.metrics.IncCounter("cardinality_alerts_total", nil)
		a.metrics.SetGauge("cardinality_violations_active", float64(len(a.violations)), nil)
	}

	a.logger.Printf("violation for metric %q: %d unique labels (threshold %d, severity %s)",
		metricName, unique, threshold, severity)
}

// GetViolations returns the active violations.
func (a *Advisor) GetViolations() []Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Violation, 0, len(a.violations))
	for _, v := range a.violations {
		out = append(out, v)
	}
	return out
}

// GetRecommendations derives remediation hints for all active violations.
func (a *Advisor) GetRecommendations() []Recommendation {
	violations := a.GetViolations()
	recs := make([]Recommendation, 0, len(violations))
	for _, v := range violations {
		recs = append(recs, a.recommend(v))
	}
	return recs
}

func (a *Advisor) recommend(v Violation) Recommendation {
	rec := Recommendation{MetricName: v.MetricName}

	switch {
	case v.UniqueLabels >= a.criticalThreshold*2:
		rec.Severity = "critical"
		rec.Action = "Immediate action required: implement label aggregation or sampling"
		rec.Rationale = "Cardinality is extremely high and may cause performance degradation, memory pressure, or monitoring cost blowup."
		rec.EstimatedImpact = "High risk of system instability and increased operational costs"
	case v.UniqueLabels >= a.criticalThreshold:
		rec.Severity = "high"
		rec.Action = "Review and optimize label usage for this metric"
		rec.Rationale = "Cardinality exceeds the critical threshold; query performance may suffer."
		rec.EstimatedImpact = "Moderate performance impact, potential for increased monitoring costs"
	case float64(v.UniqueLabels) >= float64(a.warningThreshold)*1.5:
		rec.Severity = "medium"
		rec.Action = "Consider aggregating similar labels or implementing rate limiting"
		rec.Rationale = "Cardinality is approaching critical levels; monitor closely and plan optimization."
		rec.EstimatedImpact = "Minor performance impact, but trending toward concerning levels"
	default:
		rec.Severity = "low"
		rec.Action = "Monitor label growth and plan optimization if trend continues"
		rec.Rationale = "Cardinality exceeds the warning threshold but is not yet critical."
		rec.EstimatedImpact = "Minimal current impact, but monitor growth rate"
	}

	rec.SuggestedLabels = suggestOptimizations(v.SampleLabels)
	return rec
}

// suggestOptimizations pattern-analyzes sample labels. Needs at least five
// samples to say anything meaningful.
func suggestOptimizations(samples []string) []string {
	if len(samples) < 5 {
		return nil
	}

	var suggestions []string

	hasDigits := false
	hasLong := false
	lengths := make(map[int]struct{})
	prefixes := make(map[string]struct{})
	for _, label := range samples {
		for _, r := range label {
			if unicode.IsDigit(r) {
				hasDigits = true
				break
			}
		}
		if len(label) > 50 {
			hasLong = true
		}
		lengths[len(label)] = struct{}{}
		if idx := strings.Index(label, "_"); idx > 0 {
			prefixes[label[:idx]] = struct{}{}
		}
	}

	if hasDigits {
		suggestions = append(suggestions, "Consider aggregating numeric IDs into ranges (e.g. 'user_1-1000')")
	}
	if hasLong {
		suggestions = append(suggestions, "Long label values detected - consider truncating or hashing")
	}
	if len(lengths) > 3 {
		suggestions = append(suggestions, "Inconsistent label lengths suggest potential for standardization")
	}
	if len(prefixes) > 1 {
		keys := make([]string, 0, len(prefixes))
		for p := range prefixes {
			keys = append(keys, p)
		}
		suggestions = append(suggestions, "Multiple prefixes detected ("+strings.Join(keys, ", ")+") - consider consistent naming")
	}

	return suggestions
}

// ClearViolation removes a violation after remediation. Returns false if no
// violation existed.
func (a *Advisor) ClearViolation(metricName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.violations[metricName]; !ok {
		return false
	}
	delete(a.violations, metricName)
	if a.metrics != nil {
		a.metrics.SetGauge("cardinality_violations_active", float64(len(a.violations)), nil)
	}
	return true
}

// ResetMetric drops all tracking state for a metric. Returns false if the
// metric was not monitored.
func (a *Advisor) ResetMetric(metricName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cardinality[metricName]; !ok {
		return false
	}
	delete(a.cardinality, metricName)
	delete(a.sampleOrder, metricName)
	delete(a.violations, metricName)
	delete(a.lastAlert, metricName)
	if a.metrics != nil {
		a.metrics.SetGauge("cardinality_metrics_monitored", float64(len(a.cardinality)), nil)
		a.metrics.SetGauge("cardinality_violations_active", float64(len(a.violations)), nil)
	}
	return true
}

// GetCardinalityStats reports per-metric unique-label counts.
func (a *Advisor) GetCardinalityStats() map[string]MetricStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]MetricStats, len(a.cardinality))
	for metric, labels := range a.cardinality {
		_, isViolation := a.violations[metric]
		out[metric] = MetricStats{UniqueLabels: len(labels), IsViolation: isViolation}
	}
	return out
}
