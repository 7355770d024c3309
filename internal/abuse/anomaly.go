package abuse

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// anomalyWindow is the rolling sample window per tenant.
const anomalyWindow = 10 * time.Minute

// Score boundaries: above anomalousThreshold a request is flagged, above
// banThreshold the entity is temporarily banned.
const (
	anomalousThreshold = 0.8
	banThreshold       = 0.9
)

type sample struct {
	at       time.Time
	endpoint string
	method   string
	depth    int
}

// AnomalyDetector scores per-tenant traffic on frequency, endpoint
// diversity, recursion depth, and method-distribution entropy.
type AnomalyDetector struct {
	mu      sync.Mutex
	samples map[string][]sample
	scores  map[string]float64
}

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		samples: make(map[string][]sample),
		scores:  make(map[string]float64),
	}
}

// AnalyzeRequest records the request and returns (anomalous, score, reason).
func (a *AnomalyDetector) AnalyzeRequest(ctx *RequestContext) (bool, float64, string) {
	tenantID := ctx.Signature.TenantID
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	samples := append(a.samples[tenantID], sample{
		at:       now,
		endpoint: ctx.Signature.Endpoint,
		method:   ctx.Signature.Method,
		depth:    ctx.Depth,
	})

	cutoff := now.Add(-anomalyWindow)
	start := 0
	for start < len(samples) && !samples[start].at.After(cutoff) {
		start++
	}
	samples = samples[start:]
	a.samples[tenantID] = samples

	score := scoreSamples(samples)
	a.scores[tenantID] = score

	return score > anomalousThreshold, score, anomalyReason(samples, score)
}

func scoreSamples(samples []sample) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	score := 0.0

	// frequency: more than 100 requests in the window
	if n := len(samples); n > 100 {
		score += math.Min(0.4, float64(n-100)/500)
	}

	// endpoint diversity: scanning behavior
	endpoints := make(map[string]struct{})
	for _, s := range samples {
		endpoints[s.endpoint] = struct{}{}
	}
	if n := len(endpoints); n > 20 {
		score += math.Min(0.3, float64(n-20)/50)
	}

	// mean recursion depth
	totalDepth := 0
	for _, s := range samples {
		totalDepth += s.depth
	}
	if avg := float64(totalDepth) / float64(len(samples)); avg > 5 {
		score += math.Min(0.3, (avg-5)/10)
	}

	// method-distribution entropy
	methodCounts := make(map[string]int)
	for _, s := range samples {
		methodCounts[s.method]++
	}
	if len(methodCounts) > 1 {
		counts := make([]int, 0, len(methodCounts))
		for _, c := range methodCounts {
			counts = append(counts, c)
		}
		if entropy := shannonEntropy(counts); entropy > 1.5 {
			score += math.Min(0.2, (entropy-1.5)/2)
		}
	}

	return math.Min(1.0, score)
}

func shannonEntropy(counts []int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0.0
	}
	entropy := 0.0
	for _, c := range counts {
		if c > 0 {
			p := float64(c) / float64(total)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func anomalyReason(samples []sample, score float64) string {
	var reasons []string

	if n := len(samples); n > 100 {
		reasons = append(reasons, fmt.Sprintf("high_frequency_%d_requests", n))
	}

	endpoints := make(map[string]struct{})
	totalDepth := 0
	for _, s := range samples {
		endpoints[s.endpoint] = struct{}{}
		totalDepth += s.depth
	}
	if n := len(endpoints); n > 20 {
		reasons = append(reasons, fmt.Sprintf("endpoint_scanning_%d_endpoints", n))
	}
	if len(samples) > 0 {
		if avg := float64(totalDepth) / float64(len(samples)); avg > 5 {
			reasons = append(reasons, fmt.Sprintf("deep_recursion_avg_%.1f", avg))
		}
	}

	if len(reasons) == 0 {
		return fmt.Sprintf("anomaly_score_%.2f", score)
	}
	return strings.Join(reasons, "_")
}

// Scores returns the last computed score per tenant.
func (a *AnomalyDetector) Scores() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.scores))
	for k, v := range a.scores {
		out[k] = v
	}
	return out
}

// ResetTenant drops a tenant's score and samples.
func (a *AnomalyDetector) ResetTenant(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.scores, tenantID)
	delete(a.samples, tenantID)
}
