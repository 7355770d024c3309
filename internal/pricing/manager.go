package pricing

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atp/router/internal/metrics"
)

// Fetcher retrieves current pricing for every model a provider serves,
// keyed by model name.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]Pricing, error)
}

// StaticFetcher serves a fixed pricing table. Used for local providers and
// in tests.
type StaticFetcher struct {
	Table map[string]Pricing
}

func (f *StaticFetcher) Fetch(ctx context.Context) (map[string]Pricing, error) {
	out := make(map[string]Pricing, len(f.Table))
	for k, v := range f.Table {
		out[k] = v
	}
	return out, nil
}

// Config tunes the pricing manager.
type Config struct {
	Enabled                    bool          `yaml:"enabled"`
	UpdateInterval             time.Duration `yaml:"update_interval"`
	StalenessThreshold         time.Duration `yaml:"staleness_threshold"`
	CacheTTL                   time.Duration `yaml:"cache_ttl"`
	ChangeAlertPercent         float64       `yaml:"change_alert_percent"`
	SignificantChangePercent   float64       `yaml:"significant_change_percent"`
	ValidationTolerancePercent float64       `yaml:"validation_tolerance_percent"`
}

// DefaultConfig mirrors the documented operational defaults: 5 minute
// refresh, 1 hour staleness, 30 minute cache TTL, alert at 5% movement,
// major alert at 20%, 10% cost validation tolerance.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		UpdateInterval:             5 * time.Minute,
		StalenessThreshold:         time.Hour,
		CacheTTL:                   30 * time.Minute,
		ChangeAlertPercent:         5.0,
		SignificantChangePercent:   20.0,
		ValidationTolerancePercent: 10.0,
	}
}

// CostBreakdown is the result of a cost calculation.
type CostBreakdown struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	TotalTokens   int       `json:"total_tokens"`
	Pricing       Pricing   `json:"pricing"`
	InputCostUSD  float64   `json:"input_cost_usd"`
	OutputCostUSD float64   `json:"output_cost_usd"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	CalculatedAt  time.Time `json:"calculated_at"`
}

// ValidationResult compares an actual billed cost against the expected one.
type ValidationResult struct {
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	TokensUsed      int           `json:"tokens_used"`
	ExpectedCost    float64       `json:"expected_cost_usd"`
	ActualCost      float64       `json:"actual_cost_usd"`
	VariancePercent float64       `json:"variance_percent"`
	WithinTolerance bool          `json:"within_tolerance"`
	Expected        CostBreakdown `json:"expected_breakdown"`
}

// Alternative is a cheaper model for the same workload.
type Alternative struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	CostUSD        float64 `json:"cost_usd"`
	SavingsUSD     float64 `json:"savings_usd"`
	SavingsPercent float64 `json:"savings_percent"`
}

// Recommendation pairs a current usage line with its cheaper alternatives,
// ranked by savings.
type Recommendation struct {
	Provider          string        `json:"provider"`
	Model             string        `json:"model"`
	TokenCount        int           `json:"token_count"`
	CurrentCostUSD    float64       `json:"current_cost_usd"`
	Alternatives      []Alternative `json:"alternatives"`
	MaxSavingsUSD     float64       `json:"max_savings_usd"`
	MaxSavingsPercent float64       `json:"max_savings_percent"`
}

// Manager composes the cache with per-provider fetchers, a change-alert
// channel, and a background refresh loop.
type Manager struct {
	config Config
	cache  *Cache

	mu       sync.RWMutex
	fetchers map[string]Fetcher

	alerts chan Change

	metrics *metrics.Registry
	logger  *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	updateCount int64
	errorCount  int64
	running     bool
}

func NewManager(config Config, reg *metrics.Registry) *Manager {
	return &Manager{
		config:   config,
		cache:    NewCache(config.CacheTTL),
		fetchers: make(map[string]Fetcher),
		alerts:   make(chan Change, 100),
		metrics:  reg,
		logger:   log.New(log.Writer(), "[PRICING] ", log.LstdFlags),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterFetcher installs the pricing source for a provider.
func (m *Manager) RegisterFetcher(provider string, f Fetcher) {
	m.mu.Lock()
	m.fetchers[provider] = f
	m.mu.Unlock()
}

// Alerts delivers price changes at or above ChangeAlertPercent. The channel
// is buffered; alerts are dropped when no one is draining it.
func (m *Manager) Alerts() <-chan Change {
	return m.alerts
}

// Start launches the refresh loop. No-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Printf("pricing monitoring disabled")
		close(m.done)
		return
	}
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.refreshLoop(ctx)
	m.logger.Printf("pricing monitoring started, interval=%s", m.config.UpdateInterval)
}

// Stop terminates the refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.RefreshAllPricing(ctx); err != nil {
				m.logger.Printf("refresh failed: %v", err)
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// GetModelPricing returns pricing for one model, fetching from the provider
// on cache miss or forced refresh.
func (m *Manager) GetModelPricing(ctx context.Context, provider, model string, forceRefresh bool) (Pricing, error) {
	if !forceRefresh {
		if p, ok := m.cache.Get(provider, model); ok {
			return p, nil
		}
	}

	m.mu.RLock()
	fetcher, ok := m.fetchers[provider]
	m.mu.RUnlock()
	if !ok {
		return Pricing{}, fmt.Errorf("no pricing fetcher for provider %s", provider)
	}

	table, err := fetcher.Fetch(ctx)
	if err != nil {
		m.mu.Lock()
		m.errorCount++
		m.mu.Unlock()
		return Pricing{}, fmt.Errorf("fetch pricing for %s: %w", provider, err)
	}

	p, ok := table[model]
	if !ok {
		return Pricing{}, fmt.Errorf("no pricing data for %s:%s", provider, model)
	}
	m.store(provider, model, p)
	return p, nil
}

// GetAllPricing returns provider -> model -> pricing across every fetcher.
func (m *Manager) GetAllPricing(ctx context.Context, forceRefresh bool) (map[string]map[string]Pricing, error) {
	m.mu.RLock()
	fetchers := make(map[string]Fetcher, len(m.fetchers))
	for name, f := range m.fetchers {
		fetchers[name] = f
	}
	m.mu.RUnlock()

	out := make(map[string]map[string]Pricing, len(fetchers))
	for provider, fetcher := range fetchers {
		table, err := fetcher.Fetch(ctx)
		if err != nil {
			m.mu.Lock()
			m.errorCount++
			m.mu.Unlock()
			m.logger.Printf("fetch pricing for %s failed: %v", provider, err)
			continue
		}
		out[provider] = table
		for model, p := range table {
			if forceRefresh {
				m.store(provider, model, p)
			} else if _, ok := m.cache.Get(provider, model); !ok {
				m.store(provider, model, p)
			}
		}
	}
	return out, nil
}

func (m *Manager) store(provider, model string, p Pricing) {
	changes := m.cache.Set(provider, model, p, nil)
	m.mu.Lock()
	m.updateCount++
	m.mu.Unlock()

	for _, ch := range changes {
		if m.metrics != nil {
			m.metrics.IncCounter("pricing_changes_detected_total", map[string]string{"provider": provider})
		}
		if math.Abs(ch.ChangePercent) >= m.config.ChangeAlertPercent {
			if math.Abs(ch.ChangePercent) >= m.config.SignificantChangePercent {
				m.logger.Printf("significant price change %s:%s %s %.2f%%", provider, model, ch.Type, ch.ChangePercent)
			}
			select {
			case m.alerts <- ch:
			default:
			}
		}
	}
}

// CalculateRequestCost prices a request with current (cached when available)
// pricing.
func (m *Manager) CalculateRequestCost(ctx context.Context, provider, model string, inputTokens, outputTokens int) (CostBreakdown, error) {
	p, err := m.GetModelPricing(ctx, provider, model, false)
	if err != nil {
		return CostBreakdown{}, err
	}
	inputCost := float64(inputTokens) / 1000.0 * p.Input
	outputCost := float64(outputTokens) / 1000.0 * p.Output
	return CostBreakdown{
		Provider:      provider,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		TotalTokens:   inputTokens + outputTokens,
		Pricing:       p,
		InputCostUSD:  inputCost,
		OutputCostUSD: outputCost,
		TotalCostUSD:  inputCost + outputCost,
		CalculatedAt:  time.Now(),
	}, nil
}

// ValidateActualCost checks a billed cost against the expected one within
// the configured tolerance.
func (m *Manager) ValidateActualCost(ctx context.Context, provider, model string, inputTokens, outputTokens int, actualCost float64) (ValidationResult, error) {
	expected, err := m.CalculateRequestCost(ctx, provider, model, inputTokens, outputTokens)
	if err != nil {
		return ValidationResult{}, err
	}

	variance := 0.0
	if expected.TotalCostUSD > 0 {
		variance = (actualCost - expected.TotalCostUSD) / expected.TotalCostUSD * 100
	}
	return ValidationResult{
		Provider:        provider,
		Model:           model,
		TokensUsed:      inputTokens + outputTokens,
		ExpectedCost:    expected.TotalCostUSD,
		ActualCost:      actualCost,
		VariancePercent: variance,
		WithinTolerance: math.Abs(variance) <= m.config.ValidationTolerancePercent,
		Expected:        expected,
	}, nil
}

// GetPricingTrends returns changes detected in the trailing window,
// optionally filtered by provider/model.
func (m *Manager) GetPricingTrends(provider, model string, window time.Duration) map[string]interface{} {
	since := time.Now().Add(-window)
	changes := m.cache.Changes(provider, model, since)
	return map[string]interface{}{
		"window_hours":  window.Hours(),
		"total_changes": len(changes),
		"changes":       changes,
	}
}

// GetCostOptimizationRecommendations finds cheaper alternatives for each
// usage line. Usage maps provider -> model -> token count.
func (m *Manager) GetCostOptimizationRecommendations(ctx context.Context, usage map[string]map[string]int) ([]Recommendation, error) {
	allPricing, err := m.GetAllPricing(ctx, false)
	if err != nil {
		return nil, err
	}

	var recommendations []Recommendation
	for provider, models := range usage {
		providerPricing, ok := allPricing[provider]
		if !ok {
			continue
		}
		for model, tokenCount := range models {
			current, ok := providerPricing[model]
			if !ok {
				continue
			}
			currentCost := float64(tokenCount) / 1000.0 * current.Input

			var alternatives []Alternative
			for altProvider, altModels := range allPricing {
				for altModel, altPricing := range altModels {
					if altProvider == provider && altModel == model {
						continue
					}
					altCost := float64(tokenCount) / 1000.0 * altPricing.Input
					if altCost >= currentCost {
						continue
					}
					savings := currentCost - altCost
					alternatives = append(alternatives, Alternative{
						Provider:       altProvider,
						Model:          altModel,
						CostUSD:        altCost,
						SavingsUSD:     savings,
						SavingsPercent: savings / currentCost * 100,
					})
				}
			}
			if len(alternatives) == 0 {
				continue
			}
			sort.Slice(alternatives, func(i, j int) bool {
				return alternatives[i].SavingsUSD > alternatives[j].SavingsUSD
			})
			if len(alternatives) > 3 {
				alternatives = alternatives[:3]
			}
			recommendations = append(recommendations, Recommendation{
				Provider:          provider,
				Model:             model,
				TokenCount:        tokenCount,
				CurrentCostUSD:    currentCost,
				Alternatives:      alternatives,
				MaxSavingsUSD:     alternatives[0].SavingsUSD,
				MaxSavingsPercent: alternatives[0].SavingsPercent,
			})
		}
	}
	return recommendations, nil
}

// RefreshAllPricing clears the cache and re-fetches everything.
func (m *Manager) RefreshAllPricing(ctx context.Context) (map[string]interface{}, error) {
	cleared := m.cache.Clear("", "")
	all, err := m.GetAllPricing(ctx, true)
	if err != nil {
		return nil, err
	}
	updated := 0
	providers := make([]string, 0, len(all))
	for provider, models := range all {
		providers = append(providers, provider)
		updated += len(models)
	}
	sort.Strings(providers)
	if m.metrics != nil {
		m.metrics.IncCounter("pricing_refreshes_total", nil)
		m.metrics.SetGauge("pricing_cached_models", float64(updated), nil)
	}
	m.logger.Printf("pricing refresh completed: %d models updated", updated)
	return map[string]interface{}{
		"success":               true,
		"cleared_cache_entries": cleared,
		"updated_models":        updated,
		"providers":             providers,
		"refreshed_at":          time.Now(),
	}, nil
}

// Health reports overall pricing-system status.
func (m *Manager) Health() map[string]interface{} {
	m.mu.RLock()
	running := m.running
	providersConfigured := len(m.fetchers)
	updateCount := m.updateCount
	errorCount := m.errorCount
	m.mu.RUnlock()

	stale := m.cache.Stale(m.config.StalenessThreshold)
	status := "stopped"
	if running {
		status = "healthy"
	}
	return map[string]interface{}{
		"pricing_monitoring": running && len(stale) < 10,
		"monitor": map[string]interface{}{
			"status":               status,
			"providers_configured": providersConfigured,
			"update_count":         updateCount,
			"error_count":          errorCount,
		},
		"cache": m.cache.Stats(),
		"staleness": map[string]interface{}{
			"stale_count":       len(stale),
			"threshold_seconds": m.config.StalenessThreshold.Seconds(),
		},
	}
}

// Cache exposes the underlying cache for history queries.
func (m *Manager) Cache() *Cache {
	return m.cache
}
