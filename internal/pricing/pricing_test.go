package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/metrics"
)

func TestCacheGetMissesWhenExpired(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set("acme", "large", Pricing{Input: 1, Output: 2}, nil)

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("acme", "large")
	assert.False(t, ok)
}

func TestChangeDetectionThreshold(t *testing.T) {
	c := NewCache(time.Hour)

	// first write: no previous entry, no changes
	changes := c.Set("acme", "large", Pricing{Input: 10, Output: 20}, nil)
	assert.Empty(t, changes)

	// 0.5% movement stays below the 1% threshold
	changes = c.Set("acme", "large", Pricing{Input: 10.05, Output: 20}, nil)
	assert.Empty(t, changes)

	// 2% drop on output fires
	changes = c.Set("acme", "large", Pricing{Input: 10.05, Output: 19.6}, nil)
	require.Len(t, changes, 1)
	assert.Equal(t, "output", changes[0].Type)
	assert.InDelta(t, -2.0, changes[0].ChangePercent, 0.01)
	assert.InDelta(t, -0.4, changes[0].ChangeAbsolute, 0.0001)
}

func TestHistoryBounded(t *testing.T) {
	c := NewCache(time.Hour)
	price := 1.0
	c.Set("acme", "large", Pricing{Input: price, Output: price}, nil)
	for i := 0; i < historyLimit+20; i++ {
		price *= 1.02
		c.Set("acme", "large", Pricing{Input: price, Output: price}, nil)
	}
	h := c.History("acme", "large", 0)
	assert.Len(t, h, historyLimit)

	limited := c.History("acme", "large", 5)
	assert.Len(t, limited, 5)
	// newest entry carries the latest price
	assert.InDelta(t, price, limited[4].Pricing.Input, price*0.0001)
}

func TestStaleAndClear(t *testing.T) {
	c := NewCache(time.Hour)
	c.Set("acme", "large", Pricing{Input: 1}, nil)
	c.Set("acme", "mini", Pricing{Input: 1}, nil)
	c.Set("other", "x", Pricing{Input: 1}, nil)

	assert.Empty(t, c.Stale(time.Minute))
	stale := c.Stale(0)
	assert.Len(t, stale, 3)

	assert.Equal(t, 1, c.Clear("acme", "mini"))
	assert.Equal(t, 1, c.Clear("acme", ""))
	assert.Equal(t, 1, c.Clear("", ""))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	m := NewManager(cfg, metrics.NewRegistry())
	m.RegisterFetcher("acme", &StaticFetcher{Table: map[string]Pricing{
		"large": {Input: 10.0, Output: 30.0},
		"mini":  {Input: 0.5, Output: 1.5},
	}})
	m.RegisterFetcher("rival", &StaticFetcher{Table: map[string]Pricing{
		"basic": {Input: 2.0, Output: 6.0},
	}})
	return m
}

func TestGetModelPricingCachesFetch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p, err := m.GetModelPricing(ctx, "acme", "large", false)
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.Input)

	// second call is served from cache
	cached, ok := m.cache.Get("acme", "large")
	require.True(t, ok)
	assert.Equal(t, p, cached)

	_, err = m.GetModelPricing(ctx, "acme", "nonexistent", false)
	assert.Error(t, err)

	_, err = m.GetModelPricing(ctx, "unknown-provider", "large", false)
	assert.Error(t, err)
}

func TestCalculateRequestCost(t *testing.T) {
	m := newTestManager(t)

	b, err := m.CalculateRequestCost(context.Background(), "acme", "large", 2000, 500)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, b.InputCostUSD, 1e-9)  // 2000/1000 * 10
	assert.InDelta(t, 15.0, b.OutputCostUSD, 1e-9) // 500/1000 * 30
	assert.InDelta(t, 35.0, b.TotalCostUSD, 1e-9)
	assert.Equal(t, 2500, b.TotalTokens)
}

func TestValidateActualCost(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// expected 35.0; 36.0 is under the 10% tolerance
	res, err := m.ValidateActualCost(ctx, "acme", "large", 2000, 500, 36.0)
	require.NoError(t, err)
	assert.True(t, res.WithinTolerance)
	assert.InDelta(t, 2.857, res.VariancePercent, 0.01)

	// 50.0 is a 42% overshoot
	res, err = m.ValidateActualCost(ctx, "acme", "large", 2000, 500, 50.0)
	require.NoError(t, err)
	assert.False(t, res.WithinTolerance)
}

func TestOptimizationRecommendations(t *testing.T) {
	m := newTestManager(t)

	recs, err := m.GetCostOptimizationRecommendations(context.Background(), map[string]map[string]int{
		"acme": {"large": 10000},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "acme", rec.Provider)
	assert.Equal(t, "large", rec.Model)
	assert.InDelta(t, 100.0, rec.CurrentCostUSD, 1e-9)
	require.NotEmpty(t, rec.Alternatives)
	// acme/mini (0.5/1k) beats rival/basic (2.0/1k)
	assert.Equal(t, "mini", rec.Alternatives[0].Model)
	assert.InDelta(t, 95.0, rec.MaxSavingsUSD, 1e-9)
	assert.InDelta(t, 95.0, rec.MaxSavingsPercent, 1e-9)
}

func TestNoRecommendationWhenAlreadyCheapest(t *testing.T) {
	m := newTestManager(t)

	recs, err := m.GetCostOptimizationRecommendations(context.Background(), map[string]map[string]int{
		"acme": {"mini": 10000},
	})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAlertEmittedOnLargeChange(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	f := &StaticFetcher{Table: map[string]Pricing{"large": {Input: 10.0, Output: 30.0}}}
	m.RegisterFetcher("acme", f)
	ctx := context.Background()

	_, err := m.GetModelPricing(ctx, "acme", "large", true)
	require.NoError(t, err)

	// 50% hike: both an alert-worthy and a significant change
	f.Table["large"] = Pricing{Input: 15.0, Output: 30.0}
	_, err = m.GetModelPricing(ctx, "acme", "large", true)
	require.NoError(t, err)

	select {
	case ch := <-m.Alerts():
		assert.Equal(t, "input", ch.Type)
		assert.InDelta(t, 50.0, ch.ChangePercent, 0.01)
	default:
		t.Fatal("expected a pricing alert")
	}
}

func TestSmallChangeDoesNotAlert(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	f := &StaticFetcher{Table: map[string]Pricing{"large": {Input: 10.0, Output: 30.0}}}
	m.RegisterFetcher("acme", f)
	ctx := context.Background()

	_, _ = m.GetModelPricing(ctx, "acme", "large", true)

	// 2% change: recorded in history but below the 5% alert bar
	f.Table["large"] = Pricing{Input: 10.2, Output: 30.0}
	_, _ = m.GetModelPricing(ctx, "acme", "large", true)

	select {
	case <-m.Alerts():
		t.Fatal("no alert expected for a 2% change")
	default:
	}
	assert.Len(t, m.cache.History("acme", "large", 0), 1)
}

func TestRefreshAllPricing(t *testing.T) {
	m := newTestManager(t)

	result, err := m.RefreshAllPricing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, 3, result["updated_models"])
	assert.Equal(t, []string{"acme", "rival"}, result["providers"])
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context) (map[string]Pricing, error) {
	return nil, errors.New("upstream down")
}

func TestFetcherFailureSkipsProvider(t *testing.T) {
	m := newTestManager(t)
	m.RegisterFetcher("broken", failingFetcher{})

	all, err := m.GetAllPricing(context.Background(), true)
	require.NoError(t, err)
	assert.Contains(t, all, "acme")
	assert.NotContains(t, all, "broken")

	health := m.Health()
	monitor := health["monitor"].(map[string]interface{})
	assert.Equal(t, int64(1), monitor["error_count"])
}

func TestPricingTrendsFiltered(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _ = m.GetModelPricing(ctx, "acme", "large", true)
	f := &StaticFetcher{Table: map[string]Pricing{"large": {Input: 20.0, Output: 30.0}}}
	m.RegisterFetcher("acme", f)
	_, _ = m.GetModelPricing(ctx, "acme", "large", true)

	trends := m.GetPricingTrends("acme", "large", 24*time.Hour)
	assert.Equal(t, 1, trends["total_changes"])

	none := m.GetPricingTrends("rival", "", 24*time.Hour)
	assert.Equal(t, 0, none["total_changes"])
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateInterval = 10 * time.Millisecond
	m := NewManager(cfg, nil)
	m.RegisterFetcher("acme", &StaticFetcher{Table: map[string]Pricing{"large": {Input: 1}}})

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	health := m.Health()
	monitor := health["monitor"].(map[string]interface{})
	assert.Equal(t, "stopped", monitor["status"])
	assert.Greater(t, monitor["update_count"].(int64), int64(0))
}
