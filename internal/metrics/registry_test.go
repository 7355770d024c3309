package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncrement(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("requests_total", prometheus.Labels{"tenant": "t1"})
	r.IncCounter("requests_total", prometheus.Labels{"tenant": "t1"})
	r.AddCounter("requests_total", 3, prometheus.Labels{"tenant": "t2"})

	vec := r.counters["requests_total"]
	require.NotNil(t, vec)
	assert.Equal(t, 2.0, testutil.ToFloat64(vec.With(prometheus.Labels{"tenant": "t1"})))
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.With(prometheus.Labels{"tenant": "t2"})))
}

func TestCounterNegativeAddIgnored(t *testing.T) {
	r := NewRegistry()
	r.AddCounter("c", 5, nil)
	r.AddCounter("c", -5, nil)
	assert.Equal(t, 5.0, testutil.ToFloat64(r.counters["c"].With(nil)))
}

func TestGaugeSetAndAdd(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("queue_depth", 10, nil)
	r.AddGauge("queue_depth", -4, nil)

	assert.Equal(t, 6.0, testutil.ToFloat64(r.gauges["queue_depth"].With(nil)))
}

func TestHistogramObserve(t *testing.T) {
	r := NewRegistry()

	r.Observe("latency_seconds", 0.25, prometheus.Labels{"op": "stream"})
	r.Observe("latency_seconds", 0.75, prometheus.Labels{"op": "stream"})

	count := testutil.CollectAndCount(r.histograms["latency_seconds"])
	assert.Equal(t, 1, count)
}

func TestLabelObserverNotified(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	seen := make(map[string]int)
	r.SetLabelObserver(func(metric string, labels prometheus.Labels) {
		mu.Lock()
		seen[metric]++
		mu.Unlock()
	})

	r.IncCounter("waf_blocks_total", prometheus.Labels{"rule": "sql_injection"})
	r.IncCounter("waf_blocks_total", prometheus.Labels{"rule": "xss"})
	// unlabeled recordings do not feed the cardinality observer
	r.IncCounter("plain_total", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen["waf_blocks_total"])
	assert.Zero(t, seen["plain_total"])
}

func TestConcurrentRecording(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncCounter("concurrent_total", prometheus.Labels{"worker": "w"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1600.0, testutil.ToFloat64(r.counters["concurrent_total"].With(prometheus.Labels{"worker": "w"})))
}

func TestMetricNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("b_total", nil)
	r.SetGauge("a_gauge", 1, nil)
	assert.Equal(t, []string{"a_gauge", "b_total"}, r.MetricNames())
}
