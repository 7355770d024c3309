package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string, timeout time.Duration) *Config {
	cfg := DefaultConfig(name)
	cfg.Timeout = timeout
	cfg.OnStateChange = nil
	return cfg
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig("t", time.Minute))
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		assert.Equal(t, StateClosed, cb.State())
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, cb.State())
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(testConfig("t", time.Minute))
	boom := errors.New("boom")

	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)

	// counter restarted; four more failures stay closed
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := New(testConfig("t", 10*time.Millisecond))
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// three successful probes close the circuit
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig("t", 10*time.Millisecond))
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, _ = cb.Execute(func() (interface{}, error) { return nil, boom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cb := New(testConfig("t", 10*time.Millisecond))
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	block := make(chan struct{})
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = cb.Execute(func() (interface{}, error) {
				<-block
				return "ok", nil
			})
			done <- struct{}{}
		}()
	}
	// give the three probes time to claim their slots
	time.Sleep(10 * time.Millisecond)

	err := cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(block)
	for i := 0; i < 3; i++ {
		<-done
	}
}

func TestRecordOutOfBandOutcomes(t *testing.T) {
	cb := New(testConfig("t", time.Minute))

	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestManagerPerEntityBreakers(t *testing.T) {
	m := NewManager(testConfig("", time.Minute))

	a := m.ForEntity("tenant-1", "/infer")
	b := m.ForEntity("tenant-1", "/infer")
	c := m.ForEntity("tenant-2", "/infer")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "tenant-1:/infer", a.Name())

	adapter := m.ForAdapter("acme")
	assert.Equal(t, "adapter:acme", adapter.Name())

	assert.Len(t, m.List(), 3)
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager(testConfig("", time.Minute))
	cb := m.Get("svc")

	status, detail := m.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", detail["svc"])

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	status, detail = m.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", detail["svc"])
}

func TestExecuteWithFallback(t *testing.T) {
	cb := New(testConfig("t", time.Minute))
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	got, err := ExecuteWithFallback(cb,
		func() (string, error) { return "primary", nil },
		func(err error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestGenerationIgnoresStaleResults(t *testing.T) {
	cfg := testConfig("t", time.Minute)
	cfg.Interval = 5 * time.Millisecond
	cb := New(cfg)

	gen, err := cb.beforeRequest()
	require.NoError(t, err)

	// closed-state window rolls over; the pending result is stale
	time.Sleep(10 * time.Millisecond)
	_ = cb.State()
	cb.afterRequest(gen, false)

	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}
