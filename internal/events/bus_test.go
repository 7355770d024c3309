package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlersInvokedInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.AddHandler(func(env *Envelope) { order = append(order, 1) })
	bus.AddHandler(func(env *Envelope) { order = append(order, 2) })
	bus.AddHandler(func(env *Envelope) { order = append(order, 3) })

	bus.EmitRejection(RejectionEvent{Reason: ReasonReplayDetected, Component: "replay_guard"})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanickingHandlerIsolated(t *testing.T) {
	bus := NewBus()

	var after bool
	bus.AddHandler(func(env *Envelope) { panic("boom") })
	bus.AddHandler(func(env *Envelope) { after = true })

	require.NotPanics(t, func() {
		bus.EmitRejection(RejectionEvent{Reason: ReasonPolicyViolation, Component: "waf"})
	})
	assert.True(t, after, "handler after the panicking one must still run")
}

func TestRejectionEnvelopeFields(t *testing.T) {
	bus := NewBus()

	var got *Envelope
	bus.AddHandler(func(env *Envelope) { got = env })

	bus.EmitRejection(RejectionEvent{
		Reason:    ReasonRateLimitExceeded,
		Component: "rate_limiter",
		RequestID: "req-1",
		Details:   map[string]interface{}{"retry_after_s": 300},
	})

	require.NotNil(t, got)
	assert.Equal(t, "rejection", got.Kind)
	assert.Equal(t, "rate_limiter", got.Component)
	assert.Equal(t, "rate_limit_exceeded", got.Data["reason"])
	assert.Equal(t, "req-1", got.Data["request_id"])
}

func TestSpeculativeEnvelopeFields(t *testing.T) {
	bus := NewBus()

	var got *Envelope
	bus.AddHandler(func(env *Envelope) { got = env })

	bus.EmitSpeculative(SpeculativeEvent{
		Type:            SpeculationAccepted,
		ModelName:       "draft-7b",
		LatencySavedMs:  150,
		ConfidenceScore: 0.8,
	})

	require.NotNil(t, got)
	assert.Equal(t, "speculative", got.Kind)
	assert.Equal(t, "speculation_accepted", got.Data["speculative_type"])
	assert.Equal(t, "draft-7b", got.Data["model_name"])
	assert.Equal(t, 150.0, got.Data["latency_saved_ms"])
}

func TestChannelSubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.EmitRejection(RejectionEvent{Reason: ReasonMalformedRequest, Component: "hardening"})

	select {
	case env := <-ch:
		assert.Equal(t, "rejection", env.Kind)
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestFullChannelDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	bus.EmitRejection(RejectionEvent{Reason: ReasonInputValidation, Component: "hardening"})
	done := make(chan struct{})
	go func() {
		bus.EmitRejection(RejectionEvent{Reason: ReasonInputValidation, Component: "hardening"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber channel")
	}
	assert.Len(t, ch, 1)
}
