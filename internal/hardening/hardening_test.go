package hardening

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atp/router/internal/events"
)

func TestSniffMIME(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, MIMETextPlain},
		{"plain ascii", []byte("hello world"), MIMETextPlain},
		{"tabs and newlines", []byte("a\tb\nc\r\n"), MIMETextPlain},
		{"mostly binary", bytes.Repeat([]byte{0x00}, 100), MIMEOctetStream},
		{"five percent exactly", append(bytes.Repeat([]byte("a"), 95), bytes.Repeat([]byte{0x01}, 5)...), MIMETextPlain},
		{"just over five percent", append(bytes.Repeat([]byte("a"), 94), bytes.Repeat([]byte{0x01}, 6)...), MIMEOctetStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SniffMIME(tt.data))
		})
	}
}

func TestCheckRawRejectsBinary(t *testing.T) {
	bus := events.NewBus()
	var got *events.Envelope
	bus.AddHandler(func(env *events.Envelope) { got = env })

	c := NewChecker(bus, nil)
	res := c.CheckRaw("req-1", bytes.Repeat([]byte{0x00, 'a'}, 50))

	assert.False(t, res.OK)
	assert.Equal(t, events.ReasonInputValidation, res.Reason)
	assert.NotNil(t, got)
	assert.Equal(t, "input_hardening", got.Component)
}

func TestCheckStructured(t *testing.T) {
	c := NewChecker(nil, nil)

	payload := map[string]interface{}{"prompt": "hi", "model": "m1"}

	assert.True(t, c.CheckStructured("r", payload, []string{"prompt"}).OK)
	assert.True(t, c.CheckStructured("r", payload, nil).OK)

	res := c.CheckStructured("r", payload, []string{"prompt", "max_tokens"})
	assert.False(t, res.OK)
	assert.Equal(t, events.ReasonSchemaMismatch, res.Reason)
}
