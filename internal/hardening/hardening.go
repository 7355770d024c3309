// Package hardening performs first-line input checks: MIME sniffing for raw
// payloads and required-key validation for structured ones.
package hardening

import (
	"github.com/atp/router/internal/events"
	"github.com/atp/router/internal/metrics"
)

const (
	MIMETextPlain   = "text/plain"
	MIMEOctetStream = "application/octet-stream"

	// Raw payloads with more than this fraction of non-printable bytes are
	// treated as binary.
	maxNonPrintableFraction = 0.05
)

// Checker validates inbound payloads before any deeper inspection.
type Checker struct {
	emitter events.Emitter
	metrics *metrics.Registry
}

// NewChecker creates a checker. Emitter and registry may be nil.
func NewChecker(emitter events.Emitter, reg *metrics.Registry) *Checker {
	return &Checker{emitter: emitter, metrics: reg}
}

// Result reports a single check outcome.
type Result struct {
	OK     bool
	Reason events.RejectionReason
	Detail string
}

func accepted() Result { return Result{OK: true} }

// SniffMIME classifies raw bytes as text/plain or application/octet-stream.
// Tab, LF and CR count as printable.
func SniffMIME(data []byte) string {
	if len(data) == 0 {
		return MIMETextPlain
	}
	nonPrintable := 0
	for _, b := range data {
		if b == 0 || b < 9 || (b > 13 && b < 32) {
			nonPrintable++
		}
	}
	if float64(nonPrintable)/float64(len(data)) > maxNonPrintableFraction {
		return MIMEOctetStream
	}
	return MIMETextPlain
}

// CheckRaw accepts a raw payload iff it sniffs as text/plain.
func (c *Checker) CheckRaw(requestID string, data []byte) Result {
	if mime := SniffMIME(data); mime != MIMETextPlain {
		return c.reject(requestID, events.ReasonInputValidation, "payload sniffed as "+mime)
	}
	return accepted()
}

// CheckStructured accepts a structured payload iff every required key is
// present.
func (c *Checker) CheckStructured(requestID string, payload map[string]interface{}, requiredKeys []string) Result {
	for _, key := range requiredKeys {
		if _, ok := payload[key]; !ok {
			return c.reject(requestID, events.ReasonSchemaMismatch, "missing required key: "+key)
		}
	}
	return accepted()
}

func (c *Checker) reject(requestID string, reason events.RejectionReason, detail string) Result {
	if c.metrics != nil {
		c.metrics.IncCounter("input_reject_total", nil)
	}
	if c.emitter != nil {
		c.emitter.EmitRejection(events.RejectionEvent{
			Reason:    reason,
			Component: "input_hardening",
			RequestID: requestID,
			Details:   map[string]interface{}{"detail": detail},
		})
	}
	return Result{OK: false, Reason: reason, Detail: detail}
}
