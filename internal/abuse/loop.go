package abuse

import (
	"fmt"
	"sync"
	"time"

	"github.com/atp/router/internal/metrics"
)

// patternRepeatLimit is how many equal-signature requests within the loop
// window constitute a pattern loop.
const patternRepeatLimit = 5

// LoopDetector tracks in-flight requests and recent per-tenant history to
// catch recursion and replayed request patterns.
type LoopDetector struct {
	maxDepth   int
	loopWindow time.Duration

	mu      sync.Mutex
	active  map[string]*RequestContext
	history map[string][]*RequestContext

	metrics *metrics.Registry
}

func NewLoopDetector(maxDepth int, loopWindow time.Duration, reg *metrics.Registry) *LoopDetector {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if loopWindow <= 0 {
		loopWindow = 300 * time.Second
	}
	return &LoopDetector{
		maxDepth:   maxDepth,
		loopWindow: loopWindow,
		active:     make(map[string]*RequestContext),
		history:    make(map[string][]*RequestContext),
		metrics:    reg,
	}
}

// StartRequest begins tracking a request. Returns false with a reason when
// the request would form a loop.
func (d *LoopDetector) StartRequest(ctx *RequestContext) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ctx.Depth > d.maxDepth {
		d.count("depth_exceeded")
		return false, fmt.Sprintf("request depth %d exceeds maximum %d", ctx.Depth, d.maxDepth)
	}

	for _, activeReq := range d.active {
		if activeReq.Signature == ctx.Signature {
			d.count("immediate_loop")
			return false, "immediate loop detected: duplicate active request"
		}
	}

	tenantHistory := d.history[ctx.Signature.TenantID]
	cutoff := time.Now().Add(-d.loopWindow)
	repeats := 0
	for _, req := range tenantHistory {
		if req.Timestamp.After(cutoff) && req.Signature == ctx.Signature {
			repeats++
		}
	}
	if repeats >= patternRepeatLimit {
		d.count("pattern_loop")
		return false, fmt.Sprintf("pattern loop detected: signature repeated %d times", repeats)
	}

	d.active[ctx.RequestID] = ctx
	d.history[ctx.Signature.TenantID] = append(tenantHistory, ctx)

	if d.metrics != nil {
		d.metrics.Observe("request_depth", float64(ctx.Depth), map[string]string{"tenant_id": ctx.Signature.TenantID})
		d.metrics.SetGauge("active_requests_by_tenant",
			float64(d.activeCountLocked(ctx.Signature.TenantID)),
			map[string]string{"tenant_id": ctx.Signature.TenantID})
	}
	return true, ""
}

// EndRequest stops tracking a request and returns its context, or nil if
// unknown.
func (d *LoopDetector) EndRequest(requestID string) *RequestContext {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, ok := d.active[requestID]
	if !ok {
		return nil
	}
	delete(d.active, requestID)
	if d.metrics != nil {
		d.metrics.SetGauge("active_requests_by_tenant",
			float64(d.activeCountLocked(ctx.Signature.TenantID)),
			map[string]string{"tenant_id": ctx.Signature.TenantID})
	}
	return ctx
}

func (d *LoopDetector) activeCountLocked(tenantID string) int {
	n := 0
	for _, req := range d.active {
		if req.Signature.TenantID == tenantID {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of tracked in-flight requests.
func (d *LoopDetector) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// CleanupOldHistory evicts history entries older than twice the loop window.
func (d *LoopDetector) CleanupOldHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-2 * d.loopWindow)
	for tenantID, reqs := range d.history {
		kept := reqs[:0]
		for _, req := range reqs {
			if req.Timestamp.After(cutoff) {
				kept = append(kept, req)
			}
		}
		if len(kept) == 0 {
			delete(d.history, tenantID)
		} else {
			d.history[tenantID] = kept
		}
	}
}

func (d *LoopDetector) count(detectionType string) {
	if d.metrics != nil {
		d.metrics.IncCounter("loop_detections_total", map[string]string{"detection_type": detectionType})
	}
}
