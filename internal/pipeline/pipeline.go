// Package pipeline is the admission and dispatch path for inbound inference
// requests: hardening, WAF, replay, abuse, model selection, cost pre-check,
// optional speculative sampling, adapter streaming with output scanning,
// and DP accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/atp/router/internal/abuse"
	"github.com/atp/router/internal/dpledger"
	"github.com/atp/router/internal/events"
	"github.com/atp/router/internal/hardening"
	"github.com/atp/router/internal/metrics"
	"github.com/atp/router/internal/pricing"
	"github.com/atp/router/internal/registry"
	"github.com/atp/router/internal/replay"
	"github.com/atp/router/internal/speculative"
	"github.com/atp/router/internal/waf"
	"github.com/atp/router/pb"
)

// AdapterResolver maps a provider name to a connected adapter client.
type AdapterResolver func(providerName string) (pb.AdapterServiceClient, error)

// Config tunes the pipeline.
type Config struct {
	// TenantBudgetUSD rejects requests whose estimated cost exceeds it;
	// zero disables the pre-check.
	TenantBudgetUSD float64 `yaml:"tenant_budget_usd"`
	// EpsilonPerRequest is the DP budget charged per recorded exposure.
	EpsilonPerRequest float64 `yaml:"epsilon_per_request"`
	// RequestTimeout bounds the adapter stream; zero means no limit.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// EnableShadowMirror mirrors requests to shadow models in parallel.
	EnableShadowMirror bool `yaml:"enable_shadow_mirror"`
	// EnableSpeculative runs the speculative sampler when configured.
	EnableSpeculative bool `yaml:"enable_speculative"`
	// Window caps a session's concurrent spend; zero caps disable it.
	Window Window `yaml:"window"`

	Selection SelectionConfig `yaml:"selection"`
}

func DefaultConfig() Config {
	return Config{
		EpsilonPerRequest: 0.01,
		RequestTimeout:    60 * time.Second,
		EnableSpeculative: true,
	}
}

// Request is a parsed inbound inference request.
type Request struct {
	RequestID      string
	CorrelationID  string
	TenantID       string
	UserID         string
	SessionID      string
	Prompt         string
	RequestedModel string
	Nonce          string
	ClientIP       string
	UserAgent      string
	WantStreaming  bool
	HasImages      bool
	Depth          int
	ParentID       string
	SamplingParams map[string]interface{}
}

// Chunk is one unit of streamed output forwarded to the client.
type Chunk struct {
	Text  string
	Final bool
	Err   string
}

// OnChunk receives streamed chunks; may be nil for callers that only want
// the assembled response.
type OnChunk func(Chunk)

// Response summarizes a completed request.
type Response struct {
	RequestID        string
	CorrelationID    string
	Model            string
	Provider         string
	Text             string
	Chunks           int
	InputTokens      int64
	OutputTokens     int64
	CostUSD          float64
	LatencyMS        float64
	Speculative      *speculative.Result
	DPBudgetExceeded bool
}

// RejectionError is returned when admission refuses a request.
type RejectionError struct {
	Reason     events.RejectionReason
	Detail     string
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("request rejected (%s): %s", e.Reason, e.Detail)
}

// AsRejection unwraps a pipeline error into a RejectionError, if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Deps are the pipeline's collaborators. Sampler and Ledger are optional.
type Deps struct {
	Hardening *hardening.Checker
	WAF       *waf.WAF
	Replay    replay.Guard
	Abuse     *abuse.Engine
	Registry  *registry.Manager
	Pricing   *pricing.Manager
	Sampler   *speculative.Sampler
	Adapters  AdapterResolver
	Ledger    *dpledger.Ledger
	Emitter   events.Emitter
	Metrics   *metrics.Registry
}

// Pipeline executes the admission steps in order for each request.
type Pipeline struct {
	cfg      Config
	deps     Deps
	selector *Selector
	windows  *WindowTable
	logger   *log.Logger

	shadowWG sync.WaitGroup
}

func New(cfg Config, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		selector: NewSelector(deps.Registry, deps.Pricing, cfg.Selection),
		windows:  NewWindowTable(),
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Windows exposes the admission window table for ops surfaces.
func (p *Pipeline) Windows() *WindowTable {
	return p.windows
}

// Process runs a request through the full admission and dispatch path.
func (p *Pipeline) Process(ctx context.Context, req Request, onChunk OnChunk) (*Response, error) {
	start := time.Now()

	// 1. normalize
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	// 2. input hardening
	if p.deps.Hardening != nil {
		if res := p.deps.Hardening.CheckRaw(req.RequestID, []byte(req.Prompt)); !res.OK {
			return nil, p.reject(req, res.Reason, res.Detail, 0)
		}
	}

	// 3. WAF input scan
	if p.deps.WAF != nil {
		res := p.deps.WAF.ProcessInput(req.Prompt, req.ClientIP, clientID(req), req.RequestID)
		switch {
		case !res.Allowed && res.ActionTaken == waf.ActionRateLimit:
			return nil, p.reject(req, events.ReasonRateLimitExceeded, res.Reason, res.RetryAfter)
		case !res.Allowed:
			return nil, p.reject(req, events.ReasonPolicyViolation, res.Reason, 0)
		case res.ActionTaken == waf.ActionSanitize:
			req.Prompt = res.SanitizedInput
		}
	}

	// 4. replay check
	if p.deps.Replay != nil && req.Nonce != "" {
		if !p.deps.Replay.CheckAndStore(req.Nonce, time.Now()) {
			return nil, p.reject(req, events.ReasonReplayDetected, "nonce already used", 0)
		}
	}

	// 5. abuse check; from here on the request is tracked and must be
	// released through EndRequest
	tracked := false
	if p.deps.Abuse != nil {
		decision := p.deps.Abuse.CheckRequest(abuse.CheckParams{
			RequestID:       req.RequestID,
			TenantID:        req.TenantID,
			Endpoint:        "/infer",
			Method:          "POST",
			Content:         req.Prompt,
			UserID:          req.UserID,
			SourceIP:        req.ClientIP,
			UserAgent:       req.UserAgent,
			ParentRequestID: req.ParentID,
			Depth:           req.Depth,
		})
		if !decision.Allowed {
			return nil, p.reject(req, abuseReason(decision.Reason), decision.Message, 0)
		}
		tracked = true
	}
	success := false
	defer func() {
		if tracked {
			p.deps.Abuse.EndRequest(req.RequestID, success)
		}
	}()

	// 6. model selection
	candidate, err := p.selector.Select(ctx, &req)
	if err != nil {
		return nil, p.reject(req, events.ReasonResourceExhausted, err.Error(), 0)
	}
	if p.cfg.EnableShadowMirror {
		p.mirrorToShadows(ctx, &req)
	}

	client, err := p.deps.Adapters(candidate.Provider.Name)
	if err != nil {
		return nil, p.reject(req, events.ReasonResourceExhausted,
			fmt.Sprintf("adapter %s unavailable: %v", candidate.Provider.Name, err), 0)
	}

	// 7. cost pre-check
	var estimate *pb.EstimateResponse
	windowed := p.cfg.Window.MaxParallel > 0 || p.cfg.Window.MaxTokens > 0 || p.cfg.Window.MaxUSDMicros > 0
	if p.cfg.TenantBudgetUSD > 0 || windowed {
		estimate, err = client.Estimate(ctx, &pb.EstimateRequest{
			PromptJson: req.Prompt,
			RequestId:  req.RequestID,
			Timestamp:  timestamppb.Now(),
		})
		if err != nil {
			p.logger.Printf("estimate failed for %s: %v", req.RequestID, err)
			estimate = nil
		} else if cost := float64(estimate.UsdMicros) / 1e6; p.cfg.TenantBudgetUSD > 0 && cost > p.cfg.TenantBudgetUSD {
			if p.deps.Emitter != nil {
				p.deps.Emitter.EmitSpeculative(events.SpeculativeEvent{
					Type:      events.EarlyTermination,
					ModelName: candidate.Model.Name,
					RequestID: req.RequestID,
					Details: map[string]interface{}{
						"estimated_cost_usd": cost,
						"budget_usd":         p.cfg.TenantBudgetUSD,
					},
				})
			}
			return nil, p.reject(req, events.ReasonResourceExhausted,
				fmt.Sprintf("estimated cost %.6f exceeds budget %.6f", cost, p.cfg.TenantBudgetUSD), 0)
		}
	}

	// 7b. admission window: reserve the estimated spend for the session
	if windowed {
		estTokens := approximateTokens(req.Prompt)
		var estUSDMicros int64
		if estimate != nil {
			estTokens = estimate.InTokens + estimate.OutTokens
			estUSDMicros = estimate.UsdMicros
		}
		key := windowKey(&req)
		if !p.windows.Admit(key, p.cfg.Window, estTokens, estUSDMicros) {
			p.windows.MarkBackpressure(key)
			p.countLabel("atp_pipeline_window_refusals_total", "tenant_id", req.TenantID)
			return nil, p.reject(req, events.ReasonResourceExhausted,
				"session admission window exhausted", backpressureHold)
		}
		defer p.windows.Ack(key, estTokens, estUSDMicros)
	}

	// 8. optional speculative sampling
	var specResult *speculative.Result
	if p.cfg.EnableSpeculative && p.deps.Sampler != nil {
		if result, specErr := p.deps.Sampler.Speculate(ctx, req.Prompt, req.RequestID); specErr == nil {
			specResult = &result
		} else {
			p.logger.Printf("speculative sampling failed for %s: %v", req.RequestID, specErr)
		}
	}

	// 9. dispatch with per-chunk output scan
	text, chunks, err := p.dispatch(ctx, client, &req, onChunk)
	if err != nil {
		p.count("atp_pipeline_requests_total", "error")
		return nil, err
	}
	success = true

	resp := &Response{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Model:         candidate.Model.Name,
		Provider:      candidate.Provider.Name,
		Text:          text,
		Chunks:        chunks,
		Speculative:   specResult,
		LatencyMS:     float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if estimate != nil {
		resp.InputTokens = estimate.InTokens
		resp.OutputTokens = estimate.OutTokens
	} else {
		resp.InputTokens = approximateTokens(req.Prompt)
		resp.OutputTokens = approximateTokens(text)
	}
	if p.deps.Pricing != nil {
		if breakdown, costErr := p.deps.Pricing.CalculateRequestCost(ctx,
			candidate.Provider.Name, candidate.Model.Name,
			int(resp.InputTokens), int(resp.OutputTokens)); costErr == nil {
			resp.CostUSD = breakdown.TotalCostUSD
		}
	}

	// 10. DP accounting; a budget refusal is noted, never rolled back
	if p.deps.Ledger != nil && p.cfg.EpsilonPerRequest > 0 {
		accepted, ledgerErr := p.deps.Ledger.AddEntry(req.TenantID, "inference_exposure",
			resp.CostUSD, p.cfg.EpsilonPerRequest, 1.0, map[string]interface{}{
				"request_id": req.RequestID,
				"model":      candidate.Model.Name,
			})
		if ledgerErr != nil {
			p.logger.Printf("ledger append failed for %s: %v", req.RequestID, ledgerErr)
		} else if !accepted {
			resp.DPBudgetExceeded = true
			p.logger.Printf("DP budget exceeded for tenant %s on %s", req.TenantID, req.RequestID)
		}
	}

	// 11. completion bookkeeping
	p.record(&req, resp)
	return resp, nil
}

func (p *Pipeline) dispatch(ctx context.Context, client pb.AdapterServiceClient, req *Request, onChunk OnChunk) (string, int, error) {
	streamCtx := ctx
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	stream, err := client.Stream(streamCtx, &pb.StreamRequest{
		PromptJson: req.Prompt,
		RequestId:  req.RequestID,
		Timestamp:  timestamppb.Now(),
	})
	if err != nil {
		return "", 0, fmt.Errorf("open stream: %w", err)
	}

	var text []byte
	chunks := 0
	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			// transport failure mid-stream: terminal error chunk plus an
			// observability event
			if onChunk != nil {
				onChunk(Chunk{Final: true, Err: recvErr.Error()})
			}
			p.countLabel("atp_pipeline_stream_failures_total", "stage", "transport")
			return "", chunks, fmt.Errorf("stream recv: %w", recvErr)
		}
		if chunk.Type == pb.ChunkTypeError {
			detail := chunk.ErrorDetail()
			if onChunk != nil {
				onChunk(Chunk{Final: true, Err: detail})
			}
			p.countLabel("atp_pipeline_stream_failures_total", "stage", "adapter")
			return "", chunks, fmt.Errorf("adapter error: %s", detail)
		}

		out := chunk.Text()
		if p.deps.WAF != nil {
			if res := p.deps.WAF.ProcessOutput(out, req.RequestID); res.ActionTaken == waf.ActionSanitize {
				out = res.SanitizedInput
			}
		}
		text = append(text, out...)
		chunks++
		if onChunk != nil {
			onChunk(Chunk{Text: out, Final: !chunk.More})
		}
		if !chunk.More {
			break
		}
	}
	return string(text), chunks, nil
}

// mirrorToShadows streams the request to shadow models in the background
// and discards their output.
func (p *Pipeline) mirrorToShadows(ctx context.Context, req *Request) {
	for _, shadow := range p.selector.ShadowCandidates(req) {
		client, err := p.deps.Adapters(shadow.Provider.Name)
		if err != nil {
			continue
		}
		p.shadowWG.Add(1)
		shadow := shadow
		go func() {
			defer p.shadowWG.Done()
			mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()

			stream, err := client.Stream(mirrorCtx, &pb.StreamRequest{
				PromptJson: req.Prompt,
				RequestId:  req.RequestID + "-shadow",
				Timestamp:  timestamppb.Now(),
			})
			if err != nil {
				return
			}
			start := time.Now()
			for {
				chunk, recvErr := stream.Recv()
				if recvErr != nil || (chunk != nil && !chunk.More) {
					break
				}
			}
			if p.deps.Metrics != nil {
				p.deps.Metrics.IncCounter("atp_pipeline_shadow_mirrors_total",
					map[string]string{"model": shadow.Model.Name})
				p.deps.Metrics.Observe("atp_pipeline_shadow_latency_seconds",
					time.Since(start).Seconds(), map[string]string{"model": shadow.Model.Name})
			}
		}()
	}
}

func (p *Pipeline) reject(req Request, reason events.RejectionReason, detail string, retryAfter time.Duration) error {
	if p.deps.Emitter != nil {
		p.deps.Emitter.EmitRejection(events.RejectionEvent{
			Reason:    reason,
			Component: "pipeline",
			RequestID: req.RequestID,
			Details: map[string]interface{}{
				"tenant_id": req.TenantID,
				"detail":    detail,
			},
		})
	}
	p.countLabel("atp_pipeline_rejections_total", "reason", string(reason))
	p.count("atp_pipeline_requests_total", "rejected")
	p.logger.Printf("rejected %s (%s): %s", req.RequestID, reason, detail)
	return &RejectionError{Reason: reason, Detail: detail, RetryAfter: retryAfter}
}

func (p *Pipeline) record(req *Request, resp *Response) {
	p.count("atp_pipeline_requests_total", "success")
	if p.deps.Metrics != nil {
		p.deps.Metrics.Observe("atp_pipeline_latency_seconds", resp.LatencyMS/1000.0,
			map[string]string{"model": resp.Model})
	}
	if p.deps.Registry != nil {
		p.deps.Registry.LogRequest(map[string]interface{}{
			"request_id":     req.RequestID,
			"correlation_id": req.CorrelationID,
			"tenant_id":      req.TenantID,
			"model":          resp.Model,
			"provider":       resp.Provider,
			"input_tokens":   resp.InputTokens,
			"output_tokens":  resp.OutputTokens,
			"cost_usd":       resp.CostUSD,
			"latency_ms":     resp.LatencyMS,
			"chunks":         resp.Chunks,
		})
	}
}

func (p *Pipeline) count(name, outcome string) {
	p.countLabel(name, "outcome", outcome)
}

func (p *Pipeline) countLabel(name, key, value string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.IncCounter(name, map[string]string{key: value})
	}
}

// windowKey scopes the admission window to a session, falling back to the
// tenant when the request carries none.
func windowKey(req *Request) string {
	if req.SessionID != "" {
		return req.TenantID + ":" + req.SessionID
	}
	return req.TenantID
}

func clientID(req Request) string {
	if req.UserID == "" {
		return req.TenantID + ":anonymous"
	}
	return req.TenantID + ":" + req.UserID
}

func abuseReason(reason abuse.BlockReason) events.RejectionReason {
	switch reason {
	case abuse.BlockRateLimitExceeded:
		return events.ReasonRateLimitExceeded
	case abuse.BlockCircuitBreakerOpen:
		return events.ReasonResourceExhausted
	default:
		return events.ReasonPolicyViolation
	}
}

// rough heuristic: four characters per token
func approximateTokens(text string) int64 {
	return int64(len(text)+3) / 4
}

// WaitShadowMirrors blocks until in-flight shadow mirrors finish.
func (p *Pipeline) WaitShadowMirrors() {
	p.shadowWG.Wait()
}
