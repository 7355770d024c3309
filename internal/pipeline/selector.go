package pipeline

import (
	"context"
	"errors"
	"sort"

	"github.com/atp/router/internal/pricing"
	"github.com/atp/router/internal/registry"
)

// ErrNoModelAvailable means no active model on a healthy provider matched
// the request's capability and SLA constraints.
var ErrNoModelAvailable = errors.New("no model available for request")

// SelectionConfig bounds model selection.
type SelectionConfig struct {
	// MaxLatencyP95MS is the SLA ceiling; zero disables the constraint.
	MaxLatencyP95MS float64 `yaml:"max_latency_p95_ms"`
}

// Candidate is a selectable model together with its provider and the
// expected cost per 1K input+output tokens.
type Candidate struct {
	Model     *registry.Model
	Provider  *registry.Provider
	CostPer1K float64
}

// Selector picks the serving model for a request: capability match first,
// then lowest expected cost among candidates meeting the SLA, tie-broken by
// lower p95 latency.
type Selector struct {
	registry *registry.Manager
	pricing  *pricing.Manager
	cfg      SelectionConfig
}

func NewSelector(reg *registry.Manager, pr *pricing.Manager, cfg SelectionConfig) *Selector {
	return &Selector{registry: reg, pricing: pr, cfg: cfg}
}

func (s *Selector) expectedCost(ctx context.Context, provider *registry.Provider, model *registry.Model) float64 {
	if s.pricing != nil {
		if p, err := s.pricing.GetModelPricing(ctx, provider.Name, model.Name, false); err == nil {
			return p.Input + p.Output
		}
	}
	// catalog pricing is per token
	return (model.CostPerInputToken + model.CostPerOutputToken) * 1000
}

func (s *Selector) matches(model *registry.Model, req *Request) bool {
	if req.RequestedModel != "" && model.Name != req.RequestedModel {
		return false
	}
	if req.WantStreaming && !model.SupportsStreaming {
		return false
	}
	if req.HasImages && !model.SupportsVision {
		return false
	}
	if s.cfg.MaxLatencyP95MS > 0 && model.LatencyP95MS > s.cfg.MaxLatencyP95MS {
		return false
	}
	return true
}

// Select returns the best candidate for the request.
func (s *Selector) Select(ctx context.Context, req *Request) (*Candidate, error) {
	var candidates []*Candidate
	for _, model := range s.registry.SelectableModels() {
		if !s.matches(model, req) {
			continue
		}
		provider := s.registry.Providers.Get(model.ProviderID)
		if provider == nil {
			continue
		}
		candidates = append(candidates, &Candidate{
			Model:     model,
			Provider:  provider,
			CostPer1K: s.expectedCost(ctx, provider, model),
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoModelAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CostPer1K != candidates[j].CostPer1K {
			return candidates[i].CostPer1K < candidates[j].CostPer1K
		}
		return candidates[i].Model.LatencyP95MS < candidates[j].Model.LatencyP95MS
	})
	return candidates[0], nil
}

// ShadowCandidates returns shadow-status models on healthy providers whose
// capabilities match the request. Their responses are mirrored and
// discarded; only metrics are kept.
func (s *Selector) ShadowCandidates(req *Request) []*Candidate {
	healthy := make(map[string]*registry.Provider)
	for _, p := range s.registry.Providers.Healthy() {
		healthy[p.ID.String()] = p
	}

	var out []*Candidate
	for _, model := range s.registry.Models.Shadow() {
		if !model.Enabled {
			continue
		}
		provider, ok := healthy[model.ProviderID.String()]
		if !ok {
			continue
		}
		shadowReq := *req
		shadowReq.RequestedModel = "" // shadow mirrors ignore the explicit model pin
		if !s.matches(model, &shadowReq) {
			continue
		}
		out = append(out, &Candidate{Model: model, Provider: provider})
	}
	return out
}
