// Package speculative runs two-stage draft/target inference: a fast draft
// model answers first, a deterministic scorer decides whether its answer
// stands in for the slower target model's, and every attempt surfaces
// lifecycle events.
package speculative

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/atp/router/internal/events"
	"github.com/atp/router/internal/metrics"
)

// Generator produces a model response for a prompt.
type Generator func(ctx context.Context, prompt string) (string, error)

// Scorer maps a (draft, target) response pair to a confidence in [0,1].
// Must be deterministic given the two responses.
type Scorer func(draft, target string) float64

// PrefixMatchScorer is the default scorer: 0 when either response is empty,
// 0.8 when the first tokens match, 0.2 otherwise.
func PrefixMatchScorer(draft, target string) float64 {
	draftWords := strings.Fields(draft)
	targetWords := strings.Fields(target)
	if len(draftWords) == 0 || len(targetWords) == 0 {
		return 0.0
	}
	if draftWords[0] == targetWords[0] {
		return 0.8
	}
	return 0.2
}

// Config tunes the sampler.
type Config struct {
	DraftModel          string  `yaml:"draft_model"`
	TargetModel         string  `yaml:"target_model"`
	AcceptanceThreshold float64 `yaml:"acceptance_threshold"`
	DraftLatencyMS      float64 `yaml:"draft_latency_ms"`
	TargetLatencyMS     float64 `yaml:"target_latency_ms"`
}

func DefaultConfig() Config {
	return Config{
		DraftModel:          "draft-model-v1",
		TargetModel:         "target-model-v1",
		AcceptanceThreshold: 0.7,
		DraftLatencyMS:      10.0,
		TargetLatencyMS:     40.0,
	}
}

// Result is one speculation outcome.
type Result struct {
	DraftResponse     string  `json:"draft_response"`
	TargetResponse    string  `json:"target_response"`
	Accepted          bool    `json:"accepted"`
	Confidence        float64 `json:"confidence"`
	DraftLatencyMS    float64 `json:"draft_latency_ms"`
	TargetLatencyMS   float64 `json:"target_latency_ms"`
	TotalLatencyMS    float64 `json:"total_latency_ms"`
	LatencySavedMS    float64 `json:"latency_saved_ms"`
	EffectiveResponse string  `json:"effective_response"`
}

// BenchmarkResult aggregates N speculation trials.
type BenchmarkResult struct {
	Trials                 int     `json:"trials"`
	AcceptanceRate         float64 `json:"acceptance_rate"`
	AverageLatencySavedMS  float64 `json:"average_latency_saved_ms"`
	AverageConfidence      float64 `json:"average_confidence"`
	TotalSpeculativeEvents int     `json:"total_speculative_events"`
}

// Sampler pairs a draft and a target generator behind a scorer.
type Sampler struct {
	config  Config
	draft   Generator
	target  Generator
	scorer  Scorer
	emitter events.Emitter
	metrics *metrics.Registry
	logger  *log.Logger
}

// NewSampler builds a sampler. A nil scorer uses PrefixMatchScorer.
func NewSampler(config Config, draft, target Generator, scorer Scorer, emitter events.Emitter, reg *metrics.Registry) *Sampler {
	if scorer == nil {
		scorer = PrefixMatchScorer
	}
	return &Sampler{
		config:  config,
		draft:   draft,
		target:  target,
		scorer:  scorer,
		emitter: emitter,
		metrics: reg,
		logger:  log.New(log.Writer(), "[SPECULATIVE] ", log.LstdFlags),
	}
}

// Speculate runs one draft/target round for a prompt.
func (s *Sampler) Speculate(ctx context.Context, prompt, requestID string) (Result, error) {
	start := time.Now()

	s.emit(events.SpeculativeEvent{
		Type:      events.SpeculationAttempted,
		ModelName: s.config.DraftModel,
		RequestID: requestID,
		Details:   map[string]interface{}{"prompt_length": len(prompt)},
	})
	s.count("attempted")

	draftStart := time.Now()
	draftResponse, err := s.draft(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("draft model: %w", err)
	}
	draftLatency := float64(time.Since(draftStart).Microseconds()) / 1000.0

	targetStart := time.Now()
	targetResponse, err := s.target(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("target model: %w", err)
	}
	targetLatency := float64(time.Since(targetStart).Microseconds()) / 1000.0

	confidence := s.scorer(draftResponse, targetResponse)
	accepted := confidence >= s.config.AcceptanceThreshold

	latencySaved := 0.0
	if accepted {
		latencySaved = s.config.TargetLatencyMS - draftLatency
	}

	result := Result{
		DraftResponse:     draftResponse,
		TargetResponse:    targetResponse,
		Accepted:          accepted,
		Confidence:        confidence,
		DraftLatencyMS:    draftLatency,
		TargetLatencyMS:   targetLatency,
		TotalLatencyMS:    float64(time.Since(start).Microseconds()) / 1000.0,
		LatencySavedMS:    latencySaved,
		EffectiveResponse: targetResponse,
	}
	if accepted {
		result.EffectiveResponse = draftResponse
	}

	details := map[string]interface{}{
		"draft_response":       draftResponse,
		"target_response":      targetResponse,
		"acceptance_threshold": s.config.AcceptanceThreshold,
	}
	if accepted {
		s.emit(events.SpeculativeEvent{
			Type:            events.SpeculationAccepted,
			ModelName:       s.config.DraftModel,
			LatencySavedMs:  latencySaved,
			ConfidenceScore: confidence,
			RequestID:       requestID,
			Details:         details,
		})
		s.count("accepted")
	} else {
		s.emit(events.SpeculativeEvent{
			Type:            events.SpeculationRejected,
			ModelName:       s.config.DraftModel,
			ConfidenceScore: confidence,
			RequestID:       requestID,
			Details:         details,
		})
		s.count("rejected")
	}
	return result, nil
}

// Benchmark runs trials speculation rounds and aggregates outcomes.
func (s *Sampler) Benchmark(ctx context.Context, trials int) (BenchmarkResult, error) {
	if trials <= 0 {
		trials = 100
	}
	totalSaved := 0.0
	accepted := 0
	totalConfidence := 0.0

	for i := 0; i < trials; i++ {
		result, err := s.Speculate(ctx, fmt.Sprintf("Sample prompt %d", i), fmt.Sprintf("benchmark-%d", i))
		if err != nil {
			return BenchmarkResult{}, err
		}
		if result.Accepted {
			accepted++
			totalSaved += result.LatencySavedMS
		}
		totalConfidence += result.Confidence
	}

	avgSaved := 0.0
	if accepted > 0 {
		avgSaved = totalSaved / float64(accepted)
	}
	return BenchmarkResult{
		Trials:                 trials,
		AcceptanceRate:         float64(accepted) / float64(trials),
		AverageLatencySavedMS:  avgSaved,
		AverageConfidence:      totalConfidence / float64(trials),
		TotalSpeculativeEvents: trials,
	}, nil
}

func (s *Sampler) emit(ev events.SpeculativeEvent) {
	if s.emitter != nil {
		s.emitter.EmitSpeculative(ev)
	}
}

func (s *Sampler) count(outcome string) {
	if s.metrics != nil {
		s.metrics.IncCounter("speculation_events_total", map[string]string{"outcome": outcome})
	}
}

var sampleResponses = []string{
	"hello world",
	"good morning",
	"quick brown fox",
	"machine learning",
	"artificial intelligence",
}

// SimulatedGenerator returns a generator that sleeps for latency and picks a
// canned response. mutateRate > 0 occasionally prepends a marker to the
// first word, which simulates draft/target divergence.
func SimulatedGenerator(latency time.Duration, mutateRate float64, rng *rand.Rand) Generator {
	return func(ctx context.Context, prompt string) (string, error) {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		response := sampleResponses[rng.Intn(len(sampleResponses))]
		if mutateRate > 0 && rng.Float64() < mutateRate {
			words := strings.Fields(response)
			if len(words) > 1 {
				words[0] += "_modified"
				response = strings.Join(words, " ")
			}
		}
		return response, nil
	}
}
