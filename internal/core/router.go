// Package core assembles the router: it constructs every subsystem from the
// loaded configuration, wires their collaborators together, and owns the
// background loops' lifecycle.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/atp/router/internal/abuse"
	"github.com/atp/router/internal/cardinality"
	"github.com/atp/router/internal/config"
	"github.com/atp/router/internal/dpledger"
	"github.com/atp/router/internal/errorbudget"
	"github.com/atp/router/internal/events"
	"github.com/atp/router/internal/evidence"
	"github.com/atp/router/internal/hardening"
	"github.com/atp/router/internal/improvement"
	"github.com/atp/router/internal/metrics"
	"github.com/atp/router/internal/orchestrator"
	"github.com/atp/router/internal/pipeline"
	"github.com/atp/router/internal/pricing"
	"github.com/atp/router/internal/registry"
	"github.com/atp/router/internal/replay"
	"github.com/atp/router/internal/speculative"
	"github.com/atp/router/internal/waf"
	"github.com/atp/router/pb"
)

// Router owns every subsystem. Fields are exported so the ops HTTP layer can
// reach the stats and admin surfaces directly.
type Router struct {
	Config *config.Config

	Metrics     *metrics.Registry
	Events      *events.Bus
	Emitter     events.Emitter
	WAF         *waf.WAF
	Hardening   *hardening.Checker
	Replay      replay.Guard
	Abuse       *abuse.Engine
	Registry    *registry.Manager
	Pricing     *pricing.Manager
	Sampler     *speculative.Sampler
	Ledger      *dpledger.Ledger
	Evidence    *evidence.Manager
	Cardinality *cardinality.Advisor
	Orch        *orchestrator.Orchestrator
	Streamer    *orchestrator.SessionStreamer
	Dispatcher  *orchestrator.Dispatcher
	Pipeline    *pipeline.Pipeline
	Improvement *improvement.Pipeline
	ErrorBudget *errorbudget.Enforcer

	pubsub *events.PubSubBus
	redis  *redis.Client

	connMu sync.Mutex
	conns  map[string]*grpc.ClientConn
	refs   map[string]pb.AdapterServiceClient

	cancel context.CancelFunc
	logger *log.Logger
}

// New builds the full router from configuration. Nothing starts running
// until Start.
func New(cfg *config.Config) (*Router, error) {
	r := &Router{
		Config: cfg,
		conns:  make(map[string]*grpc.ClientConn),
		refs:   make(map[string]pb.AdapterServiceClient),
		logger: log.New(log.Writer(), "[CORE] ", log.LstdFlags),
	}

	r.Metrics = metrics.NewRegistry()

	// Event bus: Pub/Sub mirror when configured, plain in-process otherwise.
	if cfg.Events.PubSubProject != "" && cfg.Events.PubSubTopic != "" {
		ps, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			r.logger.Printf("pubsub unavailable, using in-process bus: %v", err)
			r.Events = events.NewBus()
			r.Emitter = r.Events
		} else {
			r.pubsub = ps
			r.Events = ps.Bus
			r.Emitter = ps
		}
	} else {
		r.Events = events.NewBus()
		r.Emitter = r.Events
	}

	w, err := waf.New(waf.Config{
		Enabled:                cfg.WAF.Enabled,
		LogAllRequests:         cfg.WAF.LogAllRequests,
		BlockOnHighThreat:      cfg.WAF.BlockOnHighThreat,
		SanitizeOnMediumThreat: cfg.WAF.SanitizeOnMediumThreat,
		RateLimitWindowS:       cfg.WAF.RateLimitWindowS,
		RateLimitMaxRequests:   cfg.WAF.RateLimitMaxRequests,
		CustomRulesPath:        cfg.WAF.CustomRulesPath,
		BlockedIPsPath:         cfg.WAF.BlockedIPsPath,
		AuditLogPath:           cfg.WAF.AuditLogPath,
	}, r.Metrics)
	if err != nil {
		return nil, fmt.Errorf("waf: %w", err)
	}
	r.WAF = w

	r.Hardening = hardening.NewChecker(r.Emitter, r.Metrics)
	r.Replay = r.buildReplayGuard(cfg)

	r.Abuse = abuse.NewEngine(r.Metrics)
	if cfg.Abuse.MaxDepth > 0 || cfg.Abuse.LoopWindowS > 0 {
		r.Abuse.Loops = abuse.NewLoopDetector(cfg.Abuse.MaxDepth,
			time.Duration(cfg.Abuse.LoopWindowS)*time.Second, r.Metrics)
	}

	r.Registry = registry.NewManager(r.Metrics)
	r.Pricing = pricing.NewManager(pricing.Config{
		Enabled:                    cfg.Pricing.Enabled,
		UpdateInterval:             time.Duration(cfg.Pricing.UpdateIntervalS) * time.Second,
		StalenessThreshold:         time.Duration(cfg.Pricing.StalenessThresholdS) * time.Second,
		CacheTTL:                   time.Duration(cfg.Pricing.CacheTTLS) * time.Second,
		ChangeAlertPercent:         cfg.Pricing.ChangeAlertPercent,
		SignificantChangePercent:   cfg.Pricing.SignificantChangePercent,
		ValidationTolerancePercent: cfg.Pricing.ValidationTolerancePercent,
	}, r.Metrics)

	ledger, err := dpledger.New(cfg.DPLedger.Dir, cfg.DPLedger.MaxEpsilonPerTenant, r.Metrics)
	if err != nil {
		return nil, fmt.Errorf("dp ledger: %w", err)
	}
	r.Ledger = ledger

	ev, err := evidence.NewManager(cfg.Evidence.NotaryID, r.Metrics)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	r.Evidence = ev

	r.Cardinality = cardinality.NewAdvisor(
		cfg.Cardinality.WarningThreshold,
		cfg.Cardinality.CriticalThreshold,
		cfg.Cardinality.MaxSampleLabels,
		time.Duration(cfg.Cardinality.AlertCooldownS)*time.Second,
		r.Metrics,
	)
	r.Cardinality.Attach(r.Metrics)

	r.Orch = orchestrator.New(r.Metrics)
	r.Streamer = orchestrator.NewSessionStreamer()
	r.Orch.SetStreamer(r.Streamer)
	r.Dispatcher = orchestrator.NewDispatcher(r.Orch, r.resolveAdapter, cfg.Orchestrator.Workers)

	if cfg.Pipeline.EnableSpeculative {
		specCfg := speculative.Config{
			DraftModel:          cfg.Speculative.DraftModel,
			TargetModel:         cfg.Speculative.TargetModel,
			AcceptanceThreshold: cfg.Speculative.AcceptanceThreshold,
			DraftLatencyMS:      cfg.Speculative.DraftLatencyMS,
			TargetLatencyMS:     cfg.Speculative.TargetLatencyMS,
		}
		r.Sampler = speculative.NewSampler(specCfg,
			r.generatorFor(cfg.Speculative.DraftModel),
			r.generatorFor(cfg.Speculative.TargetModel),
			nil, r.Emitter, r.Metrics)
	}

	r.Pipeline = pipeline.New(pipeline.Config{
		TenantBudgetUSD:    cfg.Pipeline.TenantBudgetUSD,
		EpsilonPerRequest:  cfg.Pipeline.EpsilonPerRequest,
		RequestTimeout:     time.Duration(cfg.Pipeline.RequestTimeoutS) * time.Second,
		EnableShadowMirror: cfg.Pipeline.EnableShadowMirror,
		EnableSpeculative:  cfg.Pipeline.EnableSpeculative,
		Window: pipeline.Window{
			MaxParallel:  cfg.Pipeline.WindowMaxParallel,
			MaxTokens:    cfg.Pipeline.WindowMaxTokens,
			MaxUSDMicros: cfg.Pipeline.WindowMaxUSDMicros,
		},
		Selection: pipeline.SelectionConfig{MaxLatencyP95MS: cfg.Pipeline.MaxLatencyP95MS},
	}, pipeline.Deps{
		Hardening: r.Hardening,
		WAF:       r.WAF,
		Replay:    r.Replay,
		Abuse:     r.Abuse,
		Registry:  r.Registry,
		Pricing:   r.Pricing,
		Sampler:   r.Sampler,
		Adapters:  r.resolveAdapter,
		Ledger:    r.Ledger,
		Emitter:   r.Emitter,
		Metrics:   r.Metrics,
	})

	r.Improvement = improvement.New(r.Metrics)
	r.ErrorBudget = errorbudget.New(cfg.ErrorBudget.ConfigFile, r.Metrics)

	return r, nil
}

func (r *Router) buildReplayGuard(cfg *config.Config) replay.Guard {
	ttl := time.Duration(cfg.Replay.NonceTTLS) * time.Second
	if cfg.Replay.Backend == "redis" && cfg.Redis.Addr != "" {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return replay.NewRedisNonceStore(r.redis, "atp:nonce:", ttl)
	}
	return replay.NewNonceStore(cfg.Replay.NonceCap, ttl, r.Emitter, r.Metrics)
}

// resolveAdapter returns a client for a configured adapter, dialing lazily
// and caching the connection.
func (r *Router) resolveAdapter(name string) (pb.AdapterServiceClient, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if client, ok := r.refs[name]; ok {
		return client, nil
	}

	var target string
	for _, a := range r.Config.Adapters {
		if a.Name == name {
			target = a.Target
			break
		}
	}
	if target == "" {
		return nil, fmt.Errorf("no adapter configured for %q", name)
	}

	conn, err := pb.Dial(target)
	if err != nil {
		return nil, fmt.Errorf("dial adapter %s: %w", name, err)
	}
	client := pb.NewAdapterServiceClient(conn)
	r.conns[name] = conn
	r.refs[name] = client
	return client, nil
}

// generatorFor adapts a configured adapter into a speculative generator. The
// stream is drained into a single string.
func (r *Router) generatorFor(adapterName string) speculative.Generator {
	return func(ctx context.Context, prompt string) (string, error) {
		client, err := r.resolveAdapter(adapterName)
		if err != nil {
			return "", err
		}
		promptJSON, err := json.Marshal(map[string]interface{}{"prompt": prompt})
		if err != nil {
			return "", err
		}
		stream, err := client.Stream(ctx, &pb.StreamRequest{
			PromptJson: string(promptJSON),
			Timestamp:  timestamppb.Now(),
		})
		if err != nil {
			return "", err
		}

		var out string
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				return out, nil
			}
			if err != nil {
				return "", err
			}
			if chunk.Type == pb.ChunkTypeText {
				out += chunk.Text()
			}
			if !chunk.More {
				return out, nil
			}
		}
	}
}

// Start launches the background loops.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.Abuse.Start(ctx)
	r.Pricing.Start(ctx)
	go r.Streamer.Run(ctx)
	r.logger.Printf("router started (env=%s)", r.Config.Server.Env)
}

// Stop shuts the router down: background loops first, then in-flight shadow
// mirrors, then external connections.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.Abuse.Stop()
	r.Pricing.Stop()
	r.Pipeline.WaitShadowMirrors()

	r.connMu.Lock()
	for name, conn := range r.conns {
		if err := conn.Close(); err != nil {
			r.logger.Printf("close adapter %s: %v", name, err)
		}
	}
	r.conns = make(map[string]*grpc.ClientConn)
	r.refs = make(map[string]pb.AdapterServiceClient)
	r.connMu.Unlock()

	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Printf("close redis: %v", err)
		}
	}
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			r.logger.Printf("close pubsub: %v", err)
		}
	}
	r.logger.Println("router stopped")
}

// Status aggregates every subsystem's stats for the ops surface.
func (r *Router) Status() map[string]interface{} {
	return map[string]interface{}{
		"metrics":      r.Metrics.Stats(),
		"waf":          r.WAF.Stats(),
		"abuse":        r.Abuse.SystemStatus(),
		"registry":     r.Registry.Stats(),
		"pricing":      r.Pricing.Health(),
		"orchestrator": r.Orch.Stats(),
		"improvement":  r.Improvement.Stats(),
		"error_budget": r.ErrorBudget.BudgetStatus(),
		"streamer":     r.Streamer.Statistics(),
	}
}
