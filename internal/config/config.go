// Package config loads the router's YAML configuration and resolves
// per-tenant overrides. The structs here are plain data; internal/core maps
// them onto each subsystem's own config type.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	WAF          WAFConfig          `yaml:"waf"`
	Abuse        AbuseConfig        `yaml:"abuse"`
	Replay       ReplayConfig       `yaml:"replay"`
	Speculative  SpeculativeConfig  `yaml:"speculative"`
	Pricing      PricingConfig      `yaml:"pricing"`
	DPLedger     DPLedgerConfig     `yaml:"dp_ledger"`
	Cardinality  CardinalityConfig  `yaml:"cardinality"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Evidence     EvidenceConfig     `yaml:"evidence"`
	ErrorBudget  ErrorBudgetConfig  `yaml:"error_budget"`
	Events       EventsConfig       `yaml:"events"`
	Redis        RedisConfig        `yaml:"redis"`
	Adapters     []AdapterConfig    `yaml:"adapters"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PipelineConfig struct {
	TenantBudgetUSD    float64 `yaml:"tenant_budget_usd"`
	EpsilonPerRequest  float64 `yaml:"epsilon_per_request"`
	RequestTimeoutS    int     `yaml:"request_timeout_s"`
	EnableShadowMirror bool    `yaml:"enable_shadow_mirror"`
	EnableSpeculative  bool    `yaml:"enable_speculative"`
	MaxLatencyP95MS    float64 `yaml:"max_latency_p95_ms"`

	// per-session admission window; zero caps disable it
	WindowMaxParallel  int   `yaml:"window_max_parallel"`
	WindowMaxTokens    int64 `yaml:"window_max_tokens"`
	WindowMaxUSDMicros int64 `yaml:"window_max_usd_micros"`
}

type WAFConfig struct {
	Enabled                bool   `yaml:"enabled"`
	LogAllRequests         bool   `yaml:"log_all_requests"`
	BlockOnHighThreat      bool   `yaml:"block_on_high_threat"`
	SanitizeOnMediumThreat bool   `yaml:"sanitize_on_medium_threat"`
	RateLimitWindowS       int    `yaml:"rate_limit_window"`
	RateLimitMaxRequests   int    `yaml:"rate_limit_max_requests"`
	CustomRulesPath        string `yaml:"custom_rules_path"`
	BlockedIPsPath         string `yaml:"blocked_ips_path"`
	AuditLogPath           string `yaml:"audit_log_path"`
}

type AbuseConfig struct {
	MaxDepth    int `yaml:"max_depth"`
	LoopWindowS int `yaml:"loop_window_s"`
}

type ReplayConfig struct {
	NonceCap  int    `yaml:"nonce_cap"`
	NonceTTLS int    `yaml:"nonce_ttl_s"`
	Backend   string `yaml:"backend"` // "memory" or "redis"
}

type SpeculativeConfig struct {
	DraftModel          string  `yaml:"draft_model"`
	TargetModel         string  `yaml:"target_model"`
	AcceptanceThreshold float64 `yaml:"acceptance_threshold"`
	DraftLatencyMS      float64 `yaml:"draft_latency_ms"`
	TargetLatencyMS     float64 `yaml:"target_latency_ms"`
}

type PricingConfig struct {
	Enabled                    bool    `yaml:"enabled"`
	UpdateIntervalS            int     `yaml:"update_interval_s"`
	StalenessThresholdS        int     `yaml:"staleness_threshold_s"`
	CacheTTLS                  int     `yaml:"cache_ttl_s"`
	ChangeAlertPercent         float64 `yaml:"change_alert_percent"`
	SignificantChangePercent   float64 `yaml:"significant_change_percent"`
	ValidationTolerancePercent float64 `yaml:"validation_tolerance_percent"`
}

type DPLedgerConfig struct {
	Dir                 string  `yaml:"dir"`
	MaxEpsilonPerTenant float64 `yaml:"max_epsilon_per_tenant"`
}

type CardinalityConfig struct {
	WarningThreshold  int `yaml:"warning_threshold"`
	CriticalThreshold int `yaml:"critical_threshold"`
	MaxSampleLabels   int `yaml:"max_sample_labels"`
	AlertCooldownS    int `yaml:"alert_cooldown_seconds"`
}

type OrchestratorConfig struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
}

type EvidenceConfig struct {
	NotaryID string `yaml:"notary_id"`
	KeyPath  string `yaml:"key_path"`
}

type ErrorBudgetConfig struct {
	ConfigFile string `yaml:"config_file"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdapterConfig names one provider adapter endpoint.
type AdapterConfig struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Pipeline: PipelineConfig{
			TenantBudgetUSD:    10.0,
			EpsilonPerRequest:  0.01,
			RequestTimeoutS:    60,
			EnableShadowMirror: true,
			EnableSpeculative:  true,
		},
		WAF: WAFConfig{
			Enabled:                true,
			BlockOnHighThreat:      true,
			SanitizeOnMediumThreat: true,
			RateLimitWindowS:       60,
			RateLimitMaxRequests:   100,
		},
		Abuse:  AbuseConfig{MaxDepth: 10, LoopWindowS: 300},
		Replay: ReplayConfig{NonceCap: 100000, NonceTTLS: 300, Backend: "memory"},
		Speculative: SpeculativeConfig{
			DraftModel:          "draft-small",
			TargetModel:         "target-large",
			AcceptanceThreshold: 0.8,
			DraftLatencyMS:      50,
			TargetLatencyMS:     400,
		},
		Pricing: PricingConfig{
			Enabled:                    true,
			UpdateIntervalS:            3600,
			StalenessThresholdS:        86400,
			CacheTTLS:                  3600,
			ChangeAlertPercent:         10,
			SignificantChangePercent:   5,
			ValidationTolerancePercent: 1,
		},
		DPLedger: DPLedgerConfig{Dir: "data/dp_ledger", MaxEpsilonPerTenant: 10.0},
		Cardinality: CardinalityConfig{
			WarningThreshold:  1000,
			CriticalThreshold: 5000,
			MaxSampleLabels:   100,
			AlertCooldownS:    300,
		},
		Orchestrator: OrchestratorConfig{Workers: 4, MaxRetries: 3},
		Evidence:     EvidenceConfig{NotaryID: "atp-notary-1"},
		ErrorBudget:  ErrorBudgetConfig{ConfigFile: "error_budget_config.json"},
	}
}

// Load reads a YAML config file, starting from the defaults and applying
// environment overrides last. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv maps process environment variables over the loaded file. godotenv
// in cmd/router populates the environment from .env first.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ATP_SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ATP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("ATP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ATP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ATP_PUBSUB_PROJECT"); v != "" {
		cfg.Events.PubSubProject = v
	}
	if v := os.Getenv("ATP_PUBSUB_TOPIC"); v != "" {
		cfg.Events.PubSubTopic = v
	}
	if v := os.Getenv("ATP_DP_LEDGER_DIR"); v != "" {
		cfg.DPLedger.Dir = v
	}
	if v := os.Getenv("ATP_TENANT_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.TenantBudgetUSD = f
		}
	}
	if v := os.Getenv("ATP_MAX_EPSILON_PER_TENANT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DPLedger.MaxEpsilonPerTenant = f
		}
	}
	if v := os.Getenv("ATP_EVIDENCE_KEY_PATH"); v != "" {
		cfg.Evidence.KeyPath = v
	}
}
