// Package waf is the rule-driven firewall scanning prompts and completions
// for prompt-injection, code injection, and leaked secrets. Inputs may be
// blocked, sanitized or rate-limited; outputs are only ever sanitized.
package waf

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp/router/internal/metrics"
)

// Config controls arbitration and the per-client limiter.
type Config struct {
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

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		BlockOnHighThreat:      true,
		SanitizeOnMediumThreat: true,
		RateLimitWindowS:       60,
		RateLimitMaxRequests:   100,
	}
}

// WAF is the firewall engine. Safe for concurrent use.
type WAF struct {
	config Config

	promptRules []Rule
	codeRules   []Rule
	secretRules []Rule

	mu          sync.RWMutex
	customRules []Rule
	blockedIPs  map[string]struct{}
	rateLimits  map[string][]time.Time

	auditMu sync.Mutex

	metrics *metrics.Registry
	logger  *log.Logger
}

// New builds a WAF with the built-in rule families compiled, then loads
// custom rules and the blocked-IP list if paths are configured.
func New(cfg Config, reg *metrics.Registry) (*WAF, error) {
	w := &WAF{
		config:      cfg,
		promptRules: promptInjectionRules(),
		codeRules:   codeInjectionRules(),
		secretRules: secretRules(),
		blockedIPs:  make(map[string]struct{}),
		rateLimits:  make(map[string][]time.Time),
		metrics:     reg,
		logger:      log.New(log.Writer(), "[WAF] ", log.LstdFlags),
	}

	for _, set := range [][]Rule{w.promptRules, w.codeRules, w.secretRules} {
		for i := range set {
			if err := set[i].compile(); err != nil {
				return nil, err
			}
		}
	}

	if cfg.CustomRulesPath != "" {
		if err := w.loadCustomRules(cfg.CustomRulesPath); err != nil {
			w.logger.Printf("custom rules not loaded: %v", err)
		}
	}
	if cfg.BlockedIPsPath != "" {
		if err := w.loadBlockedIPs(cfg.BlockedIPsPath); err != nil {
			w.logger.Printf("blocked IPs not loaded: %v", err)
		}
	}
	return w, nil
}

// AddRule registers a custom rule at runtime.
func (w *WAF) AddRule(rule Rule) error {
	if err := rule.compile(); err != nil {
		return err
	}
	w.mu.Lock()
	w.customRules = append(w.customRules, rule)
	w.mu.Unlock()
	w.logger.Printf("added custom rule: %s", rule.Name)
	return nil
}

// BlockIP adds an address to the block list.
func (w *WAF) BlockIP(addr, reason string) {
	w.mu.Lock()
	w.blockedIPs[addr] = struct{}{}
	w.mu.Unlock()
	w.logger.Printf("blocked address %s: %s", addr, reason)
}

// UnblockIP removes an address from the block list.
func (w *WAF) UnblockIP(addr string) {
	w.mu.Lock()
	delete(w.blockedIPs, addr)
	w.mu.Unlock()
	w.logger.Printf("unblocked address %s", addr)
}

func (w *WAF) loadCustomRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, rule := range file.Rules {
		if rule.Confidence == 0 {
			rule.Confidence = 1.0
		}
		if err := w.AddRule(rule); err != nil {
			w.logger.Printf("skipping invalid custom rule %s: %v", rule.Name, err)
		}
	}
	return nil
}

func (w *WAF) loadBlockedIPs(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			w.blockedIPs[line] = struct{}{}
		}
	}
	return nil
}

// checkRateLimit implements the per-client sliding window. Returns false
// when the client exceeded the window budget.
func (w *WAF) checkRateLimit(clientID string, now time.Time) bool {
	window := time.Duration(w.config.RateLimitWindowS) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	max := w.config.RateLimitMaxRequests
	if max <= 0 {
		max = 100
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	history := w.rateLimits[clientID]
	kept := history[:0]
	for _, t := range history {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		w.rateLimits[clientID] = kept
		return false
	}
	w.rateLimits[clientID] = append(kept, now)
	return true
}

func (w *WAF) detectAll(text string) []Detection {
	var detections []Detection
	now := time.Now().UTC()

	scan := func(rules []Rule, window int, custom bool) {
		for i := range rules {
			rule := &rules[i]
			if !rule.Enabled || rule.re == nil {
				continue
			}
			for _, loc := range rule.re.FindAllStringIndex(text, -1) {
				start, end := loc[0], loc[1]
				ctxStart := start - window
				if ctxStart < 0 {
					ctxStart = 0
				}
				ctxEnd := end + window
				if ctxEnd > len(text) {
					ctxEnd = len(text)
				}
				meta := map[string]interface{}{"rule_description": rule.Description}
				if custom {
					meta["custom_rule"] = true
					meta["rule_tags"] = rule.Tags
				}
				detections = append(detections, Detection{
					ID:          uuid.New().String(),
					AttackType:  rule.AttackType,
					ThreatLevel: rule.ThreatLevel,
					PatternName: rule.Name,
					MatchedText: text[start:end],
					Confidence:  rule.Confidence,
					StartPos:    start,
					EndPos:      end,
					Context:     text[ctxStart:ctxEnd],
					Metadata:    meta,
					Timestamp:   now,
				})
			}
		}
	}

	scan(w.promptRules, 50, false)
	scan(w.codeRules, 30, false)
	scan(w.secretRules, 20, false)

	w.mu.RLock()
	custom := w.customRules
	w.mu.RUnlock()
	scan(custom, 30, true)

	return detections
}

// ProcessInput runs the full input path: block list, rate limit, all rule
// families, action arbitration, sanitization.
func (w *WAF) ProcessInput(text, clientIP, clientID, requestID string) Result {
	start := time.Now()
	if requestID == "" {
		requestID = uuid.New().String()
	}

	if !w.config.Enabled {
		return Result{Allowed: true, ActionTaken: ActionAllow, RequestID: requestID}
	}

	if clientIP != "" {
		w.mu.RLock()
		_, blocked := w.blockedIPs[clientIP]
		w.mu.RUnlock()
		if blocked {
			w.incBlock("blocked_ip", ThreatHigh)
			return Result{
				Allowed:     false,
				ActionTaken: ActionBlock,
				Reason:      "IP address blocked",
				RequestID:   requestID,
			}
		}
	}

	if clientID != "" && !w.checkRateLimit(clientID, start) {
		w.incBlock("rate_limit", ThreatMedium)
		return Result{
			Allowed:     false,
			ActionTaken: ActionRateLimit,
			Reason:      "Rate limit exceeded",
			RequestID:   requestID,
			RetryAfter:  time.Duration(w.config.RateLimitWindowS) * time.Second,
		}
	}

	detections := w.detectAll(text)

	// Highest severity among detections decides the action, subject to the
	// block/sanitize overrides.
	action := ActionAllow
	highest := ThreatLow
	for _, d := range detections {
		if d.ThreatLevel.rank() > highest.rank() {
			highest = d.ThreatLevel
		}
	}
	switch highest {
	case ThreatCritical:
		action = ActionBlock
	case ThreatHigh:
		if w.config.BlockOnHighThreat {
			action = ActionBlock
		} else {
			action = ActionSanitize
		}
	case ThreatMedium:
		if w.config.SanitizeOnMediumThreat {
			action = ActionSanitize
		} else {
			action = ActionLogOnly
		}
	}

	var sanitized string
	if action == ActionSanitize {
		sanitized = sanitize(text, detections)
	}

	elapsed := time.Since(start)
	if w.metrics != nil {
		w.metrics.Observe("waf_processing_seconds", elapsed.Seconds(), prometheus.Labels{"component": "total"})
		w.metrics.IncCounter("waf_requests_total", prometheus.Labels{"status": string(action)})
		if action == ActionBlock && len(detections) > 0 {
			w.incBlock(string(detections[0].AttackType), highest)
		}
	}

	if len(detections) > 0 || w.config.LogAllRequests {
		w.audit(requestID, clientIP, clientID, text, detections, action, false)
	}

	reason := ""
	if len(detections) > 0 {
		reason = fmt.Sprintf("Detected %d threats", len(detections))
	}

	return Result{
		Allowed:          action != ActionBlock && action != ActionQuarantine,
		ActionTaken:      action,
		Detections:       detections,
		SanitizedInput:   sanitized,
		Reason:           reason,
		ProcessingTimeMs: float64(elapsed.Milliseconds()),
		RequestID:        requestID,
	}
}

// ProcessOutput scans a completion for secrets. Output is never blocked;
// leaked secrets are sanitized in place.
func (w *WAF) ProcessOutput(text, requestID string) Result {
	start := time.Now()
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var detections []Detection
	now := time.Now().UTC()
	for i := range w.secretRules {
		rule := &w.secretRules[i]
		if !rule.Enabled || rule.re == nil {
			continue
		}
		for _, loc := range rule.re.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				ID:          uuid.New().String(),
				AttackType:  rule.AttackType,
				ThreatLevel: rule.ThreatLevel,
				PatternName: rule.Name,
				MatchedText: text[loc[0]:loc[1]],
				Confidence:  rule.Confidence,
				StartPos:    loc[0],
				EndPos:      loc[1],
				Timestamp:   now,
			})
		}
	}

	action := ActionAllow
	var sanitized string
	if len(detections) > 0 {
		action = ActionSanitize
		sanitized = sanitize(text, detections)
		w.audit(requestID, "", "", text, detections, action, true)
	}

	return Result{
		Allowed:          true,
		ActionTaken:      action,
		Detections:       detections,
		SanitizedInput:   sanitized,
		ProcessingTimeMs: float64(time.Since(start).Milliseconds()),
		RequestID:        requestID,
	}
}

func (w *WAF) incBlock(attackType string, level ThreatLevel) {
	if w.metrics != nil {
		w.metrics.IncCounter("waf_blocks_total", prometheus.Labels{
			"attack_type": attackType,
			"severity":    string(level),
		})
	}
}

// audit appends an NDJSON line to the audit log. The scanned text itself is
// never written, only its length and hash.
func (w *WAF) audit(requestID, clientIP, clientID, text string, detections []Detection, action Action, isOutput bool) {
	sum := sha256.Sum256([]byte(text))
	entry := map[string]interface{}{
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		"request_id":   requestID,
		"client_ip":    clientIP,
		"client_id":    clientID,
		"text_length":  len(text),
		"text_hash":    hex.EncodeToString(sum[:]),
		"detections":   detections,
		"action_taken": string(action),
		"is_output":    isOutput,
	}

	if len(detections) > 0 {
		names := make([]string, len(detections))
		for i, d := range detections {
			names[i] = string(d.AttackType)
		}
		w.logger.Printf("detected %d threats in request %s: action=%s threats=%v",
			len(detections), requestID, action, names)
	}

	if w.config.AuditLogPath == "" {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	w.auditMu.Lock()
	defer w.auditMu.Unlock()
	f, err := os.OpenFile(w.config.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Printf("audit log open failed: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logger.Printf("audit log write failed: %v", err)
	}
}

// Stats summarizes engine state for the ops endpoint.
func (w *WAF) Stats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]interface{}{
		"enabled":       w.config.Enabled,
		"builtin_rules": len(w.promptRules) + len(w.codeRules) + len(w.secretRules),
		"custom_rules":  len(w.customRules),
		"blocked_ips":   len(w.blockedIPs),
	}
}
