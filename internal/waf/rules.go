package waf

import (
	"fmt"
	"regexp"
	"time"
)

// ThreatLevel is the severity of a detection.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

func (t ThreatLevel) rank() int {
	switch t {
	case ThreatCritical:
		return 3
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 1
	default:
		return 0
	}
}

// AttackType tags the class of attack a rule detects.
type AttackType string

const (
	AttackPromptInjection   AttackType = "prompt_injection"
	AttackJailbreak         AttackType = "jailbreak"
	AttackSystemPromptLeak  AttackType = "system_prompt_leak"
	AttackCodeInjection     AttackType = "code_injection"
	AttackSQLInjection      AttackType = "sql_injection"
	AttackXSS               AttackType = "xss"
	AttackCommandInjection  AttackType = "command_injection"
	AttackPathTraversal     AttackType = "path_traversal"
	AttackSecretLeak        AttackType = "secret_leak"
	AttackDataExfiltration  AttackType = "data_exfiltration"
	AttackAdversarialPrompt AttackType = "adversarial_prompt"
	AttackCustom            AttackType = "custom"
)

// Action is what the WAF does about a detection.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionSanitize  Action = "sanitize"
	ActionLogOnly   Action = "log_only"
	ActionRateLimit Action = "rate_limit"
	ActionQuarantine Action = "quarantine"
)

// Rule is a single pattern rule.
type Rule struct {
	Name        string      `json:"name"`
	Pattern     string      `json:"pattern"`
	AttackType  AttackType  `json:"attack_type"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Action      Action      `json:"action"`
	Enabled     bool        `json:"enabled"`
	Confidence  float64     `json:"confidence"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`

	re *regexp.Regexp
}

// compile prepares the rule's regexp with case-insensitive, multiline flags.
func (r *Rule) compile() error {
	re, err := regexp.Compile("(?im)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// Detection is a single rule firing against a scanned text.
type Detection struct {
	ID          string                 `json:"id"`
	AttackType  AttackType             `json:"attack_type"`
	ThreatLevel ThreatLevel            `json:"threat_level"`
	PatternName string                 `json:"pattern_name"`
	MatchedText string                 `json:"matched_text"`
	Confidence  float64                `json:"confidence"`
	StartPos    int                    `json:"start_pos"`
	EndPos      int                    `json:"end_pos"`
	Context     string                 `json:"context"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Result is the outcome of one WAF pass over a text.
type Result struct {
	Allowed          bool
	ActionTaken      Action
	Detections       []Detection
	SanitizedInput   string // set when ActionTaken == ActionSanitize
	Reason           string
	ProcessingTimeMs float64
	RequestID        string
	RetryAfter       time.Duration // set on rate_limit
}

func builtin(name, pattern string, attack AttackType, level ThreatLevel, action Action, desc string) Rule {
	return Rule{
		Name:        name,
		Pattern:     pattern,
		AttackType:  attack,
		ThreatLevel: level,
		Action:      action,
		Enabled:     true,
		Confidence:  1.0,
		Description: desc,
	}
}

// promptInjectionRules detect instruction override, system-prompt disclosure,
// role manipulation and jailbreak phrasing.
func promptInjectionRules() []Rule {
	return []Rule{
		builtin("ignore_instructions", `ignore\s+(?:all\s+)?(?:previous\s+)?instructions`,
			AttackPromptInjection, ThreatHigh, ActionBlock, "Instruction override attempt"),
		builtin("system_prompt_reveal", `(?:reveal|show|display|print|output)\s+.*(?:system\s+prompt|initial\s+prompt|instructions)`,
			AttackSystemPromptLeak, ThreatCritical, ActionBlock, "System prompt disclosure attempt"),
		builtin("jailbreak_attempt", `(?:jailbreak|break\s+out|escape\s+from|bypass\s+restrictions)`,
			AttackJailbreak, ThreatHigh, ActionBlock, "Jailbreak phrasing"),
		builtin("role_manipulation", `(?:act\s+as|pretend\s+to\s+be|you\s+are\s+now)\s+(?:the\s+)?(?:system|admin|root|developer)`,
			AttackPromptInjection, ThreatHigh, ActionBlock, "Role manipulation"),
		builtin("do_anything_now", `(?:do\s+anything\s+now|DAN\s+mode|unrestricted\s+mode)`,
			AttackJailbreak, ThreatHigh, ActionBlock, "DAN-style jailbreak"),
		builtin("instruction_override", `(?:override|overwrite|replace|modify)\s+(?:your\s+)?(?:instructions|rules|guidelines)`,
			AttackPromptInjection, ThreatHigh, ActionBlock, "Instruction override"),
		builtin("hypothetical_scenarios", `(?:imagine|pretend|hypothetically|what\s+if)\s+.*(?:no\s+restrictions|unlimited\s+access|bypass)`,
			AttackPromptInjection, ThreatMedium, ActionLogOnly, "Hypothetical bypass framing"),
		builtin("token_manipulation", `(?:token|embedding|vector)\s+(?:manipulation|injection|poisoning)`,
			AttackAdversarialPrompt, ThreatMedium, ActionBlock, "Token-level manipulation"),
		builtin("context_stuffing", `(?:context|memory|history)\s+(?:stuffing|flooding|overflow)`,
			AttackAdversarialPrompt, ThreatMedium, ActionRateLimit, "Context stuffing"),
		builtin("model_extraction", `(?:extract|dump|export|reveal)\s+(?:model|weights|parameters|training\s+data)`,
			AttackDataExfiltration, ThreatCritical, ActionBlock, "Model extraction attempt"),
	}
}

// codeInjectionRules detect code, command, SQL and XSS injection plus path
// traversal.
func codeInjectionRules() []Rule {
	return []Rule{
		builtin("python_exec", `(?:exec|eval|compile)\s*\(`,
			AttackCodeInjection, ThreatCritical, ActionBlock, "Python execution primitives"),
		builtin("javascript_eval", `(?:eval|Function|setTimeout|setInterval)\s*\(`,
			AttackCodeInjection, ThreatHigh, ActionBlock, "JavaScript execution primitives"),
		builtin("shell_commands", `(?:system|popen|subprocess|os\.system|shell_exec)\s*\(`,
			AttackCommandInjection, ThreatCritical, ActionBlock, "Shell command execution"),
		builtin("sql_injection", `(?:union\s+select|drop\s+table|insert\s+into|delete\s+from|update\s+.*set)`,
			AttackSQLInjection, ThreatHigh, ActionBlock, "SQL injection keywords"),
		builtin("xss_script", `<script[^>]*>.*?</script>|javascript:|on\w+\s*=`,
			AttackXSS, ThreatHigh, ActionSanitize, "Script tag or event handler"),
		builtin("path_traversal", `(?:\.\./|\.\.\\|%2e%2e%2f|%2e%2e%5c)`,
			AttackPathTraversal, ThreatMedium, ActionBlock, "Directory traversal sequences"),
	}
}

// secretRules detect credentials leaking through prompts or completions.
// These always sanitize, never block.
func secretRules() []Rule {
	return []Rule{
		builtin("api_key", `(?:api[_-]?key|apikey)\s*[:=]\s*['"]?([a-zA-Z0-9_-]{20,})['"]?`,
			AttackSecretLeak, ThreatHigh, ActionSanitize, "API key assignment"),
		builtin("bearer_token", `bearer\s+([a-zA-Z0-9_-]{20,})`,
			AttackSecretLeak, ThreatHigh, ActionSanitize, "Bearer token"),
		builtin("aws_access_key", `AKIA[0-9A-Z]{16}`,
			AttackSecretLeak, ThreatCritical, ActionSanitize, "AWS access key id"),
		builtin("private_key", `-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----`,
			AttackSecretLeak, ThreatCritical, ActionSanitize, "PEM private key"),
		builtin("password", `(?:password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`,
			AttackSecretLeak, ThreatMedium, ActionSanitize, "Password assignment"),
		builtin("jwt_token", `eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
			AttackSecretLeak, ThreatHigh, ActionSanitize, "JWT"),
		builtin("database_url", `(?:mongodb|mysql|postgresql|postgres)://[^\s]+`,
			AttackSecretLeak, ThreatHigh, ActionSanitize, "Database connection URL"),
	}
}
