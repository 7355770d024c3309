package abuse

import (
	"log"
	"sync"
	"time"

	"github.com/atp/router/internal/metrics"
)

// Rate limit tiers, in requests per minute.
const (
	TierNormal     = "normal"
	TierElevated   = "elevated"
	TierRestricted = "restricted"
	TierBlocked    = "blocked"
)

// hardBlockDuration is how long a key escalated to the blocked tier is hard
// blocked.
const hardBlockDuration = 300 * time.Second

var tierLimits = map[string]int{
	TierNormal:     1000,
	TierElevated:   500,
	TierRestricted: 100,
	TierBlocked:    10,
}

// Violations required to escalate out of each tier.
var escalationThresholds = map[string]int{
	TierElevated:   5, // normal -> elevated
	TierRestricted: 3, // elevated -> restricted
	TierBlocked:    2, // restricted -> blocked
}

// ProgressiveLimiter applies per-(tenant, user, endpoint) sliding-window
// limits that tighten as a key keeps violating them.
type ProgressiveLimiter struct {
	mu           sync.Mutex
	requestTimes map[string][]time.Time
	blockedUntil map[string]time.Time
	violations   map[string]int
	tier         map[string]string

	metrics *metrics.Registry
	logger  *log.Logger
}

func NewProgressiveLimiter(reg *metrics.Registry) *ProgressiveLimiter {
	return &ProgressiveLimiter{
		requestTimes: make(map[string][]time.Time),
		blockedUntil: make(map[string]time.Time),
		violations:   make(map[string]int),
		tier:         make(map[string]string),
		metrics:      reg,
		logger:       log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
	}
}

func limiterKey(tenantID, userID, endpoint string) string {
	if userID == "" {
		userID = "anonymous"
	}
	if endpoint == "" {
		endpoint = "default"
	}
	return tenantID + ":" + userID + ":" + endpoint
}

// IsAllowed reports whether a request passes the key's current tier. On
// denial it returns the reason and how long to wait.
func (l *ProgressiveLimiter) IsAllowed(tenantID, userID, endpoint string) (bool, string, time.Duration) {
	key := limiterKey(tenantID, userID, endpoint)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blockedUntil[key]; ok && now.Before(until) {
		return false, "temporarily_blocked", until.Sub(now)
	}

	tier := l.tier[key]
	if tier == "" {
		tier = TierNormal
	}
	limit := tierLimits[tier]

	// drop requests outside the 1 minute window
	times := l.requestTimes[key]
	start := 0
	for start < len(times) && now.Sub(times[start]) > time.Minute {
		start++
	}
	times = times[start:]

	if len(times) >= limit {
		l.escalateLocked(key, tier)
		l.requestTimes[key] = times
		if l.metrics != nil {
			l.metrics.IncCounter("rate_limit_hits_total", map[string]string{"limit_type": tier})
		}
		return false, "rate_limit_exceeded_" + tier, time.Minute
	}

	l.requestTimes[key] = append(times, now)
	return true, "allowed", 0
}

func (l *ProgressiveLimiter) escalateLocked(key, currentTier string) {
	l.violations[key]++
	violations := l.violations[key]

	switch {
	case currentTier == TierNormal && violations >= escalationThresholds[TierElevated]:
		l.tier[key] = TierElevated
		l.logger.Printf("escalated %s to elevated tier", key)
	case currentTier == TierElevated && violations >= escalationThresholds[TierRestricted]:
		l.tier[key] = TierRestricted
		l.logger.Printf("escalated %s to restricted tier", key)
	case currentTier == TierRestricted && violations >= escalationThresholds[TierBlocked]:
		l.tier[key] = TierBlocked
		l.blockedUntil[key] = time.Now().Add(hardBlockDuration)
		l.logger.Printf("blocked %s for %s", key, hardBlockDuration)
	}
}

// ResetViolations returns a key to the normal tier and lifts any block.
func (l *ProgressiveLimiter) ResetViolations(tenantID, userID, endpoint string) {
	key := limiterKey(tenantID, userID, endpoint)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations[key] = 0
	l.tier[key] = TierNormal
	delete(l.blockedUntil, key)
}

// Tier returns the key's current tier.
func (l *ProgressiveLimiter) Tier(tenantID, userID, endpoint string) string {
	key := limiterKey(tenantID, userID, endpoint)
	l.mu.Lock()
	defer l.mu.Unlock()
	if t := l.tier[key]; t != "" {
		return t
	}
	return TierNormal
}
