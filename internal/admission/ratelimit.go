// Package admission implements spec §4.10: every ingress request (client
// or federation) traverses a token/signature check, a destination-aware
// rate limiter, and a capability gate, and every client session advances
// through the Unauthenticated -> LoggingIn -> Authenticated(device) ->
// LoggedOut state machine, with User-Interactive Auth as a sub-state of
// LoggingIn.
package admission

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	rateLimitAllowed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixon",
		Subsystem: "admission",
		Name:      "rate_limit_allowed_total",
		Help:      "Total number of requests allowed by the admission rate limiter.",
	}, []string{"action_class"})

	rateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixon",
		Subsystem: "admission",
		Name:      "rate_limit_rejections_total",
		Help:      "Total number of requests rejected by the admission rate limiter.",
	}, []string{"action_class"})
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitAllowed, rateLimitRejections)
	})
}

// ActionClass is one of the request categories spec §4.10 names:
// login, register, send_message, join, invite, presence.
type ActionClass string

const (
	ActionLogin       ActionClass = "login"
	ActionRegister    ActionClass = "register"
	ActionSendMessage ActionClass = "send_message"
	ActionJoin        ActionClass = "join"
	ActionInvite      ActionClass = "invite"
	ActionPresence    ActionClass = "presence"
)

// LimitConfig is the threshold/cooloff pair a bucket refills by,
// mirroring the teacher's limiterConfig shape
// (internal/httputil/rate_limiting.go).
type LimitConfig struct {
	Threshold int64
	Cooloff   time.Duration
}

// Principal identifies who is making the request: a client user+device
// or a federation origin server, whichever the token/signature check
// upstream of the limiter established.
type Principal struct {
	UserID string // set for client requests
	Origin string // set for federation requests
	Admin  bool   // server administrators are exempt (spec §4.10)
}

func (p Principal) key(class ActionClass) string {
	if p.UserID != "" {
		return "u:" + p.UserID + "|" + string(class)
	}
	return "o:" + p.Origin + "|" + string(class)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	cfg      LimitConfig
	lastSeen time.Time
}

// RateLimiter is a token-bucket per (principal, action_class), grounded
// on the teacher's RateLimits type but keyed by Matrix identity rather
// than HTTP endpoint path, per spec §4.10.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*limiterEntry
	enabled       bool
	defaultConfig LimitConfig
	perClass      map[ActionClass]LimitConfig
	exempt        map[string]struct{}

	cleanupDone chan struct{}
}

// NewRateLimiter constructs a RateLimiter. perClass overrides the default
// threshold/cooloff for specific action classes; exemptUserIDsOrOrigins
// lists identities (user IDs or server names) that always bypass limiting.
func NewRateLimiter(enabled bool, def LimitConfig, perClass map[ActionClass]LimitConfig, exemptUserIDsOrOrigins []string) *RateLimiter {
	l := &RateLimiter{
		buckets:       make(map[string]*limiterEntry),
		enabled:       enabled,
		defaultConfig: def,
		perClass:      perClass,
		exempt:        make(map[string]struct{}, len(exemptUserIDsOrOrigins)),
		cleanupDone:   make(chan struct{}),
	}
	for _, id := range exemptUserIDsOrOrigins {
		l.exempt[id] = struct{}{}
	}
	if enabled {
		go l.clean()
	}
	return l
}

// clean periodically evicts buckets idle for over a minute. Each sweep
// snapshots the keys and evicts under l.mu, holding that one lock for the
// whole sweep.
func (l *RateLimiter) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mu.Lock()
			keys := make([]string, 0, len(l.buckets))
			for k := range l.buckets {
				keys = append(keys, k)
			}
			for _, k := range keys {
				if e := l.buckets[k]; e.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop releases the cleanup goroutine. Safe to call multiple times.
func (l *RateLimiter) Stop() {
	select {
	case <-l.cleanupDone:
	default:
		close(l.cleanupDone)
	}
}

// Decision is what the rate limiter decided about one request.
type Decision struct {
	Allowed       bool
	RetryAfter    time.Duration // set when Allowed is false
}

// Allow checks whether principal may proceed with an action of class,
// refilling/consuming its token bucket as a side effect.
func (l *RateLimiter) Allow(principal Principal, class ActionClass) Decision {
	if !l.enabled || principal.Admin {
		rateLimitAllowed.WithLabelValues(string(class)).Inc()
		return Decision{Allowed: true}
	}
	if principal.UserID != "" {
		if _, ok := l.exempt[principal.UserID]; ok {
			rateLimitAllowed.WithLabelValues(string(class)).Inc()
			return Decision{Allowed: true}
		}
	} else if _, ok := l.exempt[principal.Origin]; ok {
		rateLimitAllowed.WithLabelValues(string(class)).Inc()
		return Decision{Allowed: true}
	}

	cfg := l.defaultConfig
	if override, ok := l.perClass[class]; ok {
		cfg = override
	}
	if cfg.Threshold <= 0 {
		rateLimitRejections.WithLabelValues(string(class)).Inc()
		return Decision{Allowed: false, RetryAfter: cfg.Cooloff}
	}
	if cfg.Cooloff <= 0 {
		rateLimitAllowed.WithLabelValues(string(class)).Inc()
		return Decision{Allowed: true}
	}

	limiter := l.limiterFor(principal.key(class), cfg)
	if limiter.Allow() {
		rateLimitAllowed.WithLabelValues(string(class)).Inc()
		return Decision{Allowed: true}
	}
	rateLimitRejections.WithLabelValues(string(class)).Inc()
	return Decision{Allowed: false, RetryAfter: cfg.Cooloff}
}

func (l *RateLimiter) limiterFor(key string, cfg LimitConfig) *rate.Limiter {
	burst := int(cfg.Threshold)
	if burst < 1 {
		burst = 1
	}
	requestsPerSecond := rate.Limit(float64(cfg.Threshold) * float64(time.Second) / float64(cfg.Cooloff))
	if requestsPerSecond <= 0 {
		requestsPerSecond = rate.Limit(1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.buckets[key]; ok && e.cfg == cfg {
		e.lastSeen = time.Now()
		return e.limiter
	}
	limiter := rate.NewLimiter(requestsPerSecond, burst)
	l.buckets[key] = &limiterEntry{limiter: limiter, cfg: cfg, lastSeen: time.Now()}
	return limiter
}
