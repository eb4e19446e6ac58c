package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/metrics"
	"github.com/markgate/markgate/internal/model"
)

// Caller identifies who is making a request. A verified credential takes
// precedence over the network origin.
type Caller struct {
	CredentialID string
	Origin       string
}

// Key returns the limiter identity: "key_<id>" for credentialed callers,
// "ip_<origin>" otherwise.
func (c Caller) Key() string {
	if c.CredentialID != "" {
		return "key_" + c.CredentialID
	}
	return "ip_" + c.Origin
}

func (c Caller) kind() string {
	if c.CredentialID != "" {
		return "key"
	}
	return "ip"
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Bypassed is set when no limit applied: the limiter is disabled, the
	// route is excluded, or the counter backend failed.
	Bypassed   bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Key        string
	Rule       Rule
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Options configures a Limiter.
type Options struct {
	Counter Counter
	Audit   audit.Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Limiter applies a Policy using a Counter. It is safe for concurrent use.
type Limiter struct {
	policy  atomic.Pointer[Policy]
	counter Counter
	audit   audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Limiter. Without a Counter it uses a fresh MemoryCounter.
func New(policy Policy, opts Options) *Limiter {
	l := &Limiter{
		counter: opts.Counter,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if l.counter == nil {
		l.counter = NewMemoryCounter()
	}
	if l.audit == nil {
		l.audit = audit.Nop{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.SetPolicy(policy)
	return l
}

// SetPolicy replaces the active policy. Windows already counted are kept.
func (l *Limiter) SetPolicy(p Policy) {
	p.Routes = append([]Rule(nil), p.Routes...)
	p.Exclude = append([]string(nil), p.Exclude...)
	l.policy.Store(&p)
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	return *l.policy.Load()
}

// Check records one request from caller on route and decides whether it is
// admitted. Denials are audited as rate_limit_exceeded. A counter failure
// admits the request.
func (l *Limiter) Check(ctx context.Context, caller Caller, route string) Decision {
	p := l.policy.Load()
	key := caller.Key()
	if !p.Enabled || p.Excluded(route) {
		return Decision{Allowed: true, Bypassed: true, Key: key}
	}

	rule := p.Resolve(route)
	if rule.Rate <= 0 || rule.Period <= 0 {
		return Decision{Allowed: true, Bypassed: true, Key: key, Rule: rule}
	}

	now := l.now()
	count, resetAt, err := l.counter.Increment(ctx, key+"|"+route, rule.Period, now)
	if err != nil {
		l.metrics.RateBackendError()
		l.logger.WarnContext(ctx, "rate limit counter failed, admitting request",
			"component", "ratelimit", "key", key, "route", route, "error", err)
		return Decision{Allowed: true, Bypassed: true, Key: key, Rule: rule}
	}

	if count > int64(rule.Rate) {
		return l.deny(ctx, caller, route, rule, resetAt, now)
	}
	l.metrics.RateCheck(ruleLabel(rule), caller.kind(), true)
	return Decision{
		Allowed:   true,
		Limit:     rule.Rate,
		Remaining: rule.Rate - int(count),
		ResetAt:   resetAt,
		Key:       key,
		Rule:      rule,
	}
}

// Blocked reports whether caller has already used up its window on route,
// without charging a request. A blocked caller is denied and audited the same
// way Check denies. Use it to refuse a request before expensive work such as
// credential verification; it never reports a block when Check would bypass.
func (l *Limiter) Blocked(ctx context.Context, caller Caller, route string) (Decision, bool) {
	p := l.policy.Load()
	key := caller.Key()
	if !p.Enabled || p.Excluded(route) {
		return Decision{Allowed: true, Bypassed: true, Key: key}, false
	}
	rule := p.Resolve(route)
	if rule.Rate <= 0 || rule.Period <= 0 {
		return Decision{Allowed: true, Bypassed: true, Key: key, Rule: rule}, false
	}

	now := l.now()
	count, resetAt, err := l.counter.Peek(ctx, key+"|"+route, now)
	if err != nil {
		l.metrics.RateBackendError()
		l.logger.WarnContext(ctx, "rate limit counter failed, admitting request",
			"component", "ratelimit", "key", key, "route", route, "error", err)
		return Decision{Allowed: true, Bypassed: true, Key: key, Rule: rule}, false
	}
	if count < int64(rule.Rate) {
		return Decision{
			Allowed:   true,
			Limit:     rule.Rate,
			Remaining: rule.Rate - int(count),
			ResetAt:   resetAt,
			Key:       key,
			Rule:      rule,
		}, false
	}
	return l.deny(ctx, caller, route, rule, resetAt, now), true
}

func (l *Limiter) deny(ctx context.Context, caller Caller, route string, rule Rule, resetAt, now time.Time) Decision {
	d := Decision{
		Limit:      rule.Rate,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
		Key:        caller.Key(),
		Rule:       rule,
	}
	if d.RetryAfter > rule.Period {
		d.RetryAfter = rule.Period
	}

	l.metrics.RateCheck(ruleLabel(rule), caller.kind(), false)
	l.audit.Record(ctx, model.ActionRateLimitExceeded, caller.CredentialID, model.OutcomeFailure, map[string]interface{}{
		"origin":   caller.Origin,
		"route":    route,
		"limit":    rule.Rate,
		"reset_at": resetAt.UTC().Format(time.RFC3339),
	})
	return d
}

func ruleLabel(r Rule) string {
	if r.Path == "" {
		return "default"
	}
	return r.Path
}
