// Package ratelimit admits or denies requests per (identity, route) within
// fixed windows. Counters live in process memory or, for deployments that
// share one quota across instances, in Redis.
package ratelimit

import (
	"path"
	"strings"
	"time"

	"github.com/markgate/markgate/internal/config"
)

// Rule is a request budget: Rate requests per Period. Path is the route
// prefix the rule applies to; it is empty for the default rule.
type Rule struct {
	Path   string
	Rate   int
	Period time.Duration
}

// Policy is the full limiter configuration. It is immutable once handed to
// a Limiter; swap it with Limiter.SetPolicy.
type Policy struct {
	Enabled bool
	Default Rule
	Routes  []Rule
	Exclude []string
}

// PolicyFromConfig builds a Policy from the rate_limit settings section.
func PolicyFromConfig(cfg config.RateLimitConfig) Policy {
	p := Policy{
		Enabled: cfg.Enabled,
		Default: Rule{Rate: cfg.Default.Rate, Period: cfg.Default.Period},
		Exclude: append([]string(nil), cfg.Exclude...),
	}
	for _, r := range cfg.Routes {
		p.Routes = append(p.Routes, Rule{Path: r.Path, Rate: r.Rate, Period: r.Period})
	}
	return p
}

// Excluded reports whether route bypasses the limiter. A pattern ending in
// "*" matches by prefix, a pattern with other glob characters is matched
// with path.Match, and a plain pattern matches as a prefix.
func (p Policy) Excluded(route string) bool {
	for _, pattern := range p.Exclude {
		if matchPattern(pattern, route) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, route string) bool {
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, "*?[") {
		return strings.HasPrefix(route, prefix)
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, route)
		return err == nil && ok
	}
	return strings.HasPrefix(route, pattern)
}

// Resolve returns the rule for route: the route rule with the longest
// matching path prefix, or the default rule.
func (p Policy) Resolve(route string) Rule {
	best := -1
	for i, r := range p.Routes {
		if !strings.HasPrefix(route, r.Path) {
			continue
		}
		if best < 0 || len(r.Path) > len(p.Routes[best].Path) {
			best = i
		}
	}
	if best >= 0 {
		return p.Routes[best]
	}
	return p.Default
}
