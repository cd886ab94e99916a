package policy

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// NetworkGate applies a NetworkPolicy and its requests-per-minute ceiling.
// Unlike the policy it is stateful; it is safe for concurrent use.
type NetworkGate struct {
	policy  *NetworkPolicy
	limiter *rate.Limiter
	now     func() time.Time
}

// NewNetworkGate returns a gate for p. With no ceiling configured the gate
// only consults the policy.
func NewNetworkGate(p *NetworkPolicy) *NetworkGate {
	return newNetworkGate(p, time.Now)
}

func newNetworkGate(p *NetworkPolicy, now func() time.Time) *NetworkGate {
	g := &NetworkGate{policy: p, now: now}
	if rpm := p.RequestsPerMinute(); rpm > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	}
	return g
}

// Policy returns the gate's policy.
func (g *NetworkGate) Policy() *NetworkPolicy { return g.policy }

// Check evaluates a request and, when the policy allows it, spends one
// token from the rate budget. Denied requests do not consume budget.
func (g *NetworkGate) Check(host string, port int, protocol string) Decision {
	d := g.policy.Evaluate(host, port, protocol)
	if !d.Allowed || g.limiter == nil {
		return d
	}
	if !g.limiter.AllowN(g.now(), 1) {
		return Decision{
			Rule:   "requests_per_minute",
			Reason: fmt.Sprintf("rate limit of %d requests per minute exceeded", g.policy.RequestsPerMinute()),
		}
	}
	return d
}

// Allow is Check(...).Allowed.
func (g *NetworkGate) Allow(host string, port int, protocol string) bool {
	return g.Check(host, port, protocol).Allowed
}
