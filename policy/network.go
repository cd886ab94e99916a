package policy

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/idna"
)

// NetworkRules is the input to NewNetworkPolicy.
//
// Domain patterns support:
//   - "example.com": exact match
//   - "*": any host
//   - "*.example.com": any subdomain at any depth, but not example.com
//   - "**.example.com": example.com and any subdomain
//   - per-label globs such as "api-*.example.com" or "?.cdn.net"
//
// Host and pattern matching is case-insensitive, ignores a trailing dot
// and compares internationalized names in their ASCII (punycode) form.
type NetworkRules struct {
	AllowDomains []string `yaml:"allow_domains"`
	DenyDomains  []string `yaml:"deny_domains"`

	AllowPorts []int `yaml:"allow_ports"`
	DenyPorts  []int `yaml:"deny_ports"`

	// Protocols are compared case-insensitively, e.g. "tcp", "udp", "https".
	AllowProtocols []string `yaml:"allow_protocols"`
	DenyProtocols  []string `yaml:"deny_protocols"`

	// RequestsPerMinute is an optional ceiling enforced by NetworkGate.
	// Zero means unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Default is applied when no list decides the request.
	Default Action `yaml:"-"`
}

// NetworkPolicy decides whether a connection to host:port over a protocol
// is permitted. Deny on any matching deny list wins. A request is allowed
// by rule only if at least one allow list is configured and every
// configured allow list matches. Everything else gets the default action.
type NetworkPolicy struct {
	rules NetworkRules
}

// NewNetworkPolicy validates and normalizes rules.
func NewNetworkPolicy(rules NetworkRules) (*NetworkPolicy, error) {
	var errs []error
	normDomains := func(list []string, field string) []string {
		out := make([]string, 0, len(list))
		for _, d := range list {
			n, err := normalizeDomainPattern(d)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", field, err))
				continue
			}
			out = append(out, n)
		}
		return out
	}
	checkPorts := func(list []int, field string) []int {
		for _, p := range list {
			if p < 1 || p > 65535 {
				errs = append(errs, fmt.Errorf("%s: port %d out of range", field, p))
			}
		}
		return slices.Clone(list)
	}
	normProtocols := func(list []string, field string) []string {
		out := make([]string, 0, len(list))
		for _, p := range list {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				errs = append(errs, fmt.Errorf("%s: empty protocol", field))
				continue
			}
			out = append(out, p)
		}
		return out
	}

	p := &NetworkPolicy{rules: NetworkRules{
		AllowDomains:      normDomains(rules.AllowDomains, "AllowDomains"),
		DenyDomains:       normDomains(rules.DenyDomains, "DenyDomains"),
		AllowPorts:        checkPorts(rules.AllowPorts, "AllowPorts"),
		DenyPorts:         checkPorts(rules.DenyPorts, "DenyPorts"),
		AllowProtocols:    normProtocols(rules.AllowProtocols, "AllowProtocols"),
		DenyProtocols:     normProtocols(rules.DenyProtocols, "DenyProtocols"),
		RequestsPerMinute: rules.RequestsPerMinute,
		Default:           rules.Default,
	}}
	if rules.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("RequestsPerMinute: must be >= 0"))
	}
	if rules.Default != Allow && rules.Default != Deny {
		errs = append(errs, fmt.Errorf("Default: invalid action %d", rules.Default))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// Rules returns a copy of the normalized rules.
func (p *NetworkPolicy) Rules() NetworkRules {
	if p == nil {
		return NetworkRules{}
	}
	r := p.rules
	r.AllowDomains = slices.Clone(r.AllowDomains)
	r.DenyDomains = slices.Clone(r.DenyDomains)
	r.AllowPorts = slices.Clone(r.AllowPorts)
	r.DenyPorts = slices.Clone(r.DenyPorts)
	r.AllowProtocols = slices.Clone(r.AllowProtocols)
	r.DenyProtocols = slices.Clone(r.DenyProtocols)
	return r
}

// RequestsPerMinute returns the configured ceiling, zero for none.
func (p *NetworkPolicy) RequestsPerMinute() int {
	if p == nil {
		return 0
	}
	return p.rules.RequestsPerMinute
}

// PermitsAny reports whether any request could ever be allowed. A policy
// that cannot allow anything lets a sandbox drop networking entirely.
func (p *NetworkPolicy) PermitsAny() bool {
	if p == nil {
		return false
	}
	r := &p.rules
	if r.Default == Allow {
		return true
	}
	return len(r.AllowDomains) > 0 || len(r.AllowPorts) > 0 || len(r.AllowProtocols) > 0
}

// Unrestricted reports whether every request is allowed without limit:
// the default allows, nothing is denied and there is no rate ceiling.
func (p *NetworkPolicy) Unrestricted() bool {
	if p == nil {
		return false
	}
	r := &p.rules
	return r.Default == Allow && len(r.DenyDomains) == 0 && len(r.DenyPorts) == 0 &&
		len(r.DenyProtocols) == 0 && r.RequestsPerMinute == 0
}

// Evaluate decides a request. port 0 and an empty protocol mean "not
// specified": they never match a list and so cannot satisfy an allow list.
func (p *NetworkPolicy) Evaluate(host string, port int, protocol string) Decision {
	if p == nil {
		return Decision{Reason: "no network policy"}
	}
	r := &p.rules
	h := normalizeHost(host)
	proto := strings.ToLower(strings.TrimSpace(protocol))
	target := describeTarget(h, port, proto)

	if pat, ok := matchDomainList(h, r.DenyDomains); ok {
		return Decision{Rule: pat, Reason: fmt.Sprintf("%s denied by domain rule %q", target, pat)}
	}
	if port != 0 && slices.Contains(r.DenyPorts, port) {
		rule := strconv.Itoa(port)
		return Decision{Rule: rule, Reason: fmt.Sprintf("%s denied by port rule %s", target, rule)}
	}
	if proto != "" && slices.Contains(r.DenyProtocols, proto) {
		return Decision{Rule: proto, Reason: fmt.Sprintf("%s denied by protocol rule %q", target, proto)}
	}

	configured := 0
	var matched []string
	if len(r.AllowDomains) > 0 {
		configured++
		if pat, ok := matchDomainList(h, r.AllowDomains); ok {
			matched = append(matched, pat)
		}
	}
	if len(r.AllowPorts) > 0 {
		configured++
		if port != 0 && slices.Contains(r.AllowPorts, port) {
			matched = append(matched, strconv.Itoa(port))
		}
	}
	if len(r.AllowProtocols) > 0 {
		configured++
		if proto != "" && slices.Contains(r.AllowProtocols, proto) {
			matched = append(matched, proto)
		}
	}
	if configured > 0 && len(matched) == configured {
		rule := strings.Join(matched, ",")
		return Decision{Allowed: true, Rule: rule, Reason: fmt.Sprintf("%s allowed by %s", target, rule)}
	}

	if r.Default == Allow {
		return Decision{Allowed: true, Reason: "allowed by default"}
	}
	return Decision{Reason: fmt.Sprintf("%s denied by default", target)}
}

// Allows reports whether the request is permitted.
func (p *NetworkPolicy) Allows(host string, port int, protocol string) bool {
	return p.Evaluate(host, port, protocol).Allowed
}

// IsNetworkRequestAllowed reports whether policy permits a connection to
// host:port over protocol. A nil policy denies everything.
func IsNetworkRequestAllowed(policy *NetworkPolicy, host string, port int, protocol string) bool {
	return policy.Allows(host, port, protocol)
}

func describeTarget(host string, port int, proto string) string {
	s := host
	if port != 0 {
		s += ":" + strconv.Itoa(port)
	}
	if proto != "" {
		s = proto + "://" + s
	}
	return s
}

// normalizeHost lowercases host, strips IPv6 brackets and a trailing dot,
// and converts internationalized names to ASCII.
func normalizeHost(host string) string {
	h := strings.TrimSpace(host)
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	h = strings.TrimSuffix(h, ".")
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		h = ascii
	}
	return strings.ToLower(h)
}

func normalizeDomainPattern(pattern string) (string, error) {
	p := strings.TrimSpace(pattern)
	switch {
	case p == "":
		return "", errors.New("empty domain pattern")
	case strings.Contains(p, "://"):
		return "", fmt.Errorf("domain pattern %q must not include a scheme", pattern)
	case strings.ContainsAny(p, "/ \t"):
		return "", fmt.Errorf("domain pattern %q must be a bare host", pattern)
	}
	if p == "*" {
		return p, nil
	}
	p = strings.ToLower(strings.TrimSuffix(p, "."))

	// Convert the literal labels to ASCII, leaving wildcard labels alone.
	labels := strings.Split(p, ".")
	for i, l := range labels {
		if l == "" {
			return "", fmt.Errorf("domain pattern %q has an empty label", pattern)
		}
		if strings.ContainsAny(l, "*?[") {
			continue
		}
		// Labels idna rejects (underscores, raw IP octets) stay as written,
		// matching how normalizeHost treats them.
		if ascii, err := idna.Lookup.ToASCII(l); err == nil {
			labels[i] = ascii
		}
	}
	p = strings.Join(labels, ".")
	if !doublestar.ValidatePattern(strings.ReplaceAll(p, ".", "/")) {
		return "", fmt.Errorf("domain pattern %q is not a valid glob", pattern)
	}
	return p, nil
}

func matchDomainList(host string, patterns []string) (string, bool) {
	for _, pat := range patterns {
		if matchesDomain(host, pat) {
			return pat, true
		}
	}
	return "", false
}

// matchesDomain matches a normalized host against a normalized pattern.
func matchesDomain(host, pattern string) bool {
	if host == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "**."); ok && !strings.ContainsAny(rest, "*?[") {
		return host == rest || strings.HasSuffix(host, "."+rest)
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok && !strings.ContainsAny(rest, "*?[") {
		return strings.HasSuffix(host, "."+rest)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return host == pattern
	}
	// Treat labels as path segments: "*" stays within a label and "**"
	// spans any number of labels.
	ok, _ := doublestar.Match(strings.ReplaceAll(pattern, ".", "/"), strings.ReplaceAll(host, ".", "/"))
	return ok
}
