package policy

import (
	"strings"
	"testing"
)

// FuzzMatchesDomain runs matchesDomain on arbitrary host and pattern pairs.
// It must never panic, and a literal pattern, "*" and "**." patterns must
// match the hosts they name.
func FuzzMatchesDomain(f *testing.F) {
	seeds := []struct{ host, pattern string }{
		{"example.com", "example.com"},
		{"api.example.com", "*.example.com"},
		{"example.com", "**.example.com"},
		{"a.b.example.com", "**.example.com"},
		{"api-1.example.com", "api-*.example.com"},
		{"x.cdn.net", "?.cdn.net"},
		{"", "*"},
		{"example.com", "[a-"},
		{"..", "*.*"},
	}
	for _, s := range seeds {
		f.Add(s.host, s.pattern)
	}

	f.Fuzz(func(t *testing.T, host, pattern string) {
		_ = matchesDomain(host, pattern)
		if host == "" {
			if matchesDomain(host, pattern) {
				t.Errorf("matchesDomain(\"\", %q) = true", pattern)
			}
			return
		}
		if !matchesDomain(host, "*") {
			t.Errorf("matchesDomain(%q, \"*\") = false", host)
		}
		if strings.ContainsAny(host, "*?[") {
			return
		}
		if !matchesDomain(host, host) {
			t.Errorf("matchesDomain(%q, itself) = false", host)
		}
		if !matchesDomain(host, "**."+host) || !matchesDomain("sub."+host, "**."+host) {
			t.Errorf("%q and its subdomain should match %q", host, "**."+host)
		}
		if matchesDomain(host, "*."+host) {
			t.Errorf("matchesDomain(%q, %q) = true, want subdomains only", host, "*."+host)
		}
	})
}

// FuzzNetworkPolicyEvaluate checks that deny lists always win over allow
// lists whatever the host.
func FuzzNetworkPolicyEvaluate(f *testing.F) {
	for _, s := range []string{"example.com", "EXAMPLE.com.", "[::1]", "bücher.de", "", " "} {
		f.Add(s, 443)
	}

	p, err := NewNetworkPolicy(NetworkRules{
		AllowDomains: []string{"*"},
		DenyPorts:    []int{25},
		Default:      Allow,
	})
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, host string, port int) {
		if p.Allows(host, 25, "tcp") {
			t.Errorf("Allows(%q, 25) = true despite the deny port", host)
		}
		_ = p.Evaluate(host, port, "tcp")
	})
}
