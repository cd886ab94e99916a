package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zhangyunhao116/agentexec/internal/pathutil"
)

// userHomeDir resolves "~" in patterns. It is a variable for tests.
var userHomeDir = os.UserHomeDir

// ErrInvalidPattern is returned for a rule pattern that cannot be compiled.
var ErrInvalidPattern = errors.New("policy: invalid pattern")

// PathRule is a glob-style path pattern and the operations it covers.
//
// Patterns are absolute paths that may use "**" (zero or more segments),
// "*" and "?" (within a segment), character classes and "{a,b}"
// alternation. A leading "~" or "$HOME" is expanded against the user's
// home directory, and a pattern starting with "**/" matches at any depth.
// A pattern matches a path when it matches the path itself or any of its
// ancestor directories, so "/home/u/.ssh" also covers "/home/u/.ssh/id_rsa".
type PathRule struct {
	Pattern string
	// Ops is the set of operations the rule covers. Zero means OpAll.
	Ops Operation
}

type pathRule struct {
	source  PathRule // as supplied
	pattern string   // expanded and normalized
	glob    bool
	ops     Operation
}

func (r pathRule) matches(chain []string) bool {
	for _, p := range chain {
		if r.glob {
			if ok, _ := doublestar.Match(r.pattern, filepath.ToSlash(p)); ok {
				return true
			}
			continue
		}
		if p == r.pattern {
			return true
		}
	}
	return false
}

// FilesystemPolicy decides whether a path may be read, written or executed.
// The zero value denies everything.
type FilesystemPolicy struct {
	def   Action
	home  string
	allow []pathRule
	deny  []pathRule
}

// NewFilesystemPolicy compiles a policy from allow and deny rules. The
// relative order of allow and deny rules has no effect on decisions.
func NewFilesystemPolicy(def Action, allow, deny []PathRule) (*FilesystemPolicy, error) {
	home, err := userHomeDir()
	if err != nil {
		home = ""
	}
	return newFilesystemPolicy(def, home, allow, deny)
}

func newFilesystemPolicy(def Action, home string, allow, deny []PathRule) (*FilesystemPolicy, error) {
	if def != Allow && def != Deny {
		return nil, fmt.Errorf("policy: invalid default action %d", def)
	}
	p := &FilesystemPolicy{def: def, home: home}
	var errs []error
	for _, r := range allow {
		c, err := compileRule(r, home)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.allow = append(p.allow, c)
	}
	for _, r := range deny {
		c, err := compileRule(r, home)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.deny = append(p.deny, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

func compileRule(r PathRule, home string) (pathRule, error) {
	raw := strings.TrimSpace(r.Pattern)
	if raw == "" {
		return pathRule{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if pathutil.ContainsNullByte(raw) {
		return pathRule{}, fmt.Errorf("%w: %q contains a null byte", ErrInvalidPattern, raw)
	}
	ops := r.Ops
	if ops == 0 {
		ops = OpAll
	}
	if ops&^OpAll != 0 {
		return pathRule{}, fmt.Errorf("%w: %q has unknown operations %s", ErrInvalidPattern, raw, ops)
	}

	expanded := filepath.ToSlash(pathutil.ExpandHome(raw, home))
	if strings.HasPrefix(expanded, "**/") || expanded == "**" {
		expanded = "/" + expanded
	}
	if !strings.HasPrefix(expanded, "/") {
		return pathRule{}, fmt.Errorf("%w: %q must be absolute", ErrInvalidPattern, raw)
	}

	if !pathutil.IsGlobPattern(expanded) {
		norm, err := pathutil.Normalize(expanded)
		if err != nil {
			return pathRule{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		return pathRule{source: r, pattern: filepath.ToSlash(norm), ops: ops}, nil
	}

	if !doublestar.ValidatePattern(expanded) {
		return pathRule{}, fmt.Errorf("%w: %q is not a valid glob", ErrInvalidPattern, raw)
	}
	// Normalize the literal directory prefix so a symlinked base matches
	// the resolved paths it will be compared against.
	base, rest := doublestar.SplitPattern(expanded)
	if base != "/" {
		norm, err := pathutil.Normalize(base)
		if err != nil {
			return pathRule{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		base = filepath.ToSlash(norm)
	}
	pattern := strings.TrimSuffix(base, "/") + "/" + rest
	return pathRule{source: r, pattern: pattern, glob: true, ops: ops}, nil
}

// Default returns the action applied when no rule matches.
func (p *FilesystemPolicy) Default() Action {
	if p == nil {
		return Deny
	}
	return p.def
}

// AllowRules returns the compiled allow rules with patterns expanded and
// normalized.
func (p *FilesystemPolicy) AllowRules() []PathRule { return p.export(p.allowList()) }

// DenyRules returns the compiled deny rules with patterns expanded and
// normalized.
func (p *FilesystemPolicy) DenyRules() []PathRule { return p.export(p.denyList()) }

func (p *FilesystemPolicy) allowList() []pathRule {
	if p == nil {
		return nil
	}
	return p.allow
}

func (p *FilesystemPolicy) denyList() []pathRule {
	if p == nil {
		return nil
	}
	return p.deny
}

func (p *FilesystemPolicy) export(rules []pathRule) []PathRule {
	out := make([]PathRule, len(rules))
	for i, r := range rules {
		out[i] = PathRule{Pattern: r.pattern, Ops: r.ops}
	}
	return out
}

// Evaluate decides whether op on path is permitted.
func (p *FilesystemPolicy) Evaluate(path string, op Operation) Decision {
	if op == 0 || op&^OpAll != 0 {
		return Decision{Reason: fmt.Sprintf("invalid operation %s", op)}
	}
	norm, err := pathutil.Normalize(path)
	if err != nil {
		return Decision{Reason: err.Error()}
	}
	chain := pathutil.Ancestors(norm)

	for _, r := range p.denyList() {
		if r.ops&op != 0 && r.matches(chain) {
			return Decision{
				Rule:   r.source.Pattern,
				Reason: fmt.Sprintf("%s of %s denied by rule %q", op, norm, r.source.Pattern),
			}
		}
	}
	for _, r := range p.allowList() {
		if op&^r.ops == 0 && r.matches(chain) {
			return Decision{
				Allowed: true,
				Rule:    r.source.Pattern,
				Reason:  fmt.Sprintf("%s of %s allowed by rule %q", op, norm, r.source.Pattern),
			}
		}
	}
	if p.Default() == Allow {
		return Decision{Allowed: true, Reason: "allowed by default"}
	}
	return Decision{Reason: fmt.Sprintf("%s of %s denied by default", op, norm)}
}

// Allows reports whether op on path is permitted.
func (p *FilesystemPolicy) Allows(path string, op Operation) bool {
	return p.Evaluate(path, op).Allowed
}

// IsPathAllowed reports whether policy permits op on path. A nil policy
// denies everything.
func IsPathAllowed(policy *FilesystemPolicy, path string, op Operation) bool {
	return policy.Allows(path, op)
}

// WithAllow returns a copy of p with additional allow rules.
func (p *FilesystemPolicy) WithAllow(rules ...PathRule) (*FilesystemPolicy, error) {
	return p.derive(p.Default(), append(p.sources(p.allowList()), rules...), p.sources(p.denyList()))
}

// WithDeny returns a copy of p with additional deny rules.
func (p *FilesystemPolicy) WithDeny(rules ...PathRule) (*FilesystemPolicy, error) {
	return p.derive(p.Default(), p.sources(p.allowList()), append(p.sources(p.denyList()), rules...))
}

// WithoutPattern returns a copy of p with every allow and deny rule whose
// pattern, as originally supplied, equals pattern removed.
func (p *FilesystemPolicy) WithoutPattern(pattern string) *FilesystemPolicy {
	keep := func(rules []pathRule) []pathRule {
		return slices.DeleteFunc(slices.Clone(rules), func(r pathRule) bool {
			return r.source.Pattern == pattern
		})
	}
	return &FilesystemPolicy{
		def:   p.Default(),
		home:  p.homeDir(),
		allow: keep(p.allowList()),
		deny:  keep(p.denyList()),
	}
}

// WithDefault returns a copy of p with a different default action.
func (p *FilesystemPolicy) WithDefault(def Action) *FilesystemPolicy {
	return &FilesystemPolicy{
		def:   def,
		home:  p.homeDir(),
		allow: slices.Clone(p.allowList()),
		deny:  slices.Clone(p.denyList()),
	}
}

func (p *FilesystemPolicy) homeDir() string {
	if p == nil {
		return ""
	}
	return p.home
}

func (p *FilesystemPolicy) derive(def Action, allow, deny []PathRule) (*FilesystemPolicy, error) {
	return newFilesystemPolicy(def, p.homeDir(), allow, deny)
}

func (p *FilesystemPolicy) sources(rules []pathRule) []PathRule {
	out := make([]PathRule, len(rules))
	for i, r := range rules {
		out[i] = r.source
	}
	return out
}
