package agentexec

import (
	"regexp"
	"strings"
)

// unknownStr is the string representation for unknown enum values.
const unknownStr = "unknown"

// Classifier screens a command before it runs. Implementations must be
// pure and safe for concurrent use.
type Classifier interface {
	// Classify inspects a shell command string and returns a verdict.
	Classify(command string) ClassifyResult
}

// Verdict is the screening outcome for a command.
type Verdict int

const (
	// VerdictClear means no rule matched.
	VerdictClear Verdict = iota

	// VerdictWarn means a warn rule matched; the command still runs.
	VerdictWarn

	// VerdictBlocked means a deny rule matched; the command must not run.
	VerdictBlocked
)

// String returns the string representation of a Verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictClear:
		return "clear"
	case VerdictWarn:
		return "warn"
	case VerdictBlocked:
		return "blocked"
	default:
		return unknownStr
	}
}

// ClassifyResult holds the outcome of command screening.
type ClassifyResult struct {
	// Blocked is true when a deny rule matched.
	Blocked bool

	// Reason explains why the command was blocked. Empty unless Blocked.
	Reason string

	// Warning describes the first warn rule that matched. It is only set
	// when the command is not blocked.
	Warning string

	// Rule is the name of the deciding rule, if any.
	Rule string
}

// Verdict summarizes the result.
func (r ClassifyResult) Verdict() Verdict {
	switch {
	case r.Blocked:
		return VerdictBlocked
	case r.Warning != "":
		return VerdictWarn
	default:
		return VerdictClear
	}
}

// RuleKind says what a matching rule does.
type RuleKind int

const (
	// RuleDeny blocks the command.
	RuleDeny RuleKind = iota
	// RuleWarn attaches a warning.
	RuleWarn
)

// String returns the string representation of a RuleKind.
func (k RuleKind) String() string {
	switch k {
	case RuleDeny:
		return "deny"
	case RuleWarn:
		return "warn"
	default:
		return unknownStr
	}
}

// MatcherKind says how a rule's phrase is matched.
type MatcherKind int

const (
	// MatchLiteral matches the phrase as a substring that ends at a token
	// boundary, so "rm -rf /" does not match "rm -rf /tmp".
	MatchLiteral MatcherKind = iota
	// MatchRegex matches the phrase as a regular expression.
	MatchRegex
)

// String returns the string representation of a MatcherKind.
func (k MatcherKind) String() string {
	switch k {
	case MatchLiteral:
		return "literal"
	case MatchRegex:
		return "regex"
	default:
		return unknownStr
	}
}

// Rule is one entry of the screening table.
type Rule struct {
	// Name is a short, unique identifier (e.g. "fork-bomb").
	Name string
	Kind RuleKind

	Matcher MatcherKind
	Phrase  string

	// Description is used in the verdict's Reason or Warning.
	Description string
}

// compiledRule is a Rule with its matcher prepared.
type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func (r *compiledRule) match(command string) bool {
	if r.re != nil {
		return r.re.MatchString(command)
	}
	return containsPhrase(command, r.Phrase)
}

// containsPhrase reports whether phrase occurs in s starting at a token
// start and ending at a token end.
func containsPhrase(s, phrase string) bool {
	if phrase == "" {
		return false
	}
	for off := 0; off+len(phrase) <= len(s); {
		i := strings.Index(s[off:], phrase)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(phrase)
		if (start == 0 || isTokenBoundary(s[start-1])) && (end == len(s) || isTokenBoundary(s[end])) {
			return true
		}
		off = start + 1
	}
	return false
}

func isTokenBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', ';', '&', '|', '(', ')', '`', '"', '\'':
		return true
	}
	return false
}

// ruleClassifier implements Classifier by evaluating an ordered list of
// rules. Deny rules are checked before warn rules; the first deny match
// wins.
type ruleClassifier struct {
	rules []compiledRule
}

func newRuleClassifier(rules []Rule) *ruleClassifier {
	c := &ruleClassifier{rules: make([]compiledRule, 0, len(rules))}
	// Keep table order within each kind.
	for _, kind := range []RuleKind{RuleDeny, RuleWarn} {
		for _, r := range rules {
			if r.Kind != kind {
				continue
			}
			cr := compiledRule{Rule: r}
			if r.Matcher == MatchRegex {
				cr.re = regexp.MustCompile(r.Phrase)
			}
			c.rules = append(c.rules, cr)
		}
	}
	return c
}

// Classify collapses runs of whitespace and evaluates the rule table.
func (c *ruleClassifier) Classify(command string) ClassifyResult {
	normalized := strings.Join(strings.Fields(command), " ")
	var warn *compiledRule
	for i := range c.rules {
		r := &c.rules[i]
		if !r.match(normalized) {
			continue
		}
		if r.Kind == RuleDeny {
			return ClassifyResult{
				Blocked: true,
				Reason:  r.Description,
				Rule:    r.Name,
			}
		}
		if warn == nil {
			warn = r
		}
	}
	if warn != nil {
		return ClassifyResult{Warning: warn.Description, Rule: warn.Name}
	}
	return ClassifyResult{}
}

// Rules returns a copy of the table in evaluation order.
func (c *ruleClassifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}
