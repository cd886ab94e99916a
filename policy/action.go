package policy

import (
	"fmt"
	"strings"
)

const unknownStr = "unknown"

// Action is the outcome a policy applies when no rule matches.
type Action int

const (
	// Deny rejects the request. It is the zero value.
	Deny Action = iota

	// Allow permits the request.
	Allow
)

// String returns the string representation of an Action.
func (a Action) String() string {
	switch a {
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	default:
		return unknownStr
	}
}

// ParseAction parses "allow" or "deny" (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deny", "":
		return Deny, nil
	case "allow":
		return Allow, nil
	default:
		return Deny, fmt.Errorf("policy: unknown action %q", s)
	}
}

// Operation is a set of filesystem operations.
type Operation uint8

const (
	// OpRead covers opening and listing.
	OpRead Operation = 1 << iota
	// OpWrite covers creating, modifying and removing.
	OpWrite
	// OpExecute covers running a file or entering a directory as a working
	// directory.
	OpExecute

	// OpAll is every operation.
	OpAll = OpRead | OpWrite | OpExecute
)

var opNames = []struct {
	op   Operation
	name string
}{
	{OpRead, "read"},
	{OpWrite, "write"},
	{OpExecute, "execute"},
}

// String renders the set as names joined by "|", e.g. "read|write".
func (o Operation) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	for _, n := range opNames {
		if o&n.op != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := o &^ OpAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseOperation parses a set written as names separated by "|" or ",".
// "all" and "*" mean OpAll.
func ParseOperation(s string) (Operation, error) {
	var op Operation
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name := strings.ToLower(strings.TrimSpace(f))
		switch name {
		case "all", "*":
			op |= OpAll
			continue
		case "":
			continue
		}
		found := false
		for _, n := range opNames {
			if n.name == name {
				op |= n.op
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("policy: unknown operation %q", f)
		}
	}
	if op == 0 {
		return 0, fmt.Errorf("policy: empty operation set %q", s)
	}
	return op, nil
}

// Decision is the result of evaluating a request.
type Decision struct {
	// Allowed reports whether the request is permitted.
	Allowed bool

	// Rule is the pattern or list entry that decided the request. It is
	// empty when the default action applied.
	Rule string

	// Reason is a human-readable explanation.
	Reason string
}
