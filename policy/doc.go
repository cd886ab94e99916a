// Package policy evaluates filesystem and network access requests against
// immutable rule sets.
//
// Both policy kinds use the same decision algorithm: a matching deny rule
// always denies; otherwise a matching allow rule that covers the request
// allows; otherwise the policy's default action applies. The outcome never
// depends on the order in which rules were supplied.
//
// Policies are values: they are safe to share between goroutines, and
// rules are changed only by deriving a new policy with the With* methods.
// The one stateful component is NetworkGate, which adds a
// requests-per-minute ceiling on top of a NetworkPolicy.
package policy
