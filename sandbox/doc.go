// Package sandbox builds bubblewrap (bwrap) invocations and detects whether
// bwrap can run on the current host.
//
// BuildInvocation is pure: it performs no I/O and identical Options always
// produce an identical argument list. FromPolicy is the bridge from the
// policy package: it inspects the filesystem to decide which allow rules
// become writable binds and which deny rules need masking.
package sandbox
