// Package agentexec runs shell commands on behalf of an AI agent under a
// security policy.
//
// Every command is screened against a fixed table of deny and warn rules,
// checked against a filesystem policy, and then run either inside a
// bubblewrap (bwrap) sandbox or, when bwrap is not usable on the host,
// directly. Foreground runs are bounded by a timeout with
// graceful-then-forceful termination; background shells are tracked by a
// registry with a concurrency limit, a maximum runtime, and consuming,
// bounded output. Every execution leaves exactly one audit record.
//
// Key features:
//   - Ordered, immutable command screener (blocked / warned / clear)
//   - Filesystem and network policies where deny always wins
//   - Deterministic bwrap argument construction
//   - Two-phase termination of whole process groups
//   - Bounded audit ring with an optional rotating JSONL mirror
//   - Prometheus metrics
//
// Basic usage:
//
//	mgr, err := agentexec.NewManager(agentexec.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	res, err := mgr.Exec(ctx, "ls -la /tmp", agentexec.WithTimeout(5*time.Second))
package agentexec
