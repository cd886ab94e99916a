package agentexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/agentexec/policy"
	"github.com/zhangyunhao116/agentexec/proxy"
)

// proxyShutdownTimeout bounds how long a replaced or closed proxy may take
// to finish in-flight requests.
const proxyShutdownTimeout = 2 * time.Second

// networkProxy runs the policy proxy for a manager. It is started the
// first time a command runs under a network policy that restricts traffic
// and restarted when the configured policy changes, which also resets the
// rate budget.
type networkProxy struct {
	logger     *slog.Logger
	onDecision func(proxy.Request, policy.Decision)

	mu     sync.Mutex
	closed bool
	policy *policy.NetworkPolicy
	server *proxy.Server
	env    map[string]string
}

// envFor returns the proxy environment commands should run with under p,
// or nil when p can allow nothing or allows everything.
func (n *networkProxy) envFor(p *policy.NetworkPolicy) (map[string]string, error) {
	if !p.PermitsAny() || p.Unrestricted() {
		return nil, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrManagerClosed
	}
	if n.server != nil && n.policy == p {
		return n.env, nil
	}
	n.stopLocked()

	srv, err := proxy.New(proxy.Config{
		Gate:       policy.NewNetworkGate(p),
		Logger:     n.logger,
		OnDecision: n.onDecision,
	})
	if err != nil {
		return nil, err
	}
	addr, err := srv.Start("127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("agentexec: start network proxy: %w", err)
	}
	n.policy, n.server, n.env = p, srv, proxy.Env(addr)
	n.logger.Info("network proxy started", "addr", addr.String())
	return n.env, nil
}

func (n *networkProxy) stopLocked() {
	if n.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), proxyShutdownTimeout)
	defer cancel()
	if err := n.server.Shutdown(ctx); err != nil {
		n.logger.Warn("network proxy shutdown", "error", err)
	}
	n.policy, n.server, n.env = nil, nil, nil
}

func (n *networkProxy) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.stopLocked()
}

