// Package proxy is the HTTP proxy through which commands reach the network
// when the network policy allows traffic but restricts it. Plain HTTP
// requests are forwarded and CONNECT requests are tunneled; a
// policy.NetworkGate decides each one before anything is dialed.
//
// Only clients that honor the proxy environment variables returned by Env
// go through the proxy. Direct connections are not intercepted.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhangyunhao116/agentexec/policy"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second

	// maxRequestBodySize caps forwarded request bodies (10 MB).
	maxRequestBodySize = 10 << 20
)

// Protocols passed to the gate.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// hopByHopHeaders are meaningful only for a single connection and are
// never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is a connection a client asked the proxy to make.
type Request struct {
	Host string
	Port int
	// Protocol is ProtocolHTTP for forwarded requests and ProtocolHTTPS
	// for CONNECT tunnels.
	Protocol string
}

// Config configures a Server.
type Config struct {
	// Gate decides every request. It is required.
	Gate *policy.NetworkGate

	// DialTimeout bounds outbound connection setup. Defaults to 10s.
	DialTimeout time.Duration

	// IdleTimeout is the idle timeout of client connections. Defaults to
	// 60s.
	IdleTimeout time.Duration

	// MaxRequestBodySize caps forwarded request bodies. Defaults to 10 MB.
	MaxRequestBodySize int64

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// OnDecision, if set, is called with every decision the gate makes.
	OnDecision func(Request, policy.Decision)
}

// Server is an HTTP proxy that supports forwarding and CONNECT tunneling.
type Server struct {
	cfg       Config
	transport *http.Transport

	// dial establishes outbound connections for both forwarding and
	// tunneling. Tests replace it.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New returns a Server that has not started listening.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, errors.New("proxy: a network gate is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = maxRequestBodySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	s := &Server{cfg: cfg, dial: dialer.DialContext}
	s.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return s.dial(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}
	return s, nil
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in
// the background. It returns the address actually bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s,
		IdleTimeout:       s.cfg.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("proxy server error", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for forwarded requests to
// finish. Established tunnels are not tracked and end when either side
// closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.transport.CloseIdleConnections()
	return srv.Shutdown(ctx)
}

// ServeHTTP tunnels CONNECT requests and forwards everything else.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// allow asks the gate about req and answers 403 when it is denied.
func (s *Server) allow(w http.ResponseWriter, req Request) bool {
	d := s.cfg.Gate.Check(req.Host, req.Port, req.Protocol)
	if s.cfg.OnDecision != nil {
		s.cfg.OnDecision(req, d)
	}
	if !d.Allowed {
		s.cfg.Logger.Info("network request denied", "host", req.Host, "port", req.Port, "protocol", req.Protocol, "rule", d.Rule, "reason", d.Reason)
		http.Error(w, "proxy: "+d.Reason, http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodySize)
	if r.URL.Host == "" {
		http.Error(w, "proxy: missing host in request URL", http.StatusBadRequest)
		return
	}
	host, port, err := parseHostPort(r.URL.Host, 80)
	if err != nil {
		http.Error(w, "proxy: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.allow(w, Request{Host: host, Port: port, Protocol: ProtocolHTTP}) {
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.cfg.Logger.Warn("upstream request failed", "host", host, "error", err)
		http.Error(w, "proxy: upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.cfg.Logger.Debug("response body copy failed", "host", host, "error", err)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := parseHostPort(r.Host, 443)
	if err != nil {
		http.Error(w, "proxy: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.allow(w, Request{Host: host, Port: port, Protocol: ProtocolHTTPS}) {
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	upstream, err := s.dial(r.Context(), "tcp", target)
	if err != nil {
		s.cfg.Logger.Warn("CONNECT dial failed", "target", target, "error", err)
		http.Error(w, "proxy: dial target failed", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "proxy: hijacking not supported", http.StatusInternalServerError)
		return
	}
	// Hijack before answering so WriteHeader cannot race the raw write.
	client, buf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		s.cfg.Logger.Error("hijack failed", "error", err)
		return
	}
	_, _ = buf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = buf.Flush()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer upstream.Close()
		defer client.Close()
		// buf.Reader holds anything the client sent after the request.
		_, _ = io.Copy(upstream, buf)
	}()
	go func() {
		defer wg.Done()
		defer client.Close()
		defer upstream.Close()
		_, _ = io.Copy(client, upstream)
	}()
	wg.Wait()
}

// parseHostPort splits host[:port], taking defaultPort when the port is
// absent. IPv6 literals may be bracketed.
func parseHostPort(hostport string, defaultPort int) (string, int, error) {
	if hostport == "" {
		return "", 0, errors.New("empty address")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		portStr = ""
	}
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", hostport)
	}
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func removeHopByHopHeaders(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
