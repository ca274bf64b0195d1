// Package proxy runs the runner's single public HTTP listener: the
// reverse proxy that routes every external request to the right
// service replica, the self-check endpoint, and the delegation point
// for the dashboard UI.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/state"
)

const (
	dialTimeout           = 1 * time.Second
	responseHeaderTimeout = 10 * time.Second
	idleConnTimeout       = 30 * time.Second

	proxyFailureThreshold = 2
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 —
// they describe the client<->proxy hop, not the proxy<->backend one.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Proxy is the runner's single public listener.
type Proxy struct {
	registry  *state.Registry
	logger    *slog.Logger
	server    *http.Server
	transport *http.Transport

	dashboard http.Handler

	prefixIndex map[string]*state.ServiceState
}

// New builds the proxy. addr is typically "127.0.0.1:14000" per the
// runner's fixed listener contract. dashboard may be nil; requests
// under /dashboard are 404s until it's set.
func New(addr string, registry *state.Registry, dashboard http.Handler, logger *slog.Logger) *Proxy {
	prefixIndex := make(map[string]*state.ServiceState)
	for _, name := range registry.Names() {
		ss, ok := registry.Get(name)
		if !ok {
			continue
		}
		prefixIndex[ss.Descriptor.Prefix] = ss
	}

	p := &Proxy{
		registry:    registry,
		logger:      logger,
		dashboard:   dashboard,
		prefixIndex: prefixIndex,
		transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			ResponseHeaderTimeout: responseHeaderTimeout,
			IdleConnTimeout:       idleConnTimeout,
		},
	}

	p.server = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(p.handle),
	}

	return p
}

// SetDashboard replaces, after construction, the handler that requests
// under /dashboard are delegated to.
func (p *Proxy) SetDashboard(h http.Handler) {
	p.dashboard = h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (p *Proxy) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", p.server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("proxy listening", "addr", p.server.Addr)
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("proxy: shutdown: %w", err)
	}
	return <-errCh
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	case strings.HasPrefix(r.URL.Path, "/dashboard"):
		if p.dashboard == nil {
			http.NotFound(w, r)
			return
		}
		p.dashboard.ServeHTTP(w, r)
		return
	default:
		p.proxyService(w, r)
	}
}

func (p *Proxy) proxyService(w http.ResponseWriter, r *http.Request) {
	prefix, remainder := splitPrefix(r.URL.Path)

	ss, ok := p.prefixIndex[prefix]
	if !ok {
		http.NotFound(w, r)
		return
	}

	method := catalog.Method(strings.ToUpper(r.Method))
	if !catalog.MatchPath(ss.Descriptor.OpenAPIPaths, method, remainder) {
		http.Error(w, "path not declared in openapi", http.StatusNotFound)
		return
	}

	replica, ok := ss.NextReplica()
	if !ok {
		http.Error(w, "service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", replica.Port))
	if err != nil {
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = p.transport

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = remainder
		req.Host = target.Host
		for _, h := range hopByHopHeaders {
			req.Header.Del(h)
		}
		req.Header.Set("X-Forwarded-For", req.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", "http")
	}

	failed := false
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		failed = true
		p.onProxyError(ss, replica.Index, err)
		status := http.StatusBadGateway
		if isTimeoutErr(err) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, http.StatusText(status), status)
	}

	rp.ServeHTTP(w, r)
	if !failed {
		p.onProxySuccess(ss, replica.Index)
	}
}

func (p *Proxy) onProxyError(ss *state.ServiceState, index int, err error) {
	p.logger.Warn("proxy error", "error", err)
	ss.UpdateReplica(index, func(r *state.Replica) {
		r.ConsecutiveProxyFailures++
		if r.ConsecutiveProxyFailures >= proxyFailureThreshold {
			r.Health = state.HealthOffline
		}
	})
}

func (p *Proxy) onProxySuccess(ss *state.ServiceState, index int) {
	ss.UpdateReplica(index, func(r *state.Replica) {
		r.ConsecutiveProxyFailures = 0
	})
}

// splitPrefix separates the leading path segment (the service prefix)
// from the remainder, which is handed to the backend and matched
// against its OpenAPI document. "/widgets/42" -> ("widgets", "/42").
func splitPrefix(path string) (prefix, remainder string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx == -1 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
