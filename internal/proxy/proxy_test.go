package proxy_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/proxy"
	"github.com/wasmrunner/runner/internal/state"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startProxy(t *testing.T, addr string, reg *state.Registry) {
	t.Helper()
	p := proxy.New(addr, reg, nil, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)
}

func TestProxy_HealthEndpoint(t *testing.T) {
	reg := state.NewRegistry(&catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{}})
	addr := freeAddr(t)
	startProxy(t, addr, reg)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_RoutesToHealthyReplicaAndStripsPrefix(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	_, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	desc := &catalog.ServiceDescriptor{
		Name: "widgets", Prefix: "widgets", BasePort: port, ReplicaCount: 1,
		OpenAPIPaths: []catalog.PathOp{{Method: catalog.MethodGet, Pattern: "/{id}"}},
	}
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{"widgets": desc}}
	reg := state.NewRegistry(cat)
	ss, _ := reg.Get("widgets")
	ss.UpdateReplica(0, func(r *state.Replica) { r.Health = state.HealthOnline })

	addr := freeAddr(t)
	startProxy(t, addr, reg)

	resp, err := http.Get(fmt.Sprintf("http://%s/widgets/42", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_UnknownPrefixIs404(t *testing.T) {
	reg := state.NewRegistry(&catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{}})
	addr := freeAddr(t)
	startProxy(t, addr, reg)

	resp, err := http.Get(fmt.Sprintf("http://%s/nope/42", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_PathNotInOpenAPIIs404(t *testing.T) {
	desc := &catalog.ServiceDescriptor{
		Name: "widgets", Prefix: "widgets", BasePort: 19999, ReplicaCount: 1,
		OpenAPIPaths: []catalog.PathOp{{Method: catalog.MethodGet, Pattern: "/{id}"}},
	}
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{"widgets": desc}}
	reg := state.NewRegistry(cat)
	ss, _ := reg.Get("widgets")
	ss.UpdateReplica(0, func(r *state.Replica) { r.Health = state.HealthOnline })

	addr := freeAddr(t)
	startProxy(t, addr, reg)

	resp, err := http.Post(fmt.Sprintf("http://%s/widgets/42", addr), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "path not declared in openapi", strings.TrimSpace(string(body)))
}
