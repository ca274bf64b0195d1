// Package prober runs the steady-state health checks against every
// replica, whatever its current health, independently of the supervisor's startup readiness
// polling. Each replica gets its own 5s ticker; probes never overlap
// for the same replica, and a replica only flips Offline after
// repeated consecutive failures (P7) — a single blip doesn't pull a
// replica out of the routing rotation.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wasmrunner/runner/internal/state"
)

const (
	probeInterval        = 5 * time.Second
	probeTimeout         = 2 * time.Second
	offlineAfterFailures = 2
)

// Prober runs the per-replica health-check loop for every service in
// the registry.
type Prober struct {
	registry *state.Registry
	logger   *slog.Logger
	httpc    *http.Client
}

// New builds a Prober over the given registry.
func New(registry *state.Registry, logger *slog.Logger) *Prober {
	return &Prober{
		registry: registry,
		logger:   logger,
		httpc:    &http.Client{Timeout: probeTimeout},
	}
}

// Run starts one independent ticker goroutine per replica across every
// service and blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range p.registry.Names() {
		ss, ok := p.registry.Get(name)
		if !ok {
			continue
		}
		for _, r := range ss.Replicas() {
			service, index := name, r.Index
			g.Go(func() error {
				p.probeLoop(gctx, service, index)
				return nil
			})
		}
	}

	return g.Wait()
}

func (p *Prober) probeLoop(ctx context.Context, service string, index int) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx, service, index)
		}
	}
}

// probeOnce runs a single, non-overlapping health check. Non-overlap is
// guaranteed by the ticker itself: the next tick can't fire until this
// call returns because probeLoop only selects again after probeOnce
// completes.
func (p *Prober) probeOnce(ctx context.Context, service string, index int) {
	ss, ok := p.registry.Get(service)
	if !ok {
		return
	}

	replicas := ss.Replicas()
	if index >= len(replicas) {
		return
	}
	port := replicas[index].Port

	healthy := p.checkHealth(ctx, port)
	now := time.Now()

	ss.UpdateReplica(index, func(r *state.Replica) {
		r.LastProbeAt = now
		if healthy {
			if r.Health != state.HealthOnline {
				p.logger.Info("replica back online", "service", service, "index", index)
			}
			r.Health = state.HealthOnline
			r.ConsecutiveFailures = 0
			return
		}

		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= offlineAfterFailures && r.Health != state.HealthOffline {
			p.logger.Warn("replica marked offline", "service", service, "index", index,
				"consecutive_failures", r.ConsecutiveFailures)
			r.Health = state.HealthOffline
		}
	})
}

func (p *Prober) checkHealth(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(port), nil)
	if err != nil {
		return false
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func healthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}
