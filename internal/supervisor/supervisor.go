// Package supervisor owns the lifecycle of replica subprocesses: launch,
// readiness polling, crash-restart with backoff, and quarantine of a
// replica that cannot be kept alive. It is the piece of the runner that
// turns catalog.ServiceDescriptor + engine.Engine into the picture the
// rest of the runner observes through internal/state.
package supervisor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/engine"
	"github.com/wasmrunner/runner/internal/state"
)

// Config holds the timing constants governing readiness polling and
// restart backoff. Defaults match the runner's documented contract.
type Config struct {
	ReadinessPollInitial time.Duration
	ReadinessPollMax     time.Duration
	ReadinessTotalBudget time.Duration

	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration
	RestartBackoffReset   time.Duration

	QuarantineThreshold int
	ShutdownGrace       time.Duration

	// MaxConcurrentSpawns bounds how many replicas, across every
	// service, may be inside engine.Spawn at the same instant.
	MaxConcurrentSpawns int64
}

// DefaultConfig returns the runner's standard timing contract.
func DefaultConfig() Config {
	return Config{
		ReadinessPollInitial:  100 * time.Millisecond,
		ReadinessPollMax:      2 * time.Second,
		ReadinessTotalBudget:  30 * time.Second,
		RestartBackoffInitial: 1 * time.Second,
		RestartBackoffMax:     30 * time.Second,
		RestartBackoffReset:   60 * time.Second,
		QuarantineThreshold:   10,
		ShutdownGrace:         5 * time.Second,
		MaxConcurrentSpawns:   8,
	}
}

// Supervisor launches and restarts every replica of every enabled
// service. One Supervisor instance governs the whole fleet for the
// lifetime of the runner process.
type Supervisor struct {
	registry  *state.Registry
	eng       engine.Engine
	logger    *slog.Logger
	cfg       Config
	httpc     *http.Client
	spawnGate *semaphore.Weighted

	mu      sync.Mutex
	handles map[string][]*replicaHandle // service -> per-index handle
}

type replicaHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Supervisor over the given registry and engine.
func New(registry *state.Registry, eng engine.Engine, logger *slog.Logger, cfg Config) *Supervisor {
	gate := cfg.MaxConcurrentSpawns
	if gate <= 0 {
		gate = 1
	}
	return &Supervisor{
		registry:  registry,
		eng:       eng,
		logger:    logger,
		cfg:       cfg,
		httpc:     &http.Client{Timeout: 2 * time.Second},
		spawnGate: semaphore.NewWeighted(gate),
		handles:   make(map[string][]*replicaHandle),
	}
}

// Run launches every service's replicas and blocks until ctx is
// cancelled, then shuts every replica down gracefully. Services launch
// concurrently with each other; within one service, replicas launch
// sequentially so that a consistently broken artifact fails fast
// instead of burning the readiness budget N times in parallel.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range s.registry.Names() {
		name := name
		g.Go(func() error {
			return s.runService(gctx, name)
		})
	}

	return g.Wait()
}

func (s *Supervisor) runService(ctx context.Context, name string) error {
	ss, ok := s.registry.Get(name)
	if !ok {
		return nil
	}

	desc := ss.Descriptor
	handles := make([]*replicaHandle, desc.ReplicaCount)

	for i := 0; i < desc.ReplicaCount; i++ {
		replicaCtx, cancel := context.WithCancel(ctx)
		h := &replicaHandle{cancel: cancel, done: make(chan struct{})}
		handles[i] = h

		rr := &replicaRunner{
			service:   name,
			index:     i,
			desc:      desc,
			ss:        ss,
			eng:       s.eng,
			logger:    s.logger,
			cfg:       s.cfg,
			httpc:     s.httpc,
			spawnGate: s.spawnGate,
		}

		// Sequential launch: wait for this replica to reach its first
		// readiness decision (online or exhausted) before starting the
		// next, but keep monitoring it in the background afterward.
		started := make(chan struct{})
		go func() {
			defer close(h.done)
			rr.runLoop(replicaCtx, started)
		}()

		select {
		case <-started:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.handles[name] = handles
	s.mu.Unlock()

	<-ctx.Done()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}

	return nil
}
