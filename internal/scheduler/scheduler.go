// Package scheduler fires each service's declared webhook schedules on
// their configured cadence by calling back into the proxy's public
// listener — the same path external clients would use — so a scheduled
// fire exercises the exact same OpenAPI gate and routing as any other
// request.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wasmrunner/runner/internal/state"
)

// ErrAlreadyInState is returned by Pause/Resume when the schedule is
// already in the requested state (spec §4.6: the dashboard surfaces
// this as 409, not 204, and leaves state unchanged).
var ErrAlreadyInState = errors.New("schedule already in requested state")

// Scheduler runs one independent timer per (service, schedule) pair.
type Scheduler struct {
	registry    *state.Registry
	proxyBaseURL string
	logger      *slog.Logger
	httpc       *http.Client

	mu      sync.Mutex
	entries map[scheduleKey]*scheduleEntry
}

type scheduleKey struct {
	service string
	index   int
}

type scheduleEntry struct {
	firing int32 // atomic flag, guards against overlap
}

// New builds a Scheduler that calls back into proxyBaseURL (e.g.
// "http://127.0.0.1:14000") to fire each schedule's endpoint.
func New(registry *state.Registry, proxyBaseURL string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		registry:     registry,
		proxyBaseURL: proxyBaseURL,
		logger:       logger,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		entries:      make(map[scheduleKey]*scheduleEntry),
	}
}

// Run starts every schedule's timer and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range s.registry.Names() {
		ss, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		for idx, decl := range ss.Descriptor.Schedules {
			service, index, interval := name, idx, decl.IntervalSecs
			key := scheduleKey{service: service, index: index}

			s.mu.Lock()
			s.entries[key] = &scheduleEntry{}
			s.mu.Unlock()

			g.Go(func() error {
				s.fireLoop(gctx, service, index, time.Duration(interval)*time.Second)
				return nil
			})
		}
	}

	return g.Wait()
}

// fireLoop drives one schedule's timer. A time.Ticker only ever queues
// one pending tick while the consumer is busy, so a single fire that ran
// long collapses into at most one catch-up fire instead of a burst of
// backlogged ones. Ticks that arrive while the schedule is paused are
// consumed and dropped, so resuming fires nothing extra: the next fire
// is the next regular tick.
func (s *Scheduler) fireLoop(ctx context.Context, service string, index int, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.setNextFireAt(service, index, time.Now().Add(interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.setNextFireAt(service, index, time.Now().Add(interval))
			s.maybeFire(ctx, service, index)
		}
	}
}

func (s *Scheduler) setNextFireAt(service string, index int, at time.Time) {
	ss, ok := s.registry.Get(service)
	if !ok {
		return
	}
	ss.UpdateSchedule(index, func(sc *state.ScheduleState) {
		sc.NextFireAt = at
	})
}

// maybeFire checks pause state and overlap before actually firing.
func (s *Scheduler) maybeFire(ctx context.Context, service string, index int) {
	ss, ok := s.registry.Get(service)
	if !ok {
		return
	}

	sc, ok := ss.ScheduleAt(index)
	if !ok {
		return
	}
	if sc.Paused {
		return
	}

	s.fire(ctx, service, index)
}

// fire invokes the schedule's endpoint exactly once, skipping (and
// counting) the attempt if the previous fire for this schedule is
// still in flight.
func (s *Scheduler) fire(ctx context.Context, service string, index int) {
	key := scheduleKey{service: service, index: index}
	s.mu.Lock()
	entry := s.entries[key]
	if entry == nil {
		entry = &scheduleEntry{}
		s.entries[key] = entry
	}
	s.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&entry.firing, 0, 1) {
		ss, ok := s.registry.Get(service)
		if ok {
			ss.UpdateSchedule(index, func(sc *state.ScheduleState) {
				sc.SkippedOverlap++
			})
		}
		s.logger.Warn("schedule fire skipped, previous fire still running", "service", service, "index", index)
		return
	}
	defer atomic.StoreInt32(&entry.firing, 0)

	ss, ok := s.registry.Get(service)
	if !ok {
		return
	}
	sc, ok := ss.ScheduleAt(index)
	if !ok {
		return
	}

	start := time.Now()
	err := s.call(ctx, ss.Descriptor.Prefix, sc.Endpoint)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = err.Error()
		s.logger.Error("schedule fire failed", "service", service, "index", index, "error", err)
	}

	ss.UpdateSchedule(index, func(sc *state.ScheduleState) {
		sc.LastFiredAt = start
		sc.LastStatus = status
		sc.LastDuration = duration
		sc.RunCount++
		if err != nil {
			sc.FailureCount++
		}
	})
}

func (s *Scheduler) call(ctx context.Context, prefix, endpoint string) error {
	url := fmt.Sprintf("%s/%s%s", s.proxyBaseURL, prefix, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("call %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// Pause stops future automatic fires for one schedule without
// disturbing its history. Returns ErrAlreadyInState if it was already
// paused (idempotence check, spec §4.6/§8). The check and the flip
// happen under the same ServiceState write lock so two concurrent
// pause calls can't both observe "not yet paused".
func (s *Scheduler) Pause(service string, index int) error {
	return s.setPaused(service, index, true)
}

// Resume re-enables automatic fires for one schedule. Returns
// ErrAlreadyInState if it wasn't paused (idempotence check, spec
// §4.6/§8).
func (s *Scheduler) Resume(service string, index int) error {
	return s.setPaused(service, index, false)
}

func (s *Scheduler) setPaused(service string, index int, want bool) error {
	ss, ok := s.registry.Get(service)
	if !ok {
		return fmt.Errorf("scheduler: unknown service %q", service)
	}
	if _, ok := ss.ScheduleAt(index); !ok {
		return fmt.Errorf("scheduler: unknown schedule %d for service %q", index, service)
	}

	var alreadyInState bool
	ss.UpdateSchedule(index, func(sc *state.ScheduleState) {
		if sc.Paused == want {
			alreadyInState = true
			return
		}
		sc.Paused = want
	})
	if alreadyInState {
		return ErrAlreadyInState
	}
	return nil
}

// RunNow fires a schedule immediately, out of band, subject to the same
// overlap protection as a regular tick.
func (s *Scheduler) RunNow(ctx context.Context, service string, index int) error {
	ss, ok := s.registry.Get(service)
	if !ok {
		return fmt.Errorf("scheduler: unknown service %q", service)
	}
	if _, ok := ss.ScheduleAt(index); !ok {
		return fmt.Errorf("scheduler: unknown schedule %d for service %q", index, service)
	}
	go s.fire(ctx, service, index)
	return nil
}
