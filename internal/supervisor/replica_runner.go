package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/engine"
	"github.com/wasmrunner/runner/internal/state"
)

// replicaRunner owns one replica's spawn/restart loop for the lifetime
// of the supervisor run.
type replicaRunner struct {
	service string
	index   int
	desc    *catalog.ServiceDescriptor
	ss      *state.ServiceState
	eng     engine.Engine
	logger  *slog.Logger
	cfg     Config
	httpc   *http.Client

	// spawnGate bounds how many replicas across the whole fleet may be
	// mid-spawn at once, so a cold start of many services doesn't throw
	// every sandbox process at the host's CPU in the same instant.
	spawnGate *semaphore.Weighted
}

// runLoop spawns the replica, waits for it to either become ready or
// exhaust its readiness budget, then restarts on every exit with
// exponential backoff until the replica is quarantined or ctx is
// cancelled. started is closed exactly once, after the first spawn
// attempt resolves (online, or readiness-failed), so the caller can
// implement sequential same-service launch without waiting forever.
func (r *replicaRunner) runLoop(ctx context.Context, started chan struct{}) {
	var notifyOnce bool
	closeStarted := func() {
		if !notifyOnce {
			notifyOnce = true
			close(started)
		}
	}
	defer closeStarted()

	consecutiveFailures := 0
	backoff := r.cfg.RestartBackoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		onlineAt, exitResult, spawnErr := r.attempt(ctx, closeStarted)
		closeStarted()

		if spawnErr != nil {
			r.logger.Error("replica spawn failed", "service", r.service, "index", r.index, "error", spawnErr)
			consecutiveFailures++
		} else if onlineAt.IsZero() {
			r.logger.Warn("replica never became ready, restarting", "service", r.service, "index", r.index)
			consecutiveFailures++
		} else {
			uptime := time.Since(onlineAt)
			if uptime >= r.cfg.RestartBackoffReset {
				consecutiveFailures = 0
				backoff = r.cfg.RestartBackoffInitial
			} else {
				consecutiveFailures++
			}
			if exitResult != nil {
				r.logger.Warn("replica exited, restarting", "service", r.service, "index", r.index,
					"exit_code", exitResult.ExitCode, "uptime", uptime)
			}
		}

		r.ss.UpdateReplica(r.index, func(rep *state.Replica) {
			rep.Health = state.HealthOffline
			rep.ConsecutiveFailures = consecutiveFailures
			if exitResult != nil {
				rep.LastExitReason = fmt.Sprintf("exit_code=%d", exitResult.ExitCode)
			} else if spawnErr != nil {
				rep.LastExitReason = spawnErr.Error()
			}
		})

		if consecutiveFailures >= r.cfg.QuarantineThreshold {
			r.logger.Error("replica quarantined after repeated restart failures",
				"service", r.service, "index", r.index, "failures", consecutiveFailures)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.RestartBackoffMax {
			backoff = r.cfg.RestartBackoffMax
		}
	}
}

// attempt spawns one instance of the replica and blocks until it either
// becomes ready (onlineAt is non-zero) and later exits, or fails to
// become ready within the readiness budget (in which case it is killed
// and onlineAt is the zero value). ready is called as soon as the
// replica has been marked Online, before waiting for it to exit.
func (r *replicaRunner) attempt(ctx context.Context, ready func()) (onlineAt time.Time, exit *engine.ExitResult, spawnErr error) {
	memPages, _ := r.desc.MemoryPages()
	port := r.desc.ReplicaPort(r.index)

	if r.spawnGate != nil {
		if err := r.spawnGate.Acquire(ctx, 1); err != nil {
			return time.Time{}, nil, err
		}
	}

	instanceID := uuid.New().String()

	proc, err := r.eng.Spawn(ctx, engine.SpawnSpec{
		Service:      r.service,
		ModulePath:   r.desc.ModulePath,
		Index:        r.index,
		ReplicaCount: r.desc.ReplicaCount,
		Port:         port,
		MemoryPages:  memPages,
		InstanceID:   instanceID,
	})
	if r.spawnGate != nil {
		r.spawnGate.Release(1)
	}
	if err != nil {
		return time.Time{}, nil, err
	}

	r.logger.Info("replica spawned", "service", r.service, "index", r.index,
		"instance_id", instanceID, "pid", proc.PID())

	r.ss.UpdateReplica(r.index, func(rep *state.Replica) {
		rep.PID = proc.PID()
		rep.InstanceID = instanceID
		rep.Health = state.HealthUnknown
		rep.ConsecutiveProxyFailures = 0
	})

	ready, exitedEarly := r.waitForReadiness(ctx, proc, port)
	if exitedEarly != nil {
		result := *exitedEarly
		return time.Time{}, &result, nil
	}
	if !ready {
		killCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
		defer cancel()
		_ = proc.Kill(killCtx)
		<-proc.Wait()
		return time.Time{}, nil, nil
	}

	onlineAt = time.Now()
	r.ss.UpdateReplica(r.index, func(rep *state.Replica) {
		rep.Health = state.HealthOnline
		rep.LastProbeAt = onlineAt
	})
	ready()

	select {
	case res := <-proc.Wait():
		result := res
		return onlineAt, &result, nil
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
		defer cancel()
		_ = proc.Kill(killCtx)
		<-proc.Wait()
		return onlineAt, nil, nil
	}
}

// waitForReadiness polls GET /health on the replica's port with
// exponential backoff (100ms -> 2s cap) until it answers 200 or the
// ready budget (30s) is exhausted, or the process exits early.
func (r *replicaRunner) waitForReadiness(ctx context.Context, proc engine.Process, port int) (ready bool, exitedEarly *engine.ExitResult) {
	deadline := time.Now().Add(r.cfg.ReadinessTotalBudget)
	poll := r.cfg.ReadinessPollInitial
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := r.httpc.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return true, nil
				}
			}
		}

		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return false, nil
		case res := <-proc.Wait():
			result := res
			return false, &result
		}

		poll *= 2
		if poll > r.cfg.ReadinessPollMax {
			poll = r.cfg.ReadinessPollMax
		}
	}

	return false, nil
}
