// Package engine spawns and supervises the external WASI sandbox
// processes that actually execute a service's WASM artifact. The
// sandbox engine itself (its CLI, its syscall surface) is out of scope
// for this repository — it is a black-box subprocess invoked by path,
// per the runner's contract. This package owns only the subprocess
// lifecycle: launch, stream logs, detect exit, and kill.
package engine

import (
	"context"
)

// SpawnSpec describes one replica to launch.
type SpawnSpec struct {
	Service      string
	ModulePath   string
	Index        int
	ReplicaCount int
	Port         int
	MemoryPages  int    // 0 means no explicit cap
	InstanceID   string // correlates this attempt's logs/env across restarts
}

// Process is a running (or just-exited) sandbox subprocess.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Wait blocks until the process exits and returns its exit reason.
	// Safe to call from exactly one goroutine per Process.
	Wait() <-chan ExitResult

	// Kill sends SIGTERM, and after the grace period a SIGKILL, per the
	// supervisor's shutdown contract. Idempotent.
	Kill(ctx context.Context) error
}

// ExitResult records why a replica process stopped.
type ExitResult struct {
	ExitCode int
	Err      error
}

// Engine is the capability to launch a sandbox replica. Production code
// uses ExecEngine (os/exec against a configured CLI); tests substitute
// a fake that never touches the OS.
type Engine interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}
