package engine_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrunner/runner/internal/engine"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecEngine_SpawnReportsExit(t *testing.T) {
	eng := engine.NewExecEngine("/bin/sh", []string{"-c", `echo "$WR_RUNNER_PORT started"; exit 0`, "--"}, silentLogger())

	proc, err := eng.Spawn(context.Background(), engine.SpawnSpec{
		Service: "widgets", Index: 0, ReplicaCount: 1, Port: 9100,
	})
	require.NoError(t, err)
	assert.Greater(t, proc.PID(), 0)

	select {
	case result := <-proc.Wait():
		assert.Equal(t, 0, result.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}
}

func TestExecEngine_KillTerminatesLongRunningProcess(t *testing.T) {
	eng := engine.NewExecEngine("/bin/sh", []string{"-c", `trap 'exit 0' TERM; sleep 30`, "--"}, silentLogger())

	proc, err := eng.Spawn(context.Background(), engine.SpawnSpec{
		Service: "widgets", Index: 0, ReplicaCount: 1, Port: 9100,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proc.Kill(ctx))

	select {
	case <-proc.Wait():
	case <-time.After(3 * time.Second):
		t.Fatal("process was not reaped after Kill")
	}
}
