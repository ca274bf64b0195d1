package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/scheduler"
	"github.com/wasmrunner/runner/internal/state"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_FiresOnInterval(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/widgets/sync", r.URL.Path)
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := &catalog.ServiceDescriptor{
		Name: "widgets", Prefix: "widgets", BasePort: 9100, ReplicaCount: 1,
		Schedules: []catalog.ScheduleDecl{{Endpoint: "/sync", IntervalSecs: 1}},
	}
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{"widgets": desc}}
	reg := state.NewRegistry(cat)

	sched := scheduler.New(reg, srv.URL, silentLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	ss, _ := reg.Get("widgets")
	sc, ok := ss.ScheduleAt(0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, sc.RunCount, 1)
	assert.Equal(t, "ok", sc.LastStatus)
}

func TestScheduler_PausedScheduleDoesNotFire(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := &catalog.ServiceDescriptor{
		Name: "widgets", Prefix: "widgets", BasePort: 9100, ReplicaCount: 1,
		Schedules: []catalog.ScheduleDecl{{Endpoint: "/sync", IntervalSecs: 1}},
	}
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{"widgets": desc}}
	reg := state.NewRegistry(cat)

	ss, _ := reg.Get("widgets")
	ss.UpdateSchedule(0, func(sc *state.ScheduleState) { sc.Paused = true })

	sched := scheduler.New(reg, srv.URL, silentLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	assert.Equal(t, int32(0), calls.Load())
}

func TestScheduler_PauseResumeAndRunNow(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := &catalog.ServiceDescriptor{
		Name: "widgets", Prefix: "widgets", BasePort: 9100, ReplicaCount: 1,
		Schedules: []catalog.ScheduleDecl{{Endpoint: "/sync", IntervalSecs: 60}},
	}
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{"widgets": desc}}
	reg := state.NewRegistry(cat)

	sched := scheduler.New(reg, srv.URL, silentLogger())

	require.NoError(t, sched.Pause("widgets", 0))
	ss, _ := reg.Get("widgets")
	sc, _ := ss.ScheduleAt(0)
	assert.True(t, sc.Paused)

	require.NoError(t, sched.Resume("widgets", 0))
	sc, _ = ss.ScheduleAt(0)
	assert.False(t, sc.Paused)

	require.NoError(t, sched.RunNow(context.Background(), "widgets", 0))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 10*time.Millisecond)

	require.Error(t, sched.Pause("missing", 0))
	require.Error(t, sched.Pause("widgets", 99))
}

func TestScheduler_PauseResumeIdempotence(t *testing.T) {
	desc := &catalog.ServiceDescriptor{
		Name: "widgets", Prefix: "widgets", BasePort: 9100, ReplicaCount: 1,
		Schedules: []catalog.ScheduleDecl{{Endpoint: "/sync", IntervalSecs: 60}},
	}
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{"widgets": desc}}
	reg := state.NewRegistry(cat)
	sched := scheduler.New(reg, "http://127.0.0.1:1", silentLogger())

	require.ErrorIs(t, sched.Resume("widgets", 0), scheduler.ErrAlreadyInState)

	require.NoError(t, sched.Pause("widgets", 0))
	require.ErrorIs(t, sched.Pause("widgets", 0), scheduler.ErrAlreadyInState)

	ss, _ := reg.Get("widgets")
	sc, _ := ss.ScheduleAt(0)
	assert.True(t, sc.Paused)
}
