package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/state"
)

func testDescriptor() *catalog.ServiceDescriptor {
	return &catalog.ServiceDescriptor{
		Name:         "widgets",
		Prefix:       "widgets",
		BasePort:     9100,
		ReplicaCount: 3,
	}
}

func TestNewServiceState_BuildsOneReplicaPerCount(t *testing.T) {
	ss := state.NewServiceState(testDescriptor())
	replicas := ss.Replicas()
	require.Len(t, replicas, 3)
	for i, r := range replicas {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, 9100+i, r.Port)
		assert.Equal(t, state.HealthUnknown, r.Health)
	}
}

func TestNextReplica_PrefersOnlineRoundRobin(t *testing.T) {
	ss := state.NewServiceState(testDescriptor())
	ss.UpdateReplica(0, func(r *state.Replica) { r.Health = state.HealthOnline })
	ss.UpdateReplica(1, func(r *state.Replica) { r.Health = state.HealthOnline })
	ss.UpdateReplica(2, func(r *state.Replica) { r.Health = state.HealthOffline })

	first, ok := ss.NextReplica()
	require.True(t, ok)
	second, ok := ss.NextReplica()
	require.True(t, ok)

	assert.NotEqual(t, first.Index, second.Index)
	assert.NotEqual(t, 2, first.Index)
	assert.NotEqual(t, 2, second.Index)

	third, ok := ss.NextReplica()
	require.True(t, ok)
	assert.Equal(t, first.Index, third.Index, "round robin should wrap back to the first online replica")
}

func TestNextReplica_FallsBackToUnknownWhenNoneOnline(t *testing.T) {
	ss := state.NewServiceState(testDescriptor())
	ss.UpdateReplica(0, func(r *state.Replica) { r.Health = state.HealthOffline })

	r, ok := ss.NextReplica()
	require.True(t, ok)
	assert.Equal(t, state.HealthUnknown, r.Health)
}

func TestNextReplica_ReturnsFalseWhenAllOffline(t *testing.T) {
	desc := testDescriptor()
	desc.ReplicaCount = 1
	ss := state.NewServiceState(desc)
	ss.UpdateReplica(0, func(r *state.Replica) { r.Health = state.HealthOffline })

	_, ok := ss.NextReplica()
	assert.False(t, ok)
}

func TestRegistry_GetAndNames(t *testing.T) {
	cat := &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{
		"widgets": testDescriptor(),
	}}
	reg := state.NewRegistry(cat)

	ss, ok := reg.Get("widgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", ss.Descriptor.Name)

	assert.ElementsMatch(t, []string{"widgets"}, reg.Names())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestUpdateSchedule_MutatesInPlace(t *testing.T) {
	desc := testDescriptor()
	desc.Schedules = []catalog.ScheduleDecl{{Endpoint: "/sync", IntervalSecs: 30}}
	ss := state.NewServiceState(desc)

	ss.UpdateSchedule(0, func(sc *state.ScheduleState) {
		sc.Paused = true
		sc.RunCount = 5
	})

	sc, ok := ss.ScheduleAt(0)
	require.True(t, ok)
	assert.True(t, sc.Paused)
	assert.Equal(t, 5, sc.RunCount)
}
