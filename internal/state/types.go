// Package state holds the mutable runtime picture of the fleet: which
// replicas exist, their health, and the schedule cadence for each
// service. The catalog (internal/catalog) is immutable and read once;
// everything in this package changes constantly while the runner is up
// and is gone the moment it exits — there is no persistence.
package state

import (
	"sync"
	"time"

	"github.com/wasmrunner/runner/internal/catalog"
)

// Health is a replica's observed liveness, per the prober's hysteresis
// rule (P7): a replica only drops to Offline after repeated failures,
// and only returns to Online after a single success.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthOnline  Health = "online"
	HealthOffline Health = "offline"
)

// Replica is one running (or starting, or dead) instance of a service.
type Replica struct {
	Index      int
	Port       int
	PID        int
	InstanceID string
	Health     Health

	LastProbeAt        time.Time
	ConsecutiveFailures int
	LastExitReason      string

	ConsecutiveProxyFailures int
}

// ScheduleState tracks one declared webhook cadence's firing history and
// operator controls (pause/resume/run_now from the dashboard).
type ScheduleState struct {
	Endpoint     string
	IntervalSecs int

	Paused       bool
	LastFiredAt  time.Time
	NextFireAt   time.Time
	LastStatus   string
	LastDuration time.Duration
	RunCount     int
	FailureCount int
	SkippedOverlap int
}

// ServiceState is the mutable runtime record for one catalog entry. All
// access must go through the exported methods — they hold the lock so
// callers never see a torn read across replicas/schedules.
type ServiceState struct {
	mu sync.RWMutex

	Descriptor *catalog.ServiceDescriptor
	replicas   []*Replica
	schedules  []*ScheduleState

	roundRobinCursor int
}

// NewServiceState builds the initial runtime record for a service: one
// Replica entry per configured replica count, all starting Unknown, and
// one ScheduleState per declared schedule.
func NewServiceState(desc *catalog.ServiceDescriptor) *ServiceState {
	replicas := make([]*Replica, desc.ReplicaCount)
	for i := range replicas {
		replicas[i] = &Replica{
			Index:  i,
			Port:   desc.ReplicaPort(i),
			Health: HealthUnknown,
		}
	}

	schedules := make([]*ScheduleState, len(desc.Schedules))
	for i, s := range desc.Schedules {
		schedules[i] = &ScheduleState{
			Endpoint:     s.Endpoint,
			IntervalSecs: s.IntervalSecs,
		}
	}

	return &ServiceState{
		Descriptor: desc,
		replicas:   replicas,
		schedules:  schedules,
	}
}

// Replicas returns a snapshot copy of the current replica records.
func (s *ServiceState) Replicas() []Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Replica, len(s.replicas))
	for i, r := range s.replicas {
		out[i] = *r
	}
	return out
}

// Schedules returns a snapshot copy of the current schedule records.
func (s *ServiceState) Schedules() []ScheduleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleState, len(s.schedules))
	for i, sc := range s.schedules {
		out[i] = *sc
	}
	return out
}

// UpdateReplica mutates the replica at index via fn under the write lock.
// fn must not block or call back into ServiceState.
func (s *ServiceState) UpdateReplica(index int, fn func(*Replica)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.replicas) {
		return
	}
	fn(s.replicas[index])
}

// UpdateSchedule mutates the schedule at index via fn under the write lock.
func (s *ServiceState) UpdateSchedule(index int, fn func(*ScheduleState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.schedules) {
		return
	}
	fn(s.schedules[index])
}

// ScheduleAt returns a copy of the schedule at index, or false if out of range.
func (s *ServiceState) ScheduleAt(index int) (ScheduleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.schedules) {
		return ScheduleState{}, false
	}
	return *s.schedules[index], true
}

// NextReplica picks the next replica whose health is Online or Unknown,
// in round-robin order over that eligible subset (P3: fairness across
// requests, not randomness — spec §4.4 step 5 draws no distinction
// between Online and Unknown within the eligible pool). Offline replicas
// are skipped entirely. Returns false if none are eligible.
func (s *ServiceState) NextReplica() (Replica, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.replicas)
	if n == 0 {
		return Replica{}, false
	}

	for i := 0; i < n; i++ {
		idx := (s.roundRobinCursor + i) % n
		r := s.replicas[idx]
		if r.Health == HealthOffline {
			continue
		}
		s.roundRobinCursor = (idx + 1) % n
		return *r, true
	}

	return Replica{}, false
}

// Registry is the top-level map of service name to its runtime state,
// built once at startup from the catalog and never resized afterward.
type Registry struct {
	services map[string]*ServiceState
}

// NewRegistry builds a Registry with one ServiceState per catalog entry.
func NewRegistry(cat *catalog.Catalog) *Registry {
	services := make(map[string]*ServiceState, len(cat.Services))
	for name, desc := range cat.Services {
		services[name] = NewServiceState(desc)
	}
	return &Registry{services: services}
}

// Get returns the runtime state for a service by name.
func (r *Registry) Get(name string) (*ServiceState, bool) {
	s, ok := r.services[name]
	return s, ok
}

// Names returns every known service name, unordered.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// All returns the underlying map. Callers must not mutate it; it exists
// for read-only iteration (dashboard snapshot, supervisor startup fan-out).
func (r *Registry) All() map[string]*ServiceState {
	return r.services
}
