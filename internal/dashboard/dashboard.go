// Package dashboard serves the operator-facing view of the fleet: a
// JSON state snapshot, a small polling HTML page, and the mutation
// endpoints for pausing, resuming, and force-running a schedule.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/wasmrunner/runner/internal/scheduler"
	"github.com/wasmrunner/runner/internal/state"
)

var errUnknownAction = errors.New("unknown action")

// Dashboard serves /dashboard and /dashboard/*.
type Dashboard struct {
	registry *state.Registry
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	handler  http.Handler
}

// New builds the dashboard HTTP handler, wrapped with a permissive CORS
// policy so a locally-served SPA build can poll it from another origin
// during development.
func New(registry *state.Registry, sched *scheduler.Scheduler, logger *slog.Logger) *Dashboard {
	d := &Dashboard{registry: registry, sched: sched, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard", d.serveIndex)
	mux.HandleFunc("/dashboard/state", d.serveState)
	mux.HandleFunc("/dashboard/schedules/", d.serveScheduleAction)

	d.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(mux)

	return d
}

func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.handler.ServeHTTP(w, r)
}

// snapshot is the JSON shape served at /dashboard/state.
type snapshot struct {
	Services []serviceSnapshot `json:"services"`
	AsOf     time.Time         `json:"as_of"`
}

type serviceSnapshot struct {
	Name      string             `json:"name"`
	Prefix    string             `json:"prefix"`
	Domain    string             `json:"domain"`
	Type      string             `json:"type"`
	Replicas  []replicaSnapshot  `json:"replicas"`
	Schedules []scheduleSnapshot `json:"schedules"`
}

type replicaSnapshot struct {
	Index      int    `json:"index"`
	Port       int    `json:"port"`
	PID        int    `json:"pid"`
	InstanceID string `json:"instance_id,omitempty"`
	Health     string `json:"health"`
}

type scheduleSnapshot struct {
	Index          int    `json:"index"`
	Endpoint       string `json:"endpoint"`
	IntervalSecs   int    `json:"interval_secs"`
	Paused         bool   `json:"paused"`
	LastStatus     string `json:"last_status"`
	RunCount       int    `json:"run_count"`
	FailureCount   int    `json:"failure_count"`
	SkippedOverlap int    `json:"skipped_overlap"`
	LastFiredAt    string `json:"last_fired_at,omitempty"`
	NextFireAt     string `json:"next_fire_at,omitempty"`
}

func (d *Dashboard) buildSnapshot() snapshot {
	names := d.registry.Names()
	services := make([]serviceSnapshot, 0, len(names))

	for _, name := range names {
		ss, ok := d.registry.Get(name)
		if !ok {
			continue
		}

		replicas := ss.Replicas()
		replicaSnaps := make([]replicaSnapshot, len(replicas))
		for i, r := range replicas {
			replicaSnaps[i] = replicaSnapshot{Index: r.Index, Port: r.Port, PID: r.PID, InstanceID: r.InstanceID, Health: string(r.Health)}
		}

		schedules := ss.Schedules()
		scheduleSnaps := make([]scheduleSnapshot, len(schedules))
		for i, sc := range schedules {
			snap := scheduleSnapshot{
				Index: i, Endpoint: sc.Endpoint, IntervalSecs: sc.IntervalSecs,
				Paused: sc.Paused, LastStatus: sc.LastStatus,
				RunCount: sc.RunCount, FailureCount: sc.FailureCount, SkippedOverlap: sc.SkippedOverlap,
			}
			if !sc.LastFiredAt.IsZero() {
				snap.LastFiredAt = sc.LastFiredAt.Format(time.RFC3339)
			}
			if !sc.NextFireAt.IsZero() {
				snap.NextFireAt = sc.NextFireAt.Format(time.RFC3339)
			}
			scheduleSnaps[i] = snap
		}

		services = append(services, serviceSnapshot{
			Name:      name,
			Prefix:    ss.Descriptor.Prefix,
			Domain:    ss.Descriptor.Domain,
			Type:      string(ss.Descriptor.Type),
			Replicas:  replicaSnaps,
			Schedules: scheduleSnaps,
		})
	}

	return snapshot{Services: services, AsOf: time.Now()}
}

func (d *Dashboard) serveState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.buildSnapshot()); err != nil {
		d.logger.Error("dashboard: encode snapshot", "error", err)
	}
}

// serveScheduleAction handles POST /dashboard/schedules/{service}/{index}/{action}.
func (d *Dashboard) serveScheduleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/dashboard/schedules/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		http.Error(w, "expected /dashboard/schedules/{service}/{index}/{action}", http.StatusNotFound)
		return
	}

	service, indexStr, action := parts[0], parts[1], parts[2]
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		http.Error(w, "invalid schedule index", http.StatusNotFound)
		return
	}

	if err := d.applyAction(r.Context(), service, index, action); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyInState) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) applyAction(ctx context.Context, service string, index int, action string) error {
	switch action {
	case "pause":
		return d.sched.Pause(service, index)
	case "resume":
		return d.sched.Resume(service, index)
	case "run":
		return d.sched.RunNow(ctx, service, index)
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, action)
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>wasm-runner dashboard</title></head>
<body>
<h1>wasm-runner</h1>
<pre id="state">loading...</pre>
<script>
async function poll() {
  const res = await fetch('/dashboard/state');
  const data = await res.json();
  document.getElementById('state').textContent = JSON.stringify(data, null, 2);
}
poll();
setInterval(poll, 2000);
</script>
</body>
</html>`

func (d *Dashboard) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(indexHTML))
}
