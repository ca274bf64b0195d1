package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
)

const (
	manifestRelPath = "config/service.json"
	openAPIRelPath  = "openapi.json"
)

var prefixPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// manifest is the on-disk shape of services/<name>/config/service.json.
type manifest struct {
	Prefix        string           `json:"prefix"`
	URL           string           `json:"url"`
	Domain        string           `json:"domain"`
	Type          string           `json:"type"`
	Runners       int              `json:"runners"`
	MemoryLimitMB int              `json:"memory_limit_mb"`
	Schedules     []manifestSchedule `json:"schedules"`
}

type manifestSchedule struct {
	Endpoint     string `json:"endpoint"`
	IntervalSecs int    `json:"interval_secs"`
}

// Catalog is the result of a single load pass: the enabled services plus
// the load errors recorded against services that were disabled.
type Catalog struct {
	Services map[string]*ServiceDescriptor
	Errors   []*LoadError
}

// Load scans root for service subdirectories, parses and validates each
// one, and returns the catalog of enabled services. A service that fails
// any individual check (§4.1) is disabled and recorded in Catalog.Errors;
// loading continues with the rest of the directory. Cross-service
// invariants (unique prefix, disjoint ports) are checked last, since they
// require every candidate to have parsed successfully first.
func Load(ctx context.Context, root string, logger *slog.Logger) (*Catalog, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("catalog: read services dir %q: %w", root, err)
	}

	cat := &Catalog{Services: make(map[string]*ServiceDescriptor)}

	candidates := make(map[string]*ServiceDescriptor)
	order := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		svcDir := filepath.Join(root, name)

		desc, loadErr := loadOne(ctx, svcDir, name)
		if loadErr != nil {
			logger.Warn("catalog: service disabled", "service", name, "kind", loadErr.Kind, "error", loadErr.Cause)
			cat.Errors = append(cat.Errors, loadErr)
			continue
		}

		candidates[name] = desc
		order = append(order, name)
	}

	enabled, crossErrs := checkInvariants(order, candidates)
	cat.Errors = append(cat.Errors, crossErrs...)
	for name, desc := range enabled {
		cat.Services[name] = desc
	}

	for _, e := range crossErrs {
		logger.Warn("catalog: service disabled", "service", e.Service, "kind", e.Kind, "error", e.Cause)
	}

	logger.Info("catalog loaded", "enabled", len(cat.Services), "disabled", len(cat.Errors))

	return cat, nil
}

func loadOne(ctx context.Context, svcDir, name string) (*ServiceDescriptor, *LoadError) {
	manifestPath := filepath.Join(svcDir, manifestRelPath)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, newLoadError(name, ErrManifestMissing, err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, newLoadError(name, ErrManifestParse, err)
	}

	if !prefixPattern.MatchString(m.Prefix) {
		return nil, newLoadError(name, ErrManifestParse, fmt.Errorf("prefix %q does not match [a-z0-9-]+", m.Prefix))
	}

	port, err := parseAuthorityPort(m.URL)
	if err != nil {
		return nil, newLoadError(name, ErrManifestParse, err)
	}

	replicaCount := m.Runners
	if replicaCount <= 0 {
		replicaCount = 1
	}

	openAPIPath := filepath.Join(svcDir, openAPIRelPath)
	openAPIData, err := os.ReadFile(openAPIPath)
	if err != nil {
		return nil, newLoadError(name, ErrOpenAPIMissing, err)
	}
	ops, err := parseOpenAPI(openAPIData)
	if err != nil {
		return nil, newLoadError(name, ErrOpenAPIParse, err)
	}

	modulePath, err := locateArtifact(svcDir, name)
	if err != nil {
		return nil, newLoadError(name, ErrArtifactMissing, err)
	}
	if err := validateWasmArtifact(ctx, modulePath); err != nil {
		return nil, newLoadError(name, ErrArtifactMissing, err)
	}

	schedules := make([]ScheduleDecl, 0, len(m.Schedules))
	for _, s := range m.Schedules {
		if s.IntervalSecs <= 0 {
			return nil, newLoadError(name, ErrManifestParse, fmt.Errorf("schedule %q has non-positive interval_secs", s.Endpoint))
		}
		schedules = append(schedules, ScheduleDecl{Endpoint: s.Endpoint, IntervalSecs: s.IntervalSecs})
	}

	for _, s := range schedules {
		if !MatchPath(ops, MethodGet, s.Endpoint) {
			return nil, newLoadError(name, ErrScheduleNotInOpenAPI, fmt.Errorf("schedule endpoint %q not declared in openapi", s.Endpoint))
		}
	}

	desc := &ServiceDescriptor{
		Name:          name,
		Prefix:        m.Prefix,
		BaseURL:       m.URL,
		BasePort:      port,
		Domain:        m.Domain,
		Type:          ServiceType(m.Type),
		ReplicaCount:  replicaCount,
		MemoryLimitMB: m.MemoryLimitMB,
		Schedules:     schedules,
		ModulePath:    modulePath,
		OpenAPIPaths:  ops,
	}

	return desc, nil
}

// locateArtifact finds the AoT-compiled module at services/<name>/<name>.wasm,
// falling back to a platform-target subdirectory (services/<name>/<GOOS>_<GOARCH>/<name>.wasm).
func locateArtifact(svcDir, name string) (string, error) {
	primary := filepath.Join(svcDir, name+".wasm")
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}

	target := fmt.Sprintf("%s_%s", runtime.GOOS, runtime.GOARCH)
	fallback := filepath.Join(svcDir, target, name+".wasm")
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}

	return "", fmt.Errorf("no wasm artifact at %q or %q", primary, fallback)
}

// checkInvariants enforces P1 (unique prefix, disjoint port ranges)
// across every candidate that parsed individually. Violations disable
// the offending service rather than aborting the whole load.
func checkInvariants(order []string, candidates map[string]*ServiceDescriptor) (map[string]*ServiceDescriptor, []*LoadError) {
	enabled := make(map[string]*ServiceDescriptor, len(candidates))
	var errs []*LoadError

	seenPrefix := make(map[string]string) // prefix -> service name
	type portRange struct {
		lo, hi int
		name   string
	}
	var ranges []portRange

	for _, name := range order {
		desc := candidates[name]

		if owner, ok := seenPrefix[desc.Prefix]; ok {
			errs = append(errs, newLoadError(name, ErrPrefixCollision, fmt.Errorf("prefix %q already used by service %q", desc.Prefix, owner)))
			continue
		}

		lo, hi := desc.PortRange()
		collided := false
		for _, r := range ranges {
			if lo < r.hi && r.lo < hi {
				errs = append(errs, newLoadError(name, ErrPortCollision, fmt.Errorf("port range [%d,%d) overlaps service %q's [%d,%d)", lo, hi, r.name, r.lo, r.hi)))
				collided = true
				break
			}
		}
		if collided {
			continue
		}

		seenPrefix[desc.Prefix] = name
		ranges = append(ranges, portRange{lo: lo, hi: hi, name: name})
		enabled[name] = desc
	}

	return enabled, errs
}

func splitAuthority(rawURL string) (host, port string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	host = u.Hostname()
	port = u.Port()
	if host == "" || port == "" {
		return "", "", fmt.Errorf("url %q missing literal host:port authority", rawURL)
	}
	return host, port, nil
}
