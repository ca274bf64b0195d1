// Package catalog discovers, parses and validates the service manifests
// under the services directory and produces the immutable descriptors the
// rest of the runner operates on. The catalog is read once at startup —
// there is no dynamic reconfiguration.
package catalog

import (
	"fmt"
	"net"
)

// ServiceType is a closed enum over the dashboard's layer tag, one of
// the "dynamic dispatch of message types" the design notes ask to model
// as a tagged sum instead of a free-form string.
type ServiceType string

const (
	ServiceTypeBFF      ServiceType = "bff"
	ServiceTypeBusiness ServiceType = "business"
	ServiceTypeAdapter  ServiceType = "adapter"
	ServiceTypeUnset    ServiceType = ""
)

// Method is one of the HTTP verbs the OpenAPI gate recognizes. Closing
// this enum over the five verbs used in practice keeps path-matching
// exhaustive instead of comparing raw strings everywhere.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// PathOp is one (method, path_pattern) pair extracted from a service's
// OpenAPI document. path_pattern may contain "{placeholder}" segments.
type PathOp struct {
	Method  Method
	Pattern string
}

// ScheduleDecl is one entry of a service's declared webhook cadence.
type ScheduleDecl struct {
	Endpoint     string
	IntervalSecs int
}

// ServiceDescriptor is the immutable, validated description of one
// service loaded from services/<name>/. Once the catalog is built these
// values never change; only runtime state (internal/state) mutates.
type ServiceDescriptor struct {
	Name           string
	Prefix         string
	BaseURL        string
	BasePort       int
	Domain         string
	Type           ServiceType
	ReplicaCount   int
	MemoryLimitMB  int // 0 means unset
	Schedules      []ScheduleDecl
	ModulePath     string
	OpenAPIPaths   []PathOp
}

// MemoryPages translates the configured memory cap into WASM pages
// (64 KiB each), per P6: pages = memory_limit_mb * 1024 / 64 == mb * 16.
func (s ServiceDescriptor) MemoryPages() (pages int, ok bool) {
	if s.MemoryLimitMB <= 0 {
		return 0, false
	}
	return s.MemoryLimitMB * 16, true
}

// ReplicaPort returns the port the replica at the given index listens on.
func (s ServiceDescriptor) ReplicaPort(index int) int {
	return s.BasePort + index
}

// PortRange returns the half-open [base, base+count) port range this
// service occupies, used for the disjointness invariant (P1).
func (s ServiceDescriptor) PortRange() (lo, hi int) {
	return s.BasePort, s.BasePort + s.ReplicaCount
}

// parseAuthorityPort extracts the literal port from a URL of the form
// "http://host:port"; a bare "host:port" without a scheme is rejected.
// Returns an error if the host isn't an IP literal or "localhost" (any
// other hostname would need DNS resolution semantics we don't want to
// depend on at load time), or if the port isn't a positive literal.
func parseAuthorityPort(rawURL string) (int, error) {
	host, portStr, err := splitAuthority(rawURL)
	if err != nil {
		return 0, err
	}
	if net.ParseIP(host) == nil && host != "127.0.0.1" && host != "localhost" {
		return 0, fmt.Errorf("authority host %q is not a literal address", host)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 {
		return 0, fmt.Errorf("authority port %q is not a positive literal port", portStr)
	}
	return port, nil
}
