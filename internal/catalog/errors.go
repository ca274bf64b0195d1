package catalog

import "fmt"

// ErrorKind enumerates the failure kinds a single service's load can
// produce (spec §4.1). A service that fails to load is disabled and the
// runner continues with the rest of the catalog — these are never fatal
// on their own.
type ErrorKind string

const (
	ErrManifestMissing     ErrorKind = "ManifestMissing"
	ErrManifestParse       ErrorKind = "ManifestParse"
	ErrOpenAPIMissing      ErrorKind = "OpenApiMissing"
	ErrOpenAPIParse        ErrorKind = "OpenApiParse"
	ErrArtifactMissing     ErrorKind = "ArtifactMissing"
	ErrPortCollision       ErrorKind = "PortCollision"
	ErrPrefixCollision     ErrorKind = "PrefixCollision"
	ErrScheduleNotInOpenAPI ErrorKind = "ScheduleNotInOpenApi"
)

// LoadError records why one service directory was disabled. The catalog
// loader collects these rather than returning on first error so that one
// broken service never prevents the rest of the fleet from starting.
type LoadError struct {
	Service string
	Kind    ErrorKind
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("catalog: service %q: %s: %v", e.Service, e.Kind, e.Cause)
	}
	return fmt.Sprintf("catalog: service %q: %s", e.Service, e.Kind)
}

func (e *LoadError) Unwrap() error { return e.Cause }

func newLoadError(service string, kind ErrorKind, cause error) *LoadError {
	return &LoadError{Service: service, Kind: kind, Cause: cause}
}
