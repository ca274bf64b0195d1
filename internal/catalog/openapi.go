package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// methodsInDocOrder lists the verbs we check on each PathItem, fixed so
// extraction is deterministic regardless of map iteration order.
var methodsInDocOrder = []struct {
	name Method
	get  func(*openapi3.PathItem) *openapi3.Operation
}{
	{MethodGet, func(p *openapi3.PathItem) *openapi3.Operation { return p.Get }},
	{MethodPost, func(p *openapi3.PathItem) *openapi3.Operation { return p.Post }},
	{MethodPut, func(p *openapi3.PathItem) *openapi3.Operation { return p.Put }},
	{MethodPatch, func(p *openapi3.PathItem) *openapi3.Operation { return p.Patch }},
	{MethodDelete, func(p *openapi3.PathItem) *openapi3.Operation { return p.Delete }},
}

// parseOpenAPI loads an OpenAPI 3 document from bytes and enumerates its
// (method, path_pattern) pairs. Only the `paths` object is consumed, per
// spec §6. An OpenAPI document with no paths is rejected — an empty
// catalog entry can never satisfy any proxied request.
func parseOpenAPI(data []byte) ([]PathOp, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}

	if err := doc.Validate(context.Background(), openapi3.DisableExamplesValidation()); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}

	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, fmt.Errorf("openapi document declares no paths")
	}

	var ops []PathOp
	for path, item := range doc.Paths.Map() {
		for _, m := range methodsInDocOrder {
			if m.get(item) != nil {
				ops = append(ops, PathOp{Method: m.name, Pattern: path})
			}
		}
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("openapi document declares no operations")
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Pattern != ops[j].Pattern {
			return ops[i].Pattern < ops[j].Pattern
		}
		return ops[i].Method < ops[j].Method
	})

	return ops, nil
}

// MatchPath reports whether (method, path) satisfies one of the declared
// operations, using the template matching rule from spec §4.4: a
// "{name}" segment matches any single non-empty, non-slash segment;
// literal segments must match exactly; segment counts must match.
func MatchPath(ops []PathOp, method Method, path string) bool {
	requestSegs := splitSegments(path)
	for _, op := range ops {
		if op.Method != method {
			continue
		}
		if segmentsMatch(splitSegments(op.Pattern), requestSegs) {
			return true
		}
	}
	return false
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func segmentsMatch(pattern, request []string) bool {
	if len(pattern) != len(request) {
		return false
	}
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if request[i] == "" {
				return false
			}
			continue
		}
		if seg != request[i] {
			return false
		}
	}
	return true
}
