// Package routes aggregates the routes contributed by remotes and adapts
// remote routes into lazily loaded components.
package routes

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// RouteMeta describes how a client loads the remote backing a route.
type RouteMeta struct {
	Remote bool   `json:"remote"`
	Scope  string `json:"scope,omitempty"`
	URL    string `json:"url,omitempty"`
	Module string `json:"module,omitempty"`
}

// RouteDescriptor is one navigation entry.
type RouteDescriptor struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
	// Component is a locally renderable value or, for adapted remote routes,
	// a *LazyComponent. It is not serialized.
	Component any        `json:"-"`
	Meta      *RouteMeta `json:"meta,omitempty"`
}

// IsRemote reports whether the route is backed by a remote
func (d RouteDescriptor) IsRemote() bool {
	return d.Meta != nil && d.Meta.Remote
}

// toDescriptor converts one element of a getRoutes result.
func toDescriptor(v any) (RouteDescriptor, error) {
	switch d := v.(type) {
	case RouteDescriptor:
		return d, nil
	case *RouteDescriptor:
		if d == nil {
			return RouteDescriptor{}, fmt.Errorf("nil route")
		}
		return *d, nil
	}

	v, component := splitComponent(v)
	payload, err := json.Marshal(v)
	if err != nil {
		return RouteDescriptor{}, fmt.Errorf("encode route: %w", err)
	}
	var d RouteDescriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		return RouteDescriptor{}, fmt.Errorf("decode route: %w", err)
	}
	d.Component = component
	return d, nil
}

// splitComponent separates the "component" entry of a map shaped route.
// Components are often functions, which do not survive JSON encoding.
func splitComponent(v any) (any, any) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	c, ok := m["component"]
	if !ok {
		return v, nil
	}
	rest := make(map[string]any, len(m)-1)
	for k, val := range m {
		if k != "component" {
			rest[k] = val
		}
	}
	return rest, c
}

// sliceOf returns the elements of v when it is a slice or array.
func sliceOf(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
