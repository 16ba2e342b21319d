package routes

import (
	"context"
	"sync"

	"github.com/tomyedwab/fedhost/federation"
)

// ModuleLoader loads an exposed module from a remote at navigation time.
type ModuleLoader interface {
	LoadRemoteModule(ctx context.Context, url, scope, moduleID string) (any, error)
}

// LazyComponent defers loading a remote module until it is first resolved.
// A successful load is kept; a failed load is retried on the next Resolve.
type LazyComponent struct {
	URL    string
	Scope  string
	Module string

	loader ModuleLoader

	mu       sync.Mutex
	resolved bool
	value    any
}

// Resolve loads the remote module, unwrapping a default export if present.
func (c *LazyComponent) Resolve(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.value, nil
	}

	v, err := c.loader.LoadRemoteModule(ctx, c.URL, c.Scope, c.Module)
	if err != nil {
		return nil, err
	}
	c.value = federation.UnwrapDefault(v)
	c.resolved = true
	return c.value, nil
}

// Resolved reports whether the module has been loaded
func (c *LazyComponent) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Adapt turns a remote route into one whose component is a *LazyComponent.
// It returns nil when the route lacks the scope or URL needed to load it, in
// which case the route should be dropped.
func Adapt(d RouteDescriptor, loader ModuleLoader) *RouteDescriptor {
	if d.Meta == nil || d.Meta.Scope == "" || d.Meta.URL == "" {
		return nil
	}
	module := d.Meta.Module
	if module == "" {
		module = federation.DefaultModule
	}

	meta := *d.Meta
	adapted := d
	adapted.Meta = &meta
	adapted.Component = &LazyComponent{
		URL:    meta.URL,
		Scope:  meta.Scope,
		Module: module,
		loader: loader,
	}
	return &adapted
}
