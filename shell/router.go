package shell

import (
	"sync"

	"github.com/tomyedwab/fedhost/routes"
)

// Router maps paths to routes. Adding a path that is already present
// replaces the earlier route.
type Router struct {
	mu     sync.RWMutex
	routes map[string]routes.RouteDescriptor
	order  []string
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]routes.RouteDescriptor)}
}

// Add registers d under its path
func (r *Router) Add(d routes.RouteDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[d.Path]; !ok {
		r.order = append(r.order, d.Path)
	}
	r.routes[d.Path] = d
}

// Match returns the route registered for path
func (r *Router) Match(path string) (routes.RouteDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.routes[path]
	return d, ok
}

// Paths returns registered paths in first-registration order
func (r *Router) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
