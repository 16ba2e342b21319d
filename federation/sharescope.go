package federation

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// SharedDependency is one version of a dependency offered to a share scope.
type SharedDependency struct {
	Name    string
	Version string
	// From is the scope of the container that registered the dependency.
	From  string
	Value any
}

// ShareScope maps shared dependency names to their registered versions.
// Mutation is additive only: the first registration of a name/version pair
// is kept and later ones are ignored.
type ShareScope struct {
	name string

	mu   sync.RWMutex
	deps map[string]map[string]SharedDependency
}

// NewShareScope creates an empty share scope
func NewShareScope(name string) *ShareScope {
	return &ShareScope{
		name: name,
		deps: make(map[string]map[string]SharedDependency),
	}
}

// Name returns the share scope name
func (s *ShareScope) Name() string {
	return s.name
}

// Register offers a dependency version to the scope. It reports whether the
// registration was added.
func (s *ShareScope) Register(name, version, from string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.deps[name]
	if !ok {
		versions = make(map[string]SharedDependency)
		s.deps[name] = versions
	}
	if _, exists := versions[version]; exists {
		return false
	}
	versions[version] = SharedDependency{
		Name:    name,
		Version: version,
		From:    from,
		Value:   value,
	}
	return true
}

// Resolve returns the highest registered version of name. Versions that are
// not valid semantic versions sort below valid ones.
func (s *ShareScope) Resolve(name string) (SharedDependency, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.deps[name]
	var (
		best  SharedDependency
		found bool
	)
	for _, dep := range versions {
		if !found || compareVersions(dep.Version, best.Version) > 0 {
			best = dep
			found = true
		}
	}
	return best, found
}

// Versions returns the registered versions of name in ascending order
func (s *ShareScope) Versions(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.deps[name]))
	for v := range s.deps[name] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return compareVersions(out[i], out[j]) < 0
	})
	return out
}

// Names returns the shared dependency names in sorted order
func (s *ShareScope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.deps))
	for name := range s.deps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func compareVersions(a, b string) int {
	ca, cb := canonicalVersion(a), canonicalVersion(b)
	switch {
	case ca == "" && cb == "":
		return strings.Compare(a, b)
	case ca == "":
		return -1
	case cb == "":
		return 1
	}
	if c := semver.Compare(ca, cb); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func canonicalVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "^")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// ShareScopes is the registry of named share scopes for one execution
// context. Scopes are created on first use and live as long as the registry.
type ShareScopes struct {
	mu     sync.Mutex
	scopes map[string]*ShareScope
}

// NewShareScopes creates an empty registry
func NewShareScopes() *ShareScopes {
	return &ShareScopes{scopes: make(map[string]*ShareScope)}
}

// Ensure returns the scope called name, creating it if necessary
func (r *ShareScopes) Ensure(name string) *ShareScope {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.scopes[name]; ok {
		return s
	}
	s := NewShareScope(name)
	r.scopes[name] = s
	return s
}

// Get returns the scope called name if it exists
func (r *ShareScopes) Get(name string) (*ShareScope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[name]
	return s, ok
}

// SharingInitializer prepares a share scope before containers join it, for
// example by registering the host's own shared dependencies.
type SharingInitializer func(scopes *ShareScopes, name string) error
