// Package remotes holds the configured set of federated applications.
package remotes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor identifies one federated application. Descriptors are built
// once at process start and not modified afterwards.
type Descriptor struct {
	Name string `yaml:"name" json:"name"`
	// ClientURL is the entry bundle loaded by client contexts.
	ClientURL string `yaml:"clientUrl" json:"clientUrl"`
	// ServerPathOrURL is the entry bundle the host loads server side: a local
	// path ("./..." or absolute) or an http(s) URL.
	ServerPathOrURL string `yaml:"server" json:"server,omitempty"`
	// ExpectedIntegrity is a comma separated list of acceptable digests.
	ExpectedIntegrity string `yaml:"integrity" json:"integrity,omitempty"`
}

// DefaultNames are the remotes configured when no manifest is given.
var DefaultNames = []string{"checkout", "profile", "admin"}

var defaultClientURLs = map[string]string{
	"checkout": "http://localhost:3001/remoteEntry.go",
	"profile":  "http://localhost:3002/remoteEntry.go",
	"admin":    "http://localhost:3003/remoteEntry.go",
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// EnvKey returns REMOTE_<NAME>_<suffix> for a remote name.
func EnvKey(name, suffix string) string {
	upper := strings.ToUpper(name)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "REMOTE_" + upper + "_" + suffix
}

// ApplyEnv overrides the descriptor fields from the environment:
// REMOTE_<NAME>_URL, REMOTE_<NAME>_SERVER_PATH and
// REMOTE_<NAME>_SERVER_INTEGRITY (or REMOTE_<NAME>_INTEGRITY).
func (d Descriptor) ApplyEnv(lookup LookupFunc) Descriptor {
	if v, ok := lookup(EnvKey(d.Name, "URL")); ok && v != "" {
		d.ClientURL = v
	}
	if v, ok := lookup(EnvKey(d.Name, "SERVER_PATH")); ok && v != "" {
		d.ServerPathOrURL = v
	}
	if v, ok := lookup(EnvKey(d.Name, "SERVER_INTEGRITY")); ok && v != "" {
		d.ExpectedIntegrity = v
	} else if v, ok := lookup(EnvKey(d.Name, "INTEGRITY")); ok && v != "" {
		d.ExpectedIntegrity = v
	}
	return d
}

// FromEnv builds descriptors for names using environment values and the
// built-in defaults. A remote without an explicit server path uses
// <baseDir>/<name>/remoteEntry.server.go when that file exists.
func FromEnv(names []string, baseDir string, lookup LookupFunc) []Descriptor {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d := Descriptor{
			Name:      name,
			ClientURL: defaultClientURLs[name],
		}
		if baseDir != "" {
			candidate, err := filepath.Abs(filepath.Join(baseDir, name, "remoteEntry.server.go"))
			if err == nil && fileExists(candidate) {
				d.ServerPathOrURL = candidate
			}
		}
		out = append(out, d.ApplyEnv(lookup))
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Manifest is the YAML document listing remotes.
type Manifest struct {
	Remotes []Descriptor `yaml:"remotes"`
}

// LoadManifest reads a YAML manifest and applies environment overrides.
// Relative local server paths are resolved against the manifest directory.
func LoadManifest(path string, lookup LookupFunc) ([]Descriptor, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("remotes: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("remotes: parse manifest %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool, len(m.Remotes))
	out := make([]Descriptor, 0, len(m.Remotes))
	for i, d := range m.Remotes {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("remotes: manifest %s: remote %d has no name", path, i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("remotes: manifest %s: duplicate remote %q", path, d.Name)
		}
		seen[d.Name] = true
		if strings.HasPrefix(d.ServerPathOrURL, "./") || strings.HasPrefix(d.ServerPathOrURL, "../") {
			abs, err := filepath.Abs(filepath.Join(dir, d.ServerPathOrURL))
			if err != nil {
				return nil, fmt.Errorf("remotes: manifest %s: %w", path, err)
			}
			d.ServerPathOrURL = abs
		}
		out = append(out, d.ApplyEnv(lookup))
	}
	return out, nil
}

// Names returns the descriptor names in order
func Names(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}
