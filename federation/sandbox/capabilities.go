package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/tomyedwab/fedhost/federation"
)

// capabilityPackage is the import path bundles use for the capability bag.
const capabilityPackage = "federation/federation"

// allowedPackages is the curated standard library surface visible to bundles.
// Anything touching the file system, network, processes or unsafe memory is
// left out; bundles reach those only through the capability bag.
var allowedPackages = []string{
	"bytes/bytes",
	"context/context",
	"encoding/base64/base64",
	"encoding/json/json",
	"errors/errors",
	"fmt/fmt",
	"math/math",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/utf8/utf8",
}

// curatedSymbols returns the allowed subset of the yaegi stdlib export table.
func curatedSymbols() interp.Exports {
	out := make(interp.Exports, len(allowedPackages))
	for _, key := range allowedPackages {
		if syms, ok := stdlib.Symbols[key]; ok {
			out[key] = syms
		}
	}
	return out
}

// Console is the logging surface a bundle sees.
type Console struct {
	logger *slog.Logger
}

func (c *Console) Log(msg string, args ...any)   { c.logger.Info(msg, args...) }
func (c *Console) Info(msg string, args ...any)  { c.logger.Info(msg, args...) }
func (c *Console) Warn(msg string, args ...any)  { c.logger.Warn(msg, args...) }
func (c *Console) Error(msg string, args ...any) { c.logger.Error(msg, args...) }
func (c *Console) Debug(msg string, args ...any) { c.logger.Debug(msg, args...) }

// Process is the process information a bundle sees: the host pid and an
// allow-listed view of the environment.
type Process struct {
	Pid  int
	Argv []string
	env  map[string]string
}

// Getenv returns the value of an allow-listed environment variable
func (p *Process) Getenv(key string) string {
	return p.env[key]
}

func newProcess(name string, allowed []string) *Process {
	env := make(map[string]string, len(allowed))
	for _, key := range allowed {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return &Process{
		Pid:  os.Getpid(),
		Argv: []string{name},
		env:  env,
	}
}

// envList renders the process environment for interp.Options.
func (p *Process) envList() []string {
	out := make([]string, 0, len(p.env))
	for k, v := range p.env {
		out = append(out, k+"="+v)
	}
	return out
}

// requireResolver reads assets relative to a bundle's own location. File
// bundles may read files below their directory; URL bundles may fetch from
// their own origin.
type requireResolver struct {
	ctx      context.Context
	client   *http.Client
	location string
	maxBytes int64
}

func (r *requireResolver) require(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("require: empty name")
	}
	if isURL(r.location) {
		return r.requireURL(name)
	}
	return r.requireFile(name)
}

func (r *requireResolver) requireFile(name string) ([]byte, error) {
	if r.location == "" {
		return nil, fmt.Errorf("require %q: bundle has no location", name)
	}
	if filepath.IsAbs(name) {
		return nil, fmt.Errorf("require %q: absolute paths are not allowed", name)
	}
	base, err := filepath.EvalSymlinks(filepath.Dir(r.location))
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	target, err := filepath.EvalSymlinks(filepath.Join(base, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("require %q: outside of %s", name, base)
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	defer f.Close()
	return r.readLimited(name, f)
}

// readLimited reads at most maxBytes and fails on anything longer.
func (r *requireResolver) readLimited(name string, src io.Reader) ([]byte, error) {
	limit := r.maxBytes
	if limit <= 0 {
		limit = defaultMaxRequireBytes
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("require %q: larger than %d bytes", name, limit)
	}
	return data, nil
}

func (r *requireResolver) requireURL(name string) ([]byte, error) {
	base, err := url.Parse(r.location)
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	ref, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	target := base.ResolveReference(ref)
	if target.Scheme != base.Scheme || target.Host != base.Host {
		return nil, fmt.Errorf("require %q: outside of origin %s", name, base.Host)
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("require %q: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("require %q: status %d", name, resp.StatusCode)
	}
	return r.readLimited(name, resp.Body)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// registrations collects everything a bundle publishes while it evaluates.
type registrations struct {
	mu            sync.Mutex
	moduleExports *Entry
	exports       *Entry
	globals       map[string]Entry
	order         []string
}

func (r *registrations) setModuleExports(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleExports = &e
}

func (r *registrations) setExports(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports = &e
}

func (r *registrations) register(scope string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.globals == nil {
		r.globals = make(map[string]Entry)
	}
	if _, ok := r.globals[scope]; !ok {
		r.order = append(r.order, scope)
	}
	r.globals[scope] = e
}

// capabilityBag is the complete set of values a single evaluation can observe.
type capabilityBag struct {
	console     *Console
	process     *Process
	require     func(name string) ([]byte, error)
	shares      *federation.ShareScopes
	initSharing federation.SharingInitializer
	regs        *registrations
}

func (b *capabilityBag) shareScope(name string) *federation.ShareScope {
	return b.shares.Ensure(name)
}

func (b *capabilityBag) initShared(name string) error {
	b.shares.Ensure(name)
	if b.initSharing == nil {
		return nil
	}
	return b.initSharing(b.shares, name)
}

// exports renders the capability bag as the "federation" import.
func (b *capabilityBag) exports() interp.Exports {
	return interp.Exports{
		capabilityPackage: {
			"Entry":      reflect.ValueOf((*Entry)(nil)),
			"Factory":    reflect.ValueOf((*Factory)(nil)),
			"RoutesFunc": reflect.ValueOf((*RoutesFunc)(nil)),
			"ShareScope": reflect.ValueOf((*federation.ShareScope)(nil)),

			"Console": reflect.ValueOf(&b.console).Elem(),
			"Process": reflect.ValueOf(&b.process).Elem(),

			"Require":          reflect.ValueOf(b.require),
			"SetModuleExports": reflect.ValueOf(b.regs.setModuleExports),
			"SetExports":       reflect.ValueOf(b.regs.setExports),
			"Register":         reflect.ValueOf(b.regs.register),
			"InitSharing":      reflect.ValueOf(b.initShared),
			"Scope":            reflect.ValueOf(b.shareScope),
			"NotExposed":       reflect.ValueOf(notExposed),

			"DefaultShareScope": reflect.ValueOf(federation.DefaultShareScope),
			"RoutesModule":      reflect.ValueOf(federation.RoutesModule),
			"DefaultModule":     reflect.ValueOf(federation.DefaultModule),
		},
	}
}

func notExposed(moduleID string) Factory {
	return func() (any, error) {
		return nil, federation.NewModuleNotExposed(moduleID)
	}
}
