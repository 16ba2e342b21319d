// Package sandbox evaluates remote entry bundles in an isolated interpreter
// and locates the container they publish.
//
// Go source bundles run in a fresh yaegi interpreter per evaluation. The only
// imports available are a curated slice of the standard library and the
// "federation" capability package, which carries console logging, an
// allow-listed process view, a location-scoped Require and the share scope
// shim. WebAssembly bundles run under wazero (see LoadWASM).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/tomyedwab/fedhost/federation"
)

const defaultMaxRequireBytes = 8 << 20

// exportsVar is the package level variable a bundle may declare instead of
// calling SetModuleExports.
const exportsVar = "Exports"

// Config configures an Evaluator
type Config struct {
	Logger *slog.Logger
	// HTTPClient is used by Require for bundles loaded from a URL.
	HTTPClient *http.Client
	// Env lists the environment variables visible through Process.Getenv.
	Env []string
	// ShareScopes is the share scope registry of the execution context the
	// bundle is loaded into.
	ShareScopes *federation.ShareScopes
	// InitSharing is invoked when a bundle calls InitSharing.
	InitSharing federation.SharingInitializer
	// MaxRequireBytes caps assets fetched through Require.
	MaxRequireBytes int64
}

// Evaluator runs bundles. It holds no per-bundle state and is safe for
// concurrent use.
type Evaluator struct {
	logger      *slog.Logger
	client      *http.Client
	env         []string
	shares      *federation.ShareScopes
	initSharing federation.SharingInitializer
	maxRequire  int64
}

// New creates an Evaluator
func New(cfg Config) *Evaluator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	shares := cfg.ShareScopes
	if shares == nil {
		shares = federation.NewShareScopes()
	}
	maxRequire := cfg.MaxRequireBytes
	if maxRequire <= 0 {
		maxRequire = defaultMaxRequireBytes
	}
	return &Evaluator{
		logger:      logger.With("component", "Sandbox"),
		client:      client,
		env:         cfg.Env,
		shares:      shares,
		initSharing: cfg.InitSharing,
		maxRequire:  maxRequire,
	}
}

// Source is a bundle to evaluate.
type Source struct {
	// Scope is the remote the bundle is expected to register.
	Scope string
	// Location is the file path or URL the bundle came from. Require resolves
	// relative to it.
	Location string
	Code     []byte
}

// Result holds what a bundle published during evaluation.
type Result struct {
	ModuleExports *Entry
	Exports       *Entry
	Globals       map[string]Entry
	order         []string
}

// Evaluate runs src in a fresh interpreter. Evaluation errors, including
// panics raised by the bundle, are returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, src Source) (res *Result, err error) {
	logger := e.logger.With("scope", src.Scope, "location", src.Location)

	regs := &registrations{}
	resolver := &requireResolver{
		ctx:      ctx,
		client:   e.client,
		location: src.Location,
		maxBytes: e.maxRequire,
	}
	bag := &capabilityBag{
		console:     &Console{logger: logger.With("source", "bundle")},
		process:     newProcess(src.Scope, e.env),
		require:     resolver.require,
		shares:      e.shares,
		initSharing: e.initSharing,
		regs:        regs,
	}

	var output bytes.Buffer
	i := interp.New(interp.Options{
		Stdout: &output,
		Stderr: &output,
		Env:    bag.process.envList(),
		Args:   bag.process.Argv,
	})
	if err := i.Use(curatedSymbols()); err != nil {
		return nil, fmt.Errorf("sandbox: load stdlib symbols: %w", err)
	}
	if err := i.Use(bag.exports()); err != nil {
		return nil, fmt.Errorf("sandbox: load capability symbols: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: bundle %s panicked: %v", src.Location, r)
		}
		if output.Len() > 0 {
			logger.Debug("Bundle output", "output", output.String())
		}
	}()

	if _, err := i.EvalWithContext(ctx, string(src.Code)); err != nil {
		return nil, fmt.Errorf("sandbox: evaluate %s: %w", src.Location, err)
	}

	res = &Result{
		ModuleExports: regs.moduleExports,
		Exports:       regs.exports,
		Globals:       regs.globals,
		order:         regs.order,
	}
	if v, evalErr := i.Eval(exportsVar); evalErr == nil {
		if e := entryFromValue(v); e != nil {
			res.Exports = e
		}
	}
	logger.Debug("Bundle evaluated",
		"module_exports", res.ModuleExports != nil,
		"exports", res.Exports != nil,
		"globals", res.order,
	)
	return res, nil
}

func entryFromValue(v reflect.Value) *Entry {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	switch e := v.Interface().(type) {
	case Entry:
		return &e
	case *Entry:
		return e
	}
	return nil
}

// Locate returns the container for scope, inspecting the module exports, then
// the exports variable, then the global registered under scope. Candidates
// without a Get function are skipped.
func (r *Result) Locate(scope string) (federation.Container, error) {
	if r.ModuleExports != nil && r.ModuleExports.Get != nil {
		return newEntryContainer(scope, *r.ModuleExports), nil
	}
	if r.Exports != nil && r.Exports.Get != nil {
		return newEntryContainer(scope, *r.Exports), nil
	}
	if e, ok := r.Globals[scope]; ok && e.Get != nil {
		return newEntryContainer(scope, e), nil
	}
	return nil, federation.NewContainerNotFound(scope, nil)
}

// Registered returns every container the bundle registered under a scope
// name. Entries without a Get function are skipped.
func (r *Result) Registered() map[string]federation.Container {
	out := make(map[string]federation.Container, len(r.Globals))
	for _, scope := range r.order {
		if e := r.Globals[scope]; e.Get != nil {
			out[scope] = newEntryContainer(scope, e)
		}
	}
	return out
}
