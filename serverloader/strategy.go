package serverloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomyedwab/fedhost/federation"
	"github.com/tomyedwab/fedhost/federation/integrity"
	"github.com/tomyedwab/fedhost/federation/sandbox"
)

// StrategyKind names one way of resolving a container from a local path.
type StrategyKind int

const (
	// StrategyRegistered resolves containers registered in-process under a path.
	StrategyRegistered StrategyKind = iota
	// StrategyWASM evaluates a WebAssembly bundle with wazero.
	StrategyWASM
	// StrategySource evaluates a Go source bundle in the sandbox.
	StrategySource
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyRegistered:
		return "registered"
	case StrategyWASM:
		return "wasm"
	case StrategySource:
		return "source"
	default:
		return "unknown"
	}
}

// DefaultStrategies is the ranked order local paths are resolved in.
var DefaultStrategies = []StrategyKind{StrategyRegistered, StrategyWASM, StrategySource}

// errNotApplicable reports that a strategy does not handle a path.
var errNotApplicable = errors.New("strategy not applicable")

// resolveWith runs a single strategy against an absolute path.
func (l *Loader) resolveWith(ctx context.Context, kind StrategyKind, path, scope, expected string) (federation.Container, error) {
	switch kind {
	case StrategyRegistered:
		l.mu.Lock()
		c, ok := l.registered[path]
		l.mu.Unlock()
		if !ok {
			return nil, errNotApplicable
		}
		return c, nil

	case StrategyWASM:
		if !strings.EqualFold(filepath.Ext(path), ".wasm") {
			return nil, errNotApplicable
		}
		code, err := l.readLocal(path, scope, expected)
		if err != nil {
			return nil, err
		}
		return l.eval.LoadWASM(ctx, sandbox.Source{Scope: scope, Location: path, Code: code})

	case StrategySource:
		if strings.EqualFold(filepath.Ext(path), ".wasm") {
			return nil, errNotApplicable
		}
		code, err := l.readLocal(path, scope, expected)
		if err != nil {
			return nil, err
		}
		res, err := l.eval.Evaluate(ctx, sandbox.Source{Scope: scope, Location: path, Code: code})
		if err != nil {
			return nil, err
		}
		return res.Locate(scope)
	}
	return nil, errNotApplicable
}

// readLocal reads a bundle from disk. Missing files and directories are not
// applicable to file strategies. Integrity is advisory for local bundles.
func (l *Loader) readLocal(path, scope, expected string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotApplicable
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, errNotApplicable
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !integrity.Verify(code, expected) {
		l.logger.Warn("Local bundle does not match expected integrity, loading anyway",
			"scope", scope,
			"path", path,
		)
	}
	return code, nil
}

// resolveLocal tries every configured strategy in rank order and stops at the
// first success. It returns a nil container and nil error when no strategy
// applies, and the last strategy error when all applicable ones failed.
func (l *Loader) resolveLocal(ctx context.Context, path, scope, expected string) (federation.Container, StrategyKind, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, 0, err
	}

	var lastErr error
	for _, kind := range l.strategies {
		c, err := l.resolveWith(ctx, kind, abs, scope, expected)
		if errors.Is(err, errNotApplicable) {
			continue
		}
		if err != nil {
			l.logger.Debug("Strategy failed", "scope", scope, "path", abs, "strategy", kind.String(), "error", err)
			lastErr = err
			continue
		}
		return c, kind, nil
	}
	if lastErr != nil && federation.TypeOf(lastErr) == federation.ErrorTypeUnknown {
		lastErr = federation.NewContainerNotFound(scope, lastErr)
	}
	return nil, 0, lastErr
}

// fallbackPaths expands the configured fallback templates for a missing path.
// "{scope}" is replaced with the scope and "{base}" with the file name of the
// requested path.
func (l *Loader) fallbackPaths(path, scope string) []string {
	if len(l.fallbacks) == 0 {
		return nil
	}
	base := filepath.Base(path)
	out := make([]string, 0, len(l.fallbacks))
	for _, tmpl := range l.fallbacks {
		candidate := strings.NewReplacer("{scope}", scope, "{base}", base).Replace(tmpl)
		if candidate == path {
			continue
		}
		out = append(out, candidate)
	}
	return out
}
