// Package serverloader resolves remote containers inside the host process,
// from local paths or from URLs whose bundles are fetched, verified and
// evaluated in the sandbox.
package serverloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/fedhost/federation"
	"github.com/tomyedwab/fedhost/federation/integrity"
	"github.com/tomyedwab/fedhost/federation/sandbox"
)

const defaultMaxBundleBytes = 16 << 20

// AuditLogger receives the outcome of every load.
type AuditLogger interface {
	LogRemoteLoaded(scope, source, strategy string) error
	LogRemoteAbsent(scope, source string) error
	LogLoadFailure(scope, source string, err error) error
}

// Config holds configuration for the Loader.
type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Evaluator runs fetched and local bundles. Built from the other fields
	// when nil.
	Evaluator *sandbox.Evaluator
	// ShareScopes is the host process share scope registry.
	ShareScopes *federation.ShareScopes
	// ShareScopeName defaults to federation.DefaultShareScope.
	ShareScopeName string
	// InitSharing is the host's sharing initializer, called before each
	// container's Init.
	InitSharing federation.SharingInitializer
	// Strategies is the ranked list for local paths. Defaults to
	// DefaultStrategies.
	Strategies []StrategyKind
	// FallbackCandidates are path templates tried, in order, when a local path
	// resolves to nothing. Empty by default.
	FallbackCandidates []string
	// Memoize caches resolved containers per path, scope and integrity.
	Memoize bool
	// MaxBundleBytes caps fetched bundle size.
	MaxBundleBytes int64
	// BundleEnv lists environment variables bundles may read.
	BundleEnv []string
	Audit     AuditLogger
}

// Loader resolves containers for the host process.
type Loader struct {
	logger         *slog.Logger
	client         *http.Client
	eval           *sandbox.Evaluator
	shares         *federation.ShareScopes
	shareScopeName string
	initSharing    federation.SharingInitializer
	strategies     []StrategyKind
	fallbacks      []string
	memoize        bool
	maxBundleBytes int64
	audit          AuditLogger

	mu         sync.Mutex
	registered map[string]federation.Container
	memo       map[string]federation.Container
}

// New creates a Loader with defaults filled in.
func New(config Config) *Loader {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	shares := config.ShareScopes
	if shares == nil {
		shares = federation.NewShareScopes()
	}
	eval := config.Evaluator
	if eval == nil {
		eval = sandbox.New(sandbox.Config{
			Logger:      logger,
			HTTPClient:  client,
			Env:         config.BundleEnv,
			ShareScopes: shares,
			InitSharing: config.InitSharing,
		})
	}
	name := config.ShareScopeName
	if name == "" {
		name = federation.DefaultShareScope
	}
	strategies := config.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	maxBytes := config.MaxBundleBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBundleBytes
	}

	return &Loader{
		logger:         logger.With("component", "ServerLoader"),
		client:         client,
		eval:           eval,
		shares:         shares,
		shareScopeName: name,
		initSharing:    config.InitSharing,
		strategies:     strategies,
		fallbacks:      config.FallbackCandidates,
		memoize:        config.Memoize,
		maxBundleBytes: maxBytes,
		audit:          config.Audit,
		registered:     make(map[string]federation.Container),
		memo:           make(map[string]federation.Container),
	}
}

// Register makes an in-process container resolvable under path.
func (l *Loader) Register(path string, c federation.Container) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered[abs] = c
	return nil
}

// ShareScopes returns the host share scope registry
func (l *Loader) ShareScopes() *federation.ShareScopes {
	return l.shares
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isLocalPath(s string) bool {
	return strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") || filepath.IsAbs(s)
}

// LoadServerContainer resolves the container for scope from pathOrURL.
//
// A nil container with a nil error means the remote is absent: nothing is
// configured, the local path does not exist, or the location is not a
// supported form. Bundles fetched from a URL that fail integrity verification
// are never evaluated and yield an IntegrityMismatch error.
func (l *Loader) LoadServerContainer(ctx context.Context, pathOrURL, scope, expectedIntegrity string) (federation.Container, error) {
	key := pathOrURL + "\x00" + scope + "\x00" + expectedIntegrity
	if l.memoize {
		l.mu.Lock()
		c, ok := l.memo[key]
		l.mu.Unlock()
		if ok {
			return c, nil
		}
	}

	var (
		c        federation.Container
		strategy string
		err      error
	)
	switch {
	case pathOrURL == "":
		l.logger.Debug("No server entry configured", "scope", scope)
	case isURL(pathOrURL):
		strategy = "url"
		c, err = l.loadURL(ctx, pathOrURL, scope, expectedIntegrity)
	case isLocalPath(pathOrURL):
		var kind StrategyKind
		c, kind, err = l.loadLocal(ctx, pathOrURL, scope, expectedIntegrity)
		strategy = kind.String()
	default:
		l.logger.Warn("Unsupported server entry location", "scope", scope, "location", pathOrURL)
	}

	if err != nil {
		l.logger.Warn("Failed to load remote container",
			"scope", scope,
			"location", pathOrURL,
			"kind", federation.TypeOf(err).String(),
			"error", err,
		)
		l.recordFailure(scope, pathOrURL, err)
		return nil, err
	}
	if c == nil {
		l.recordAbsent(scope, pathOrURL)
		return nil, nil
	}

	l.initContainer(ctx, scope, c)
	l.logger.Info("Loaded remote container", "scope", scope, "location", pathOrURL, "strategy", strategy)
	l.recordLoaded(scope, pathOrURL, strategy)

	if l.memoize {
		l.mu.Lock()
		l.memo[key] = c
		l.mu.Unlock()
	}
	return c, nil
}

func (l *Loader) loadLocal(ctx context.Context, path, scope, expected string) (federation.Container, StrategyKind, error) {
	c, kind, err := l.resolveLocal(ctx, path, scope, expected)
	if err != nil || c != nil {
		return c, kind, err
	}
	for _, candidate := range l.fallbackPaths(path, scope) {
		c, kind, err = l.resolveLocal(ctx, candidate, scope, expected)
		if err != nil {
			return nil, kind, err
		}
		if c != nil {
			l.logger.Warn("Using fallback candidate for missing server entry",
				"scope", scope,
				"requested", path,
				"candidate", candidate,
			)
			return c, kind, nil
		}
	}
	l.logger.Info("Server entry not found", "scope", scope, "path", path)
	return nil, 0, nil
}

func (l *Loader) loadURL(ctx context.Context, url, scope, expected string) (federation.Container, error) {
	code, err := l.fetch(ctx, url)
	if err != nil {
		return nil, federation.NewRemoteUnreachable(scope, url, err)
	}
	if err := integrity.Check(scope, url, code, expected); err != nil {
		return nil, err
	}

	src := sandbox.Source{Scope: scope, Location: url, Code: code}
	if sandbox.IsWASM(code) {
		return l.eval.LoadWASM(ctx, src)
	}
	res, err := l.eval.Evaluate(ctx, src)
	if err != nil {
		return nil, err
	}
	return res.Locate(scope)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("failed to fetch %s: %d %s", url, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBundleBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > l.maxBundleBytes {
		return nil, fmt.Errorf("bundle at %s exceeds %d bytes", url, l.maxBundleBytes)
	}
	return body, nil
}

// initContainer joins c to the host share scope. Failures are logged and do
// not prevent the container from being used.
func (l *Loader) initContainer(ctx context.Context, scope string, c federation.Container) {
	shareScope := l.shares.Ensure(l.shareScopeName)
	if l.initSharing != nil {
		if err := l.initSharing(l.shares, l.shareScopeName); err != nil {
			l.logger.Warn("Host sharing initializer failed", "scope", scope, "error", err)
		}
	}
	if err := federation.InitContainer(ctx, c, shareScope); err != nil {
		l.logger.Warn("Container init failed, continuing without shared dependencies", "scope", scope, "error", err)
	}
}

// LoadServerModule resolves the container for scope, invokes the factory for
// moduleID and returns its default export when it has one.
func (l *Loader) LoadServerModule(ctx context.Context, pathOrURL, scope, moduleID string) (any, error) {
	c, err := l.LoadServerContainer(ctx, pathOrURL, scope, "")
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, federation.NewContainerNotFound(scope, fmt.Errorf("no server entry at %q", pathOrURL))
	}
	factory, err := c.Get(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	v, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	return federation.UnwrapDefault(v), nil
}

func (l *Loader) recordLoaded(scope, source, strategy string) {
	if l.audit == nil {
		return
	}
	if err := l.audit.LogRemoteLoaded(scope, source, strategy); err != nil {
		l.logger.Error("Failed to write audit event", "error", err)
	}
}

func (l *Loader) recordAbsent(scope, source string) {
	if l.audit == nil {
		return
	}
	if err := l.audit.LogRemoteAbsent(scope, source); err != nil {
		l.logger.Error("Failed to write audit event", "error", err)
	}
}

func (l *Loader) recordFailure(scope, source string, loadErr error) {
	if l.audit == nil {
		return
	}
	if err := l.audit.LogLoadFailure(scope, source, loadErr); err != nil {
		l.logger.Error("Failed to write audit event", "error", err)
	}
}
