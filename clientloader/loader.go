package clientloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomyedwab/fedhost/devreload"
	"github.com/tomyedwab/fedhost/federation"
	"github.com/tomyedwab/fedhost/federation/backoff"
)

// ErrReloadInProgress is returned by Reload when a reload of the same scope
// is already running.
var ErrReloadInProgress = errors.New("reload already in progress")

// DialFunc opens a dev reload channel
type DialFunc func(ctx context.Context, wsURL string) (*devreload.Channel, error)

// ReloadAuditor records completed dev reloads
type ReloadAuditor interface {
	LogRemoteReloaded(scope, source string) error
}

// Config holds configuration for the Loader.
type Config struct {
	Logger *slog.Logger
	// Window is the session the loader registers containers in. A new empty
	// Window is used when nil.
	Window *Window
	// Scripts injects entry scripts. Defaults to an HTTPScriptLoader.
	Scripts ScriptLoader
	// Policy bounds script load retries. Defaults to backoff.DefaultPolicy.
	Policy backoff.Policy
	// Sleep waits between retries. Defaults to backoff.Sleep.
	Sleep backoff.SleepFunc
	// DevReload connects to the reload channel of loopback remotes.
	DevReload bool
	// Dial opens reload channels. Defaults to devreload.Dial.
	Dial  DialFunc
	Audit ReloadAuditor
}

// Loader loads remote entries and modules into one Window.
type Loader struct {
	logger    *slog.Logger
	window    *Window
	scripts   ScriptLoader
	policy    backoff.Policy
	sleep     backoff.SleepFunc
	devReload bool
	dial      DialFunc
	audit     ReloadAuditor

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	reloading map[string]bool
	origins   map[string]*originWatch
}

// originWatch is the reload channel shared by every remote on one origin.
type originWatch struct {
	ch *devreload.Channel
	// subs maps scope to entry URL.
	subs map[string]string
}

// New creates a Loader
func New(config Config) *Loader {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := config.Window
	if window == nil {
		window = NewWindow(nil)
	}
	scripts := config.Scripts
	if scripts == nil {
		scripts = &HTTPScriptLoader{Logger: logger}
	}
	policy := config.Policy
	if policy.Attempts <= 0 {
		policy = backoff.DefaultPolicy
	}
	dial := config.Dial
	if dial == nil {
		dial = devreload.Dial
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		logger:    logger.With("component", "ClientLoader"),
		window:    window,
		scripts:   scripts,
		policy:    policy,
		sleep:     config.Sleep,
		devReload: config.DevReload,
		dial:      dial,
		audit:     config.Audit,
		ctx:       ctx,
		cancel:    cancel,
		reloading: make(map[string]bool),
		origins:   make(map[string]*originWatch),
	}
}

// Window returns the session the loader registers containers in
func (l *Loader) Window() *Window {
	return l.window
}

// LoadRemoteEntry returns the container for scope, loading the entry script
// at url if no container is registered yet. Concurrent first loads of the same
// scope share one script load. The shared load outlives any single caller and
// stops only when the Loader is closed; each caller stops waiting when its own
// ctx is done.
func (l *Loader) LoadRemoteEntry(ctx context.Context, url, scope string) (federation.Container, error) {
	if c, ok := l.window.Container(scope); ok {
		return c, nil
	}
	ch := l.group.DoChan(scope, func() (any, error) {
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(l.ctx, cancel)
		defer stop()
		return l.loadEntry(shared, url, scope)
	})
	select {
	case <-ctx.Done():
		return nil, federation.NewRemoteUnreachable(scope, url, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(federation.Container), nil
	}
}

func (l *Loader) loadEntry(ctx context.Context, url, scope string) (federation.Container, error) {
	if c, ok := l.window.Container(scope); ok {
		return c, nil
	}

	onRetry := func(attempt int, delay time.Duration, err error) {
		l.logger.Warn("Failed to load remote entry, retrying",
			"scope", scope,
			"url", url,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	err := backoff.Retry(ctx, l.policy, l.sleep, onRetry, func(attempt int) error {
		l.window.Document.RemoveMatching(url)
		l.window.Document.Inject(url)
		return l.scripts.Load(ctx, url, l.window)
	})
	if err != nil {
		return nil, federation.NewRemoteUnreachable(scope, url, err)
	}

	shares := l.window.ShareScopes()
	if initSharing := l.window.InitSharing(); initSharing != nil {
		if err := initSharing(shares, federation.DefaultShareScope); err != nil {
			l.logger.Warn("Sharing initializer failed", "scope", scope, "error", err)
		}
	}
	shareScope := shares.Ensure(federation.DefaultShareScope)

	c, ok := l.window.Container(scope)
	if !ok {
		return nil, federation.NewContainerNotFound(scope, fmt.Errorf("no container registered after loading %s", url))
	}
	if err := federation.InitContainer(ctx, c, shareScope); err != nil {
		l.logger.Warn("Container init failed, continuing without shared dependencies", "scope", scope, "error", err)
	}

	if l.devReload {
		l.watch(url, scope)
	}
	l.logger.Info("Loaded remote entry", "scope", scope, "url", url)
	return c, nil
}

// LoadRemoteModule loads the entry, resolves moduleID and returns the
// module's default export when it has one.
func (l *Loader) LoadRemoteModule(ctx context.Context, url, scope, moduleID string) (any, error) {
	c, err := l.LoadRemoteEntry(ctx, url, scope)
	if err != nil {
		return nil, err
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

// Reload drops the container registered for scope, removes its scripts and
// loads the entry again. It returns ErrReloadInProgress without doing
// anything while another reload of scope is running.
func (l *Loader) Reload(ctx context.Context, url, scope string) error {
	l.mu.Lock()
	if l.reloading[scope] {
		l.mu.Unlock()
		return ErrReloadInProgress
	}
	l.reloading[scope] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.reloading, scope)
		l.mu.Unlock()
	}()

	l.window.DeleteContainer(scope)
	l.window.Document.RemoveMatching(url)
	l.group.Forget(scope)

	if _, err := l.LoadRemoteEntry(ctx, url, scope); err != nil {
		l.logger.Warn("Failed to reload remote", "scope", scope, "url", url, "error", err)
		return err
	}
	l.logger.Info("Reloaded remote", "scope", scope, "url", url)
	if l.audit != nil {
		if err := l.audit.LogRemoteReloaded(scope, url); err != nil {
			l.logger.Error("Failed to write audit event", "error", err)
		}
	}
	return nil
}

// Close disconnects every reload channel and waits for pending reloads.
func (l *Loader) Close() error {
	l.cancel()
	l.mu.Lock()
	l.closed = true
	for _, w := range l.origins {
		if w.ch != nil {
			w.ch.Close()
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
