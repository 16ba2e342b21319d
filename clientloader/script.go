package clientloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomyedwab/fedhost/federation/integrity"
	"github.com/tomyedwab/fedhost/federation/sandbox"
)

const defaultMaxScriptBytes = 16 << 20

// ScriptLoader loads the entry script at src into w. A loaded entry registers
// its container in w under its scope.
type ScriptLoader interface {
	Load(ctx context.Context, src string, w *Window) error
}

// ScriptLoaderFunc adapts a function to ScriptLoader
type ScriptLoaderFunc func(ctx context.Context, src string, w *Window) error

func (f ScriptLoaderFunc) Load(ctx context.Context, src string, w *Window) error {
	return f(ctx, src, w)
}

// HTTPScriptLoader fetches entry scripts over HTTP and evaluates them in the
// sandbox.
type HTTPScriptLoader struct {
	Logger *slog.Logger
	Client *http.Client
	// Integrity optionally maps script URLs to expected digests.
	Integrity map[string]string
	// Env lists the environment variables bundles may read.
	Env      []string
	MaxBytes int64
}

// Load fetches src, verifies it when a digest is configured, evaluates it
// against w's share scopes and copies every container it registered into w.
func (l *HTTPScriptLoader) Load(ctx context.Context, src string, w *Window) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	code, err := l.fetch(ctx, client, src)
	if err != nil {
		return err
	}
	if err := integrity.Check("", src, code, l.Integrity[src]); err != nil {
		return err
	}
	if sandbox.IsWASM(code) {
		return fmt.Errorf("%s: WebAssembly entries cannot register a scope in a client session", src)
	}

	eval := sandbox.New(sandbox.Config{
		Logger:      logger,
		HTTPClient:  client,
		Env:         l.Env,
		ShareScopes: w.ShareScopes(),
		InitSharing: w.InitSharing(),
	})
	res, err := eval.Evaluate(ctx, sandbox.Source{Location: src, Code: code})
	if err != nil {
		return err
	}
	registered := res.Registered()
	if len(registered) == 0 {
		logger.Warn("Entry script registered no containers", "src", src)
	}
	for scope, c := range registered {
		w.SetContainer(scope, c)
	}
	return nil
}

func (l *HTTPScriptLoader) fetch(ctx context.Context, client *http.Client, src string) ([]byte, error) {
	maxBytes := l.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxScriptBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("failed to load %s: %d %s", src, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	code, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(code)) > maxBytes {
		return nil, fmt.Errorf("script %s exceeds %d bytes", src, maxBytes)
	}
	return code, nil
}
