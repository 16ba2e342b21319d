// Package shell is the host's client bootstrap. It fetches the aggregated
// route table from the host API, adapts remote routes into lazily loaded
// components and serves navigation by resolving them through the client
// loader.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/fedhost/federation"
	"github.com/tomyedwab/fedhost/host"
	"github.com/tomyedwab/fedhost/host/access"
	"github.com/tomyedwab/fedhost/routes"
)

const tokenTTL = time.Minute

// Config holds configuration for the Shell.
type Config struct {
	Logger *slog.Logger
	// APIBase is the host origin serving the route API.
	APIBase string
	Client  *http.Client
	// InternalSecret signs the bearer token sent to the route API.
	InternalSecret string
	// Loader resolves remote modules on navigation.
	Loader routes.ModuleLoader
}

// Shell owns one client session's router.
type Shell struct {
	logger  *slog.Logger
	apiBase string
	client  *http.Client
	secret  string
	loader  routes.ModuleLoader
	router  *Router

	// boot serializes first-request bootstraps.
	boot         sync.Mutex
	mu           sync.Mutex
	bootstrapped bool
}

// New creates a Shell
func New(config Config) *Shell {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Shell{
		logger:  logger.With("component", "Shell"),
		apiBase: strings.TrimSuffix(config.APIBase, "/"),
		client:  client,
		secret:  config.InternalSecret,
		loader:  config.Loader,
		router:  NewRouter(),
	}
}

// Router returns the shell's router
func (s *Shell) Router() *Router {
	return s.router
}

// Bootstrap fetches the route table and registers every route. Remote routes
// that cannot be adapted are dropped.
func (s *Shell) Bootstrap(ctx context.Context) (int, error) {
	table, err := s.fetchRoutes(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, d := range table {
		if !d.IsRemote() {
			s.router.Add(d)
			added++
			continue
		}
		adapted := routes.Adapt(d, s.loader)
		if adapted == nil {
			s.logger.Warn("Dropping remote route without scope or url", "path", d.Path)
			continue
		}
		s.router.Add(*adapted)
		added++
	}

	s.mu.Lock()
	s.bootstrapped = true
	s.mu.Unlock()
	s.logger.Info("Registered routes", "count", added)
	return added, nil
}

func (s *Shell) fetchRoutes(ctx context.Context) ([]routes.RouteDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+host.RoutesPath, nil)
	if err != nil {
		return nil, err
	}
	if s.secret != "" {
		token, err := access.IssueToken([]byte(s.secret), "shell", tokenTTL)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch routes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch routes: %s: %s", resp.Status, strings.TrimSpace(string(message)))
	}

	var body struct {
		Routes []routes.RouteDescriptor `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return body.Routes, nil
}

// Navigate resolves the component for path. Remote components are loaded on
// first navigation.
func (s *Shell) Navigate(ctx context.Context, path string) (routes.RouteDescriptor, any, error) {
	d, ok := s.router.Match(path)
	if !ok {
		return routes.RouteDescriptor{}, nil, nil
	}
	lazy, ok := d.Component.(*routes.LazyComponent)
	if !ok {
		return d, d.Component, nil
	}
	v, err := lazy.Resolve(ctx)
	return d, v, err
}

func (s *Shell) ensureBootstrapped(ctx context.Context) {
	s.boot.Lock()
	defer s.boot.Unlock()
	s.mu.Lock()
	done := s.bootstrapped
	s.mu.Unlock()
	if done {
		return
	}
	if _, err := s.Bootstrap(ctx); err != nil {
		s.logger.Warn("Failed to bootstrap remote routes", "error", err)
	}
}

// ServeHTTP renders the route matching the request path.
func (s *Shell) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ensureBootstrapped(r.Context())

	d, component, err := s.Navigate(r.Context(), r.URL.Path)
	if err != nil {
		scope := ""
		if d.Meta != nil {
			scope = d.Meta.Scope
		}
		s.logger.Warn("Failed to load route component",
			"path", r.URL.Path,
			"scope", scope,
			"kind", federation.TypeOf(err).String(),
			"error", err,
		)
		renderError(w, r.URL.Path, scope)
		return
	}
	if d.Path == "" {
		http.NotFound(w, r)
		return
	}
	render(w, r, d, component)
}

func render(w http.ResponseWriter, r *http.Request, d routes.RouteDescriptor, component any) {
	if h, ok := component.(http.Handler); ok {
		h.ServeHTTP(w, r)
		return
	}

	var body string
	switch c := component.(type) {
	case nil:
		body = "<h1>" + html.EscapeString(d.Name) + "</h1>"
	case string:
		body = c
	case []byte:
		body = string(c)
	case func() string:
		body = c()
	case func(context.Context) (string, error):
		out, err := c(r.Context())
		if err != nil {
			renderError(w, d.Path, "")
			return
		}
		body = out
	case fmt.Stringer:
		body = c.String()
	default:
		body = html.EscapeString(fmt.Sprint(c))
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, body)
}

func renderError(w http.ResponseWriter, path, scope string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusBadGateway)
	name := scope
	if name == "" {
		name = path
	}
	fmt.Fprintf(w, `<h1>%s is unavailable</h1><p>The page could not be loaded. <a href="%s">Try again</a>.</p>`,
		html.EscapeString(name), html.EscapeString(path))
}
