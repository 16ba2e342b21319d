// Package host serves the federation host's internal API: the aggregated
// remote route table and a health probe. Any other path is handed to the
// shell when one is configured.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/fedhost/host/access"
	"github.com/tomyedwab/fedhost/remotes"
	"github.com/tomyedwab/fedhost/routes"
)

const (
	RoutesPath = "/api/__remote_routes"
	HealthPath = "/api/health"
)

// RouteAggregator produces the merged route table
type RouteAggregator interface {
	Aggregate(ctx context.Context, descriptors []remotes.Descriptor) ([]routes.RouteDescriptor, error)
}

// Config holds configuration for the Server.
type Config struct {
	Logger     *slog.Logger
	ListenAddr string
	// AppName is reported by the health endpoint.
	AppName    string
	Remotes    []remotes.Descriptor
	Aggregator RouteAggregator
	// InternalSecret, when set, is required on the route API either verbatim
	// or as the key of an HS256 bearer token.
	InternalSecret string
	AllowedOrigins []string
	// Shell serves every path outside the API.
	Shell http.Handler
}

// Server is the host's HTTP front.
type Server struct {
	logger         *slog.Logger
	listenAddr     string
	appName        string
	remotes        []remotes.Descriptor
	aggregator     RouteAggregator
	internalSecret string
	allowedOrigins []string
	shell          http.Handler
	server         *http.Server
}

// NewServer creates a Server
func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appName := config.AppName
	if appName == "" {
		appName = "host"
	}
	return &Server{
		logger:         logger.With("component", "HostServer"),
		listenAddr:     config.ListenAddr,
		appName:        appName,
		remotes:        config.Remotes,
		aggregator:     config.Aggregator,
		internalSecret: config.InternalSecret,
		allowedOrigins: config.AllowedOrigins,
		shell:          config.Shell,
	}
}

// Handler returns the server's request handler
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// Start listens on the configured address until Stop is called.
func (s *Server) Start(contextFn func(net.Listener) context.Context) error {
	s.server = &http.Server{
		BaseContext:  contextFn,
		Addr:         s.listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("Starting host server", "addr", s.listenAddr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		s.logger.Info("Host server was not running, nothing to stop")
		return nil
	}
	s.logger.Info("Stopping host server")
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rec.Header().Set("X-Trace-ID", traceID)

	switch {
	case r.URL.Path == HealthPath:
		CorsMiddleware(s.allowedOrigins, s.handleHealth)(rec, r)
	case r.URL.Path == RoutesPath:
		CorsMiddleware(s.allowedOrigins, s.requireInternal(traceID, s.handleRemoteRoutes))(rec, r)
	case s.shell != nil:
		s.shell.ServeHTTP(rec, r)
	default:
		http.Error(rec, "Not Found", http.StatusNotFound)
	}

	s.logger.Info("Request",
		"trace_id", traceID,
		"method", r.Method,
		"host", r.Host,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

func (s *Server) requireInternal(traceID string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.internalSecret == "" {
			next(w, r)
			return
		}
		token, err := access.BearerToken(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			s.logger.Warn("Rejected request", "trace_id", traceID, "reason", "missing token")
			return
		}
		if token != s.internalSecret {
			claims, err := access.ValidateToken([]byte(s.internalSecret), token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				s.logger.Warn("Rejected request", "trace_id", traceID, "reason", "invalid token", "error", err)
				return
			}
			r = r.WithContext(access.WithClaims(r.Context(), claims))
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRemoteRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if claims, ok := access.ClaimsFromContext(r.Context()); ok {
		s.logger.Debug("Aggregating remote routes", "caller", claims.Application)
	}
	table, err := s.aggregator.Aggregate(r.Context(), s.remotes)
	if err != nil {
		s.logger.Error("Failed to aggregate remote routes", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   true,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": table})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"app":    s.appName,
		"pid":    os.Getpid(),
	})
}
