package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/fedhost/audit"
	"github.com/tomyedwab/fedhost/clientloader"
	"github.com/tomyedwab/fedhost/host"
	"github.com/tomyedwab/fedhost/remotes"
	"github.com/tomyedwab/fedhost/routes"
	"github.com/tomyedwab/fedhost/serverloader"
	"github.com/tomyedwab/fedhost/shell"
)

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// apiBase returns the URL the in-process shell uses to reach the host API.
func apiBase(addr string) string {
	hostName, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if hostName == "" || hostName == "0.0.0.0" || hostName == "::" {
		hostName = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(hostName, port)
}

func main() {
	// Parse command line flags
	var addr = flag.String("addr", ":3000", "Address to listen on")
	var manifestPath = flag.String("manifest", "", "YAML manifest listing remotes (overrides -remotes)")
	var remoteNames = flag.String("remotes", "checkout,profile,admin", "Comma separated remote names configured from the environment")
	var remotesDir = flag.String("remotes-dir", ".", "Directory holding <name>/remoteEntry.server.go for remotes without an explicit server path")
	var auditDB = flag.String("audit-db", "", "SQLite database recording remote load events (disabled when empty)")
	var internalSecret = flag.String("internal-secret", os.Getenv("HOST_INTERNAL_SECRET"), "Secret guarding the internal route API")
	var fallbackCandidates = flag.String("fallback-candidates", "", "Comma separated path templates tried when a local server entry is missing ({scope}, {base})")
	var memoize = flag.Bool("memoize", false, "Cache resolved server containers for the process lifetime")
	var concurrency = flag.Int("concurrency", 1, "Remotes resolved in parallel during aggregation")
	var logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	var devReload = flag.Bool("dev-reload", false, "Reload remotes served from loopback dev servers when their entry changes")
	var serveShell = flag.Bool("shell", true, "Serve the client shell on non-API paths")
	flag.Parse()

	// 1. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)
	logger.Info("Starting federation host")

	// 2. Resolve remote descriptors
	var descriptors []remotes.Descriptor
	if *manifestPath != "" {
		var err error
		descriptors, err = remotes.LoadManifest(*manifestPath, os.LookupEnv)
		if err != nil {
			logger.Error("Failed to load remotes manifest", "error", err)
			os.Exit(1)
		}
	} else {
		descriptors = remotes.FromEnv(splitList(*remoteNames), *remotesDir, os.LookupEnv)
	}
	for _, d := range descriptors {
		logger.Info("Configured remote", "name", d.Name, "client_url", d.ClientURL, "server", d.ServerPathOrURL, "integrity", d.ExpectedIntegrity != "")
	}

	// 3. Initialize audit logger with database
	var (
		loaderAudit serverloader.AuditLogger
		routesAudit routes.AuditLogger
		reloadAudit clientloader.ReloadAuditor
	)
	if *auditDB != "" {
		auditDatabase := sqlx.MustConnect("sqlite3", *auditDB)
		defer auditDatabase.Close()
		auditLogger, err := audit.NewLogger(auditDatabase)
		if err != nil {
			logger.Error("Failed to initialize audit logger", "error", err)
			os.Exit(1)
		}
		loaderAudit, routesAudit, reloadAudit = auditLogger, auditLogger, auditLogger
		logger.Info("Audit logger initialized", "path", *auditDB)
	}

	secret := *internalSecret
	if secret == "" {
		secret = uuid.New().String()
		logger.Info("Generated internal secret for this process")
	}

	// 4. Server side loading and aggregation
	bundleEnv := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		bundleEnv = append(bundleEnv, remotes.EnvKey(d.Name, "URL"))
	}
	serverLoader := serverloader.New(serverloader.Config{
		Logger:             logger,
		BundleEnv:          bundleEnv,
		FallbackCandidates: splitList(*fallbackCandidates),
		Memoize:            *memoize,
		Audit:              loaderAudit,
	})
	aggregator := routes.NewAggregator(routes.AggregatorConfig{
		Logger:      logger,
		Loader:      serverLoader,
		Concurrency: *concurrency,
		Audit:       routesAudit,
	})

	// 5. Client session used by the shell
	clientLoader := clientloader.New(clientloader.Config{
		Logger:    logger,
		Scripts:   &clientloader.HTTPScriptLoader{Logger: logger},
		DevReload: *devReload,
		Audit:     reloadAudit,
	})
	defer clientLoader.Close()

	var shellHandler http.Handler
	if *serveShell {
		shellHandler = shell.New(shell.Config{
			Logger:         logger,
			APIBase:        apiBase(*addr),
			InternalSecret: secret,
			Loader:         clientLoader,
		})
	}

	server := host.NewServer(host.Config{
		Logger:         logger,
		ListenAddr:     *addr,
		AppName:        "host",
		Remotes:        descriptors,
		Aggregator:     aggregator,
		InternalSecret: secret,
		Shell:          shellHandler,
	})

	// 6. Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping host server", "error", err)
		} else {
			logger.Info("Host server stopped gracefully.")
		}
		cancel()
	}()

	// 7. Start the server
	contextFn := func(_ net.Listener) context.Context {
		return ctx
	}
	go func() {
		if err := server.Start(contextFn); err != nil {
			logger.Error("Host server failed to start or unexpectedly stopped", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Host has completed its shutdown sequence. Exiting main.")
}
