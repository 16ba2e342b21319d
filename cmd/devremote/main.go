package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomyedwab/fedhost/devreload"
)

func main() {
	var dir = flag.String("dir", "", "Directory served as the remote's public root")
	var addr = flag.String("addr", ":3001", "Address to listen on")
	var watch = flag.Bool("watch", true, "Notify reload clients when files in -dir change")
	var entry = flag.String("entry", devreload.DefaultEntry, "Entry file name inside -dir")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: devremote -dir <path-to-public> [-addr :3001] [-watch] [-entry remoteEntry.go]")
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	devServer, err := devreload.NewServer(devreload.ServerConfig{
		Logger: logger,
		Dir:    *dir,
		Entry:  *entry,
	})
	if err != nil {
		logger.Error("Failed to create dev remote server", "error", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *watch {
		go func() {
			if err := devServer.Watch(ctx); err != nil {
				logger.Error("File watcher stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           devServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving dev remote",
		"dir", devServer.Dir(),
		"addr", *addr,
		"sri", "/sri.json",
		"reload", devreload.Path,
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Dev remote server failed", "error", err)
		os.Exit(1)
	}
}
