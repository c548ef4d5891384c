// Implements the serve command.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/reconsole/internal/config"
	"github.com/maruel/reconsole/internal/ipgeo"
	"github.com/maruel/reconsole/internal/server"
	"github.com/maruel/reconsole/internal/storage"
)

func cmdServe(args []string) error {
	c := newCommon("serve")
	httpAddr := c.fs.String("http", "localhost:8080", "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080)")
	geoDB := c.fs.String("geo-db", "", "Path to MaxMind MMDB file for host and client geolocation (optional)")
	seed := c.fs.Bool("seed", true, "Fill an empty database with demo hosts")
	if err := c.parse(args); err != nil {
		return err
	}
	c.override("http", "HTTP", httpAddr)
	c.override("geo-db", "GEO_DB", geoDB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	cfg, err := config.Load(*c.dataDir)
	if err != nil {
		return err
	}

	geo, err := ipgeo.Open(*geoDB)
	if err != nil {
		return fmt.Errorf("failed to open geo database: %w", err)
	}
	defer func() { _ = geo.Close() }()
	if *geoDB != "" {
		slog.InfoContext(ctx, "IP geolocation enabled", "db", *geoDB)
	}

	dbDir := filepath.Join(*c.dataDir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create db directory: %w", err)
	}
	store, err := storage.Open(dbDir, geo)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if *seed {
		if err := store.SeedDemo(ctx); err != nil {
			return err
		}
	}
	if err := store.RefreshCountries(ctx); err != nil {
		return fmt.Errorf("failed to refresh host countries: %w", err)
	}
	slog.InfoContext(ctx, "Database opened", "dir", dbDir, "rows", store.Counts())

	version, _, _, _ := getBuildInfo()
	rcfg := cfg.Server.RouterConfig()
	rcfg.Version = version
	rcfg.Geo = geo
	router := server.NewRouter(store, &rcfg)
	defer router.Close()

	if err := config.Watch(ctx, *c.dataDir, func(cfg *config.Console) {
		router.Update(cfg.Server.RouterConfig())
	}); err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	// Watch own executable for modifications (for development restarts)
	if err := watchExecutable(ctx, stop); err != nil {
		return fmt.Errorf("failed to watch executable: %w", err)
	}

	addr := *httpAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "version", version)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
