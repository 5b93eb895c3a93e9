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
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"ella.to/blackhole"
	"ella.to/blackhole/internal/config"
	"ella.to/blackhole/internal/metrics"
)

var Version = "master"
var GitCommit = "development"

const shutdownTimeout = 5 * time.Second

func main() {
	fmt.Fprintf(os.Stdout, `
 _     _            _    _           _
| |__ | | __ _  ___| | _| |__   ___ | | ___
| '_ \| |/ _' |/ __| |/ / '_ \ / _ \| |/ _ \
| |_) | | (_| | (__|   <| | | | (_) | |  __/
|_.__/|_|\__,_|\___|_|\_\_| |_|\___/|_|\___|

Version: %s
Git Hash: %s
https://ella.to/blackhole
`, Version, GitCommit)

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	metrics.SetInfo(Version, GitCommit)

	handler, err := blackhole.NewServer(
		blackhole.WithLogPath(cfg.LogPath),
		blackhole.WithBufferSize(cfg.BufferSize),
		blackhole.WithMaxBodySize(cfg.MaxBodySize),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsEnabled() {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.SetupHandler(),
		}
		defer metricsServer.Shutdown(context.Background())

		go func() {
			slog.Info("starting metrics server", "addr", cfg.MetricsAddr)
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to start metrics server", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Addr, "error", err)
		handler.Close()
		return
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server", "addr", cfg.Addr, "log_path", cfg.LogPath, "max_body_size", humanize.IBytes(uint64(cfg.MaxBodySize)))
	slog.Info("ui available", "url", fmt.Sprintf("http://%s/ui", cfg.Addr))
	slog.Info("api endpoint", "url", fmt.Sprintf("http://%s/api", cfg.Addr))

	if err := serve(ctx, server, ln, handler); err != nil {
		slog.Error("server failed", "error", err)
	}
}

// serve runs server on ln until ctx is done. It returns once the requests in
// flight have been answered and the request log is closed.
func serve(ctx context.Context, server *http.Server, ln net.Listener, handler *blackhole.Server) error {
	shutdown := make(chan error, 1)

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdown <- server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		server.Close()
		handler.Close()
		return fmt.Errorf("failed to serve: %w", err)
	}

	// Serve returns as soon as Shutdown starts, not when it is done
	if err := <-shutdown; err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	store := handler.Store()
	slog.Info("server stopped", "records", store.Len(), "logged", humanize.Bytes(uint64(store.Size())))

	if err := handler.Close(); err != nil {
		return fmt.Errorf("failed to close request log: %w", err)
	}

	return nil
}
