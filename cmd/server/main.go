// Command server runs the mediahub resumable upload API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"mediahub/internal/app"
	"mediahub/internal/config"
	"mediahub/internal/observability/logging"
	"mediahub/internal/observability/metrics"
	"mediahub/internal/server"
	"mediahub/internal/serverutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run blocks until ctx ends or the listener fails. onListen, when set,
// receives the bound address.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, onListen func(net.Addr)) error {
	cfg, err := config.Load("server", args, stderr)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: stdout,
	})
	recorder := metrics.New()

	application, err := app.New(ctx, cfg, logger, recorder)
	if err != nil {
		return fmt.Errorf("initialise uploads: %w", err)
	}
	logger.Info("upload backends ready",
		"session_store", cfg.SessionStore.Driver,
		"blob_store", cfg.BlobStore.Driver,
		"max_file_size", cfg.Uploads.MaxFileSize.String(),
		"session_ttl", cfg.Uploads.SessionTTL,
	)

	srv, err := server.New(application.Handler(), server.Config{
		Addr: cfg.Server.Addr,
		TLS: server.TLSConfig{
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
		},
		RateLimit:    cfg.RateLimit.ServerConfig(),
		CORS:         server.CORSConfig{AllowedOrigins: cfg.Server.AllowedOrigins},
		Logger:       logger,
		Metrics:      recorder,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("initialise server: %w", err), application.Close(closeCtx))
	}

	application.StartAssembly(ctx)
	stopSweeper := application.StartSweeper(ctx)
	if cfg.Sweeper.Interval > 0 {
		logger.Info("expiry sweeper started", "interval", cfg.Sweeper.Interval, "batch", cfg.Sweeper.BatchSize)
	} else {
		logger.Warn("expiry sweeper disabled")
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	certFile, keyFile := srv.TLSFiles()
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
		OnListen:        onListen,
		OnShutdown: []serverutil.ShutdownHook{
			{Name: "expiry sweeper", Fn: func(context.Context) error {
				stopSweeper()
				return nil
			}},
			{Name: "rate limiter", Fn: srv.Close},
			{Name: "uploads", Fn: application.Close},
		},
	})
	if err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
