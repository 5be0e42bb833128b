// Package serverutil runs an http.Server until its context ends and then
// drains it along with the components behind it.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"mediahub/internal/observability/logging"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ShutdownHook releases one component once the listener has drained. Hooks
// share the remaining shutdown budget through ctx.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, useful with ":0".
	OnListen func(net.Addr)
	// OnShutdown runs in order after the HTTP server stops, whether it
	// stopped because ctx ended or because serving failed.
	OnShutdown []ShutdownHook
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the provided HTTP server and blocks until it stops. If TLS
// certificate and key files are provided, the server will listen with TLS.
// When the context is cancelled, Run attempts a graceful shutdown bounded by
// ShutdownTimeout and then runs the shutdown hooks.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	base := cfg.Logger
	if base == nil {
		base = slog.New(slog.DiscardHandler)
	}
	logger := logging.WithComponent(base, "serverutil")
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return errors.Join(err, runHooks(hookCtx, logger, cfg.OnShutdown))
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	logger.Info("listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	var (
		runErr  error
		stopped bool
	)
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stopped = true
	case <-ctx.Done():
		logger.Info("shutting down", "timeout", timeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if !stopped {
		runErr = drain(shutdownCtx, cfg.Server, serveErr)
	}
	hookErr := runHooks(shutdownCtx, logger, cfg.OnShutdown)
	return errors.Join(runErr, hookErr)
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func drain(ctx context.Context, server *http.Server, serveErr <-chan error) error {
	shutdownErr := server.Shutdown(ctx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return ctx.Err()
	}
	return shutdownErr
}

// runHooks keeps going after a failing hook so later components still get
// released.
func runHooks(ctx context.Context, logger *slog.Logger, hooks []ShutdownHook) error {
	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			logger.Warn("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		logger.Debug("shutdown hook finished", "hook", hook.Name, "elapsed", time.Since(start))
	}
	return errors.Join(errs...)
}
