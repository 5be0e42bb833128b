package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediahub/internal/api"
	"mediahub/internal/observability/logging"
	"mediahub/internal/observability/metrics"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultReadTimeout       = 2 * time.Minute
	// Completing an upload streams every chunk into the final object before
	// the response is written.
	defaultWriteTimeout = 35 * time.Minute
	defaultIdleTimeout  = 60 * time.Second
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := logging.WithComponent(cfg.Logger, "server")

	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolution: %w", err)
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}
	if handler.RateLimiter == nil && rl.shared() {
		handler.RateLimiter = rl
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/uploads", handler.Uploads)
	mux.HandleFunc("/api/uploads/", handler.UploadByToken)
	mux.HandleFunc("/api/artifacts", handler.Artifacts)
	mux.HandleFunc("/api/artifacts/", handler.ArtifactByID)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not_found", "route not found")
	})

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, recorder, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = corsMiddleware(policy, logger, resolver, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	if logger != nil {
		handlerChain = logging.RequestLogger(logger, resolver.logFields)(handlerChain)
	}
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: durationOr(cfg.ReadHeaderTimeout, defaultReadHeaderTimeout),
		ReadTimeout:       durationOr(cfg.ReadTimeout, defaultReadTimeout),
		WriteTimeout:      durationOr(cfg.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:       durationOr(cfg.IdleTimeout, defaultIdleTimeout),
	}
	if logger != nil {
		httpServer.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler
}

// HTTPServer exposes the configured http.Server so the caller controls the
// listener lifecycle.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// TLSFiles returns the certificate and key paths, empty when TLS is off.
func (s *Server) TLSFiles() (certFile, keyFile string) {
	return s.tlsCertFile, s.tlsKeyFile
}

// Close releases the rate limiter store. Call it after the listener has
// drained.
func (s *Server) Close(context.Context) error {
	if err := s.rateLimiter.Close(); err != nil {
		return fmt.Errorf("close rate limiter store: %w", err)
	}
	return nil
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, recorder *metrics.Recorder, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed, retryAfter := rl.AllowRequest(); !allowed {
			rejectRateLimited(w, recorder, "global", retryAfter)
			return
		}
		if !isChunkWrite(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(api.OwnerHeader))
		if key == "" {
			key, _ = resolver.ClientIPFromRequest(r)
		}
		allowed, retryAfter, err := rl.AllowChunk(r.Context(), key)
		if err != nil {
			if requestLogger := requestLogger(logger, resolver, r); requestLogger != nil {
				requestLogger.Error("rate limiter failure", "error", err)
			}
			writeMiddlewareError(w, http.StatusServiceUnavailable, "unavailable", "rate limiter unavailable")
			return
		}
		if !allowed {
			rejectRateLimited(w, recorder, "chunks", retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rejectRateLimited(w http.ResponseWriter, recorder *metrics.Recorder, scope string, retryAfter time.Duration) {
	if recorder != nil {
		recorder.ObserveRateLimited(scope)
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", scope+" rate limit exceeded")
}

// isChunkWrite matches PUT or POST /api/uploads/{token}/chunks/{n}.
func isChunkWrite(r *http.Request) bool {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		return false
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/uploads/")
	if !ok {
		return false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	return len(parts) == 3 && parts[1] == "chunks"
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
