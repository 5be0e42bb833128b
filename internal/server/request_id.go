package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mediahub/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

// maxRequestIDLength bounds client supplied ids before they reach the logs.
const maxRequestIDLength = 128

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if logger != nil {
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		}

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger returns the logger requestIDMiddleware stored on the request,
// or base annotated from the context, plus the path and client address.
func requestLogger(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	return logger.With(append([]any{"path", r.URL.Path}, resolver.logFields(r)...)...)
}

func newRequestID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err == nil {
		return hex.EncodeToString(buffer[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
