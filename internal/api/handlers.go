package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"mediahub/internal/artifacts"
	"mediahub/internal/observability/logging"
	"mediahub/internal/upload"
)

// OwnerHeader carries the authenticated owner id set by the upstream gateway.
const OwnerHeader = "X-Owner-Id"

// Pinger is implemented by collaborators that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Manager  *upload.Manager
	Receiver *upload.Receiver
	Registry *artifacts.Registry

	Store       Pinger
	RateLimiter Pinger
	Logger      *slog.Logger
}

func NewHandler(manager *upload.Manager, receiver *upload.Receiver, registry *artifacts.Registry) *Handler {
	return &Handler{Manager: manager, Receiver: receiver, Registry: registry}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(r.Context(), logging.WithComponent(logger, "api"))
}

func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		WriteRequestError(w, RequestError{
			Status:  http.StatusUnauthorized,
			Kind:    "unauthenticated",
			Message: "owner identity is required",
		})
		return "", false
	}
	return owner, true
}

// writeFailure logs server-side failures before writing the error envelope.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Error("request failed", "kind", kind, "error", err)
	}
	WriteError(w, err)
}
