package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediahub/internal/artifacts"
	"mediahub/internal/upload"
)

type registerArtifactRequest struct {
	Kind       string `json:"kind"`
	StorageKey string `json:"storageKey"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

// Artifacts serves POST /api/artifacts.
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.Registry == nil {
		WriteRequestError(w, ServiceUnavailableError("artifact registry unavailable"))
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var req registerArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	artifact, err := h.Registry.RegisterTemporary(r.Context(), artifacts.RegisterRequest{
		Kind:       req.Kind,
		OwnerID:    owner,
		StorageKey: req.StorageKey,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

// ArtifactByID serves GET /api/artifacts/{id} and POST /api/artifacts/{id}/promote.
func (h *Handler) ArtifactByID(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		WriteRequestError(w, ServiceUnavailableError("artifact registry unavailable"))
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/artifacts/"), "/")
	parts := strings.Split(path, "/")
	id := strings.TrimSpace(parts[0])
	if id == "" {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Kind: upload.KindNotFound, Message: "artifact id missing"})
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, r, http.MethodGet)
			return
		}
		artifact, err := h.Registry.Get(r.Context(), id, owner)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, artifact)
	case len(parts) == 2 && parts[1] == "promote":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, r, http.MethodPost)
			return
		}
		artifact, err := h.Registry.Promote(r.Context(), id, owner)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, artifact)
	default:
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Kind: upload.KindNotFound, Message: "route not found"})
	}
}
