package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mediahub/internal/observability/logging"
	"mediahub/internal/upload"
)

const (
	headerTotalChunks   = "X-Total-Chunks"
	headerTotalFileSize = "X-Total-File-Size"
	headerChunkChecksum = "X-Chunk-Checksum"
)

// Uploads serves POST /api/uploads.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var req upload.InitRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	result, err := h.Manager.Init(r.Context(), req, owner)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// UploadByToken serves the per-session routes below /api/uploads/{token}.
func (h *Handler) UploadByToken(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/uploads/"), "/")
	if path == "" {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Kind: upload.KindNotFound, Message: "upload token missing"})
		return
	}
	parts := strings.Split(path, "/")
	token := strings.TrimSpace(parts[0])
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	r = r.WithContext(logging.ContextWithUploadToken(r.Context(), token))

	switch {
	case len(parts) == 1:
		h.session(w, r, token, owner)
	case len(parts) == 2 && parts[1] == "resume":
		h.resume(w, r, token, owner)
	case len(parts) == 3 && parts[1] == "chunks":
		h.chunk(w, r, token, owner, parts[2])
	default:
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Kind: upload.KindNotFound, Message: "route not found"})
	}
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request, token, owner string) {
	switch r.Method {
	case http.MethodGet:
		status, err := h.Manager.Status(r.Context(), token, owner)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		result, err := h.Manager.Cancel(r.Context(), token, owner)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request, token, owner string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	result, err := h.Manager.Resume(r.Context(), token, owner)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) chunk(w http.ResponseWriter, r *http.Request, token, owner, rawNumber string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPut, http.MethodPost)
		return
	}
	number, err := strconv.Atoi(rawNumber)
	if err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid chunk number %q", rawNumber)))
		return
	}
	totalChunks, err := optionalInt(r.Header.Get(headerTotalChunks))
	if err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid %s header", headerTotalChunks)))
		return
	}
	totalFileSize, err := optionalInt(r.Header.Get(headerTotalFileSize))
	if err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid %s header", headerTotalFileSize)))
		return
	}
	if r.Body == nil {
		WriteRequestError(w, ValidationError("chunk body is required"))
		return
	}
	defer r.Body.Close()

	body := http.MaxBytesReader(w, r.Body, h.Manager.Limits().MaxChunkSize+1)
	receipt, err := h.Receiver.AcceptChunk(r.Context(), upload.ChunkRequest{
		Token:         token,
		OwnerID:       owner,
		ChunkNumber:   number,
		TotalChunks:   int(totalChunks),
		TotalFileSize: totalFileSize,
		DeclaredSize:  r.ContentLength,
		Checksum:      strings.TrimSpace(r.Header.Get(headerChunkChecksum)),
		Payload:       body,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func optionalInt(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return parsed, nil
}
