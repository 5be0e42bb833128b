package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediahub/internal/artifacts"
	"mediahub/internal/blobstore"
	"mediahub/internal/checksum"
	"mediahub/internal/models"
	"mediahub/internal/storage"
	"mediahub/internal/upload"
)

const owner = "owner-1"

func newTestHandler(t *testing.T) (*Handler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	blobs := blobstore.NewMemoryStore("https://cdn.test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := []upload.Option{
		upload.WithLogger(logger),
		upload.WithLimits(upload.Limits{
			MaxFileSize:      1 << 20,
			MinChunkSize:     1,
			MaxChunkSize:     1 << 16,
			DefaultChunkSize: 100,
			SessionTTL:       time.Hour,
			MediaTypes:       upload.DefaultMediaTypes(),
		}),
	}
	pool, err := upload.NewAssemblyPool(upload.AssemblyPoolConfig{
		Assembler: upload.NewAssembler(store, blobs, opts...),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewAssemblyPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	handler := NewHandler(
		upload.NewManager(store, blobs, opts...),
		upload.NewReceiver(store, blobs, pool, opts...),
		artifacts.NewRegistry(store, blobs, artifacts.WithLogger(logger)),
	)
	handler.Logger = logger
	handler.Store = store
	return handler, store
}

func jsonRequest(t *testing.T, method, target string, payload interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OwnerHeader, owner)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error
}

func initUpload(t *testing.T, h *Handler, size int64) upload.InitResult {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Uploads(rec, jsonRequest(t, http.MethodPost, "/api/uploads", map[string]interface{}{
		"fileName":      "notes.txt",
		"mimeType":      "text/plain",
		"totalFileSize": size,
		"chunkSize":     100,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result upload.InitResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	return result
}

func putChunk(h *Handler, token string, n int, data []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api/uploads/%s/chunks/%d", token, n), bytes.NewReader(data))
	req.Header.Set(OwnerHeader, owner)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.UploadByToken(rec, req)
	return rec
}

func TestUploadLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)
	result := initUpload(t, h, 250)
	if result.TotalChunks != 3 || result.ChunkSize != 100 || result.MediaType != upload.MediaTypeDocument {
		t.Fatalf("unexpected init result %+v", result)
	}

	data := bytes.Repeat([]byte("x"), 250)
	for _, n := range []int{2, 0} {
		end := min((n+1)*100, len(data))
		rec := putChunk(h, result.Token, n, data[n*100:end], map[string]string{headerTotalChunks: "3"})
		if rec.Code != http.StatusOK {
			t.Fatalf("chunk %d: expected 200, got %d: %s", n, rec.Code, rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/uploads/"+result.Token+"/resume", nil)
	req.Header.Set(OwnerHeader, owner)
	rec := httptest.NewRecorder()
	h.UploadByToken(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	var resume upload.ResumeResult
	if err := json.NewDecoder(rec.Body).Decode(&resume); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if len(resume.MissingChunks) != 1 || resume.MissingChunks[0] != 1 || resume.ProgressPercent != 66 {
		t.Fatalf("unexpected resume %+v", resume)
	}

	digest, _ := checksum.Sum(checksum.SHA256, data[100:200])
	rec = putChunk(h, result.Token, 1, data[100:200], map[string]string{
		headerChunkChecksum: digest.String(),
		headerTotalFileSize: "250",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("final chunk: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var receipt upload.ChunkReceipt
	if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Status != models.UploadStatusCompleted || receipt.Result == nil || receipt.Result.Size != 250 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if !strings.HasPrefix(receipt.Result.URL, "https://cdn.test/media/document/") {
		t.Fatalf("unexpected url %q", receipt.Result.URL)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/uploads/"+result.Token, nil)
	req.Header.Set(OwnerHeader, owner)
	rec = httptest.NewRecorder()
	h.UploadByToken(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after completion: expected 409, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != upload.KindConflict {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestChunkErrorsMapToStatusCodes(t *testing.T) {
	h, _ := newTestHandler(t)
	token := initUpload(t, h, 250).Token
	chunk := bytes.Repeat([]byte("y"), 100)
	wrong, _ := checksum.Sum(checksum.SHA256, []byte("something else"))

	tests := []struct {
		name    string
		token   string
		number  string
		body    []byte
		headers map[string]string
		status  int
		kind    string
	}{
		{"checksum mismatch", token, "0", chunk, map[string]string{headerChunkChecksum: wrong.String()}, http.StatusUnprocessableEntity, upload.KindChecksumMismatch},
		{"short chunk", token, "0", chunk[:40], nil, http.StatusUnprocessableEntity, upload.KindSizeMismatch},
		{"number out of range", token, "3", chunk, nil, http.StatusBadRequest, upload.KindValidation},
		{"number not numeric", token, "abc", chunk, nil, http.StatusBadRequest, upload.KindValidation},
		{"bad total header", token, "0", chunk, map[string]string{headerTotalChunks: "many"}, http.StatusBadRequest, upload.KindValidation},
		{"total mismatch", token, "0", chunk, map[string]string{headerTotalChunks: "4"}, http.StatusBadRequest, upload.KindValidation},
		{"unknown token", "nope", "0", chunk, nil, http.StatusNotFound, upload.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/uploads/"+tt.token+"/chunks/"+tt.number, bytes.NewReader(tt.body))
			req.Header.Set(OwnerHeader, owner)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.UploadByToken(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Kind != tt.kind {
				t.Fatalf("expected kind %q, got %+v", tt.kind, body)
			}
		})
	}

	rec := putChunk(h, token, 0, chunk, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first delivery to succeed, got %d", rec.Code)
	}
	rec = putChunk(h, token, 0, chunk, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected duplicate to conflict, got %d", rec.Code)
	}
}

func TestUploadRoutesRequireOwner(t *testing.T) {
	h, _ := newTestHandler(t)
	token := initUpload(t, h, 10).Token

	req := httptest.NewRequest(http.MethodGet, "/api/uploads/"+token, nil)
	rec := httptest.NewRecorder()
	h.UploadByToken(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without owner, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/uploads/"+token, nil)
	req.Header.Set(OwnerHeader, "someone-else")
	rec = httptest.NewRecorder()
	h.UploadByToken(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign owner, got %d", rec.Code)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)
	token := initUpload(t, h, 250).Token
	if rec := putChunk(h, token, 0, bytes.Repeat([]byte("z"), 100), nil); rec.Code != http.StatusOK {
		t.Fatalf("chunk: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/uploads/"+token, nil)
	req.Header.Set(OwnerHeader, owner)
	rec := httptest.NewRecorder()
	h.UploadByToken(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result upload.CancelResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != models.UploadStatusCancelled {
		t.Fatalf("unexpected cancel result %+v", result)
	}

	rec = putChunk(h, token, 1, bytes.Repeat([]byte("z"), 100), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 after cancel, got %d", rec.Code)
	}
}

func TestInitRejectsBadBodies(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader(`{"fileName":"a.txt","bogus":1}`))
	req.Header.Set(OwnerHeader, owner)
	rec := httptest.NewRecorder()
	h.Uploads(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Uploads(rec, jsonRequest(t, http.MethodPost, "/api/uploads", map[string]interface{}{
		"fileName": "a.exe", "mimeType": "application/x-msdownload", "totalFileSize": 10,
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a disallowed mime type, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Uploads(rec, httptest.NewRequest(http.MethodGet, "/api/uploads", nil))
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow header, got %d %q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestArtifactEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Artifacts(rec, jsonRequest(t, http.MethodPost, "/api/artifacts", map[string]interface{}{
		"kind": "preview", "storageKey": "previews/a.jpg", "ttlSeconds": 600,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var artifact models.TemporaryArtifact
	if err := json.NewDecoder(rec.Body).Decode(&artifact); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if artifact.OwnerID != owner || artifact.Status != models.ArtifactStatusTemporary {
		t.Fatalf("unexpected artifact %+v", artifact)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/"+artifact.ID, nil)
	req.Header.Set(OwnerHeader, "intruder")
	rec = httptest.NewRecorder()
	h.ArtifactByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign owner, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/artifacts/"+artifact.ID+"/promote", nil)
	req.Header.Set(OwnerHeader, owner)
	rec = httptest.NewRecorder()
	h.ArtifactByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.NewDecoder(rec.Body).Decode(&artifact); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if artifact.Status != models.ArtifactStatusPermanent {
		t.Fatalf("expected permanent artifact, got %s", artifact.Status)
	}

	rec = httptest.NewRecorder()
	h.Artifacts(rec, jsonRequest(t, http.MethodPost, "/api/artifacts", map[string]interface{}{
		"kind": "preview", "storageKey": "../escape.jpg",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad key, got %d", rec.Code)
	}
}

func TestArtifactsWithoutRegistry(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	h.ArtifactByID(rec, httptest.NewRequest(http.MethodGet, "/api/artifacts/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthReportsDegradedComponents(t *testing.T) {
	h := &Handler{Store: stubPinger{}, RateLimiter: stubPinger{err: errors.New("redis unreachable")}}
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" || len(payload.Components) != 2 || payload.Components[1].Error != "redis unreachable" {
		t.Fatalf("unexpected health payload %+v", payload)
	}

	h.RateLimiter = nil
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad", upload.ErrValidation), http.StatusBadRequest},
		{upload.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: dup", upload.ErrConflict), http.StatusConflict},
		{upload.ErrExpired, http.StatusGone},
		{upload.ErrChecksumMismatch, http.StatusUnprocessableEntity},
		{upload.ErrSizeMismatch, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: disk", upload.ErrStorage), http.StatusServiceUnavailable},
		{artifacts.ErrExpired, http.StatusGone},
		{RequestError{Status: http.StatusTooManyRequests, Kind: "rate_limited"}, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.status {
			t.Fatalf("errorStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}

	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: connection refused"))
	if body := decodeError(t, rec); body.Message != "internal server error" || body.Kind != upload.KindInternal {
		t.Fatalf("internal errors must not leak details, got %+v", body)
	}
}
