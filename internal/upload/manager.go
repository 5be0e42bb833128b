package upload

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/checksum"
	"mediahub/internal/models"
	"mediahub/internal/observability/logging"
	"mediahub/internal/storage"
)

const tokenAttempts = 3

// InitRequest describes a file the client intends to upload.
type InitRequest struct {
	FileName      string `json:"fileName"`
	MimeType      string `json:"mimeType"`
	MediaType     string `json:"mediaType,omitempty"`
	TotalFileSize int64  `json:"totalFileSize"`
	ChunkSize     int64  `json:"chunkSize,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
}

// InitResult is returned to the client after a session is created.
type InitResult struct {
	Token       string    `json:"token"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	MediaType   string    `json:"mediaType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ChunkInfo summarises one accepted chunk.
type ChunkInfo struct {
	ChunkNumber int       `json:"chunkNumber"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// StatusResult reports the progress of a session.
type StatusResult struct {
	Token           string              `json:"token"`
	Status          models.UploadStatus `json:"status"`
	FileName        string              `json:"fileName"`
	TotalFileSize   int64               `json:"totalFileSize"`
	UploadedChunks  int                 `json:"uploadedChunks"`
	TotalChunks     int                 `json:"totalChunks"`
	ProgressPercent int                 `json:"progressPercent"`
	Chunks          []ChunkInfo         `json:"chunks"`
	ExpiresAt       time.Time           `json:"expiresAt"`
	FailureReason   string              `json:"failureReason,omitempty"`
	Result          *AssemblyResult     `json:"result,omitempty"`
}

// ResumeResult adds the chunk numbers still to be sent.
type ResumeResult struct {
	StatusResult
	ChunkSize     int64 `json:"chunkSize"`
	MissingChunks []int `json:"missingChunks"`
}

// CancelResult confirms a cancellation.
type CancelResult struct {
	Token  string              `json:"token"`
	Status models.UploadStatus `json:"status"`
}

// Manager creates sessions and answers status, resume and cancel requests.
type Manager struct {
	store    storage.SessionStore
	settings settings
	reclaim  chunkReclaimer
}

// NewManager constructs a Manager over the provided stores.
func NewManager(store storage.SessionStore, blobs blobstore.Store, opts ...Option) *Manager {
	s := newSettings("uploads", opts)
	return &Manager{
		store:    store,
		settings: s,
		reclaim:  chunkReclaimer{store: store, blobs: blobs, limit: s.deleteLimit, logger: s.logger},
	}
}

// Limits returns the effective validation limits.
func (m *Manager) Limits() Limits {
	return m.settings.limits
}

// Init validates the request and persists a new session in the initiated
// state.
func (m *Manager) Init(ctx context.Context, req InitRequest, ownerID string) (InitResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return InitResult{}, validationError("owner id is required")
	}
	limits := m.settings.limits

	fileName, err := normalizeFileName(req.FileName)
	if err != nil {
		return InitResult{}, err
	}
	mimeType, err := normalizeMimeType(req.MimeType)
	if err != nil {
		return InitResult{}, err
	}
	mediaType, policy, err := limits.resolveMediaType(req.MediaType, mimeType)
	if err != nil {
		return InitResult{}, err
	}
	if !policy.allows(mimeType) {
		return InitResult{}, validationError("mime type %q is not accepted for %s uploads", mimeType, mediaType)
	}
	maxSize := limits.maxFileSize(policy)
	if req.TotalFileSize <= 0 {
		return InitResult{}, validationError("total file size must be positive")
	}
	if req.TotalFileSize > maxSize {
		return InitResult{}, validationError("total file size %d exceeds the %s limit of %d bytes", req.TotalFileSize, mediaType, maxSize)
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = limits.DefaultChunkSize
	}
	if chunkSize < limits.MinChunkSize || chunkSize > limits.MaxChunkSize {
		return InitResult{}, validationError("chunk size must be between %d and %d bytes", limits.MinChunkSize, limits.MaxChunkSize)
	}
	digest, err := checksum.Parse(req.Checksum, limits.ChecksumAlgorithm)
	if err != nil {
		return InitResult{}, validationError("file checksum: %v", err)
	}

	now := m.settings.clock()
	session := models.UploadSession{
		ID:            m.settings.idFactory(),
		OwnerID:       ownerID,
		FileName:      fileName,
		MimeType:      mimeType,
		MediaType:     mediaType,
		TotalFileSize: req.TotalFileSize,
		TotalChunks:   models.ChunkCount(req.TotalFileSize, chunkSize),
		ChunkSize:     chunkSize,
		Status:        models.UploadStatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(limits.SessionTTL),
	}
	if !digest.IsZero() {
		session.Checksum = digest.String()
	}

	for attempt := 1; ; attempt++ {
		token, err := m.settings.tokenFactory(m.settings.tokenLength)
		if err != nil {
			return InitResult{}, storageError("generate upload token", err)
		}
		session.Token = token
		err = m.store.CreateSession(ctx, session)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrSessionExists) && attempt < tokenAttempts {
			continue
		}
		return InitResult{}, storageError("create session", err)
	}

	m.settings.metrics.ObserveSessionTransition(string(models.UploadStatusInitiated))
	m.logger(ctx).Info("upload session created",
		"upload_id", session.ID,
		"owner_id", ownerID,
		"media_type", mediaType,
		"total_file_size", session.TotalFileSize,
		"total_chunks", session.TotalChunks,
	)
	return InitResult{
		Token:       session.Token,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
		MediaType:   session.MediaType,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// Status reports the session progress.
func (m *Manager) Status(ctx context.Context, token, ownerID string) (StatusResult, error) {
	session, err := lookupSession(ctx, m.store, token, ownerID)
	if err != nil {
		return StatusResult{}, err
	}
	status, _, err := m.status(ctx, session)
	return status, err
}

// Resume reports the status together with the missing chunk numbers. It
// never modifies the session.
func (m *Manager) Resume(ctx context.Context, token, ownerID string) (ResumeResult, error) {
	session, err := lookupSession(ctx, m.store, token, ownerID)
	if err != nil {
		return ResumeResult{}, err
	}
	status, uploaded, err := m.status(ctx, session)
	if err != nil {
		return ResumeResult{}, err
	}
	missing := []int{}
	if session.Status != models.UploadStatusCompleted {
		missing = missingChunks(session.TotalChunks, uploaded)
	}
	return ResumeResult{StatusResult: status, ChunkSize: session.ChunkSize, MissingChunks: missing}, nil
}

// Cancel moves an initiated or uploading session to cancelled and reclaims
// its chunks.
func (m *Manager) Cancel(ctx context.Context, token, ownerID string) (CancelResult, error) {
	session, err := lookupSession(ctx, m.store, token, ownerID)
	if err != nil {
		return CancelResult{}, err
	}
	if !session.Status.Active() {
		return CancelResult{}, conflictError("session is %s", session.Status)
	}
	updated, swapped, err := m.store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusInitiated, models.UploadStatusUploading},
		models.UploadStatusCancelled,
		storage.StatusUpdate{At: m.settings.clock()},
	)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return CancelResult{}, ErrNotFound
		}
		return CancelResult{}, storageError("cancel session", err)
	}
	if !swapped {
		return CancelResult{}, conflictError("session is %s", updated.Status)
	}
	m.settings.metrics.ObserveSessionTransition(string(models.UploadStatusCancelled))

	logger := m.logger(ctx).With("upload_id", session.ID)
	if err := m.reclaim.purge(ctx, session.ID); err != nil {
		// The session stays cancelled. The leftover chunk sweep retries.
		logger.Warn("failed to reclaim cancelled upload chunks", "error", err)
	}
	logger.Info("upload session cancelled")
	return CancelResult{Token: updated.Token, Status: updated.Status}, nil
}

// status builds the progress report and also returns the uploaded chunk
// numbers in ascending order.
func (m *Manager) status(ctx context.Context, session models.UploadSession) (StatusResult, []int, error) {
	result := StatusResult{
		Token:         session.Token,
		Status:        session.Status,
		FileName:      session.FileName,
		TotalFileSize: session.TotalFileSize,
		TotalChunks:   session.TotalChunks,
		Chunks:        []ChunkInfo{},
		ExpiresAt:     session.ExpiresAt,
		FailureReason: session.FailureReason,
	}
	if session.Status == models.UploadStatusCompleted {
		result.UploadedChunks = session.TotalChunks
		result.ProgressPercent = 100
		result.Result = &AssemblyResult{FinalKey: session.FinalKey, URL: session.FinalURL, Size: session.FinalSize}
		return result, nil, nil
	}

	chunks, err := m.store.ListChunks(ctx, session.ID)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return StatusResult{}, nil, storageError("list chunks", err)
	}
	uploaded := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		uploaded = append(uploaded, chunk.ChunkNumber)
		result.Chunks = append(result.Chunks, ChunkInfo{
			ChunkNumber: chunk.ChunkNumber,
			Size:        chunk.Size,
			Checksum:    chunk.Checksum,
			ReceivedAt:  chunk.ReceivedAt,
		})
	}
	result.UploadedChunks = len(uploaded)
	result.ProgressPercent = progressPercent(len(uploaded), session.TotalChunks)
	return result, uploaded, nil
}

func (m *Manager) logger(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, m.settings.logger)
}

// lookupSession resolves a token for its owner. Sessions owned by someone else
// are reported as missing.
func lookupSession(ctx context.Context, store storage.SessionStore, token, ownerID string) (models.UploadSession, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.UploadSession{}, ErrNotFound
	}
	session, err := store.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, storageError("load session", err)
	}
	if session.OwnerID != strings.TrimSpace(ownerID) {
		return models.UploadSession{}, ErrNotFound
	}
	return session, nil
}

func progressPercent(uploaded, total int) int {
	if total <= 0 {
		return 0
	}
	return uploaded * 100 / total
}

// missingChunks returns {0..total-1} minus the sorted uploaded numbers.
func missingChunks(total int, uploaded []int) []int {
	missing := make([]int, 0, max(total-len(uploaded), 0))
	next := 0
	for n := 0; n < total; n++ {
		for next < len(uploaded) && uploaded[next] < n {
			next++
		}
		if next < len(uploaded) && uploaded[next] == n {
			continue
		}
		missing = append(missing, n)
	}
	return missing
}
