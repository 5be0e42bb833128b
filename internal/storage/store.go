package storage

import (
	"context"
	"errors"
	"time"

	"mediahub/internal/models"
)

var (
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionExists    = errors.New("upload session already exists")
	ErrChunkNotFound    = errors.New("upload chunk not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactExists   = errors.New("artifact already exists")
)

// SessionStore persists upload sessions and their chunk records. Every
// implementation provides an atomic conditional status transition and a
// uniqueness guarantee on (session, chunk number); the upload pipeline relies
// on both instead of process local locks.
type SessionStore interface {
	CreateSession(ctx context.Context, session models.UploadSession) error
	GetSession(ctx context.Context, id string) (models.UploadSession, error)
	GetSessionByToken(ctx context.Context, token string) (models.UploadSession, error)
	// TransitionStatus moves the session to `to` only when its current status
	// is one of `from`. It reports whether the swap happened and returns the
	// session as stored after the call.
	TransitionStatus(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, update StatusUpdate) (models.UploadSession, bool, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error)
	// DeleteSession removes the session and any chunk records it still owns.
	// Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// CreateChunkIfAbsent inserts the chunk unless a record for the same
	// session and chunk number exists. The boolean reports whether this call
	// created it.
	CreateChunkIfAbsent(ctx context.Context, chunk models.UploadChunk) (bool, error)
	GetChunk(ctx context.Context, sessionID string, chunkNumber int) (models.UploadChunk, error)
	// ListChunks returns chunk records ordered by ascending chunk number.
	ListChunks(ctx context.Context, sessionID string) ([]models.UploadChunk, error)
	CountChunks(ctx context.Context, sessionID string) (int, error)
	DeleteChunk(ctx context.Context, sessionID string, chunkNumber int) error
	DeleteChunks(ctx context.Context, sessionID string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ArtifactStore persists temporary derived artifacts.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact models.TemporaryArtifact) error
	GetArtifact(ctx context.Context, id string) (models.TemporaryArtifact, error)
	// ListExpiredArtifacts returns temporary artifacts whose deadline is before
	// now, oldest deadline first.
	ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]models.TemporaryArtifact, error)
	TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus) (models.TemporaryArtifact, bool, error)
}

// Store is implemented by every backend.
type Store interface {
	SessionStore
	ArtifactStore
}

// StatusUpdate carries the fields written alongside a status transition. Zero
// values leave the stored field untouched.
type StatusUpdate struct {
	At            time.Time
	FailureReason string
	FinalKey      string
	FinalURL      string
	FinalSize     int64
	CompletedAt   *time.Time
}

func (u StatusUpdate) apply(session *models.UploadSession, to models.UploadStatus) {
	session.Status = to
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	session.UpdatedAt = at
	if u.FailureReason != "" {
		session.FailureReason = u.FailureReason
	}
	if u.FinalKey != "" {
		session.FinalKey = u.FinalKey
	}
	if u.FinalURL != "" {
		session.FinalURL = u.FinalURL
	}
	if u.FinalSize > 0 {
		session.FinalSize = u.FinalSize
	}
	if u.CompletedAt != nil {
		completed := u.CompletedAt.UTC()
		session.CompletedAt = &completed
	}
}

// SessionFilter narrows ListSessions. Empty fields do not filter. Results are
// ordered by ExpiresAt then ID.
type SessionFilter struct {
	Statuses      []models.UploadStatus
	ExpiresBefore time.Time
	UpdatedBefore time.Time
	// HasChunks keeps only sessions with at least one chunk record.
	HasChunks bool
	Limit     int
}

func (f SessionFilter) matches(session models.UploadSession) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, session.Status) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !session.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !session.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func containsStatus(statuses []models.UploadStatus, status models.UploadStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func statusStrings(statuses []models.UploadStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}
