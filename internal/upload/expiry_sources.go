package upload

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/expiry"
	"mediahub/internal/models"
	"mediahub/internal/storage"
)

const (
	defaultSweepBatch      = 500
	defaultFailedRetention = 7 * 24 * time.Hour
	defaultRecordRetention = 30 * 24 * time.Hour
)

// SweepConfig is shared by the session expiry sources.
type SweepConfig struct {
	Store     storage.SessionStore
	Blobs     blobstore.Store
	Logger    *slog.Logger
	BatchSize int
	// Retention is how long a terminal session keeps its data. Ignored by
	// ExpiredSessions.
	Retention     time.Duration
	DeleteWorkers int
}

func (c SweepConfig) batch() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultSweepBatch
}

func (c SweepConfig) reclaimer() chunkReclaimer {
	limit := c.DeleteWorkers
	if limit <= 0 {
		limit = 8
	}
	return chunkReclaimer{store: c.Store, blobs: c.Blobs, limit: limit, logger: c.Logger}
}

// reload re-reads a listed session. A session deleted since listing is
// skipped.
func reload(ctx context.Context, store storage.SessionStore, id string) (models.UploadSession, error) {
	session, err := store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return models.UploadSession{}, expiry.ErrSkip
		}
		return models.UploadSession{}, err
	}
	return session, nil
}

// ExpiredSessions expires initiated or uploading sessions past their deadline
// and deletes their chunks.
type ExpiredSessions struct {
	cfg SweepConfig
}

// NewExpiredSessions constructs the source.
func NewExpiredSessions(cfg SweepConfig) *ExpiredSessions {
	return &ExpiredSessions{cfg: cfg}
}

func (s *ExpiredSessions) Kind() string { return "upload_session" }

func (s *ExpiredSessions) Describe(session models.UploadSession) string { return session.ID }

func (s *ExpiredSessions) Candidates(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	return s.cfg.Store.ListSessions(ctx, storage.SessionFilter{
		Statuses:      []models.UploadStatus{models.UploadStatusInitiated, models.UploadStatusUploading},
		ExpiresBefore: now,
		Limit:         s.cfg.batch(),
	})
}

func (s *ExpiredSessions) Reclaim(ctx context.Context, listed models.UploadSession, now time.Time) error {
	session, err := reload(ctx, s.cfg.Store, listed.ID)
	if err != nil {
		return err
	}
	if !session.Status.Active() || !session.Expired(now) {
		return expiry.ErrSkip
	}
	_, swapped, err := s.cfg.Store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusInitiated, models.UploadStatusUploading},
		models.UploadStatusExpired,
		storage.StatusUpdate{At: now.UTC().Truncate(time.Microsecond)},
	)
	if err != nil {
		return storageError("expire session", err)
	}
	if !swapped {
		return expiry.ErrSkip
	}
	return s.cfg.reclaimer().purge(ctx, session.ID)
}

// FailedChunkRetention deletes the chunk data of sessions that failed longer
// than the retention ago. The sessions stay failed.
type FailedChunkRetention struct {
	cfg SweepConfig
}

// NewFailedChunkRetention constructs the source. A zero retention defaults to
// seven days.
func NewFailedChunkRetention(cfg SweepConfig) *FailedChunkRetention {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultFailedRetention
	}
	return &FailedChunkRetention{cfg: cfg}
}

func (s *FailedChunkRetention) Kind() string { return "failed_upload_chunks" }

func (s *FailedChunkRetention) Describe(session models.UploadSession) string { return session.ID }

func (s *FailedChunkRetention) Candidates(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	return s.cfg.Store.ListSessions(ctx, storage.SessionFilter{
		Statuses:      []models.UploadStatus{models.UploadStatusFailed},
		UpdatedBefore: now.Add(-s.cfg.Retention),
		Limit:         s.cfg.batch(),
	})
}

func (s *FailedChunkRetention) Reclaim(ctx context.Context, listed models.UploadSession, _ time.Time) error {
	session, err := reload(ctx, s.cfg.Store, listed.ID)
	if err != nil {
		return err
	}
	if session.Status != models.UploadStatusFailed {
		return expiry.ErrSkip
	}
	count, err := s.cfg.Store.CountChunks(ctx, session.ID)
	if err != nil {
		return storageError("count chunks", err)
	}
	if count == 0 {
		return expiry.ErrSkip
	}
	return s.cfg.reclaimer().purge(ctx, session.ID)
}

// LeftoverChunks retries chunk cleanup for completed, cancelled and expired
// sessions whose first cleanup failed, so the data goes on the next sweep instead of
// waiting for SessionRecordRetention.
type LeftoverChunks struct {
	cfg SweepConfig
}

var leftoverStatuses = []models.UploadStatus{
	models.UploadStatusCompleted,
	models.UploadStatusCancelled,
	models.UploadStatusExpired,
}

// NewLeftoverChunks constructs the source.
func NewLeftoverChunks(cfg SweepConfig) *LeftoverChunks {
	return &LeftoverChunks{cfg: cfg}
}

func (s *LeftoverChunks) Kind() string { return "leftover_upload_chunks" }

func (s *LeftoverChunks) Describe(session models.UploadSession) string { return session.ID }

func (s *LeftoverChunks) Candidates(ctx context.Context, _ time.Time) ([]models.UploadSession, error) {
	return s.cfg.Store.ListSessions(ctx, storage.SessionFilter{
		Statuses:  leftoverStatuses,
		HasChunks: true,
		Limit:     s.cfg.batch(),
	})
}

func (s *LeftoverChunks) Reclaim(ctx context.Context, listed models.UploadSession, _ time.Time) error {
	session, err := reload(ctx, s.cfg.Store, listed.ID)
	if err != nil {
		return err
	}
	if !slices.Contains(leftoverStatuses, session.Status) {
		return expiry.ErrSkip
	}
	return s.cfg.reclaimer().purge(ctx, session.ID)
}

// SessionRecordRetention deletes cancelled and expired session records once
// the retention has passed, together with any chunk data a previous cleanup
// left behind.
type SessionRecordRetention struct {
	cfg SweepConfig
}

// NewSessionRecordRetention constructs the source. A zero retention defaults
// to thirty days.
func NewSessionRecordRetention(cfg SweepConfig) *SessionRecordRetention {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRecordRetention
	}
	return &SessionRecordRetention{cfg: cfg}
}

func (s *SessionRecordRetention) Kind() string { return "upload_session_record" }

func (s *SessionRecordRetention) Describe(session models.UploadSession) string { return session.ID }

func (s *SessionRecordRetention) Candidates(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	return s.cfg.Store.ListSessions(ctx, storage.SessionFilter{
		Statuses:      []models.UploadStatus{models.UploadStatusCancelled, models.UploadStatusExpired},
		UpdatedBefore: now.Add(-s.cfg.Retention),
		Limit:         s.cfg.batch(),
	})
}

func (s *SessionRecordRetention) Reclaim(ctx context.Context, listed models.UploadSession, _ time.Time) error {
	session, err := reload(ctx, s.cfg.Store, listed.ID)
	if err != nil {
		return err
	}
	if session.Status != models.UploadStatusCancelled && session.Status != models.UploadStatusExpired {
		return expiry.ErrSkip
	}
	if err := s.cfg.reclaimer().purge(ctx, session.ID); err != nil {
		return err
	}
	if err := s.cfg.Store.DeleteSession(ctx, session.ID); err != nil {
		return storageError("delete session", err)
	}
	return nil
}

var (
	_ expiry.Source[models.UploadSession] = (*ExpiredSessions)(nil)
	_ expiry.Source[models.UploadSession] = (*FailedChunkRetention)(nil)
	_ expiry.Source[models.UploadSession] = (*LeftoverChunks)(nil)
	_ expiry.Source[models.UploadSession] = (*SessionRecordRetention)(nil)
)
