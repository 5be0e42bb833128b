package artifacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/expiry"
	"mediahub/internal/models"
	"mediahub/internal/storage"
)

const defaultBatchSize = 500

// ExpiredArtifacts reclaims temporary artifacts whose deadline has passed.
type ExpiredArtifacts struct {
	store     storage.ArtifactStore
	blobs     blobstore.Store
	batchSize int
}

// NewExpiredArtifacts constructs the source.
func NewExpiredArtifacts(store storage.ArtifactStore, blobs blobstore.Store, batchSize int) *ExpiredArtifacts {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ExpiredArtifacts{store: store, blobs: blobs, batchSize: batchSize}
}

func (s *ExpiredArtifacts) Kind() string { return "temporary_artifact" }

func (s *ExpiredArtifacts) Describe(artifact models.TemporaryArtifact) string { return artifact.ID }

func (s *ExpiredArtifacts) Candidates(ctx context.Context, now time.Time) ([]models.TemporaryArtifact, error) {
	return s.store.ListExpiredArtifacts(ctx, now, s.batchSize)
}

// Reclaim marks the artifact expired and then deletes its blob, so a
// concurrent Promote either wins and keeps the blob or loses and sees
// ErrExpired.
func (s *ExpiredArtifacts) Reclaim(ctx context.Context, listed models.TemporaryArtifact, now time.Time) error {
	artifact, err := s.store.GetArtifact(ctx, listed.ID)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return expiry.ErrSkip
		}
		return fmt.Errorf("load artifact: %w", err)
	}
	if artifact.Status != models.ArtifactStatusTemporary || !artifact.ExpiresAt.Before(now) {
		return expiry.ErrSkip
	}
	_, swapped, err := s.store.TransitionArtifact(ctx, artifact.ID, models.ArtifactStatusTemporary, models.ArtifactStatusExpired)
	if err != nil {
		return fmt.Errorf("expire artifact: %w", err)
	}
	if !swapped {
		return expiry.ErrSkip
	}
	if err := s.blobs.Delete(ctx, artifact.StorageKey); err != nil {
		return fmt.Errorf("delete artifact blob %s: %w", artifact.StorageKey, err)
	}
	return nil
}

var _ expiry.Source[models.TemporaryArtifact] = (*ExpiredArtifacts)(nil)
