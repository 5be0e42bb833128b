package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"mediahub/internal/blobstore"
	"mediahub/internal/models"
	"mediahub/internal/storage"
)

// chunkReclaimer deletes the chunk blobs and chunk records of a session.
type chunkReclaimer struct {
	store  storage.SessionStore
	blobs  blobstore.Store
	limit  int
	logger *slog.Logger
}

// purge removes every chunk blob of the session and then its chunk records.
// Records are kept when any blob delete fails so a later pass can retry.
func (r chunkReclaimer) purge(ctx context.Context, sessionID string) error {
	chunks, err := r.store.ListChunks(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil
		}
		return storageError("list chunks", err)
	}
	if err := r.deleteBlobs(ctx, sessionID, chunks); err != nil {
		return err
	}
	if err := r.store.DeleteChunks(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return storageError("delete chunk records", err)
	}
	return nil
}

func (r chunkReclaimer) deleteBlobs(ctx context.Context, sessionID string, chunks []models.UploadChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	limit := r.limit
	if limit <= 0 {
		limit = 1
	}
	group.SetLimit(limit)
	for _, chunk := range chunks {
		group.Go(func() error {
			if err := r.blobs.Delete(groupCtx, chunk.StorageRef); err != nil {
				return fmt.Errorf("delete chunk %d blob: %w", chunk.ChunkNumber, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if r.logger != nil {
			r.logger.Warn("chunk blob cleanup incomplete", "upload_id", sessionID, "error", err)
		}
		return storageError("delete chunk blobs", err)
	}
	return nil
}
