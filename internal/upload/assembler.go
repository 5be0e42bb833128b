package upload

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/checksum"
	"mediahub/internal/models"
	"mediahub/internal/observability/logging"
	"mediahub/internal/storage"
)

// stateWriteTimeout bounds the status write that ends an assembly. It runs
// detached from the assembly context, which may already be past its deadline.
const stateWriteTimeout = 10 * time.Second

// AssemblyResult describes the assembled artifact.
type AssemblyResult struct {
	FinalKey string `json:"finalKey"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Assembler concatenates the chunks of a completing session into the final
// artifact.
type Assembler struct {
	store    storage.SessionStore
	blobs    blobstore.Store
	settings settings
	reclaim  chunkReclaimer
}

// NewAssembler constructs an Assembler.
func NewAssembler(store storage.SessionStore, blobs blobstore.Store, opts ...Option) *Assembler {
	s := newSettings("assembler", opts)
	return &Assembler{
		store:    store,
		blobs:    blobs,
		settings: s,
		reclaim:  chunkReclaimer{store: store, blobs: blobs, limit: s.deleteLimit, logger: s.logger},
	}
}

// Assemble builds the final artifact of a session in the completing state.
// Verification failures move the session to failed and keep its chunks;
// success moves it to completed and reclaims the chunks.
func (a *Assembler) Assemble(ctx context.Context, sessionID string) (AssemblyResult, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return AssemblyResult{}, ErrNotFound
		}
		return AssemblyResult{}, storageError("load session", err)
	}
	logger := logging.WithContext(ctx, a.settings.logger).With("upload_id", session.ID)
	if session.Status == models.UploadStatusCompleted {
		return resultOf(session), nil
	}
	if session.Status != models.UploadStatusCompleting {
		return AssemblyResult{}, conflictError("session is %s, not completing", session.Status)
	}

	start := time.Now()
	a.settings.metrics.AssemblyStarted()
	result, err := a.assemble(ctx, session, logger)
	if err != nil {
		a.settings.metrics.AssemblyFinished(Kind(err), time.Since(start))
		return AssemblyResult{}, a.fail(ctx, session, err, logger)
	}

	completedAt := a.settings.clock()
	writeCtx, cancel := detached(ctx)
	defer cancel()
	updated, swapped, err := a.store.TransitionStatus(writeCtx, session.ID,
		[]models.UploadStatus{models.UploadStatusCompleting},
		models.UploadStatusCompleted,
		storage.StatusUpdate{
			At:          completedAt,
			FinalKey:    result.FinalKey,
			FinalURL:    result.URL,
			FinalSize:   result.Size,
			CompletedAt: &completedAt,
		},
	)
	if err != nil {
		a.settings.metrics.AssemblyFinished(KindStorage, time.Since(start))
		a.discardFinal(ctx, result.FinalKey, logger)
		return AssemblyResult{}, a.fail(ctx, session, storageError("complete session", err), logger)
	}
	if !swapped {
		// Another assembler finished first. Keep its artifact, drop ours.
		a.discardFinal(ctx, result.FinalKey, logger)
		a.settings.metrics.AssemblyFinished(KindConflict, time.Since(start))
		if updated.Status == models.UploadStatusCompleted {
			return resultOf(updated), nil
		}
		return AssemblyResult{}, conflictError("session became %s during assembly", updated.Status)
	}

	a.settings.metrics.AssemblyFinished("completed", time.Since(start))
	a.settings.metrics.ObserveSessionTransition(string(models.UploadStatusCompleted))
	if err := a.reclaim.purge(context.WithoutCancel(ctx), session.ID); err != nil {
		logger.Warn("failed to reclaim assembled chunks", "error", err)
	}
	logger.Info("upload assembled",
		"final_key", result.FinalKey,
		"size", result.Size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (a *Assembler) assemble(ctx context.Context, session models.UploadSession, logger *slog.Logger) (AssemblyResult, error) {
	chunks, err := a.store.ListChunks(ctx, session.ID)
	if err != nil {
		return AssemblyResult{}, storageError("list chunks", err)
	}
	if err := verifyChunkSet(session, chunks); err != nil {
		return AssemblyResult{}, err
	}

	var whole hash.Hash
	var expected checksum.Digest
	if session.Checksum != "" {
		expected, err = checksum.Parse(session.Checksum, "")
		if err != nil {
			return AssemblyResult{}, validationError("stored file checksum: %v", err)
		}
		whole, _ = checksum.New(expected.Algorithm)
	}

	key := finalKey(session.MediaType, session.FileName, a.settings.idFactory(), a.settings.clock())
	reader, writer := io.Pipe()
	streamed := make(chan streamOutcome, 1)
	go func() {
		n, err := a.streamChunks(ctx, chunks, writer, whole)
		writer.CloseWithError(err)
		streamed <- streamOutcome{written: n, err: err}
	}()

	object, writeErr := a.blobs.WriteFinal(ctx, key, reader, session.MimeType)
	// Unblock the producer if the blob store stopped reading early.
	reader.CloseWithError(errFinalWriteStopped)
	outcome := <-streamed

	if outcome.err != nil {
		a.discardFinal(ctx, key, logger)
		return AssemblyResult{}, outcome.err
	}
	if writeErr != nil {
		a.discardFinal(ctx, key, logger)
		return AssemblyResult{}, storageError("write final artifact", writeErr)
	}
	if outcome.written != session.TotalFileSize || object.Size != session.TotalFileSize {
		a.discardFinal(ctx, key, logger)
		return AssemblyResult{}, sizeMismatchError("assembled %d bytes, expected %d", outcome.written, session.TotalFileSize)
	}
	if whole != nil {
		actual := checksum.FromHash(expected.Algorithm, whole)
		if !actual.Equal(expected) {
			a.discardFinal(ctx, key, logger)
			return AssemblyResult{}, fmt.Errorf("%w: file digest %s does not match %s", ErrChecksumMismatch, actual, expected)
		}
	}
	return AssemblyResult{FinalKey: object.Key, URL: object.URL, Size: object.Size}, nil
}

type streamOutcome struct {
	written int64
	err     error
}

var errFinalWriteStopped = errors.New("final artifact writer stopped reading")

// streamChunks copies every chunk blob to w in order, re-verifying each
// chunk's size and digest against its record.
func (a *Assembler) streamChunks(ctx context.Context, chunks []models.UploadChunk, w io.Writer, whole hash.Hash) (int64, error) {
	var total int64
	for _, chunk := range chunks {
		recorded, err := checksum.Parse(chunk.Checksum, a.settings.limits.ChecksumAlgorithm)
		if err != nil || recorded.IsZero() {
			return total, fmt.Errorf("%w: chunk %d has no usable checksum", ErrChecksumMismatch, chunk.ChunkNumber)
		}
		h, err := checksum.New(recorded.Algorithm)
		if err != nil {
			return total, fmt.Errorf("%w: chunk %d: %v", ErrChecksumMismatch, chunk.ChunkNumber, err)
		}
		n, err := a.copyChunk(ctx, chunk, w, h, whole)
		total += n
		if err != nil {
			return total, err
		}
		if n != chunk.Size {
			return total, sizeMismatchError("chunk %d has %d bytes, recorded %d", chunk.ChunkNumber, n, chunk.Size)
		}
		if observed := checksum.FromHash(recorded.Algorithm, h); !observed.Equal(recorded) {
			return total, fmt.Errorf("%w: chunk %d content changed since upload", ErrChecksumMismatch, chunk.ChunkNumber)
		}
	}
	return total, nil
}

func (a *Assembler) copyChunk(ctx context.Context, chunk models.UploadChunk, w io.Writer, h, whole hash.Hash) (int64, error) {
	rc, err := a.blobs.ReadStream(ctx, chunk.StorageRef)
	if err != nil {
		return 0, storageError(fmt.Sprintf("open chunk %d", chunk.ChunkNumber), err)
	}
	defer rc.Close()

	writers := []io.Writer{w, h}
	if whole != nil {
		writers = append(writers, whole)
	}
	// Read one byte past the recorded size so a grown blob is detected.
	n, err := io.Copy(io.MultiWriter(writers...), io.LimitReader(rc, chunk.Size+1))
	if err != nil {
		return n, storageError(fmt.Sprintf("stream chunk %d", chunk.ChunkNumber), err)
	}
	return n, nil
}

// fail records the failure on the session. The returned error is the
// assembly error.
func (a *Assembler) fail(ctx context.Context, session models.UploadSession, cause error, logger *slog.Logger) error {
	writeCtx, cancel := detached(ctx)
	defer cancel()
	_, swapped, err := a.store.TransitionStatus(writeCtx, session.ID,
		[]models.UploadStatus{models.UploadStatusCompleting},
		models.UploadStatusFailed,
		storage.StatusUpdate{At: a.settings.clock(), FailureReason: Kind(cause)},
	)
	if err != nil {
		logger.Error("failed to mark upload as failed", "error", err, "cause", cause)
		return cause
	}
	if swapped {
		a.settings.metrics.ObserveSessionTransition(string(models.UploadStatusFailed))
	}
	logger.Error("upload assembly failed", "reason", Kind(cause), "error", cause)
	return cause
}

func (a *Assembler) discardFinal(ctx context.Context, key string, logger *slog.Logger) {
	if err := a.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("failed to delete partial artifact", "final_key", key, "error", err)
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
}

// verifyChunkSet requires chunk numbers to be exactly 0..TotalChunks-1.
func verifyChunkSet(session models.UploadSession, chunks []models.UploadChunk) error {
	if len(chunks) != session.TotalChunks {
		return conflictError("session has %d of %d chunks", len(chunks), session.TotalChunks)
	}
	for i, chunk := range chunks {
		if chunk.ChunkNumber != i {
			return conflictError("chunk %d missing from assembly set", i)
		}
	}
	return nil
}

func resultOf(session models.UploadSession) AssemblyResult {
	return AssemblyResult{FinalKey: session.FinalKey, URL: session.FinalURL, Size: session.FinalSize}
}
