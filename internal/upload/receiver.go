package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/checksum"
	"mediahub/internal/models"
	"mediahub/internal/observability/logging"
	"mediahub/internal/storage"
)

// ChunkRequest carries one chunk delivery.
type ChunkRequest struct {
	Token       string
	OwnerID     string
	ChunkNumber int
	// TotalChunks and TotalFileSize are the client's view of the session.
	// When positive they must match the stored session.
	TotalChunks   int
	TotalFileSize int64
	// DeclaredSize is the announced payload length, or a negative value when
	// the transport did not announce one.
	DeclaredSize int64
	// Checksum is an optional "algo:hex" or bare hex digest of the payload.
	Checksum string
	Payload  io.Reader
}

// ChunkReceipt acknowledges an accepted chunk.
type ChunkReceipt struct {
	ChunkNumber    int                 `json:"chunkNumber"`
	UploadedChunks int                 `json:"uploadedChunks"`
	TotalChunks    int                 `json:"totalChunks"`
	Status         models.UploadStatus `json:"status"`
	Result         *AssemblyResult     `json:"result,omitempty"`
}

// Assembly runs the assembly of a session that has all its chunks.
type Assembly interface {
	Run(ctx context.Context, sessionID string) (AssemblyResult, error)
}

// Receiver validates and persists chunks and triggers assembly once the last
// chunk arrives.
type Receiver struct {
	store    storage.SessionStore
	blobs    blobstore.Store
	assembly Assembly
	settings settings
}

// NewReceiver constructs a Receiver. assembly is usually an *AssemblyPool.
func NewReceiver(store storage.SessionStore, blobs blobstore.Store, assembly Assembly, opts ...Option) *Receiver {
	return &Receiver{
		store:    store,
		blobs:    blobs,
		assembly: assembly,
		settings: newSettings("chunks", opts),
	}
}

// AcceptChunk stores one chunk. The caller that completes the chunk set waits
// for the assembly and receives its result.
func (r *Receiver) AcceptChunk(ctx context.Context, req ChunkRequest) (ChunkReceipt, error) {
	receipt, size, err := r.accept(ctx, req)
	outcome := "accepted"
	if err != nil {
		outcome = Kind(err)
	}
	r.settings.metrics.ObserveChunk(outcome, size)
	return receipt, err
}

func (r *Receiver) accept(ctx context.Context, req ChunkRequest) (ChunkReceipt, int64, error) {
	session, err := lookupSession(ctx, r.store, req.Token, req.OwnerID)
	if err != nil {
		return ChunkReceipt{}, 0, err
	}
	logger := logging.WithContext(ctx, r.settings.logger).With("upload_id", session.ID, "chunk_number", req.ChunkNumber)
	if err := r.checkAccepting(session); err != nil {
		return ChunkReceipt{}, 0, err
	}
	if req.TotalChunks > 0 && req.TotalChunks != session.TotalChunks {
		return ChunkReceipt{}, 0, validationError("total chunks %d does not match session total %d", req.TotalChunks, session.TotalChunks)
	}
	if req.TotalFileSize > 0 && req.TotalFileSize != session.TotalFileSize {
		return ChunkReceipt{}, 0, validationError("total file size %d does not match session size %d", req.TotalFileSize, session.TotalFileSize)
	}
	if req.ChunkNumber < 0 || req.ChunkNumber >= session.TotalChunks {
		return ChunkReceipt{}, 0, validationError("chunk number %d outside [0, %d)", req.ChunkNumber, session.TotalChunks)
	}
	expected := session.ExpectedChunkSize(req.ChunkNumber)
	if req.DeclaredSize >= 0 && req.DeclaredSize != expected {
		return ChunkReceipt{}, 0, sizeMismatchError("chunk %d declared %d bytes, expected %d", req.ChunkNumber, req.DeclaredSize, expected)
	}
	if _, err := r.store.GetChunk(ctx, session.ID, req.ChunkNumber); err == nil {
		return ChunkReceipt{}, 0, conflictError("chunk %d already uploaded", req.ChunkNumber)
	} else if !errors.Is(err, storage.ErrChunkNotFound) {
		return ChunkReceipt{}, 0, storageError("look up chunk", err)
	}

	supplied, err := checksum.Parse(req.Checksum, r.settings.limits.ChecksumAlgorithm)
	if err != nil {
		return ChunkReceipt{}, 0, validationError("chunk checksum: %v", err)
	}
	data, err := readPayload(req.Payload, expected)
	if err != nil {
		return ChunkReceipt{}, 0, err
	}
	algorithm := r.settings.limits.ChecksumAlgorithm
	if !supplied.IsZero() {
		algorithm = supplied.Algorithm
	}
	observed, err := checksum.Sum(algorithm, data)
	if err != nil {
		return ChunkReceipt{}, 0, validationError("chunk checksum: %v", err)
	}
	if !supplied.IsZero() && !observed.Equal(supplied) {
		return ChunkReceipt{}, 0, fmt.Errorf("%w: chunk %d digest %s does not match %s", ErrChecksumMismatch, req.ChunkNumber, observed, supplied)
	}

	key := chunkKey(session.Token, req.ChunkNumber, randomNonce())
	if err := r.blobs.Write(ctx, key, data); err != nil {
		return ChunkReceipt{}, 0, storageError("write chunk blob", err)
	}
	chunk := models.UploadChunk{
		SessionID:   session.ID,
		ChunkNumber: req.ChunkNumber,
		Size:        int64(len(data)),
		StorageRef:  key,
		Checksum:    observed.String(),
		ReceivedAt:  r.settings.clock(),
	}
	created, err := r.store.CreateChunkIfAbsent(ctx, chunk)
	if err != nil {
		r.deleteBlob(ctx, key, logger)
		if errors.Is(err, storage.ErrSessionNotFound) {
			return ChunkReceipt{}, 0, ErrNotFound
		}
		return ChunkReceipt{}, 0, storageError("record chunk", err)
	}
	if !created {
		r.deleteBlob(ctx, key, logger)
		return ChunkReceipt{}, 0, conflictError("chunk %d already uploaded", req.ChunkNumber)
	}

	current, swapped, err := r.store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusInitiated},
		models.UploadStatusUploading,
		storage.StatusUpdate{At: r.settings.clock()},
	)
	if err != nil {
		return ChunkReceipt{}, chunk.Size, storageError("mark session uploading", err)
	}
	if swapped {
		r.settings.metrics.ObserveSessionTransition(string(models.UploadStatusUploading))
	}
	if current.Status == models.UploadStatusCancelled || current.Status == models.UploadStatusExpired {
		// A cancel or expiry sweep raced the insert and may have missed this
		// chunk. Remove it so no data outlives the session.
		r.discardChunk(ctx, chunk, logger)
		return ChunkReceipt{}, 0, conflictError("session became %s", current.Status)
	}
	logger.Debug("chunk accepted", "size", chunk.Size)

	count, err := r.store.CountChunks(ctx, session.ID)
	if err != nil {
		return ChunkReceipt{}, chunk.Size, storageError("count chunks", err)
	}
	receipt := ChunkReceipt{
		ChunkNumber:    req.ChunkNumber,
		UploadedChunks: count,
		TotalChunks:    session.TotalChunks,
		Status:         current.Status,
	}
	if count < session.TotalChunks {
		return receipt, chunk.Size, nil
	}

	current, swapped, err = r.store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusUploading},
		models.UploadStatusCompleting,
		storage.StatusUpdate{At: r.settings.clock()},
	)
	if err != nil {
		return ChunkReceipt{}, chunk.Size, storageError("mark session completing", err)
	}
	receipt.Status = current.Status
	if !swapped {
		if current.Status == models.UploadStatusCancelled || current.Status == models.UploadStatusExpired {
			return ChunkReceipt{}, 0, conflictError("session became %s", current.Status)
		}
		return receipt, chunk.Size, nil
	}
	r.settings.metrics.ObserveSessionTransition(string(models.UploadStatusCompleting))
	logger.Info("all chunks received, assembling")

	result, err := r.assembly.Run(ctx, session.ID)
	if err != nil {
		if latest, lookupErr := r.store.GetSession(context.WithoutCancel(ctx), session.ID); lookupErr == nil {
			receipt.Status = latest.Status
		}
		return receipt, chunk.Size, err
	}
	receipt.Status = models.UploadStatusCompleted
	receipt.Result = &result
	return receipt, chunk.Size, nil
}

// checkAccepting maps the session state to the error returned for chunks that
// cannot be accepted.
func (r *Receiver) checkAccepting(session models.UploadSession) error {
	switch session.Status {
	case models.UploadStatusInitiated, models.UploadStatusUploading:
		if session.Expired(r.settings.clock()) {
			return fmt.Errorf("%w: session expired at %s", ErrExpired, session.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	case models.UploadStatusExpired:
		return ErrExpired
	default:
		return conflictError("session is %s", session.Status)
	}
}

// readPayload reads exactly expected bytes. One extra byte is requested so
// oversized payloads are detected without buffering them.
func readPayload(payload io.Reader, expected int64) ([]byte, error) {
	if payload == nil {
		payload = strings.NewReader("")
	}
	data, err := io.ReadAll(io.LimitReader(payload, expected+1))
	if err != nil {
		return nil, validationError("read chunk payload: %v", err)
	}
	if int64(len(data)) != expected {
		if int64(len(data)) > expected {
			return nil, sizeMismatchError("chunk payload exceeds %d bytes", expected)
		}
		return nil, sizeMismatchError("chunk payload has %d bytes, expected %d", len(data), expected)
	}
	return data, nil
}

func (r *Receiver) discardChunk(ctx context.Context, chunk models.UploadChunk, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.DeleteChunk(ctx, chunk.SessionID, chunk.ChunkNumber); err != nil && !errors.Is(err, storage.ErrChunkNotFound) {
		logger.Warn("failed to delete orphan chunk record", "error", err)
	}
	r.deleteBlob(ctx, chunk.StorageRef, logger)
}

func (r *Receiver) deleteBlob(ctx context.Context, key string, logger *slog.Logger) {
	if err := r.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("failed to delete chunk blob", "storage_ref", key, "error", err)
	}
}
