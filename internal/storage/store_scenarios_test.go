package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediahub/internal/models"
)

// StoreFactory constructs a backend for the shared scenario suite.
type StoreFactory func(t *testing.T) (Store, func(), error)

func openStore(t *testing.T, factory StoreFactory) Store {
	t.Helper()
	if factory == nil {
		t.Fatal("store factory is required")
	}
	store, cleanup, err := factory(t)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres store unavailable")
	}
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return store
}

var scenarioClock = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

var sessionSeq atomic.Int64

func newScenarioSession(status models.UploadStatus, expiresIn time.Duration) models.UploadSession {
	n := sessionSeq.Add(1)
	return models.UploadSession{
		ID:            fmt.Sprintf("sess-%d-%d", time.Now().UnixNano(), n),
		Token:         fmt.Sprintf("tok-%d-%d", time.Now().UnixNano(), n),
		OwnerID:       "owner-1",
		FileName:      "clip.mp4",
		MimeType:      "video/mp4",
		MediaType:     "video",
		TotalFileSize: 300,
		TotalChunks:   3,
		ChunkSize:     100,
		Status:        status,
		CreatedAt:     scenarioClock,
		UpdatedAt:     scenarioClock,
		ExpiresAt:     scenarioClock.Add(expiresIn),
	}
}

func chunkFor(session models.UploadSession, number int) models.UploadChunk {
	return models.UploadChunk{
		SessionID:   session.ID,
		ChunkNumber: number,
		Size:        session.ExpectedChunkSize(number),
		StorageRef:  fmt.Sprintf("uploads/%s/chunks/%06d-x", session.Token, number),
		Checksum:    "sha256:00",
		ReceivedAt:  scenarioClock,
	}
}

// RunStoreScenarios exercises the contract every backend must honour.
func RunStoreScenarios(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndLookup", func(t *testing.T) { runCreateAndLookup(t, openStore(t, factory)) })
	t.Run("ConditionalTransition", func(t *testing.T) { runConditionalTransition(t, openStore(t, factory)) })
	t.Run("ConcurrentTransitionSingleWinner", func(t *testing.T) { runConcurrentTransition(t, openStore(t, factory)) })
	t.Run("ChunkUniqueness", func(t *testing.T) { runChunkUniqueness(t, openStore(t, factory)) })
	t.Run("ConcurrentChunkInsert", func(t *testing.T) { runConcurrentChunkInsert(t, openStore(t, factory)) })
	t.Run("ListSessionsFilters", func(t *testing.T) { runListSessions(t, openStore(t, factory)) })
	t.Run("DeleteSession", func(t *testing.T) { runDeleteSession(t, openStore(t, factory)) })
	t.Run("Artifacts", func(t *testing.T) { runArtifacts(t, openStore(t, factory)) })
}

func runCreateAndLookup(t *testing.T, store Store) {
	ctx := context.Background()
	session := newScenarioSession(models.UploadStatusInitiated, time.Hour)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	byID, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	byToken, err := store.GetSessionByToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("GetSessionByToken: %v", err)
	}
	for _, got := range []models.UploadSession{byID, byToken} {
		if got.ID != session.ID || got.OwnerID != "owner-1" || got.TotalChunks != 3 || got.Status != models.UploadStatusInitiated {
			t.Fatalf("unexpected session %+v", got)
		}
		if !got.ExpiresAt.Equal(session.ExpiresAt) || !got.CreatedAt.Equal(session.CreatedAt) {
			t.Fatalf("timestamps not preserved: %+v", got)
		}
		if got.CompletedAt != nil {
			t.Fatalf("expected nil completedAt")
		}
	}

	duplicate := newScenarioSession(models.UploadStatusInitiated, time.Hour)
	duplicate.Token = session.Token
	if err := store.CreateSession(ctx, duplicate); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists for token reuse, got %v", err)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := store.GetSessionByToken(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound by token, got %v", err)
	}
}

func runConditionalTransition(t *testing.T, store Store) {
	ctx := context.Background()
	session := newScenarioSession(models.UploadStatusInitiated, time.Hour)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	later := scenarioClock.Add(time.Minute)

	updated, swapped, err := store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusInitiated}, models.UploadStatusUploading, StatusUpdate{At: later})
	if err != nil || !swapped {
		t.Fatalf("expected swap, swapped=%v err=%v", swapped, err)
	}
	if updated.Status != models.UploadStatusUploading || !updated.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected updated session %+v", updated)
	}

	current, swapped, err := store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusInitiated}, models.UploadStatusCancelled, StatusUpdate{At: later})
	if err != nil || swapped {
		t.Fatalf("expected no swap from stale status, swapped=%v err=%v", swapped, err)
	}
	if current.Status != models.UploadStatusUploading {
		t.Fatalf("expected status to stay uploading, got %s", current.Status)
	}

	if _, swapped, err := store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusUploading}, models.UploadStatusCompleting, StatusUpdate{At: later}); err != nil || !swapped {
		t.Fatalf("expected completing swap, swapped=%v err=%v", swapped, err)
	}
	completedAt := later.Add(time.Second)
	final, swapped, err := store.TransitionStatus(ctx, session.ID,
		[]models.UploadStatus{models.UploadStatusCompleting}, models.UploadStatusCompleted, StatusUpdate{
			At:          completedAt,
			FinalKey:    "media/video/2026/10/abc.mp4",
			FinalURL:    "https://cdn.example.com/media/video/2026/10/abc.mp4",
			FinalSize:   300,
			CompletedAt: &completedAt,
		})
	if err != nil || !swapped {
		t.Fatalf("expected completed swap, swapped=%v err=%v", swapped, err)
	}
	if final.FinalKey != "media/video/2026/10/abc.mp4" || final.FinalSize != 300 || final.CompletedAt == nil || !final.CompletedAt.Equal(completedAt) {
		t.Fatalf("final fields not persisted: %+v", final)
	}
	reloaded, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.Status != models.UploadStatusCompleted || reloaded.FinalURL == "" {
		t.Fatalf("unexpected reloaded session %+v", reloaded)
	}

	if _, _, err := store.TransitionStatus(ctx, "missing",
		[]models.UploadStatus{models.UploadStatusInitiated}, models.UploadStatusExpired, StatusUpdate{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func runConcurrentTransition(t *testing.T, store Store) {
	ctx := context.Background()
	session := newScenarioSession(models.UploadStatusUploading, time.Hour)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	const contenders = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, swapped, err := store.TransitionStatus(ctx, session.ID,
				[]models.UploadStatus{models.UploadStatusUploading}, models.UploadStatusCompleting, StatusUpdate{At: scenarioClock})
			if err != nil {
				t.Errorf("TransitionStatus: %v", err)
				return
			}
			if swapped {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func runChunkUniqueness(t *testing.T, store Store) {
	ctx := context.Background()
	session := newScenarioSession(models.UploadStatusUploading, time.Hour)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, number := range []int{2, 0, 1} {
		created, err := store.CreateChunkIfAbsent(ctx, chunkFor(session, number))
		if err != nil || !created {
			t.Fatalf("CreateChunkIfAbsent(%d): created=%v err=%v", number, created, err)
		}
	}
	replacement := chunkFor(session, 1)
	replacement.StorageRef = "uploads/other"
	created, err := store.CreateChunkIfAbsent(ctx, replacement)
	if err != nil || created {
		t.Fatalf("expected duplicate insert to be rejected, created=%v err=%v", created, err)
	}
	stored, err := store.GetChunk(ctx, session.ID, 1)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if stored.StorageRef == "uploads/other" {
		t.Fatalf("duplicate insert overwrote the original chunk")
	}

	chunks, err := store.ListChunks(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.ChunkNumber != i {
			t.Fatalf("expected ascending order, got %d at %d", chunk.ChunkNumber, i)
		}
	}
	if chunks[2].Size != 100 {
		t.Fatalf("unexpected chunk size %d", chunks[2].Size)
	}

	if err := store.DeleteChunk(ctx, session.ID, 0); err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}
	if count, err := store.CountChunks(ctx, session.ID); err != nil || count != 2 {
		t.Fatalf("expected 2 chunks after delete, count=%d err=%v", count, err)
	}
	if _, err := store.GetChunk(ctx, session.ID, 0); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("expected ErrChunkNotFound, got %v", err)
	}
	if err := store.DeleteChunks(ctx, session.ID); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	if count, err := store.CountChunks(ctx, session.ID); err != nil || count != 0 {
		t.Fatalf("expected no chunks, count=%d err=%v", count, err)
	}

	orphan := chunkFor(newScenarioSession(models.UploadStatusUploading, time.Hour), 0)
	if _, err := store.CreateChunkIfAbsent(ctx, orphan); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for orphan chunk, got %v", err)
	}
}

func runConcurrentChunkInsert(t *testing.T, store Store) {
	ctx := context.Background()
	session := newScenarioSession(models.UploadStatusUploading, time.Hour)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	const contenders = 8
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunk := chunkFor(session, 0)
			chunk.StorageRef = fmt.Sprintf("uploads/%s/chunks/000000-%d", session.Token, i)
			ok, err := store.CreateChunkIfAbsent(ctx, chunk)
			if err != nil {
				t.Errorf("CreateChunkIfAbsent: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := created.Load(); got != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", got)
	}
	if count, _ := store.CountChunks(ctx, session.ID); count != 1 {
		t.Fatalf("expected one chunk record, got %d", count)
	}
}

func runListSessions(t *testing.T, store Store) {
	ctx := context.Background()
	overdue := newScenarioSession(models.UploadStatusUploading, -time.Hour)
	live := newScenarioSession(models.UploadStatusInitiated, time.Hour)
	done := newScenarioSession(models.UploadStatusCompleted, -2*time.Hour)
	for _, session := range []models.UploadSession{overdue, live, done} {
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	active := []models.UploadStatus{models.UploadStatusInitiated, models.UploadStatusUploading}

	expired, err := store.ListSessions(ctx, SessionFilter{Statuses: active, ExpiresBefore: scenarioClock})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if !containsSessionID(expired, overdue.ID) || containsSessionID(expired, live.ID) || containsSessionID(expired, done.ID) {
		t.Fatalf("unexpected expired set %v", sessionIDs(expired))
	}

	all, err := store.ListSessions(ctx, SessionFilter{ExpiresBefore: scenarioClock})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if !containsSessionID(all, done.ID) || !containsSessionID(all, overdue.ID) {
		t.Fatalf("expected both overdue sessions, got %v", sessionIDs(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ExpiresAt.Before(all[i-1].ExpiresAt) {
			t.Fatalf("expected ascending expiry order")
		}
	}

	limited, err := store.ListSessions(ctx, SessionFilter{Statuses: []models.UploadStatus{models.UploadStatusCompleted}, Limit: 1})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	stale, err := store.ListSessions(ctx, SessionFilter{
		Statuses:      []models.UploadStatus{models.UploadStatusCompleted},
		UpdatedBefore: scenarioClock.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if !containsSessionID(stale, done.ID) {
		t.Fatalf("expected updated-before filter to match, got %v", sessionIDs(stale))
	}

	if _, err := store.CreateChunkIfAbsent(ctx, chunkFor(overdue, 0)); err != nil {
		t.Fatalf("CreateChunkIfAbsent: %v", err)
	}
	withChunks, err := store.ListSessions(ctx, SessionFilter{ExpiresBefore: scenarioClock, HasChunks: true})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if !containsSessionID(withChunks, overdue.ID) || containsSessionID(withChunks, done.ID) {
		t.Fatalf("expected only sessions holding chunks, got %v", sessionIDs(withChunks))
	}
}

func runDeleteSession(t *testing.T, store Store) {
	ctx := context.Background()
	session := newScenarioSession(models.UploadStatusCancelled, -time.Hour)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.CreateChunkIfAbsent(ctx, chunkFor(session, 0)); err != nil {
		t.Fatalf("CreateChunkIfAbsent: %v", err)
	}
	if err := store.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	if _, err := store.GetSessionByToken(ctx, session.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected token index to be gone, got %v", err)
	}
	if count, _ := store.CountChunks(ctx, session.ID); count != 0 {
		t.Fatalf("expected chunk records to be removed, got %d", count)
	}
	if err := store.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("expected repeated delete to be a no-op, got %v", err)
	}
}

func runArtifacts(t *testing.T, store Store) {
	ctx := context.Background()
	n := sessionSeq.Add(1)
	expired := models.TemporaryArtifact{
		ID: fmt.Sprintf("art-old-%d", n), Kind: "preview", OwnerID: "owner-1",
		StorageKey: "previews/old.jpg", Status: models.ArtifactStatusTemporary,
		CreatedAt: scenarioClock.Add(-2 * time.Hour), ExpiresAt: scenarioClock.Add(-time.Hour),
	}
	fresh := expired
	fresh.ID = fmt.Sprintf("art-new-%d", n)
	fresh.StorageKey = "previews/new.jpg"
	fresh.ExpiresAt = scenarioClock.Add(time.Hour)
	for _, artifact := range []models.TemporaryArtifact{expired, fresh} {
		if err := store.CreateArtifact(ctx, artifact); err != nil {
			t.Fatalf("CreateArtifact: %v", err)
		}
	}
	if err := store.CreateArtifact(ctx, expired); !errors.Is(err, ErrArtifactExists) {
		t.Fatalf("expected ErrArtifactExists, got %v", err)
	}

	due, err := store.ListExpiredArtifacts(ctx, scenarioClock, 0)
	if err != nil {
		t.Fatalf("ListExpiredArtifacts: %v", err)
	}
	if !containsArtifactID(due, expired.ID) || containsArtifactID(due, fresh.ID) {
		t.Fatalf("unexpected expired artifacts %+v", due)
	}

	updated, swapped, err := store.TransitionArtifact(ctx, expired.ID, models.ArtifactStatusTemporary, models.ArtifactStatusExpired)
	if err != nil || !swapped || updated.Status != models.ArtifactStatusExpired {
		t.Fatalf("expected artifact transition, swapped=%v err=%v artifact=%+v", swapped, err, updated)
	}
	if _, swapped, err := store.TransitionArtifact(ctx, expired.ID, models.ArtifactStatusTemporary, models.ArtifactStatusPermanent); err != nil || swapped {
		t.Fatalf("expected stale transition to be rejected, swapped=%v err=%v", swapped, err)
	}
	due, err = store.ListExpiredArtifacts(ctx, scenarioClock, 0)
	if err != nil {
		t.Fatalf("ListExpiredArtifacts: %v", err)
	}
	if containsArtifactID(due, expired.ID) {
		t.Fatalf("expired artifact should no longer be listed")
	}
	if _, err := store.GetArtifact(ctx, "missing"); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func containsSessionID(sessions []models.UploadSession, id string) bool {
	for _, session := range sessions {
		if session.ID == id {
			return true
		}
	}
	return false
}

func sessionIDs(sessions []models.UploadSession) []string {
	ids := make([]string, len(sessions))
	for i, session := range sessions {
		ids[i] = session.ID
	}
	return ids
}

func containsArtifactID(artifacts []models.TemporaryArtifact, id string) bool {
	for _, artifact := range artifacts {
		if artifact.ID == id {
			return true
		}
	}
	return false
}
