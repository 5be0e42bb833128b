package artifacts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/expiry"
	"mediahub/internal/models"
	"mediahub/internal/storage"
)

var registryNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStore, *blobstore.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	blobs := blobstore.NewMemoryStore("")
	registry := NewRegistry(store, blobs,
		WithClock(func() time.Time { return registryNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDefaultTTL(time.Hour),
	)
	return registry, store, blobs
}

func TestRegisterTemporaryValidation(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"missing kind", RegisterRequest{OwnerID: "o", StorageKey: "previews/a.jpg"}},
		{"missing owner", RegisterRequest{Kind: "preview", StorageKey: "previews/a.jpg"}},
		{"bad key", RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "../a.jpg"}},
		{"negative ttl", RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "previews/a.jpg", TTL: -time.Second}},
		{"ttl too long", RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "previews/a.jpg", TTL: 31 * 24 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := registry.RegisterTemporary(context.Background(), tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRegisterAndPromote(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()
	artifact, err := registry.RegisterTemporary(ctx, RegisterRequest{Kind: "Preview", OwnerID: "o", StorageKey: "previews/a.jpg"})
	if err != nil {
		t.Fatalf("RegisterTemporary: %v", err)
	}
	if artifact.Kind != "preview" || artifact.Status != models.ArtifactStatusTemporary || !artifact.ExpiresAt.Equal(registryNow.Add(time.Hour)) {
		t.Fatalf("unexpected artifact %+v", artifact)
	}

	if _, err := registry.Promote(ctx, artifact.ID, "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a foreign owner, got %v", err)
	}
	promoted, err := registry.Promote(ctx, artifact.ID, "o")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.Status != models.ArtifactStatusPermanent {
		t.Fatalf("expected permanent, got %s", promoted.Status)
	}
	again, err := registry.Promote(ctx, artifact.ID, "o")
	if err != nil || again.Status != models.ArtifactStatusPermanent {
		t.Fatalf("expected promote to be idempotent, got %+v %v", again, err)
	}
}

func TestExpiredArtifactsSweep(t *testing.T) {
	registry, store, blobs := newTestRegistry(t)
	ctx := context.Background()

	keep, _ := registry.RegisterTemporary(ctx, RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "previews/keep.jpg"})
	drop, _ := registry.RegisterTemporary(ctx, RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "previews/drop.jpg"})
	fresh, _ := registry.RegisterTemporary(ctx, RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "previews/fresh.jpg", TTL: 48 * time.Hour})
	for _, key := range []string{"previews/keep.jpg", "previews/drop.jpg", "previews/fresh.jpg"} {
		if err := blobs.Write(ctx, key, []byte("jpeg")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if _, err := registry.Promote(ctx, keep.ID, "o"); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	source := NewExpiredArtifacts(store, blobs, 0)
	summary := expiry.Sweep[models.TemporaryArtifact](ctx, source, registryNow.Add(2*time.Hour), nil)
	if summary.Expired != 1 || summary.Failed() != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, ok := blobs.Bytes("previews/drop.jpg"); ok {
		t.Fatal("expected the expired artifact blob to be deleted")
	}
	for _, key := range []string{"previews/keep.jpg", "previews/fresh.jpg"} {
		if _, ok := blobs.Bytes(key); !ok {
			t.Fatalf("expected %s to be kept", key)
		}
	}
	stored, err := store.GetArtifact(ctx, drop.ID)
	if err != nil || stored.Status != models.ArtifactStatusExpired {
		t.Fatalf("expected expired artifact record, got %+v %v", stored, err)
	}
	if _, err := registry.Promote(ctx, drop.ID, "o"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired when promoting a reclaimed artifact, got %v", err)
	}
	if got, _ := store.GetArtifact(ctx, fresh.ID); got.Status != models.ArtifactStatusTemporary {
		t.Fatalf("expected fresh artifact to stay temporary, got %s", got.Status)
	}
}

func TestExpiredArtifactsSkipsPromotedSinceListing(t *testing.T) {
	registry, store, blobs := newTestRegistry(t)
	ctx := context.Background()
	artifact, _ := registry.RegisterTemporary(ctx, RegisterRequest{Kind: "preview", OwnerID: "o", StorageKey: "previews/a.jpg"})

	source := NewExpiredArtifacts(store, blobs, 10)
	later := registryNow.Add(2 * time.Hour)
	candidates, err := source.Candidates(ctx, later)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("Candidates: %v %v", candidates, err)
	}
	if _, err := registry.Promote(ctx, artifact.ID, "o"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := source.Reclaim(ctx, candidates[0], later); !errors.Is(err, expiry.ErrSkip) {
		t.Fatalf("expected ErrSkip, got %v", err)
	}
}
