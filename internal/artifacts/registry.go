// Package artifacts tracks derived blobs such as previews that live only for
// a limited time unless promoted.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediahub/internal/blobstore"
	"mediahub/internal/models"
	"mediahub/internal/observability/logging"
	"mediahub/internal/storage"
)

const (
	defaultTTL    = 24 * time.Hour
	maxTTL        = 30 * 24 * time.Hour
	maxKindLength = 64
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrValidation = errors.New("invalid artifact")
	ErrExpired    = errors.New("artifact expired")
)

// RegisterRequest describes a temporary artifact that already exists in the
// blob store.
type RegisterRequest struct {
	Kind       string        `json:"kind"`
	OwnerID    string        `json:"ownerId"`
	StorageKey string        `json:"storageKey"`
	TTL        time.Duration `json:"ttl"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTTL sets the lifetime used when a request carries none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDFactory overrides artifact id generation.
func WithIDFactory(factory func() string) Option {
	return func(r *Registry) {
		if factory != nil {
			r.newID = factory
		}
	}
}

// Registry records temporary artifacts and promotes them to permanent ones.
type Registry struct {
	store      storage.ArtifactStore
	blobs      blobstore.Store
	defaultTTL time.Duration
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(store storage.ArtifactStore, blobs blobstore.Store, opts ...Option) *Registry {
	registry := &Registry{
		store:      store,
		blobs:      blobs,
		defaultTTL: defaultTTL,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	registry.logger = logging.WithComponent(registry.logger, "artifacts")
	return registry
}

func (r *Registry) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// RegisterTemporary records an artifact that is reclaimed once its TTL ends.
func (r *Registry) RegisterTemporary(ctx context.Context, req RegisterRequest) (models.TemporaryArtifact, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind == "" || len(kind) > maxKindLength {
		return models.TemporaryArtifact{}, fmt.Errorf("%w: kind is required and must be at most %d characters", ErrValidation, maxKindLength)
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return models.TemporaryArtifact{}, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	key, err := blobstore.CleanKey(req.StorageKey)
	if err != nil {
		return models.TemporaryArtifact{}, fmt.Errorf("%w: storage key: %v", ErrValidation, err)
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	if ttl < 0 || ttl > maxTTL {
		return models.TemporaryArtifact{}, fmt.Errorf("%w: ttl must be between 0 and %s", ErrValidation, maxTTL)
	}

	now := r.clock()
	artifact := models.TemporaryArtifact{
		ID:         r.newID(),
		Kind:       kind,
		OwnerID:    owner,
		StorageKey: key,
		Status:     models.ArtifactStatusTemporary,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := r.store.CreateArtifact(ctx, artifact); err != nil {
		return models.TemporaryArtifact{}, fmt.Errorf("create artifact: %w", err)
	}
	logging.WithContext(ctx, r.logger).Info("temporary artifact registered", "artifact_id", artifact.ID, "kind", kind, "expires_at", artifact.ExpiresAt)
	return artifact, nil
}

// Get returns the artifact when it belongs to ownerID.
func (r *Registry) Get(ctx context.Context, id, ownerID string) (models.TemporaryArtifact, error) {
	artifact, err := r.store.GetArtifact(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return models.TemporaryArtifact{}, ErrNotFound
		}
		return models.TemporaryArtifact{}, fmt.Errorf("load artifact: %w", err)
	}
	if artifact.OwnerID != strings.TrimSpace(ownerID) {
		return models.TemporaryArtifact{}, ErrNotFound
	}
	return artifact, nil
}

// Promote makes a temporary artifact permanent so the sweeper leaves it alone.
// Promoting a permanent artifact is a no-op.
func (r *Registry) Promote(ctx context.Context, id, ownerID string) (models.TemporaryArtifact, error) {
	if _, err := r.Get(ctx, id, ownerID); err != nil {
		return models.TemporaryArtifact{}, err
	}
	artifact, swapped, err := r.store.TransitionArtifact(ctx, id, models.ArtifactStatusTemporary, models.ArtifactStatusPermanent)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return models.TemporaryArtifact{}, ErrNotFound
		}
		return models.TemporaryArtifact{}, fmt.Errorf("promote artifact: %w", err)
	}
	if !swapped {
		switch artifact.Status {
		case models.ArtifactStatusPermanent:
			return artifact, nil
		default:
			return models.TemporaryArtifact{}, ErrExpired
		}
	}
	logging.WithContext(ctx, r.logger).Info("artifact promoted", "artifact_id", id)
	return artifact, nil
}
