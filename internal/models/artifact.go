package models

import "time"

// ArtifactStatus describes whether a derived artifact is still time boxed.
type ArtifactStatus string

const (
	ArtifactStatusTemporary ArtifactStatus = "temporary"
	ArtifactStatusPermanent ArtifactStatus = "permanent"
	ArtifactStatusExpired   ArtifactStatus = "expired"
)

// TemporaryArtifact is a derived blob (preview, transient processing output)
// that is reclaimed once ExpiresAt passes unless it was promoted first.
type TemporaryArtifact struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	OwnerID    string         `json:"ownerId"`
	StorageKey string         `json:"storageKey"`
	Status     ArtifactStatus `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}
