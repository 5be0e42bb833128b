package models

import "time"

// UploadStatus is the lifecycle state of an upload session.
type UploadStatus string

const (
	UploadStatusInitiated  UploadStatus = "initiated"
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusCompleting UploadStatus = "completing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
	UploadStatusCancelled  UploadStatus = "cancelled"
	UploadStatusExpired    UploadStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s UploadStatus) Terminal() bool {
	switch s {
	case UploadStatusCompleted, UploadStatusFailed, UploadStatusCancelled, UploadStatusExpired:
		return true
	default:
		return false
	}
}

// Active reports whether chunks may still be accepted for a session in this
// status.
func (s UploadStatus) Active() bool {
	return s == UploadStatusInitiated || s == UploadStatusUploading
}

// Valid reports whether s is one of the known statuses.
func (s UploadStatus) Valid() bool {
	switch s {
	case UploadStatusInitiated, UploadStatusUploading, UploadStatusCompleting,
		UploadStatusCompleted, UploadStatusFailed, UploadStatusCancelled, UploadStatusExpired:
		return true
	default:
		return false
	}
}

// UploadSession tracks one upload attempt for one logical file.
type UploadSession struct {
	ID            string       `json:"id"`
	Token         string       `json:"token"`
	OwnerID       string       `json:"ownerId"`
	FileName      string       `json:"fileName"`
	MimeType      string       `json:"mimeType"`
	MediaType     string       `json:"mediaType"`
	TotalFileSize int64        `json:"totalFileSize"`
	TotalChunks   int          `json:"totalChunks"`
	ChunkSize     int64        `json:"chunkSize"`
	Checksum      string       `json:"checksum,omitempty"`
	Status        UploadStatus `json:"status"`
	FailureReason string       `json:"failureReason,omitempty"`
	FinalKey      string       `json:"finalKey,omitempty"`
	FinalURL      string       `json:"finalUrl,omitempty"`
	FinalSize     int64        `json:"finalSize,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

// ExpectedChunkSize returns the byte length the chunk at the given position
// must have. Every chunk equals ChunkSize except the last, which holds the
// remainder. Out of range positions return -1.
func (s UploadSession) ExpectedChunkSize(chunkNumber int) int64 {
	if chunkNumber < 0 || chunkNumber >= s.TotalChunks || s.ChunkSize <= 0 {
		return -1
	}
	if chunkNumber < s.TotalChunks-1 {
		return s.ChunkSize
	}
	return s.TotalFileSize - int64(s.TotalChunks-1)*s.ChunkSize
}

// Expired reports whether an active session has passed its deadline.
func (s UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// UploadChunk records one accepted chunk of a session.
type UploadChunk struct {
	SessionID   string    `json:"sessionId"`
	ChunkNumber int       `json:"chunkNumber"`
	Size        int64     `json:"size"`
	StorageRef  string    `json:"storageRef"`
	Checksum    string    `json:"checksum"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// ChunkCount computes the number of chunks a file of totalSize bytes is split
// into when every chunk but the last holds chunkSize bytes.
func ChunkCount(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}
