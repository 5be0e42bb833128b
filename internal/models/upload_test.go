package models

import (
	"testing"
	"time"
)

func TestChunkCount(t *testing.T) {
	cases := []struct {
		name      string
		total     int64
		chunkSize int64
		want      int
	}{
		{name: "exact", total: 300, chunkSize: 100, want: 3},
		{name: "remainder", total: 301, chunkSize: 100, want: 4},
		{name: "singleSmall", total: 50, chunkSize: 100, want: 1},
		{name: "zeroTotal", total: 0, chunkSize: 100, want: 0},
		{name: "zeroChunk", total: 10, chunkSize: 0, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChunkCount(tc.total, tc.chunkSize); got != tc.want {
				t.Fatalf("ChunkCount(%d, %d) = %d, want %d", tc.total, tc.chunkSize, got, tc.want)
			}
		})
	}
}

func TestExpectedChunkSize(t *testing.T) {
	session := UploadSession{TotalFileSize: 250, ChunkSize: 100, TotalChunks: ChunkCount(250, 100)}
	want := map[int]int64{-1: -1, 0: 100, 1: 100, 2: 50, 3: -1}
	for number, size := range want {
		if got := session.ExpectedChunkSize(number); got != size {
			t.Fatalf("ExpectedChunkSize(%d) = %d, want %d", number, got, size)
		}
	}
}

func TestUploadStatusClassification(t *testing.T) {
	terminal := []UploadStatus{UploadStatusCompleted, UploadStatusFailed, UploadStatusCancelled, UploadStatusExpired}
	for _, status := range terminal {
		if !status.Terminal() || status.Active() {
			t.Fatalf("expected %s to be terminal and inactive", status)
		}
	}
	for _, status := range []UploadStatus{UploadStatusInitiated, UploadStatusUploading} {
		if status.Terminal() || !status.Active() {
			t.Fatalf("expected %s to be active", status)
		}
	}
	if UploadStatusCompleting.Terminal() || UploadStatusCompleting.Active() {
		t.Fatalf("completing must be neither terminal nor active")
	}
	if UploadStatus("bogus").Valid() {
		t.Fatalf("unexpected valid status")
	}
}

func TestUploadSessionExpired(t *testing.T) {
	now := time.Now()
	session := UploadSession{ExpiresAt: now.Add(-time.Second)}
	if !session.Expired(now) {
		t.Fatalf("expected session to be expired")
	}
	session.ExpiresAt = now.Add(time.Hour)
	if session.Expired(now) {
		t.Fatalf("expected session to be live")
	}
}
