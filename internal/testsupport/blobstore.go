package testsupport

import (
	"context"
	"io"
	"strings"
	"sync"

	"mediahub/internal/blobstore"
)

// FaultyBlobStore wraps an in-memory blob store and lets tests inject errors
// per operation, pause final writes and corrupt stored blobs.
type FaultyBlobStore struct {
	*blobstore.MemoryStore

	mu           sync.Mutex
	writeErr     error
	readErr      error
	deleteErr    error
	finalErr     error
	finalGate    chan struct{}
	finalStarted chan struct{}
	writes       int
	deletes      int
	finals       int
}

// NewFaultyBlobStore constructs a store that behaves like the memory store
// until a fault is configured.
func NewFaultyBlobStore() *FaultyBlobStore {
	return &FaultyBlobStore{MemoryStore: blobstore.NewMemoryStore("https://cdn.test")}
}

// FailWrites makes chunk writes fail with err. A nil err clears the fault.
func (s *FaultyBlobStore) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailReads makes ReadStream fail with err.
func (s *FaultyBlobStore) FailReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

// FailDeletes makes Delete fail with err.
func (s *FaultyBlobStore) FailDeletes(err error) {
	s.mu.Lock()
	s.deleteErr = err
	s.mu.Unlock()
}

// FailFinal makes WriteFinal fail with err after draining its reader.
func (s *FaultyBlobStore) FailFinal(err error) {
	s.mu.Lock()
	s.finalErr = err
	s.mu.Unlock()
}

// HoldFinal blocks WriteFinal calls until the returned release function runs.
// The started channel is closed when the first held call arrives.
func (s *FaultyBlobStore) HoldFinal() (started <-chan struct{}, release func()) {
	gate := make(chan struct{})
	arrived := make(chan struct{})
	s.mu.Lock()
	s.finalGate = gate
	s.finalStarted = arrived
	s.mu.Unlock()
	var once sync.Once
	return arrived, func() {
		once.Do(func() { close(gate) })
	}
}

// Corrupt overwrites the blob stored under key.
func (s *FaultyBlobStore) Corrupt(key string, data []byte) error {
	return s.MemoryStore.Write(context.Background(), key, data)
}

// KeysWithPrefix lists stored keys that start with prefix.
func (s *FaultyBlobStore) KeysWithPrefix(prefix string) []string {
	var keys []string
	for _, key := range s.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Counts reports how many writes, deletes and final writes were attempted.
func (s *FaultyBlobStore) Counts() (writes, deletes, finals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.deletes, s.finals
}

func (s *FaultyBlobStore) Write(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.writes++
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Write(ctx, key, data)
}

func (s *FaultyBlobStore) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.ReadStream(ctx, key)
}

func (s *FaultyBlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deletes++
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, key)
}

func (s *FaultyBlobStore) WriteFinal(ctx context.Context, key string, r io.Reader, contentType string) (blobstore.Object, error) {
	s.mu.Lock()
	s.finals++
	err := s.finalErr
	gate := s.finalGate
	started := s.finalStarted
	s.finalStarted = nil
	s.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return blobstore.Object{}, ctx.Err()
		}
	}
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
		return blobstore.Object{}, err
	}
	return s.MemoryStore.WriteFinal(ctx, key, r, contentType)
}

var _ blobstore.Store = (*FaultyBlobStore)(nil)
