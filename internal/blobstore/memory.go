package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single node
// development setups.
type MemoryStore struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	publicURL string
}

func NewMemoryStore(publicBaseURL string) *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte), publicURL: publicBaseURL}
}

func (s *MemoryStore) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	copied := append([]byte(nil), data...)
	s.mu.Lock()
	s.blobs[cleaned] = copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[cleaned]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, cleaned)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) WriteFinal(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	data, err := io.ReadAll(contextReader{ctx: ctx, r: r})
	if err != nil {
		return Object{}, fmt.Errorf("write blob %s: %w", key, err)
	}
	s.mu.Lock()
	s.blobs[cleaned] = data
	s.mu.Unlock()
	return Object{Key: cleaned, URL: JoinURL(s.publicURL, cleaned), Size: int64(len(data))}, nil
}

// Keys lists stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for key := range s.blobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Bytes returns a copy of the blob stored under key.
func (s *MemoryStore) Bytes(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
