// Package blobstore abstracts the physical storage that holds chunk payloads
// and assembled media. Keys are slash separated relative paths; every backend
// rejects keys that would escape its namespace.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Object describes a stored blob.
type Object struct {
	Key  string
	URL  string
	Size int64
}

// Store is the minimal blob contract the upload pipeline relies on.
type Store interface {
	// Write stores data under key, replacing any previous value.
	Write(ctx context.Context, key string, data []byte) error
	// ReadStream opens key for reading. Missing keys return ErrNotFound.
	ReadStream(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// WriteFinal streams r into key and reports the stored object.
	WriteFinal(ctx context.Context, key string, r io.Reader, contentType string) (Object, error)
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(trimmed), nil
}

// JoinURL appends key to a public base URL. An empty base yields "".
func JoinURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmedBase == "" {
		return ""
	}
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
