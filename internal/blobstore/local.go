package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig configures a filesystem backed store.
type LocalConfig struct {
	Root          string
	PublicBaseURL string
}

// LocalStore keeps blobs as files below Root. Writes land in a temporary file
// that is synced and renamed into place, so readers never observe a partial
// blob.
type LocalStore struct {
	root      string
	publicURL string
}

func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("local blob store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{root: abs, publicURL: cfg.PublicBaseURL}, nil
}

// Root returns the absolute directory blobs are stored under.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) resolve(key string) (string, string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, full, nil
}

func (s *LocalStore) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.writeFile(ctx, key, bytes.NewReader(data))
	return err
}

func (s *LocalStore) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return file, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	s.pruneEmptyParents(filepath.Dir(full))
	return nil
}

func (s *LocalStore) WriteFinal(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	size, err := s.writeFile(ctx, cleaned, r)
	if err != nil {
		return Object{}, err
	}
	return Object{Key: cleaned, URL: JoinURL(s.publicURL, cleaned), Size: size}, nil
}

func (s *LocalStore) writeFile(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	size, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close blob %s: %w", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return 0, fmt.Errorf("commit blob %s: %w", key, err)
	}
	committed = true
	return size, nil
}

// pruneEmptyParents removes now empty directories up to, not including, the
// root. Failures are ignored; a non-empty directory simply stops the walk.
func (s *LocalStore) pruneEmptyParents(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
