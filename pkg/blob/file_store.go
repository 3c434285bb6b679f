package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is a filesystem-backed implementation of Store. Each tenant gets
// a subdirectory under baseDir.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at the given directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared blob directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("blob: failed to ensure base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(ref string) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(ref)), nil
}

// Put writes data under ref. Writing an existing ref with identical bytes is
// a no-op; differing bytes for the same ref is a caller bug and rejected.
func (s *FileStore) Put(ctx context.Context, ref string, data []byte, mime string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := os.ReadFile(path); err == nil { //nolint:gosec // ref validated
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("blob: ref %s already holds different bytes", ref)
	}

	//nolint:gosec // G301: tenant dirs are shared with the serving process
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("blob: failed to ensure tenant dir: %w", err)
	}

	// Write to temp, then rename for atomicity.
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("blob: failed to write: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("blob: failed to commit: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path) //nolint:gosec // ref validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("blob: read failed: %w", err)
	}
	return data, nil
}

// Sign returns a file URL. Local deployments front this store with a static
// file handler; the ttl is advisory only.
func (s *FileStore) Sign(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("blob: stat failed: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("blob: abs path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: abs}).String(), nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete failed: %w", err)
	}
	return nil
}
