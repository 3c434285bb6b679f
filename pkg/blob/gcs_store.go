//go:build gcp

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string // Optional key prefix
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed blob store (uses ADC credentials).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(ref string) (*storage.ObjectHandle, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + ref), nil
}

func (s *GCSStore) Put(ctx context.Context, ref string, data []byte, mime string) error {
	obj, err := s.object(ref)
	if err != nil {
		return err
	}

	if _, err := obj.Attrs(ctx); err == nil {
		return nil // already stored
	}

	w := obj.NewWriter(ctx)
	w.ContentType = mime
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("blob: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blob: gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	obj, err := s.object(ref)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("blob: gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read failed: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Sign(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(s.prefix+ref, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("blob: gcs sign failed: %w", err)
	}
	return url, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	obj, err := s.object(ref)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blob: gcs delete failed for %s: %w", ref, err)
	}
	return nil
}
