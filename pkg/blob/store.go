// Package blob provides tenant-scoped storage for uploaded artifact bytes.
// Refs take the form {tenant_id}/{artifact_id}.{ext}, so content addressing is
// per tenant and cross-tenant aliasing is impossible by construction.
package blob

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when a ref does not resolve.
	ErrNotFound = errors.New("blob: ref not found")
	// ErrInvalidRef is returned for malformed refs.
	ErrInvalidRef = errors.New("blob: invalid ref")
)

// Store is the contract the pipeline assumes for blob storage. Put is
// idempotent: storing an existing ref with the same bytes is a no-op.
type Store interface {
	Put(ctx context.Context, ref string, data []byte, mime string) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Sign(ctx context.Context, ref string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, ref string) error
}

var refPattern = regexp.MustCompile(`^[0-9a-f-]{36}/[0-9a-f-]{36}\.[a-z0-9]{2,5}$`)

// Ref derives the blob path for an artifact.
func Ref(tenantID, artifactID, mime string) string {
	return fmt.Sprintf("%s/%s.%s", tenantID, artifactID, ExtForMime(mime))
}

// ValidateRef rejects refs that do not match the tenant-scoped layout.
func ValidateRef(ref string) error {
	if !refPattern.MatchString(ref) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// ExtForMime maps a supported mime type to its on-disk extension.
func ExtForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/heic":
		return "heic"
	case "application/pdf":
		return "pdf"
	default:
		return "bin"
	}
}
