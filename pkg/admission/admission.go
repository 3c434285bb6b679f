// Package admission gates uploads before any blob is written. Checks run in a
// fixed order and short-circuit on the first failure; a passing upload yields
// the artifact record the orchestrator persists and stores.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/artifact"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/blob"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/fingerprint"
	"github.com/harborline/receiving/pkg/quota"
)

// Config holds the admission tunables.
type Config struct {
	MaxBytes         int64              `yaml:"max_bytes" json:"max_bytes"`
	MinWidth         int                `yaml:"min_width" json:"min_width"`
	MinHeight        int                `yaml:"min_height" json:"min_height"`
	QualityThreshold float64            `yaml:"quality_threshold" json:"quality_threshold"`
	Window           quota.Window       `yaml:"window" json:"window"`
	Fingerprint      fingerprint.Config `yaml:"fingerprint" json:"fingerprint"`
}

// DefaultConfig returns the admission defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:         15 << 20, // 15 MiB
		MinWidth:         800,
		MinHeight:        600,
		QualityThreshold: 70,
		Window:           quota.DefaultWindow(),
		Fingerprint:      fingerprint.DefaultConfig(),
	}
}

// Upload is the inbound payload under consideration.
type Upload struct {
	Kind     artifact.Kind
	Filename string
	Mime     string
	Bytes    []byte
}

// Decision is the outcome of an admit call.
type Decision interface{ admitDecision() }

// New means the upload is accepted and the record should be persisted and its
// bytes stored.
type New struct {
	Artifact    *artifact.Artifact
	Fingerprint fingerprint.Fingerprint
}

// Duplicate means the upload's bytes are already stored for this tenant. The
// upload is accepted but no new blob is written.
type Duplicate struct {
	ExistingID uuid.UUID
}

func (New) admitDecision()       {}
func (Duplicate) admitDecision() {}

// mimeAllowlist maps artifact kind to accepted mime types. Packing slips may
// be PDFs; labels and photos are images only.
var mimeAllowlist = map[artifact.Kind]map[string]bool{
	artifact.KindPackingSlip: {
		"image/jpeg": true, "image/png": true, "image/heic": true, "application/pdf": true,
	},
	artifact.KindShippingLabel: {
		"image/jpeg": true, "image/png": true, "image/heic": true,
	},
	artifact.KindDiscrepancyPhoto: {
		"image/jpeg": true, "image/png": true, "image/heic": true,
	},
	artifact.KindPartPhoto: {
		"image/jpeg": true, "image/png": true, "image/heic": true,
	},
}

// Controller performs upload admission.
type Controller struct {
	cfg       Config
	artifacts artifact.Store
	counter   quota.Counter // optional shared fast-path; the store count is authoritative
	now       func() time.Time
}

// NewController creates an admission controller. counter may be nil.
func NewController(cfg Config, artifacts artifact.Store, counter quota.Counter) *Controller {
	return &Controller{cfg: cfg, artifacts: artifacts, counter: counter, now: time.Now}
}

// WithClock overrides the clock for testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.now = clock
	return c
}

// Admit runs the ordered checks and returns a Decision or a structured fault.
// The ordering is part of the contract: quota is checked before the dedup
// lookup, so a duplicate of an already-counted artifact still returns
// Duplicate only while the tenant is under quota.
func (c *Controller) Admit(ctx context.Context, auth authctx.AuthContext, up Upload) (Decision, error) {
	if err := auth.Require(authctx.CapUpload); err != nil {
		return nil, err
	}
	if !up.Kind.Valid() {
		return nil, faults.Newf(faults.KindUnsupportedMime, "unknown artifact kind %q", up.Kind)
	}

	// 1. MIME allow-list per kind.
	if !mimeAllowlist[up.Kind][up.Mime] {
		return nil, faults.Newf(faults.KindUnsupportedMime, "%s not accepted for kind %s", up.Mime, up.Kind)
	}

	// 2. Byte length ceiling.
	if int64(len(up.Bytes)) > c.cfg.MaxBytes {
		return nil, faults.Newf(faults.KindTooLarge, "%d bytes exceeds limit of %d", len(up.Bytes), c.cfg.MaxBytes).
			WithField("max_bytes", c.cfg.MaxBytes)
	}

	// 3. Decode probe on the head of the stream.
	if err := probeFormat(up.Bytes, up.Mime); err != nil {
		return nil, err
	}

	fp, err := fingerprint.Compute(up.Bytes, c.cfg.Fingerprint)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecodeFailed, "fingerprint failed", err)
	}

	// 4. Dimension floor for decodable images.
	if isImageMime(up.Mime) && fp.Width > 0 && fp.Height > 0 {
		if fp.Width < c.cfg.MinWidth || fp.Height < c.cfg.MinHeight {
			return nil, faults.Newf(faults.KindTooSmall, "%dx%d below %dx%d floor",
				fp.Width, fp.Height, c.cfg.MinWidth, c.cfg.MinHeight)
		}
	}

	// 5. Quality gate for image kinds.
	if isImageMime(up.Mime) && fp.QualityScore < c.cfg.QualityThreshold {
		return nil, faults.Newf(faults.KindLowQuality, "quality %.1f below threshold %.1f",
			fp.QualityScore, c.cfg.QualityThreshold).
			WithField("blur", fp.Blur).
			WithField("glare", fp.Glare).
			WithField("contrast", fp.Contrast)
	}

	now := c.now().UTC()
	tenant := auth.TenantID.String()
	since := now.Add(-c.cfg.Window.Span)
	limit := c.cfg.Window.Limit
	if auth.Role == authctx.RoleHOD {
		limit *= 2
	}

	// 6. Rolling-window quota. The shared counter is a cheap pre-check for
	// replicas; the transactional artifact count decides.
	if c.counter != nil {
		if cached, cachedOldest, err := c.counter.Count(ctx, tenant, since); err == nil && cached >= limit {
			if verified, verifiedOldest, verr := c.artifacts.CountSince(ctx, auth.TenantID, since); verr == nil && verified >= limit {
				return nil, quotaFault(verified, verifiedOldest, c.cfg.Window.Span, now)
			} else if verr == nil {
				_ = cachedOldest // counter drifted ahead of the store; store wins
			}
		}
	}
	n, oldest, err := c.artifacts.CountSince(ctx, auth.TenantID, since)
	if err != nil {
		return nil, faults.Internal(fmt.Errorf("admission: quota count: %w", err))
	}
	if n >= limit {
		return nil, quotaFault(n, oldest, c.cfg.Window.Span, now)
	}

	// 7. Dedup lookup. Accepted, but no new blob.
	existing, err := c.artifacts.FindByHash(ctx, auth.TenantID, fp.ContentHash)
	if err == nil {
		return Duplicate{ExistingID: existing.ArtifactID}, nil
	}
	if err != artifact.ErrNotFound {
		return nil, faults.Internal(fmt.Errorf("admission: dedup lookup: %w", err))
	}

	id := uuid.New()
	rec := &artifact.Artifact{
		ArtifactID:   id,
		TenantID:     auth.TenantID,
		UploaderID:   auth.UserID,
		Kind:         up.Kind,
		ContentHash:  fp.ContentHash,
		Mime:         up.Mime,
		ByteLen:      int64(len(up.Bytes)),
		Width:        fp.Width,
		Height:       fp.Height,
		QualityScore: fp.QualityScore,
		BlobRef:      blob.Ref(tenant, id.String(), up.Mime),
		UploadedAt:   now,
	}

	if c.counter != nil {
		_ = c.counter.Note(ctx, tenant, now) // cache only; failures never block admission
	}

	return New{Artifact: rec, Fingerprint: fp}, nil
}

// quotaFault builds the QuotaExceeded fault with retry-after set to the
// seconds until the oldest counted artifact leaves the window.
func quotaFault(n int, oldest time.Time, span time.Duration, now time.Time) error {
	retryAfter := time.Duration(0)
	if !oldest.IsZero() {
		retryAfter = oldest.Add(span).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return faults.Newf(faults.KindQuotaExceeded, "%d uploads in the last %s", n, span).
		WithField("retry_after", retryAfter)
}

func isImageMime(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/heic":
		return true
	}
	return false
}
