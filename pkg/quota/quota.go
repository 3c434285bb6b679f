// Package quota implements the per-tenant rolling-window upload counter used
// by admission. Counters are a fast path; admission re-checks against the
// artifact index on decision boundaries so the quota stays consistent with
// stored artifacts.
package quota

import (
	"context"
	"time"
)

// Window describes a rolling-window limit.
type Window struct {
	Limit int           `yaml:"limit" json:"limit"`
	Span  time.Duration `yaml:"span" json:"span"`
}

// DefaultWindow is 50 uploads per hour.
func DefaultWindow() Window {
	return Window{Limit: 50, Span: time.Hour}
}

// Counter tracks upload events per tenant inside a rolling window.
type Counter interface {
	// Note records one accepted upload for the tenant at the given time.
	Note(ctx context.Context, tenantID string, at time.Time) error

	// Count returns the number of recorded uploads at or after since, and the
	// time of the oldest counted upload (zero when the window is empty).
	Count(ctx context.Context, tenantID string, since time.Time) (n int, oldest time.Time, err error)

	// Forget drops one recorded upload closest to at, used when an upload is
	// rolled back after the counter was bumped.
	Forget(ctx context.Context, tenantID string, at time.Time) error
}
