// Package ocr defines the engine contract and the capability-based registry
// that selects engines for a recognition request. Engines are side-effect
// free; the registry owns timeouts and cancellation.
package ocr

import (
	"context"
	"time"
)

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Line is one recognised text line.
type Line struct {
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Result is one recognition attempt for an artifact. Results are append-only;
// re-tries with a stronger engine produce additional results.
type Result struct {
	ArtifactID     string    `json:"artifact_id"`
	EngineID       string    `json:"engine_id"`
	Text           string    `json:"text"`
	Lines          []Line    `json:"lines"`
	MeanConfidence float64   `json:"mean_confidence"`
	WordCount      int       `json:"word_count"`
	RuntimeMS      int64     `json:"runtime_ms"`
	FinishedAt     time.Time `json:"finished_at"`

	// LowConfidence is set when every candidate fell below the confidence
	// floor and this is the best result kept.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Capabilities declares what an engine can do and what it costs.
type Capabilities struct {
	EngineID          string  `json:"engine_id"`
	AccuracyTier      int     `json:"accuracy_tier"`
	MemoryEnvelopeMiB int     `json:"memory_envelope_mib"`
	TypicalLatencyMS  int64   `json:"typical_latency_ms"`
	CostPerPage       float64 `json:"cost_per_page"`
	SupportsPDFRaster bool    `json:"supports_pdf_raster"`
	Enabled           bool    `json:"enabled"`
}

// Timeout returns the per-call deadline for this engine: three times the
// typical latency, floored at five seconds.
func (c Capabilities) Timeout() time.Duration {
	t := 3 * time.Duration(c.TypicalLatencyMS) * time.Millisecond
	if t < 5*time.Second {
		t = 5 * time.Second
	}
	return t
}

// Engine is a pluggable OCR implementation.
type Engine interface {
	Describe() Capabilities
	Run(ctx context.Context, data []byte, mime string) (*Result, error)
}
