package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/harborline/receiving/pkg/faults"
)

// Policy filters the candidate list before ranking. See NewCELPolicy for the
// expression-driven implementation; AllowAll admits every enabled engine.
type Policy interface {
	Admit(caps Capabilities) (bool, error)
}

// AllowAll is the default policy.
type AllowAll struct{}

func (AllowAll) Admit(Capabilities) (bool, error) { return true, nil }

// Registry holds registered engines and applies the selection policy.
type Registry struct {
	engines      []Engine
	policy       Policy
	availableMiB int
	floor        float64
	logger       *slog.Logger
}

// NewRegistry creates a registry. availableMiB caps engine memory envelopes;
// floor is the mean-confidence acceptance floor (default 0.50).
func NewRegistry(availableMiB int, floor float64, policy Policy) *Registry {
	if floor <= 0 {
		floor = 0.50
	}
	if policy == nil {
		policy = AllowAll{}
	}
	return &Registry{
		policy:       policy,
		availableMiB: availableMiB,
		floor:        floor,
		logger:       slog.Default().With("component", "ocr"),
	}
}

// Register adds an engine. Registration order does not affect selection.
func (r *Registry) Register(e Engine) {
	r.engines = append(r.engines, e)
}

// Candidates returns the ordered engine list for one request: enabled engines
// fitting the memory envelope and the policy, ranked by descending accuracy
// tier, then ascending cost per page, then ascending typical latency.
func (r *Registry) Candidates() ([]Engine, error) {
	var out []Engine
	for _, e := range r.engines {
		caps := e.Describe()
		if !caps.Enabled || caps.MemoryEnvelopeMiB > r.availableMiB {
			continue
		}
		ok, err := r.policy.Admit(caps)
		if err != nil {
			return nil, fmt.Errorf("ocr: policy evaluation for %s: %w", caps.EngineID, err)
		}
		if ok {
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Describe(), out[j].Describe()
		if a.AccuracyTier != b.AccuracyTier {
			return a.AccuracyTier > b.AccuracyTier
		}
		if a.CostPerPage != b.CostPerPage {
			return a.CostPerPage < b.CostPerPage
		}
		return a.TypicalLatencyMS < b.TypicalLatencyMS
	})
	return out, nil
}

// Recognise invokes candidates in order until one clears the confidence
// floor. When every candidate fails or falls below the floor, the best-scoring
// result is returned flagged LowConfidence; with no result at all the call
// fails with OCRFailed.
func (r *Registry) Recognise(ctx context.Context, artifactID string, data []byte, mime string) (*Result, error) {
	candidates, err := r.Candidates()
	if err != nil {
		return nil, faults.Wrap(faults.KindOCRFailed, "engine selection failed", err)
	}
	if len(candidates) == 0 {
		return nil, faults.New(faults.KindOCRFailed, "no eligible engines")
	}

	var best *Result
	for _, e := range candidates {
		caps := e.Describe()

		callCtx, cancel := context.WithTimeout(ctx, caps.Timeout())
		started := time.Now()
		res, err := e.Run(callCtx, data, mime)
		cancel()

		if err != nil {
			r.logger.Warn("engine failed, falling through",
				"engine", caps.EngineID, "artifact", artifactID, "error", err)
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.KindOCRFailed, "recognition cancelled", ctx.Err())
			}
			continue
		}

		res.ArtifactID = artifactID
		res.EngineID = caps.EngineID
		res.RuntimeMS = time.Since(started).Milliseconds()
		res.FinishedAt = time.Now().UTC()

		if res.MeanConfidence >= r.floor {
			return res, nil
		}
		if best == nil || res.MeanConfidence > best.MeanConfidence {
			best = res
		}
	}

	if best != nil {
		best.LowConfidence = true
		return best, nil
	}
	return nil, faults.New(faults.KindOCRFailed, "all engines exhausted with no usable text")
}
