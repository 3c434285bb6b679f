// Package normalize performs structured JSON re-extraction with a language
// model when the deterministic parser's coverage is insufficient. Output is
// validated against a strict schema; mismatches consume the attempt and the
// planner decides what happens next.
package normalize

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/rowparse"
)

// Confidence is the model's self-reported certainty per line.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceMed  Confidence = "med"
	ConfidenceLow  Confidence = "low"
)

// Score maps the closed confidence set onto [0,1] for the planner.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return 0.90
	case ConfidenceMed:
		return 0.70
	default:
		return 0.40
	}
}

// Line is one model-extracted line item.
type Line struct {
	LineNo      int        `json:"line_no"`
	Qty         float64    `json:"qty"`
	Unit        string     `json:"unit"`
	Description string     `json:"description"`
	PartCode    string     `json:"part_code,omitempty"`
	Confidence  Confidence `json:"confidence"`
}

// LinesResult is the validated output of the line-items prompt.
type LinesResult struct {
	Lines []Line `json:"lines"`
	Notes string `json:"notes,omitempty"`
}

// MinConfidence returns the weakest per-line confidence, which is what the
// planner compares against its escalation floor.
func (r *LinesResult) MinConfidence() float64 {
	if len(r.Lines) == 0 {
		return 0
	}
	min := 1.0
	for _, l := range r.Lines {
		if s := l.Confidence.Score(); s < min {
			min = s
		}
	}
	return min
}

// ParsedLines converts the model output into parser-shaped lines so the
// reconciler sees one input type regardless of extraction path.
func (r *LinesResult) ParsedLines() []rowparse.ParsedLine {
	out := make([]rowparse.ParsedLine, 0, len(r.Lines))
	for _, l := range r.Lines {
		unit := rowparse.UnitUnknown
		if u, ok := rowparse.LookupUnit(l.Unit); ok {
			unit = u
		}
		out = append(out, rowparse.ParsedLine{
			Qty:             rationalFromFloat(l.Qty),
			Unit:            unit,
			Description:     l.Description,
			PartCode:        l.PartCode,
			RawSourceIdx:    l.LineNo - 1,
			ParseConfidence: l.Confidence.Score(),
		})
	}
	return out
}

// rationalFromFloat recovers a small-denominator rational from the model's
// numeric qty. Packing-slip quantities are integers or simple fractions, so a
// denominator sweep up to 64 is enough.
func rationalFromFloat(v float64) rowparse.Qty {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return rowparse.Qty{}
	}
	for den := int64(1); den <= 64; den++ {
		num := math.Round(v * float64(den))
		if math.Abs(v-num/float64(den)) < 1e-9 {
			return rowparse.Qty{Num: int64(num), Den: den}
		}
	}
	// Fall back to a fixed-point approximation.
	q, _ := rowparse.ParseQty(strconv.FormatFloat(v, 'f', 4, 64))
	return q
}

// LabelResult is the shipping-label metadata output. Absent fields are empty.
type LabelResult struct {
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	PONumber       string `json:"po_number,omitempty"`
	ShipTo         string `json:"ship_to,omitempty"`
	ShipFrom       string `json:"ship_from,omitempty"`
	ShipDate       string `json:"ship_date,omitempty"`
	ServiceType    string `json:"service_type,omitempty"`
}

// retryBackoff is the delay before the single transient-error retry.
const retryBackoff = 500 * time.Millisecond

// Normaliser owns the prompts, the schema validation, and the single
// transient-error retry. It reports exact usage to the caller so the ledger
// is updated before the next planning step.
type Normaliser struct {
	client Client
	log    *slog.Logger
}

// NewNormaliser wires a model client.
func NewNormaliser(client Client, log *slog.Logger) *Normaliser {
	if log == nil {
		log = slog.Default()
	}
	return &Normaliser{client: client, log: log.With("component", "normalize")}
}

// ExtractLines runs the line-items prompt with the planner-chosen model and
// limits. On schema mismatch it returns a NormalisationFailed fault together
// with the usage actually consumed.
func (n *Normaliser) ExtractLines(ctx context.Context, model string, maxTokens int64, temperature float64, ocrText string) (*LinesResult, costplan.Usage, error) {
	comp, usage, err := n.complete(ctx, Request{
		Model:       model,
		Prompt:      lineItemsPrompt(ocrText),
		Schema:      json.RawMessage(lineItemsSchema),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, usage, err
	}

	if _, err := validate(lineItemsCompiled, comp.JSON); err != nil {
		n.log.Warn("model output failed schema validation", "model", model, "error", err)
		return nil, usage, faults.Wrap(faults.KindNormalisationFailed, "model output failed schema validation", err)
	}

	var result LinesResult
	if err := json.Unmarshal(comp.JSON, &result); err != nil {
		return nil, usage, faults.Wrap(faults.KindNormalisationFailed, "model output failed decoding", err)
	}
	return &result, usage, nil
}

// ExtractLabel runs the single-call shipping-label prompt. There is no
// escalation path; any failure returns whatever fields decoded plus the usage.
func (n *Normaliser) ExtractLabel(ctx context.Context, maxTokens int64, ocrText string) (*LabelResult, costplan.Usage, error) {
	comp, usage, err := n.complete(ctx, Request{
		Model:       costplan.ModelMini,
		Prompt:      labelPrompt(ocrText),
		Schema:      json.RawMessage(labelSchema),
		MaxTokens:   maxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return &LabelResult{}, usage, err
	}

	var result LabelResult
	if _, verr := validate(labelCompiled, comp.JSON); verr != nil {
		// Partial fields with nulls are acceptable for labels.
		_ = json.Unmarshal(comp.JSON, &result)
		return &result, usage, nil
	}
	if err := json.Unmarshal(comp.JSON, &result); err != nil {
		return &LabelResult{}, usage, faults.Wrap(faults.KindNormalisationFailed, "label output failed decoding", err)
	}
	return &result, usage, nil
}

// complete issues the call, retrying once on transient transport failure.
func (n *Normaliser) complete(ctx context.Context, req Request) (*Completion, costplan.Usage, error) {
	started := time.Now()
	comp, err := n.client.Complete(ctx, req)
	if err != nil && isTransient(err) && ctx.Err() == nil {
		n.log.Warn("transient model failure, retrying", "model", req.Model, "error", err)
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return nil, costplan.Usage{}, faults.Wrap(faults.KindNormalisationFailed, "model call cancelled", ctx.Err())
		}
		comp, err = n.client.Complete(ctx, req)
	}
	if err != nil {
		return nil, costplan.Usage{}, faults.Wrap(faults.KindNormalisationFailed, "model call failed", err)
	}

	usage := costplan.Usage{
		Model:      req.Model,
		TokensIn:   comp.TokensIn,
		TokensOut:  comp.TokensOut,
		CostMicros: comp.CostMicros,
		At:         started,
	}
	return comp, usage, nil
}
