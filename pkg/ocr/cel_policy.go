package ocr

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPolicy admits engines via a configured CEL expression evaluated over the
// engine's declared capabilities. Operators use it to pin tenants to on-prem
// engines or to fence off per-page-priced engines, without a code change.
//
// Example expressions:
//
//	engine.accuracy_tier >= 2
//	engine.cost_per_page == 0.0 || engine.engine_id == "cloud-vision"
type CELPolicy struct {
	program cel.Program
}

// NewCELPolicy compiles the expression. The expression must evaluate to bool.
func NewCELPolicy(expr string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("engine", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("ocr: failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("ocr: policy compile failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("ocr: policy must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("ocr: policy program failed: %w", err)
	}
	return &CELPolicy{program: program}, nil
}

// Admit evaluates the expression for one engine.
func (p *CELPolicy) Admit(caps Capabilities) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"engine": map[string]any{
			"engine_id":           caps.EngineID,
			"accuracy_tier":       caps.AccuracyTier,
			"memory_envelope_mib": caps.MemoryEnvelopeMiB,
			"typical_latency_ms":  caps.TypicalLatencyMS,
			"cost_per_page":       caps.CostPerPage,
			"supports_pdf_raster": caps.SupportsPDFRaster,
		},
	})
	if err != nil {
		return false, fmt.Errorf("ocr: policy eval failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ocr: policy returned non-bool %T", out.Value())
	}
	return allowed, nil
}
