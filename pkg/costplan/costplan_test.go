package costplan

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostFor_RoundsUp(t *testing.T) {
	price := ModelPrice{InPer1KMicros: 150, OutPer1KMicros: 600}

	// 1 input token is 0.15 micros exact; the ledger never undercounts.
	assert.Equal(t, int64(1), price.CostFor(1, 0))
	assert.Equal(t, int64(150), price.CostFor(1000, 0))
	assert.Equal(t, int64(150+600), price.CostFor(1000, 1000))
	assert.Equal(t, int64(0), price.CostFor(0, 0))
}

func TestLedger_RecordClampsNegatives(t *testing.T) {
	var l Ledger
	l.Record(Usage{TokensIn: 100, TokensOut: -5, CostMicros: -10})
	assert.Equal(t, 1, l.LLMCalls)
	assert.Equal(t, int64(100), l.InputTokens)
	assert.Equal(t, int64(0), l.OutputTokens)
	assert.Equal(t, int64(0), l.MoneyMicros)
	assert.Equal(t, int64(100), l.Tokens())
}

func TestPlan_AcceptsGoodDeterministicParse(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	dec := p.Plan(Input{Coverage: 0.85, StructureConf: 0.75}, Ledger{})
	assert.IsType(t, Accept{}, dec)

	// Thresholds are inclusive.
	dec = p.Plan(Input{Coverage: 0.80, StructureConf: 0.70}, Ledger{})
	assert.IsType(t, Accept{}, dec)
}

func TestPlan_LowOCRConfidenceDisqualifiesAccept(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	dec := p.Plan(Input{Coverage: 0.95, StructureConf: 0.95, LowOCRConfidence: true, EstInputTokens: 500}, Ledger{})
	n, ok := dec.(Normalise)
	require.True(t, ok, "expected Normalise, got %T", dec)
	assert.Equal(t, ModelMini, n.Model)
}

func TestPlan_FirstAttemptUsesMini(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	dec := p.Plan(Input{Coverage: 0.40, StructureConf: 0.30, EstInputTokens: 800}, Ledger{})
	n, ok := dec.(Normalise)
	require.True(t, ok, "expected Normalise, got %T", dec)
	assert.Equal(t, ModelMini, n.Model)
	assert.Equal(t, int64(2000), n.MaxTokens)
	assert.InDelta(t, 0.1, n.Temperature, 1e-9)
}

func TestPlan_LowMiniConfidenceEscalates(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	var ledger Ledger
	ledger.Record(Usage{Model: ModelMini, TokensIn: 800, TokensOut: 400, CostMicros: 500})

	dec := p.Plan(Input{
		Coverage: 0.40, StructureConf: 0.30,
		AttemptsForArtifact: 1, LastLLMConfidence: 0.3, EstInputTokens: 800,
	}, ledger)
	e, ok := dec.(Escalate)
	require.True(t, ok, "expected Escalate, got %T", dec)
	assert.Equal(t, ModelStrong, e.Model)
	assert.Equal(t, int64(3000), e.MaxTokens)
}

func TestPlan_ConfidentMiniDoesNotEscalate(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	dec := p.Plan(Input{
		Coverage: 0.40, StructureConf: 0.30,
		AttemptsForArtifact: 1, LastLLMConfidence: 0.85, EstInputTokens: 800,
	}, Ledger{LLMCalls: 1})
	ap, ok := dec.(AcceptPartial)
	require.True(t, ok, "expected AcceptPartial, got %T", dec)
	assert.Equal(t, "escalation attempts exhausted", ap.Reason)
}

func TestPlan_AttemptsExhausted(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	dec := p.Plan(Input{
		Coverage: 0.40, StructureConf: 0.30,
		AttemptsForArtifact: 2, LastLLMConfidence: 0.3, EstInputTokens: 800,
	}, Ledger{LLMCalls: 2})
	assert.IsType(t, AcceptPartial{}, dec)
}

func TestPlan_CapsStopEscalation(t *testing.T) {
	t.Run("call cap", func(t *testing.T) {
		caps := DefaultCaps()
		caps.MaxCalls = 1
		p := NewPlanner(caps, DefaultPrices())

		dec := p.Plan(Input{Coverage: 0.4, EstInputTokens: 100, AttemptsForArtifact: 1, LastLLMConfidence: 0.3},
			Ledger{LLMCalls: 1})
		ap, ok := dec.(AcceptPartial)
		require.True(t, ok)
		assert.Equal(t, "budget does not cover a strong call", ap.Reason)
	})

	t.Run("token cap", func(t *testing.T) {
		caps := DefaultCaps()
		caps.MaxTokens = 1000
		p := NewPlanner(caps, DefaultPrices())

		dec := p.Plan(Input{Coverage: 0.4, EstInputTokens: 5000}, Ledger{})
		assert.IsType(t, AcceptPartial{}, dec)
	})

	t.Run("money cap", func(t *testing.T) {
		caps := DefaultCaps()
		caps.MaxMoneyMicros = 10
		p := NewPlanner(caps, DefaultPrices())

		dec := p.Plan(Input{Coverage: 0.4, EstInputTokens: 5000}, Ledger{})
		assert.IsType(t, AcceptPartial{}, dec)
	})
}

func TestPlan_UnpricedTierIsDisabled(t *testing.T) {
	p := NewPlanner(DefaultCaps(), PriceTable{ModelMini: {InPer1KMicros: 150, OutPer1KMicros: 600}})

	dec := p.Plan(Input{Coverage: 0.4, EstInputTokens: 100, AttemptsForArtifact: 1, LastLLMConfidence: 0.3},
		Ledger{LLMCalls: 1})
	ap, ok := dec.(AcceptPartial)
	require.True(t, ok)
	assert.Equal(t, "budget does not cover a strong call", ap.Reason)
}

func TestAffords_ProjectedCost(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())

	ok, projected := p.Affords(ModelMini, 1000, 2000, Ledger{})
	require.True(t, ok)
	// 1000 in at 150/1k plus 2000 out at 600/1k.
	assert.Equal(t, int64(150+1200), projected)
}

func TestPrice_UnknownModel(t *testing.T) {
	p := NewPlanner(DefaultCaps(), DefaultPrices())
	_, err := p.Price("gpt-99")
	assert.Error(t, err)
}

func TestPlan_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	p := NewPlanner(DefaultCaps(), DefaultPrices())

	genInput := gopter.CombineGens(
		gen.Float64Range(0, 1), gen.Float64Range(0, 1),
		gen.IntRange(0, 3), gen.Float64Range(0, 1),
		gen.Int64Range(0, 20_000), gen.Bool(),
	).Map(func(vs []any) Input {
		return Input{
			Coverage:            vs[0].(float64),
			StructureConf:       vs[1].(float64),
			AttemptsForArtifact: vs[2].(int),
			LastLLMConfidence:   vs[3].(float64),
			EstInputTokens:      vs[4].(int64),
			LowOCRConfidence:    vs[5].(bool),
		}
	})

	genLedger := gopter.CombineGens(
		gen.IntRange(0, 5), gen.Int64Range(0, 15_000), gen.Int64Range(0, 15_000), gen.Int64Range(0, 600_000),
	).Map(func(vs []any) Ledger {
		return Ledger{
			LLMCalls:     vs[0].(int),
			InputTokens:  vs[1].(int64),
			OutputTokens: vs[2].(int64),
			MoneyMicros:  vs[3].(int64),
		}
	})

	properties.Property("a spend decision never exceeds any cap", prop.ForAll(
		func(in Input, ledger Ledger) bool {
			dec := p.Plan(in, ledger)
			var model string
			var maxOut int64
			switch d := dec.(type) {
			case Normalise:
				model, maxOut = d.Model, d.MaxTokens
			case Escalate:
				model, maxOut = d.Model, d.MaxTokens
			default:
				return true
			}
			caps := DefaultCaps()
			price := DefaultPrices()[model]
			if ledger.LLMCalls+1 > caps.MaxCalls {
				return false
			}
			if ledger.Tokens()+in.EstInputTokens+maxOut > caps.MaxTokens {
				return false
			}
			return ledger.MoneyMicros+price.CostFor(in.EstInputTokens, maxOut) <= caps.MaxMoneyMicros
		},
		genInput, genLedger,
	))

	properties.Property("plan is deterministic", prop.ForAll(
		func(in Input, ledger Ledger) bool {
			return p.Plan(in, ledger) == p.Plan(in, ledger)
		},
		genInput, genLedger,
	))

	properties.TestingRun(t)
}
