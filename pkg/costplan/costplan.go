// Package costplan provides per-session cost accounting and the escalation
// planner. The planner is pure: it reads the ledger and the parse signals and
// returns a Decision; it never observes the model call itself. Callers record
// usage on the ledger after each call, before the next Plan.
package costplan

import (
	"fmt"
	"time"
)

// Money amounts are integer micro-USD to keep ledger arithmetic exact.
const MicrosPerUSD = 1_000_000

// Caps are the hard per-session limits. Exceeding any cap stops escalation;
// it never aborts ingestion.
type Caps struct {
	MaxCalls       int   `yaml:"max_calls"`
	MaxTokens      int64 `yaml:"max_tokens"`
	MaxMoneyMicros int64 `yaml:"max_money_micros"`
}

// DefaultCaps returns the standard session limits: 3 calls, 10k tokens, $0.50.
func DefaultCaps() Caps {
	return Caps{
		MaxCalls:       3,
		MaxTokens:      10_000,
		MaxMoneyMicros: MicrosPerUSD / 2,
	}
}

// ModelPrice is the per-1k-token price for one registered model, in micro-USD.
type ModelPrice struct {
	InPer1KMicros  int64 `yaml:"in_per_1k_micros"`
	OutPer1KMicros int64 `yaml:"out_per_1k_micros"`
}

// CostFor computes the exact cost of a call at this price, rounding up so the
// ledger never undercounts.
func (p ModelPrice) CostFor(tokensIn, tokensOut int64) int64 {
	return ceilDiv(tokensIn*p.InPer1KMicros, 1000) + ceilDiv(tokensOut*p.OutPer1KMicros, 1000)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Model tiers the planner escalates through.
const (
	ModelMini   = "mini"
	ModelStrong = "strong"
)

// PriceTable maps model id to price. Prices come from configuration; the
// defaults here are placeholders overridden in any real deployment.
type PriceTable map[string]ModelPrice

// DefaultPrices returns placeholder prices for the two planner tiers.
func DefaultPrices() PriceTable {
	return PriceTable{
		ModelMini:   {InPer1KMicros: 150, OutPer1KMicros: 600},
		ModelStrong: {InPer1KMicros: 2_000, OutPer1KMicros: 8_000},
	}
}

// Usage is the exact figures reported by the normaliser after one call.
type Usage struct {
	Model      string
	TokensIn   int64
	TokensOut  int64
	CostMicros int64
	At         time.Time
}

// Ledger is the per-session cost accumulator. It only grows.
type Ledger struct {
	LLMCalls     int   `json:"llm_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	MoneyMicros  int64 `json:"money_micros"`
}

// Record adds one call's usage. Negative figures are clamped to zero so a
// buggy client can never decrease the ledger.
func (l *Ledger) Record(u Usage) {
	l.LLMCalls++
	l.InputTokens += max64(u.TokensIn, 0)
	l.OutputTokens += max64(u.TokensOut, 0)
	l.MoneyMicros += max64(u.CostMicros, 0)
}

// Tokens returns total tokens consumed so far.
func (l Ledger) Tokens() int64 { return l.InputTokens + l.OutputTokens }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Decision is the closed set of planner outcomes. Exactly one of the four
// concrete types is returned from Plan.
type Decision interface {
	isDecision()
}

// Accept keeps the deterministic parse as-is.
type Accept struct{}

// Normalise requests one mini-model extraction pass.
type Normalise struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Escalate requests one strong-model pass after a low-confidence mini result.
type Escalate struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// AcceptPartial keeps the best result so far and marks the output for manual
// review.
type AcceptPartial struct {
	Reason string
}

func (Accept) isDecision()        {}
func (Normalise) isDecision()     {}
func (Escalate) isDecision()      {}
func (AcceptPartial) isDecision() {}

// Input carries the parse signals the planner reads. LastLLMConfidence is the
// numeric mapping of the normaliser's high/med/low field; it is only
// meaningful when AttemptsForArtifact > 0.
type Input struct {
	Coverage            float64
	StructureConf       float64
	AttemptsForArtifact int
	LastLLMConfidence   float64
	EstInputTokens      int64
	LowOCRConfidence    bool
}

// Acceptance thresholds for the deterministic parse.
const (
	coverageFloor  = 0.80
	structureFloor = 0.70
	confidenceLow  = 0.60
)

// Per-call output allowances, also the basis of projected cost.
const (
	miniMaxTokens   = 2000
	strongMaxTokens = 3000
	miniTemp        = 0.1
	strongTemp      = 0.2
)

// Planner decides, per artifact attempt, whether to accept the deterministic
// parse, spend a model call, or give up and flag for review.
type Planner struct {
	caps   Caps
	prices PriceTable
}

// NewPlanner builds a planner from caps and a price table. Missing prices for
// a tier disable that tier.
func NewPlanner(caps Caps, prices PriceTable) *Planner {
	return &Planner{caps: caps, prices: prices}
}

// Plan is the pure decision function of §"escalation". Low OCR confidence
// disqualifies deterministic acceptance regardless of coverage.
func (p *Planner) Plan(in Input, ledger Ledger) Decision {
	if !in.LowOCRConfidence && in.Coverage >= coverageFloor && in.StructureConf >= structureFloor {
		return Accept{}
	}

	if in.AttemptsForArtifact == 0 {
		if ok, _ := p.affords(ModelMini, in.EstInputTokens, miniMaxTokens, ledger); ok {
			return Normalise{Model: ModelMini, MaxTokens: miniMaxTokens, Temperature: miniTemp}
		}
		return AcceptPartial{Reason: "budget does not cover a mini call"}
	}

	if in.AttemptsForArtifact == 1 && in.LastLLMConfidence < confidenceLow {
		if ok, _ := p.affords(ModelStrong, in.EstInputTokens, strongMaxTokens, ledger); ok {
			return Escalate{Model: ModelStrong, MaxTokens: strongMaxTokens, Temperature: strongTemp}
		}
		return AcceptPartial{Reason: "budget does not cover a strong call"}
	}

	return AcceptPartial{Reason: "escalation attempts exhausted"}
}

// Affords reports whether the session budget covers one prospective call:
// observed input tokens plus a conservative full-output estimate.
func (p *Planner) Affords(model string, estInputTokens, maxOutputTokens int64, ledger Ledger) (bool, int64) {
	return p.affords(model, estInputTokens, maxOutputTokens, ledger)
}

func (p *Planner) affords(model string, estIn, maxOut int64, ledger Ledger) (ok bool, projected int64) {
	price, known := p.prices[model]
	if !known {
		return false, 0
	}
	if ledger.LLMCalls+1 > p.caps.MaxCalls {
		return false, 0
	}
	if ledger.Tokens()+estIn+maxOut > p.caps.MaxTokens {
		return false, 0
	}
	projected = price.CostFor(estIn, maxOut)
	if ledger.MoneyMicros+projected > p.caps.MaxMoneyMicros {
		return false, projected
	}
	return true, projected
}

// Price returns the registered price for a model.
func (p *Planner) Price(model string) (ModelPrice, error) {
	price, ok := p.prices[model]
	if !ok {
		return ModelPrice{}, fmt.Errorf("costplan: no price registered for model %q", model)
	}
	return price, nil
}
