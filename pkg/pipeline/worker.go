package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborline/receiving/pkg/artifact"
	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/label"
	"github.com/harborline/receiving/pkg/metering"
	"github.com/harborline/receiving/pkg/normalize"
	"github.com/harborline/receiving/pkg/ocr"
	"github.com/harborline/receiving/pkg/pdftext"
	"github.com/harborline/receiving/pkg/rowparse"
	"github.com/harborline/receiving/pkg/session"
)

// job is one queued extraction unit. Jobs never cross tenants; the pending
// counter keeps one noisy tenant from starving the shared pool.
type job struct {
	auth       jobAuth
	artifactID uuid.UUID
	sessionID  uuid.UUID
	kind       artifact.Kind
	blobRef    string
	mime       string
}

// jobAuth is the slice of the auth context a worker needs after the
// synchronous ingest call has returned.
type jobAuth struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
}

// Start launches the worker pool and the idle-session sweeper.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	o.wg.Add(1)
	go o.sweeper(ctx)
}

// Stop drains the pool. In-flight jobs finish; queued jobs are processed.
func (o *Orchestrator) Stop() {
	o.once.Do(func() {
		close(o.stop)
		close(o.jobs)
	})
	o.wg.Wait()
}

func (o *Orchestrator) enqueue(j job) error {
	o.mu.Lock()
	if o.pending[j.auth.TenantID] >= o.cfg.TenantQueueSize {
		o.mu.Unlock()
		return faults.New(faults.KindQueueFull, "tenant extraction queue full")
	}
	o.pending[j.auth.TenantID]++
	o.mu.Unlock()

	select {
	case o.jobs <- j:
		return nil
	default:
		o.release(j.auth.TenantID)
		return faults.New(faults.KindQueueFull, "extraction queue full")
	}
}

func (o *Orchestrator) release(tenantID uuid.UUID) {
	o.mu.Lock()
	if o.pending[tenantID] > 0 {
		o.pending[tenantID]--
	}
	o.mu.Unlock()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for j := range o.jobs {
		if ctx.Err() != nil {
			o.release(j.auth.TenantID)
			continue
		}
		if err := o.process(ctx, j); err != nil {
			o.log.Error("extraction failed",
				"tenant_id", j.auth.TenantID,
				"artifact_id", j.artifactID,
				"session_id", j.sessionID,
				"error", err)
		}
		o.release(j.auth.TenantID)
	}
}

func (o *Orchestrator) sweeper(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.sessionSvc.SweepIdle(ctx, o.cfg.IdleTTL)
			if err != nil {
				o.log.Error("idle sweep failed", "error", err)
			} else if n > 0 {
				o.log.Info("idle sessions abandoned", "count", n)
			}
		}
	}
}

// process runs one artifact through extract, parse, plan, and reconcile, and
// appends the resulting draft lines to the session.
func (o *Orchestrator) process(ctx context.Context, j job) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("artifact.id", j.artifactID.String()),
			attribute.String("artifact.kind", string(j.kind)),
		))
	defer span.End()

	data, err := o.blobs.Get(ctx, j.blobRef)
	if err != nil {
		return fmt.Errorf("pipeline: blob get %s: %w", j.blobRef, err)
	}

	res, err := o.extractText(ctx, j, data)
	if err != nil {
		return err
	}

	switch j.kind {
	case artifact.KindPackingSlip:
		return o.processSlip(ctx, j, res)
	case artifact.KindShippingLabel:
		return o.processLabel(ctx, j, res)
	default:
		// Photo kinds carry no extractable lines; admission already stored
		// them as evidence candidates.
		return nil
	}
}

// extractText prefers the embedded PDF text layer and falls back to OCR.
func (o *Orchestrator) extractText(ctx context.Context, j job, data []byte) (*ocr.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.extract")
	defer span.End()

	if pdftext.IsPDF(data) {
		if res, ok := pdftext.Extract(j.artifactID.String(), data); ok {
			span.SetAttributes(attribute.String("extract.path", "pdf_text_layer"))
			return res, nil
		}
	}

	res, err := o.registry.Recognise(ctx, j.artifactID.String(), data, j.mime)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("extract.path", "ocr"),
		attribute.String("extract.engine", res.EngineID),
		attribute.Float64("extract.mean_confidence", res.MeanConfidence),
	)
	o.recordUsage(ctx, j.auth.TenantID, metering.Event{
		TenantID: j.auth.TenantID, EventType: metering.EventOCRPage, Quantity: 1,
	})
	return res, nil
}

func (o *Orchestrator) processSlip(ctx context.Context, j job, res *ocr.Result) error {
	_, span := o.tracer.Start(ctx, "pipeline.parse")
	parsed := o.parser.Parse(res)
	span.SetAttributes(
		attribute.Float64("parse.coverage", parsed.Coverage),
		attribute.Float64("parse.structure_conf", parsed.StructureConf),
		attribute.Int("parse.lines", len(parsed.Lines)),
	)
	span.End()

	lines, needsReview, err := o.planAndNormalise(ctx, j, res, parsed)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		o.log.Warn("artifact produced no lines",
			"tenant_id", j.auth.TenantID, "artifact_id", j.artifactID)
		return nil
	}

	drafts, err := o.reconcileLines(ctx, j, lines, needsReview)
	if err != nil {
		return err
	}
	if err := o.sessions.AppendLines(ctx, j.auth.TenantID, j.sessionID, drafts); err != nil {
		return fmt.Errorf("pipeline: append lines: %w", err)
	}
	return nil
}

// planAndNormalise runs the planner loop: accept the deterministic parse,
// spend up to two model calls, or flag the artifact for manual review. Every
// decision and every cent spent is recorded on the session before the next
// step runs.
func (o *Orchestrator) planAndNormalise(ctx context.Context, j job, res *ocr.Result, parsed rowparse.ParseResult) ([]rowparse.ParsedLine, bool, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.plan")
	defer span.End()

	in := costplan.Input{
		Coverage:         parsed.Coverage,
		StructureConf:    parsed.StructureConf,
		EstInputTokens:   int64(len(res.Text) / 4),
		LowOCRConfidence: res.LowConfidence,
	}

	// Best candidate so far, returned under AcceptPartial. The deterministic
	// parse scores its coverage; a model result scores its mapped confidence.
	best := parsed.Lines
	bestScore := parsed.Coverage

	for {
		sess, err := o.sessions.Get(ctx, j.auth.TenantID, j.sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("pipeline: session load: %w", err)
		}

		decision := o.planner.Plan(in, sess.Ledger)
		if err := o.recordDecision(ctx, j, in.AttemptsForArtifact, decision); err != nil {
			return nil, false, err
		}

		switch d := decision.(type) {
		case costplan.Accept:
			span.SetAttributes(attribute.String("plan.outcome", "accept"))
			return parsed.Lines, false, nil

		case costplan.AcceptPartial:
			span.SetAttributes(
				attribute.String("plan.outcome", "accept_partial"),
				attribute.String("plan.reason", d.Reason),
			)
			o.log.Info("accepting partial parse",
				"tenant_id", j.auth.TenantID,
				"artifact_id", j.artifactID,
				"reason", d.Reason)
			return best, true, nil

		case costplan.Normalise:
			if !o.tenantAffords(j, d.Model, in.EstInputTokens, d.MaxTokens) {
				span.SetAttributes(attribute.String("plan.outcome", "tenant_budget_exhausted"))
				return best, true, nil
			}
			result, err := o.runModelAttempt(ctx, j, &in, d.Model, d.MaxTokens, d.Temperature, res.Text)
			if err != nil {
				return nil, false, err
			}
			if result != nil && in.LastLLMConfidence >= 0.60 {
				span.SetAttributes(attribute.String("plan.outcome", "normalised"))
				return result.ParsedLines(), false, nil
			}
			best, bestScore = betterCandidate(best, bestScore, result, in.LastLLMConfidence)
			// Low confidence or failed call: loop back so the planner can
			// escalate or stop.

		case costplan.Escalate:
			if !o.tenantAffords(j, d.Model, in.EstInputTokens, d.MaxTokens) {
				span.SetAttributes(attribute.String("plan.outcome", "tenant_budget_exhausted"))
				return best, true, nil
			}
			result, err := o.runModelAttempt(ctx, j, &in, d.Model, d.MaxTokens, d.Temperature, res.Text)
			if err != nil {
				return nil, false, err
			}
			if result != nil && in.LastLLMConfidence >= 0.60 {
				span.SetAttributes(attribute.String("plan.outcome", "escalated"))
				return result.ParsedLines(), false, nil
			}
			best, bestScore = betterCandidate(best, bestScore, result, in.LastLLMConfidence)

		default:
			return nil, false, faults.Internal(fmt.Errorf("pipeline: unknown plan decision %T", decision))
		}
	}
}

// runModelAttempt spends one planned call and folds the outcome into the
// planner input. A failed normalisation has still consumed the attempt and
// been charged to the ledger, so it returns to the loop with confidence zero
// instead of aborting; only non-normalisation faults propagate.
func (o *Orchestrator) runModelAttempt(ctx context.Context, j job, in *costplan.Input, model string, maxTokens int64, temperature float64, text string) (*normalize.LinesResult, error) {
	result, err := o.callModel(ctx, j, model, maxTokens, temperature, text)
	if err != nil {
		if !faults.Is(err, faults.KindNormalisationFailed) {
			return nil, err
		}
		o.log.Warn("normalisation attempt failed",
			"tenant_id", j.auth.TenantID,
			"artifact_id", j.artifactID,
			"model", model,
			"error", err)
		in.AttemptsForArtifact++
		in.LastLLMConfidence = 0
		return nil, nil
	}
	in.AttemptsForArtifact++
	in.LastLLMConfidence = result.MinConfidence()
	return result, nil
}

// betterCandidate keeps whichever line set scores higher. A failed or empty
// model result never displaces the current best.
func betterCandidate(best []rowparse.ParsedLine, bestScore float64, result *normalize.LinesResult, confidence float64) ([]rowparse.ParsedLine, float64) {
	if result == nil {
		return best, bestScore
	}
	lines := result.ParsedLines()
	if len(lines) == 0 || confidence <= bestScore {
		return best, bestScore
	}
	return lines, confidence
}

// callModel runs one normalisation call under the LLM deadline and charges
// the session ledger before returning, even when extraction fails.
func (o *Orchestrator) callModel(ctx context.Context, j job, model string, maxTokens int64, temperature float64, text string) (*normalize.LinesResult, error) {
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	result, usage, err := o.normaliser.ExtractLines(llmCtx, model, maxTokens, temperature, text)

	if usage.CostMicros > 0 || usage.TokensIn > 0 {
		if lerr := o.chargeLedger(ctx, j, usage); lerr != nil {
			o.log.Error("ledger charge failed",
				"tenant_id", j.auth.TenantID, "session_id", j.sessionID, "error", lerr)
		}
		if o.budget != nil {
			if berr := o.budget.Consume(j.auth.TenantID, usage.CostMicros); berr != nil {
				o.log.Warn("budget consume failed", "tenant_id", j.auth.TenantID, "error", berr)
			}
		}
		o.recordUsage(ctx, j.auth.TenantID,
			metering.Event{TenantID: j.auth.TenantID, EventType: metering.EventLLMToken,
				Quantity: usage.TokensIn + usage.TokensOut,
				Metadata: map[string]any{"model": usage.Model}},
			metering.Event{TenantID: j.auth.TenantID, EventType: metering.EventSpendMicros,
				Quantity: usage.CostMicros},
		)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: normalisation call: %w", err)
	}
	return result, nil
}

// tenantAffords consults the tenant-level budget for one prospective call.
// Errors fail open: the session caps still bound the spend.
func (o *Orchestrator) tenantAffords(j job, model string, estIn, maxOut int64) bool {
	if o.budget == nil {
		return true
	}
	price, err := o.planner.Price(model)
	if err != nil {
		return false
	}
	ok, err := o.budget.Check(j.auth.TenantID, price.CostFor(estIn, maxOut))
	if err != nil {
		o.log.Warn("budget check failed", "tenant_id", j.auth.TenantID, "error", err)
		return true
	}
	return ok
}

// chargeLedger appends model usage to the session ledger under the optimistic
// lock.
func (o *Orchestrator) chargeLedger(ctx context.Context, j job, usage costplan.Usage) error {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := o.sessions.Get(ctx, j.auth.TenantID, j.sessionID)
		if err != nil {
			return err
		}
		sess.Ledger.Record(usage)
		sess.UpdatedAt = o.now().UTC()
		err = o.sessions.Update(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrStale) {
			return err
		}
	}
	return faults.New(faults.KindConflict, "session contended, retry")
}

// recordDecision snapshots one planner step onto the session.
func (o *Orchestrator) recordDecision(ctx context.Context, j job, attempt int, decision costplan.Decision) error {
	name := decisionName(decision)
	for tries := 0; tries < 3; tries++ {
		sess, err := o.sessions.Get(ctx, j.auth.TenantID, j.sessionID)
		if err != nil {
			return err
		}
		sess.PlannerDecisions = append(sess.PlannerDecisions, session.PlannerDecision{
			Stage:    fmt.Sprintf("%s/attempt-%d", j.artifactID, attempt),
			Decision: name,
			Ledger:   sess.Ledger,
		})
		sess.UpdatedAt = o.now().UTC()
		err = o.sessions.Update(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrStale) {
			return err
		}
	}
	return faults.New(faults.KindConflict, "session contended, retry")
}

func decisionName(d costplan.Decision) string {
	switch v := d.(type) {
	case costplan.Accept:
		return "accept"
	case costplan.Normalise:
		return "normalise:" + v.Model
	case costplan.Escalate:
		return "escalate:" + v.Model
	case costplan.AcceptPartial:
		return "accept_partial:" + v.Reason
	default:
		return "unknown"
	}
}

// reconcileLines matches every extracted line against one catalog snapshot.
func (o *Orchestrator) reconcileLines(ctx context.Context, j job, lines []rowparse.ParsedLine, needsReview bool) ([]session.DraftLine, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.reconcile",
		trace.WithAttributes(attribute.Int("reconcile.lines", len(lines))))
	defer span.End()

	snap, err := o.reconciler.Load(ctx, j.auth.TenantID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: catalog snapshot: %w", err)
	}

	drafts := make([]session.DraftLine, 0, len(lines))
	for _, line := range lines {
		match := snap.Match(line)
		draft := session.DraftLine{
			LineID:            uuid.New(),
			SessionID:         j.sessionID,
			SourceArtifactID:  j.artifactID,
			Qty:               line.Qty,
			Unit:              line.Unit,
			Description:       line.Description,
			ExtractedPartCode: line.PartCode,
			SuggestedMatch:    match.Primary,
			Alternatives:      match.Alternatives,
			CatalogSnapshotID: match.SnapshotID,
			ParserVersion:     rowparse.Version,
			NeedsManualReview: needsReview || match.Primary == nil,
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// processLabel is the degenerate single-call path: one mini extraction, no
// reconciliation, no draft lines.
func (o *Orchestrator) processLabel(ctx context.Context, j job, res *ocr.Result) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.label")
	defer span.End()

	sess, err := o.sessions.Get(ctx, j.auth.TenantID, j.sessionID)
	if err != nil {
		return fmt.Errorf("pipeline: session load: %w", err)
	}
	estIn := int64(len(res.Text) / 4)
	if ok, _ := o.planner.Affords(costplan.ModelMini, estIn, 500, sess.Ledger); !ok {
		o.log.Info("skipping label extraction, budget exhausted",
			"tenant_id", j.auth.TenantID, "artifact_id", j.artifactID)
		return nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	result, usage, err := o.normaliser.ExtractLabel(llmCtx, 500, res.Text)
	if usage.CostMicros > 0 || usage.TokensIn > 0 {
		if lerr := o.chargeLedger(ctx, j, usage); lerr != nil {
			o.log.Error("ledger charge failed",
				"tenant_id", j.auth.TenantID, "session_id", j.sessionID, "error", lerr)
		}
		o.recordUsage(ctx, j.auth.TenantID,
			metering.Event{TenantID: j.auth.TenantID, EventType: metering.EventLLMToken,
				Quantity: usage.TokensIn + usage.TokensOut},
			metering.Event{TenantID: j.auth.TenantID, EventType: metering.EventSpendMicros,
				Quantity: usage.CostMicros},
		)
	}
	if err != nil {
		return fmt.Errorf("pipeline: label extraction: %w", err)
	}

	rec := label.FromResult(j.auth.TenantID, j.artifactID, result, o.now().UTC())
	if err := o.labels.Put(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: label store: %w", err)
	}
	return nil
}
