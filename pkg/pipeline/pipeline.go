// Package pipeline orchestrates the per-artifact lifecycle: admission,
// storage, session attachment, text extraction, parsing, cost-planned
// normalisation, reconciliation, and draft-line appends. Commit and
// verification are driven by their own services; the pipeline stops at draft
// lines.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/harborline/receiving/pkg/admission"
	"github.com/harborline/receiving/pkg/artifact"
	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/blob"
	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/finance"
	"github.com/harborline/receiving/pkg/label"
	"github.com/harborline/receiving/pkg/metering"
	"github.com/harborline/receiving/pkg/normalize"
	"github.com/harborline/receiving/pkg/ocr"
	"github.com/harborline/receiving/pkg/reconcile"
	"github.com/harborline/receiving/pkg/rowparse"
	"github.com/harborline/receiving/pkg/session"
)

// Config holds the orchestrator tunables. Zero values take the defaults.
type Config struct {
	Workers         int           `yaml:"workers"`
	TenantQueueSize int           `yaml:"tenant_queue_size"`
	TenantRate      float64       `yaml:"tenant_rate"`  // ingest calls per second
	TenantBurst     int           `yaml:"tenant_burst"`
	AdmitTimeout    time.Duration `yaml:"admit_timeout"`
	ParseTimeout    time.Duration `yaml:"parse_timeout"`
	LLMTimeout      time.Duration `yaml:"llm_timeout"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	SweepEvery      time.Duration `yaml:"sweep_every"`
}

// DefaultConfig returns the standard phase deadlines and pool sizes.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		TenantQueueSize: 16,
		TenantRate:      10,
		TenantBurst:     20,
		AdmitTimeout:    50 * time.Millisecond,
		ParseTimeout:    time.Second,
		LLMTimeout:      30 * time.Second,
		IdleTTL:         session.DefaultIdleTTL,
		SweepEvery:      10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.TenantQueueSize <= 0 {
		c.TenantQueueSize = d.TenantQueueSize
	}
	if c.TenantRate <= 0 {
		c.TenantRate = d.TenantRate
	}
	if c.TenantBurst <= 0 {
		c.TenantBurst = d.TenantBurst
	}
	if c.AdmitTimeout <= 0 {
		c.AdmitTimeout = d.AdmitTimeout
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = d.ParseTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = d.SweepEvery
	}
}

// AdmittedArtifact is the synchronous reply to an ingest call. Extraction
// continues on the worker pool; results land on the session as draft lines.
type AdmittedArtifact struct {
	ArtifactID          uuid.UUID `json:"artifact_id"`
	IsDuplicate         bool      `json:"is_duplicate"`
	SessionID           uuid.UUID `json:"session_id"`
	ProjectedCostMicros int64     `json:"projected_cost_micros"`
}

// Orchestrator glues the pipeline components together.
type Orchestrator struct {
	cfg Config

	admitter   *admission.Controller
	artifacts  artifact.Store
	blobs      blob.Store
	sessions   session.Store
	registry   *ocr.Registry
	parser     *rowparse.Parser
	planner    *costplan.Planner
	normaliser *normalize.Normaliser
	reconciler *reconcile.Reconciler
	labels     label.Store
	sessionSvc *session.Service
	auditLog   audit.Appender
	meter      metering.Meter
	budget     finance.Tracker

	tracer trace.Tracer
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	pending  map[uuid.UUID]int

	jobs chan job
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Admitter   *admission.Controller
	Artifacts  artifact.Store
	Blobs      blob.Store
	Sessions   session.Store
	SessionSvc *session.Service
	Registry   *ocr.Registry
	Planner    *costplan.Planner
	Normaliser *normalize.Normaliser
	Reconciler *reconcile.Reconciler
	Labels     label.Store
	Audit      audit.Appender
	Meter      metering.Meter
	Budget     finance.Tracker // nil means unlimited
	Log        *slog.Logger
}

// New builds an orchestrator. Call Start before ingesting.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		admitter:   deps.Admitter,
		artifacts:  deps.Artifacts,
		blobs:      deps.Blobs,
		sessions:   deps.Sessions,
		sessionSvc: deps.SessionSvc,
		registry:   deps.Registry,
		parser:     rowparse.NewParser(),
		planner:    deps.Planner,
		normaliser: deps.Normaliser,
		reconciler: deps.Reconciler,
		labels:     deps.Labels,
		auditLog:   deps.Audit,
		meter:      deps.Meter,
		budget:     deps.Budget,
		tracer:     otel.Tracer("receiving/pipeline"),
		log:        logger.With("component", "pipeline"),
		now:        time.Now,
		limiters:   make(map[uuid.UUID]*rate.Limiter),
		pending:    make(map[uuid.UUID]int),
		jobs:       make(chan job, cfg.Workers*cfg.TenantQueueSize),
		stop:       make(chan struct{}),
	}
}

// Ingest is the inbound contract: admit, store, attach a session, and queue
// extraction. Duplicates return the existing artifact without queueing.
func (o *Orchestrator) Ingest(ctx context.Context, ac authctx.AuthContext, up admission.Upload, sessionID *uuid.UUID) (*AdmittedArtifact, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(attribute.String("artifact.kind", string(up.Kind))))
	defer span.End()

	if err := ac.Require(authctx.CapUpload); err != nil {
		return nil, err
	}
	if !o.limiter(ac.TenantID).Allow() {
		return nil, faults.New(faults.KindQueueFull, "tenant ingest rate exceeded")
	}

	admitCtx, cancel := context.WithTimeout(ctx, o.cfg.AdmitTimeout)
	decision, err := o.admitter.Admit(admitCtx, ac, up)
	cancel()
	if err != nil {
		return nil, err
	}

	switch d := decision.(type) {
	case admission.Duplicate:
		sid, err := o.attachSession(ctx, ac, d.ExistingID, sessionID)
		if err != nil {
			return nil, err
		}
		return &AdmittedArtifact{
			ArtifactID:  d.ExistingID,
			IsDuplicate: true,
			SessionID:   sid,
		}, nil

	case admission.New:
		return o.ingestNew(ctx, ac, up, d, sessionID)

	default:
		return nil, faults.Internal(fmt.Errorf("pipeline: unknown admit decision %T", decision))
	}
}

func (o *Orchestrator) ingestNew(ctx context.Context, ac authctx.AuthContext, up admission.Upload, d admission.New, sessionID *uuid.UUID) (*AdmittedArtifact, error) {
	rec := d.Artifact

	if err := o.blobs.Put(ctx, rec.BlobRef, up.Bytes, up.Mime); err != nil {
		return nil, faults.Internal(fmt.Errorf("pipeline: blob put: %w", err))
	}
	if err := o.artifacts.Insert(ctx, rec); err != nil {
		if errors.Is(err, artifact.ErrDuplicateHash) {
			// Lost a dedup race after the blob write; the blob stays for the
			// winner's ref to reuse.
			existing, ferr := o.artifacts.FindByHash(ctx, ac.TenantID, rec.ContentHash)
			if ferr != nil {
				return nil, faults.Internal(ferr)
			}
			sid, serr := o.attachSession(ctx, ac, existing.ArtifactID, sessionID)
			if serr != nil {
				return nil, serr
			}
			return &AdmittedArtifact{ArtifactID: existing.ArtifactID, IsDuplicate: true, SessionID: sid}, nil
		}
		return nil, faults.Internal(fmt.Errorf("pipeline: artifact insert: %w", err))
	}

	sid, err := o.attachSession(ctx, ac, rec.ArtifactID, sessionID)
	if err != nil {
		return nil, err
	}

	o.appendAudit(ctx, ac, audit.ActionArtifactAdmitted, "artifact:"+rec.ArtifactID.String(), map[string]any{
		"kind":         string(rec.Kind),
		"content_hash": rec.ContentHash,
		"byte_len":     rec.ByteLen,
		"session_id":   sid.String(),
	})
	o.recordUsage(ctx, ac.TenantID,
		metering.Event{TenantID: ac.TenantID, EventType: metering.EventIngestion, Quantity: 1},
		metering.Event{TenantID: ac.TenantID, EventType: metering.EventStorageByte, Quantity: rec.ByteLen},
	)

	if err := o.enqueue(job{
		auth:       jobAuth{TenantID: ac.TenantID, UserID: ac.UserID},
		artifactID: rec.ArtifactID,
		sessionID:  sid,
		kind:       rec.Kind,
		blobRef:    rec.BlobRef,
		mime:       rec.Mime,
	}); err != nil {
		return nil, err
	}

	return &AdmittedArtifact{
		ArtifactID:          rec.ArtifactID,
		SessionID:           sid,
		ProjectedCostMicros: o.projectedCost(rec.ByteLen),
	}, nil
}

// attachSession joins an existing session or creates a draft one.
func (o *Orchestrator) attachSession(ctx context.Context, ac authctx.AuthContext, artifactID uuid.UUID, sessionID *uuid.UUID) (uuid.UUID, error) {
	now := o.now().UTC()

	if sessionID != nil {
		sess, err := o.sessions.Get(ctx, ac.TenantID, *sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return uuid.Nil, faults.New(faults.KindNotFound, "session not found")
		}
		if err != nil {
			return uuid.Nil, faults.Internal(err)
		}
		if sess.State.Terminal() {
			return uuid.Nil, faults.Newf(faults.KindSessionStateViolation,
				"cannot attach artifact to %s session", sess.State)
		}
		for attempt := 0; attempt < 3; attempt++ {
			sess.ArtifactIDs = append(sess.ArtifactIDs, artifactID)
			sess.UpdatedAt = now
			err = o.sessions.Update(ctx, sess)
			if err == nil {
				return sess.SessionID, nil
			}
			if !errors.Is(err, session.ErrStale) {
				return uuid.Nil, faults.Internal(err)
			}
			if sess, err = o.sessions.Get(ctx, ac.TenantID, *sessionID); err != nil {
				return uuid.Nil, faults.Internal(err)
			}
		}
		return uuid.Nil, faults.New(faults.KindConflict, "session contended, retry")
	}

	sess := session.New(ac.TenantID, ac.UserID, now)
	sess.ArtifactIDs = []uuid.UUID{artifactID}
	if err := o.sessions.Create(ctx, sess); err != nil {
		return uuid.Nil, faults.Internal(err)
	}
	o.appendAudit(ctx, ac, audit.ActionSessionCreated, "session:"+sess.SessionID.String(), map[string]any{
		"artifact_id": artifactID.String(),
	})
	return sess.SessionID, nil
}

// projectedCost estimates one mini call against the stored bytes: a rough
// four-bytes-per-token input guess plus the full output allowance.
func (o *Orchestrator) projectedCost(byteLen int64) int64 {
	price, err := o.planner.Price(costplan.ModelMini)
	if err != nil {
		return 0
	}
	estIn := byteLen / 4
	if estIn > 8000 {
		estIn = 8000
	}
	return price.CostFor(estIn, 2000)
}

func (o *Orchestrator) limiter(tenantID uuid.UUID) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.cfg.TenantRate), o.cfg.TenantBurst)
		o.limiters[tenantID] = l
	}
	return l
}

func (o *Orchestrator) appendAudit(ctx context.Context, ac authctx.AuthContext, action, target string, body map[string]any) {
	if o.auditLog == nil {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := o.auditLog.Append(ctx, &audit.Entry{
		TenantID:   ac.TenantID,
		ActorID:    ac.UserID,
		Action:     action,
		Target:     target,
		Body:       raw,
		RecordedAt: o.now().UTC(),
	}); err != nil {
		o.log.Error("audit append failed", "action", action, "error", err)
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, tenantID uuid.UUID, events ...metering.Event) {
	if o.meter == nil {
		return
	}
	if err := o.meter.RecordBatch(ctx, events); err != nil {
		o.log.Warn("usage recording failed", "tenant_id", tenantID, "error", err)
	}
}
