package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/admission"
	"github.com/harborline/receiving/pkg/artifact"
	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/commitment"
	"github.com/harborline/receiving/pkg/metering"
	"github.com/harborline/receiving/pkg/pipeline"
	"github.com/harborline/receiving/pkg/session"
)

// maxUploadBytes caps the request body before admission sees it. Admission
// enforces the configured per-kind limit; this is the transport ceiling.
const maxUploadBytes = 32 << 20

// Server is the HTTP API.
type Server struct {
	pipeline   *pipeline.Orchestrator
	sessions   *session.Service
	engine     commitment.Engine
	auditStore audit.Store
	meter      metering.Meter
	log        *slog.Logger
}

func NewServer(p *pipeline.Orchestrator, sessions *session.Service, engine commitment.Engine, auditStore audit.Store, meter metering.Meter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pipeline:   p,
		sessions:   sessions,
		engine:     engine,
		auditStore: auditStore,
		meter:      meter,
		log:        logger.With("component", "api"),
	}
}

// Routes returns the route table. Wrap it with the middleware stack in main.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/artifacts", s.handleUpload)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/lines", s.handleLines)
	mux.HandleFunc("POST /v1/sessions/{id}/abandon", s.handleAbandon)
	mux.HandleFunc("POST /v1/sessions/{id}/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/lines/{id}/verify", s.handleVerifyLine)
	mux.HandleFunc("POST /v1/lines/{id}/discrepancy", s.handleDiscrepancy)
	mux.HandleFunc("POST /v1/lines/{id}/evidence", s.handleEvidence)
	mux.HandleFunc("GET /v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	return mux
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ac, err := authctx.From(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	kind := artifact.Kind(r.Header.Get("X-Artifact-Kind"))
	if kind == "" {
		WriteBadRequest(w, "X-Artifact-Kind header is required")
		return
	}

	var sessionID *uuid.UUID
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			WriteBadRequest(w, "session_id is not a UUID")
			return
		}
		sessionID = &id
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		WriteBadRequest(w, "request body unreadable or too large")
		return
	}

	admitted, err := s.pipeline.Ingest(r.Context(), ac, admission.Upload{
		Kind:     kind,
		Filename: r.Header.Get("X-Filename"),
		Mime:     r.Header.Get("Content-Type"),
		Bytes:    body,
	}, sessionID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	status := http.StatusCreated
	if admitted.IsDuplicate {
		status = http.StatusOK
	}
	WriteJSON(w, status, admitted)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ac, sessionID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(r.Context(), ac, sessionID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	ac, sessionID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	lines, err := s.sessions.Lines(r.Context(), ac, sessionID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleVerifyLine(w http.ResponseWriter, r *http.Request) {
	ac, lineID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	var req struct {
		OverridePartID *uuid.UUID `json:"override_part_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	line, err := s.sessions.VerifyLine(r.Context(), ac, lineID, req.OverridePartID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, line)
}

func (s *Server) handleDiscrepancy(w http.ResponseWriter, r *http.Request) {
	ac, lineID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	var req struct {
		Kind                string      `json:"kind"`
		Note                string      `json:"note"`
		EvidenceArtifactIDs []uuid.UUID `json:"evidence_artifact_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	line, err := s.sessions.FlagDiscrepancy(r.Context(), ac, lineID, session.Discrepancy{
		Kind:                req.Kind,
		Note:                req.Note,
		EvidenceArtifactIDs: req.EvidenceArtifactIDs,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, line)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	ac, lineID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	var req struct {
		ArtifactIDs []uuid.UUID `json:"artifact_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ArtifactIDs) == 0 {
		WriteBadRequest(w, "artifact_ids must not be empty")
		return
	}
	line, err := s.sessions.AttachEvidence(r.Context(), ac, lineID, req.ArtifactIDs...)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, line)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	ac, sessionID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Abandon(r.Context(), ac, sessionID); err != nil {
		WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	ac, sessionID, ok := s.authAndID(w, r)
	if !ok {
		return
	}
	event, err := s.engine.Commit(r.Context(), ac, sessionID)
	if err != nil {
		// Replay of a committed session returns the original event.
		if event != nil {
			WriteJSON(w, http.StatusOK, event)
			return
		}
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, event)
}

// handleAuditExport streams the tenant's verified audit chain as JSON lines.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	ac, err := authctx.From(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	out, err := audit.Export(r.Context(), s.auditStore, ac.TenantID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ac, err := authctx.From(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	now := time.Now().UTC()
	period := metering.MonthlyPeriod(now)
	if r.URL.Query().Get("period") == "daily" {
		period = metering.DailyPeriod(now)
	}
	usage, err := s.meter.GetUsage(r.Context(), ac.TenantID, period)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, usage)
}

// authAndID extracts the auth context and the {id} path segment.
func (s *Server) authAndID(w http.ResponseWriter, r *http.Request) (authctx.AuthContext, uuid.UUID, bool) {
	ac, err := authctx.From(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return authctx.AuthContext{}, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "id is not a UUID")
		return authctx.AuthContext{}, uuid.Nil, false
	}
	return ac, id, true
}

// decodeBody parses a JSON request body. An empty body decodes to the zero
// request.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
