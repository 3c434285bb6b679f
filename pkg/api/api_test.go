package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/receiving/pkg/admission"
	"github.com/harborline/receiving/pkg/artifact"
	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/blob"
	"github.com/harborline/receiving/pkg/catalog"
	"github.com/harborline/receiving/pkg/commitment"
	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/fingerprint"
	"github.com/harborline/receiving/pkg/label"
	"github.com/harborline/receiving/pkg/metering"
	"github.com/harborline/receiving/pkg/normalize"
	"github.com/harborline/receiving/pkg/ocr"
	"github.com/harborline/receiving/pkg/pipeline"
	"github.com/harborline/receiving/pkg/quota"
	"github.com/harborline/receiving/pkg/reconcile"
	"github.com/harborline/receiving/pkg/rowparse"
	"github.com/harborline/receiving/pkg/session"
)

var signingKey = []byte("test-signing-key")

type noopClient struct{}

func (noopClient) Complete(ctx context.Context, req normalize.Request) (*normalize.Completion, error) {
	return &normalize.Completion{JSON: json.RawMessage(`{"lines":[]}`)}, nil
}

type apiFixture struct {
	srv      *httptest.Server
	sessions *session.MemoryStore
	engine   *commitment.MemoryEngine
	audit    *audit.MemoryStore
	tenant   uuid.UUID
	user     uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	arts := artifact.NewMemoryStore()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	meter := metering.NewMemoryMeter()
	sessionSvc := session.NewService(sessions, auditStore, nil)
	engine := commitment.NewMemoryEngine(sessions, auditStore)

	admitCfg := admission.Config{
		MaxBytes:         1 << 20,
		MinWidth:         16,
		MinHeight:        16,
		QualityThreshold: 0,
		Window:           quota.Window{Limit: 100, Span: time.Hour},
		Fingerprint:      fingerprint.DefaultConfig(),
	}
	orch := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Admitter:   admission.NewController(admitCfg, arts, nil),
		Artifacts:  arts,
		Blobs:      blobs,
		Sessions:   sessions,
		SessionSvc: sessionSvc,
		Registry:   ocr.NewRegistry(2048, 0.6, nil),
		Planner:    costplan.NewPlanner(costplan.DefaultCaps(), costplan.DefaultPrices()),
		Normaliser: normalize.NewNormaliser(noopClient{}, nil),
		Reconciler: reconcile.NewReconciler(catalog.NewMemoryCatalog()),
		Labels:     label.NewMemoryStore(),
		Audit:      auditStore,
		Meter:      meter,
	})

	server := NewServer(orch, sessionSvc, engine, auditStore, meter, nil)
	parser := authctx.NewTokenParser(func(token *jwt.Token) (any, error) {
		return signingKey, nil
	})
	handler := RequestID(Auth(parser)(server.Routes()))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &apiFixture{
		srv:      srv,
		sessions: sessions,
		engine:   engine,
		audit:    auditStore,
		tenant:   uuid.New(),
		user:     uuid.New(),
	}
}

func mintToken(t *testing.T, tenant, user uuid.UUID, role authctx.Role) string {
	t.Helper()
	claims := authctx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant.String(),
		Role:     string(role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)
	return signed
}

func (f *apiFixture) do(t *testing.T, role authctx.Role, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, f.tenant, f.user, role))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

// seedSession creates a draft session with one unverified line.
func (f *apiFixture) seedSession(t *testing.T) (*session.Session, session.DraftLine) {
	t.Helper()
	ctx := context.Background()
	sess := session.New(f.tenant, f.user, time.Now().UTC())
	require.NoError(t, f.sessions.Create(ctx, sess))

	line := session.DraftLine{
		LineID:           uuid.New(),
		SessionID:        sess.SessionID,
		SourceArtifactID: uuid.New(),
		Qty:              rowparse.Qty{Num: 2, Den: 1},
		Unit:             rowparse.UnitEach,
		Description:      "Fuel filter",
		SuggestedMatch:   &reconcile.Match{PartID: uuid.New(), Score: 1.0},
	}
	require.NoError(t, f.sessions.AppendLines(ctx, f.tenant, sess.SessionID, []session.DraftLine{line}))
	lines, err := f.sessions.Lines(ctx, f.tenant, sess.SessionID)
	require.NoError(t, err)
	return sess, lines[0]
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	seed := uint32(3)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			seed = seed*1664525 + 1013904223
			img.SetGray(x, y, color.Gray{Y: uint8(seed >> 24)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/usage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/usage", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	resp2, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestAuth_WrongKeyRejected(t *testing.T) {
	f := newAPIFixture(t)

	claims := authctx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: f.user.String()},
		TenantID:         f.tenant.String(),
		Role:             string(authctx.RoleCrew),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-key"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/usage", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/usage", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/usage", nil, map[string]string{
		"X-Request-ID": "req-42",
	})
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestGlobalRateLimiter(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.RemoteAddr = "10.0.0.1:4321"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A different client has its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	other.RemoteAddr = "10.0.0.2:4321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpload(t *testing.T) {
	f := newAPIFixture(t)
	payload := testPNG(t)
	headers := map[string]string{
		"X-Artifact-Kind": string(artifact.KindPackingSlip),
		"X-Filename":      "slip.png",
		"Content-Type":    "image/png",
	}

	resp := f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/artifacts", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first pipeline.AdmittedArtifact
	decodeJSON(t, resp, &first)
	assert.NotEqual(t, uuid.Nil, first.ArtifactID)
	assert.False(t, first.IsDuplicate)

	// Replaying the same bytes is a 200, not a 201.
	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/artifacts", payload, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second pipeline.AdmittedArtifact
	decodeJSON(t, resp, &second)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)
}

func TestUpload_Validation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/artifacts", testPNG(t), map[string]string{
		"Content-Type": "image/png",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/artifacts?session_id=nope", testPNG(t), map[string]string{
		"X-Artifact-Kind": string(artifact.KindPackingSlip),
		"Content-Type":    "image/png",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/artifacts", []byte("text"), map[string]string{
		"X-Artifact-Kind": string(artifact.KindPackingSlip),
		"Content-Type":    "text/plain",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	sess, line := f.seedSession(t)

	resp := f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/sessions/"+sess.SessionID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got session.Session
	decodeJSON(t, resp, &got)
	assert.Equal(t, session.StateDraft, got.State)

	resp = f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/sessions/"+sess.SessionID.String()+"/lines", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Lines []session.DraftLine `json:"lines"`
	}
	decodeJSON(t, resp, &listing)
	require.Len(t, listing.Lines, 1)

	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/lines/"+line.LineID.String()+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verified session.DraftLine
	decodeJSON(t, resp, &verified)
	assert.True(t, verified.Verified)

	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/abandon", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A second abandon is a state violation.
	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/abandon", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDiscrepancyAndEvidenceOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	_, line := f.seedSession(t)
	path := "/v1/lines/" + line.LineID.String()

	resp := f.do(t, authctx.RoleCrew, http.MethodPost, path+"/discrepancy",
		[]byte(`{"kind":"damaged","note":"crushed box"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, authctx.RoleCrew, http.MethodPost, path+"/discrepancy",
		[]byte(`{"kind":"dented"}`), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, authctx.RoleCrew, http.MethodPost, path+"/evidence", []byte(`{"artifact_ids":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	photo := uuid.New()
	resp = f.do(t, authctx.RoleCrew, http.MethodPost, path+"/evidence",
		[]byte(`{"artifact_ids":["`+photo.String()+`"]}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated session.DraftLine
	decodeJSON(t, resp, &updated)
	require.NotNil(t, updated.Discrepancy)
	assert.Equal(t, []uuid.UUID{photo}, updated.Discrepancy.EvidenceArtifactIDs)
}

func TestCommitOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	sess, line := f.seedSession(t)
	ctx := context.Background()

	resp := f.do(t, authctx.RoleHOD, http.MethodPost, "/v1/lines/"+line.LineID.String()+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, authctx.RoleHOD, http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/commit", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var event commitment.ReceivingEvent
	decodeJSON(t, resp, &event)
	assert.Equal(t, sess.SessionID, event.SessionID)

	// Replay returns the original event with a 200.
	resp = f.do(t, authctx.RoleHOD, http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/commit", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replay commitment.ReceivingEvent
	decodeJSON(t, resp, &replay)
	assert.Equal(t, event.EventID, replay.EventID)

	// Crew cannot commit.
	other, _ := f.seedSession(t)
	resp = f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/sessions/"+other.SessionID.String()+"/commit", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	sessAfter, err := f.sessions.Get(ctx, f.tenant, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCommitted, sessAfter.State)
}

func TestAuditExportOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	_, line := f.seedSession(t)

	resp := f.do(t, authctx.RoleCrew, http.MethodPost, "/v1/lines/"+line.LineID.String()+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/audit/export", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, audit.ActionLineVerified, entry["action"])
}

func TestProblemDetailShape(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/sessions/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var problem ProblemDetail
	decodeJSON(t, resp, &problem)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, string(faults.KindNotFound), problem.Title)
	assert.Contains(t, problem.Type, "not_found")
	assert.Contains(t, problem.Instance, "/v1/sessions/")
	assert.NotEmpty(t, problem.TraceID)
}

func TestUsageEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/usage", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, authctx.RoleCrew, http.MethodGet, "/v1/usage?period=daily", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
