package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/rowparse"
)

// stubClient replays a queue of outcomes and records the last request.
type stubClient struct {
	queue []func() (*Completion, error)
	calls int
	last  Request
}

func (c *stubClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	c.calls++
	c.last = req
	next := c.queue[0]
	if len(c.queue) > 1 {
		c.queue = c.queue[1:]
	}
	return next()
}

func ok(raw string, in, out, cost int64) func() (*Completion, error) {
	return func() (*Completion, error) {
		return &Completion{JSON: json.RawMessage(raw), TokensIn: in, TokensOut: out, CostMicros: cost}, nil
	}
}

func fail(err error) func() (*Completion, error) {
	return func() (*Completion, error) { return nil, err }
}

const validLinesJSON = `{
  "lines": [
    {"line_no": 1, "qty": 12, "unit": "ea", "description": "Fuel filter", "part_code": "FF-1234", "confidence": "high"},
    {"line_no": 2, "qty": 2.5, "unit": "m", "description": "Fuel hose", "confidence": "med"},
    {"line_no": 3, "qty": 1, "unit": "crate", "description": "Misc fittings", "confidence": "low"}
  ]
}`

func TestConfidence_Score(t *testing.T) {
	assert.Equal(t, 0.90, ConfidenceHigh.Score())
	assert.Equal(t, 0.70, ConfidenceMed.Score())
	assert.Equal(t, 0.40, ConfidenceLow.Score())
	assert.Equal(t, 0.40, Confidence("garbage").Score())
}

func TestLinesResult_MinConfidence(t *testing.T) {
	assert.Zero(t, (&LinesResult{}).MinConfidence())

	r := LinesResult{Lines: []Line{
		{Confidence: ConfidenceHigh},
		{Confidence: ConfidenceLow},
		{Confidence: ConfidenceMed},
	}}
	assert.Equal(t, 0.40, r.MinConfidence())
}

func TestLinesResult_ParsedLines(t *testing.T) {
	var r LinesResult
	require.NoError(t, json.Unmarshal([]byte(validLinesJSON), &r))

	parsed := r.ParsedLines()
	require.Len(t, parsed, 3)

	assert.Equal(t, rowparse.Qty{Num: 12, Den: 1}, parsed[0].Qty)
	assert.Equal(t, rowparse.UnitEach, parsed[0].Unit)
	assert.Equal(t, "FF-1234", parsed[0].PartCode)
	assert.Equal(t, 0, parsed[0].RawSourceIdx)
	assert.Equal(t, 0.90, parsed[0].ParseConfidence)

	assert.Equal(t, rowparse.Qty{Num: 5, Den: 2}, parsed[1].Qty)
	assert.Equal(t, rowparse.UnitM, parsed[1].Unit)

	// "crate" has no mapping and stays unknown.
	assert.Equal(t, rowparse.UnitUnknown, parsed[2].Unit)
}

func TestRationalFromFloat(t *testing.T) {
	cases := []struct {
		in   float64
		want rowparse.Qty
	}{
		{12, rowparse.Qty{Num: 12, Den: 1}},
		{2.5, rowparse.Qty{Num: 5, Den: 2}},
		{0.25, rowparse.Qty{Num: 1, Den: 4}},
		{1.0 / 3.0, rowparse.Qty{Num: 1, Den: 3}},
		{0, rowparse.Qty{}},
		{-4, rowparse.Qty{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rationalFromFloat(tc.in), "input %v", tc.in)
	}
}

func TestExtractLines_ValidOutput(t *testing.T) {
	client := &stubClient{queue: []func() (*Completion, error){ok(validLinesJSON, 900, 150, 250)}}
	n := NewNormaliser(client, nil)

	res, usage, err := n.ExtractLines(context.Background(), costplan.ModelMini, 2000, 0.1, "12 ea Fuel filter")
	require.NoError(t, err)
	require.Len(t, res.Lines, 3)
	assert.Equal(t, "Fuel filter", res.Lines[0].Description)

	assert.Equal(t, costplan.ModelMini, usage.Model)
	assert.Equal(t, int64(900), usage.TokensIn)
	assert.Equal(t, int64(150), usage.TokensOut)
	assert.Equal(t, int64(250), usage.CostMicros)

	assert.Equal(t, costplan.ModelMini, client.last.Model)
	assert.Equal(t, int64(2000), client.last.MaxTokens)
	assert.Equal(t, 0.1, client.last.Temperature)
}

func TestExtractLines_SchemaMismatchConsumesAttempt(t *testing.T) {
	// qty must be strictly positive, so zero fails validation.
	bad := `{"lines": [{"line_no": 1, "qty": 0, "unit": "ea", "description": "x", "confidence": "high"}]}`
	client := &stubClient{queue: []func() (*Completion, error){ok(bad, 800, 90, 200)}}
	n := NewNormaliser(client, nil)

	res, usage, err := n.ExtractLines(context.Background(), costplan.ModelMini, 2000, 0.1, "text")
	require.True(t, faults.Is(err, faults.KindNormalisationFailed))
	assert.Nil(t, res)
	// The usage is still reported so the ledger charges the failed attempt.
	assert.Equal(t, int64(200), usage.CostMicros)
}

func TestExtractLines_UnknownFieldRejected(t *testing.T) {
	bad := `{"lines": [], "surprise": true}`
	client := &stubClient{queue: []func() (*Completion, error){ok(bad, 800, 10, 120)}}
	n := NewNormaliser(client, nil)

	_, _, err := n.ExtractLines(context.Background(), costplan.ModelMini, 2000, 0.1, "text")
	assert.True(t, faults.Is(err, faults.KindNormalisationFailed))
}

func TestExtractLines_TransientFailureRetriesOnce(t *testing.T) {
	client := &stubClient{queue: []func() (*Completion, error){
		fail(&transientError{err: errors.New("connection reset")}),
		ok(validLinesJSON, 900, 150, 250),
	}}
	n := NewNormaliser(client, nil)

	res, _, err := n.ExtractLines(context.Background(), costplan.ModelMini, 2000, 0.1, "text")
	require.NoError(t, err)
	assert.Len(t, res.Lines, 3)
	assert.Equal(t, 2, client.calls)
}

func TestExtractLines_PermanentFailureNotRetried(t *testing.T) {
	client := &stubClient{queue: []func() (*Completion, error){fail(errors.New("invalid api key"))}}
	n := NewNormaliser(client, nil)

	_, usage, err := n.ExtractLines(context.Background(), costplan.ModelMini, 2000, 0.1, "text")
	require.True(t, faults.Is(err, faults.KindNormalisationFailed))
	assert.Equal(t, 1, client.calls)
	assert.Zero(t, usage.CostMicros)
}

func TestExtractLabel_ValidOutput(t *testing.T) {
	raw := `{"carrier": "UPS", "tracking_number": "1Z999AA10123456784", "po_number": "PO-7781",
	  "ship_to": null, "ship_from": null, "ship_date": null, "service_type": null}`
	client := &stubClient{queue: []func() (*Completion, error){ok(raw, 400, 60, 90)}}
	n := NewNormaliser(client, nil)

	res, usage, err := n.ExtractLabel(context.Background(), 1000, "label text")
	require.NoError(t, err)
	assert.Equal(t, "UPS", res.Carrier)
	assert.Equal(t, "1Z999AA10123456784", res.TrackingNumber)
	assert.Equal(t, "PO-7781", res.PONumber)
	assert.Empty(t, res.ShipTo)
	assert.Equal(t, int64(90), usage.CostMicros)

	// Labels always go to the cheap tier at low temperature.
	assert.Equal(t, costplan.ModelMini, client.last.Model)
	assert.Equal(t, 0.1, client.last.Temperature)
}

func TestExtractLabel_PartialFieldsAcceptedOnSchemaMiss(t *testing.T) {
	// Missing required tracking_number fails validation, but whatever decoded
	// is still returned. Labels have no escalation path.
	client := &stubClient{queue: []func() (*Completion, error){ok(`{"carrier": "DHL"}`, 400, 20, 70)}}
	n := NewNormaliser(client, nil)

	res, _, err := n.ExtractLabel(context.Background(), 1000, "label text")
	require.NoError(t, err)
	assert.Equal(t, "DHL", res.Carrier)
	assert.Empty(t, res.TrackingNumber)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var captured chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{
		  "choices": [{"message": {"content": "{\"lines\": []}"}}],
		  "usage": {"prompt_tokens": 800, "completion_tokens": 120}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", map[string]string{costplan.ModelMini: "gpt-4o-mini"}, costplan.DefaultPrices())
	comp, err := c.Complete(context.Background(), Request{
		Model:       costplan.ModelMini,
		Prompt:      "extract",
		Schema:      json.RawMessage(lineItemsSchema),
		MaxTokens:   2000,
		Temperature: 0.1,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_schema", captured.ResponseFormat.Type)
	assert.True(t, captured.ResponseFormat.JSONSchema.Strict)

	assert.Equal(t, `{"lines": []}`, string(comp.JSON))
	assert.Equal(t, int64(800), comp.TokensIn)
	assert.Equal(t, int64(120), comp.TokensOut)
	// mini prices: ceil(800*150/1000) + ceil(120*600/1000)
	assert.Equal(t, int64(120+72), comp.CostMicros)
}

func TestOpenAIClient_UnknownTier(t *testing.T) {
	c := NewOpenAIClient("http://unused", "k", map[string]string{costplan.ModelMini: "gpt-4o-mini"}, nil)
	_, err := c.Complete(context.Background(), Request{Model: "turbo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no deployment configured")
}

func TestOpenAIClient_StatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", map[string]string{costplan.ModelMini: "m"}, nil)

	_, err := c.Complete(context.Background(), Request{Model: costplan.ModelMini})
	require.Error(t, err)
	assert.True(t, isTransient(err), "429 is worth a retry")

	status = http.StatusBadGateway
	_, err = c.Complete(context.Background(), Request{Model: costplan.ModelMini})
	require.Error(t, err)
	assert.True(t, isTransient(err), "5xx is worth a retry")

	status = http.StatusBadRequest
	_, err = c.Complete(context.Background(), Request{Model: costplan.ModelMini})
	require.Error(t, err)
	assert.False(t, isTransient(err), "4xx other than 429 is permanent")
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 1, "completion_tokens": 0}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", map[string]string{costplan.ModelMini: "m"}, nil)
	_, err := c.Complete(context.Background(), Request{Model: costplan.ModelMini})
	assert.Error(t, err)
}
