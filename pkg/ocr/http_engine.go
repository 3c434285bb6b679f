package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEngine fronts a recognition sidecar speaking a small JSON protocol:
// POST the raw bytes, receive lines with boxes and confidences. Both the
// local tesseract sidecar and hosted OCR services are deployed behind this
// shape.
type HTTPEngine struct {
	caps     Capabilities
	endpoint string
	client   *http.Client
}

// NewHTTPEngine builds an engine for one sidecar endpoint.
func NewHTTPEngine(caps Capabilities, endpoint string) *HTTPEngine {
	return &HTTPEngine{
		caps:     caps,
		endpoint: endpoint,
		client:   &http.Client{Timeout: caps.Timeout()},
	}
}

func (e *HTTPEngine) Describe() Capabilities { return e.caps }

// wireResult is the sidecar response shape.
type wireResult struct {
	Text  string `json:"text"`
	Lines []struct {
		Text       string  `json:"text"`
		X          int     `json:"x"`
		Y          int     `json:"y"`
		W          int     `json:"w"`
		H          int     `json:"h"`
		Confidence float64 `json:"confidence"`
	} `json:"lines"`
}

func (e *HTTPEngine) Run(ctx context.Context, data []byte, mime string) (*Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ocr: %s: build request: %w", e.caps.EngineID, err)
	}
	req.Header.Set("Content-Type", mime)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: %s: %w", e.caps.EngineID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ocr: %s: status %d: %s", e.caps.EngineID, resp.StatusCode, body)
	}

	var wire wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("ocr: %s: decode response: %w", e.caps.EngineID, err)
	}

	res := &Result{
		EngineID:   e.caps.EngineID,
		Text:       wire.Text,
		RuntimeMS:  time.Since(start).Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	var confSum float64
	for _, l := range wire.Lines {
		res.Lines = append(res.Lines, Line{
			Text:       l.Text,
			BBox:       BBox{X: l.X, Y: l.Y, W: l.W, H: l.H},
			Confidence: l.Confidence,
		})
		confSum += l.Confidence
		res.WordCount += countWords(l.Text)
	}
	if len(wire.Lines) > 0 {
		res.MeanConfidence = confSum / float64(len(wire.Lines))
	}
	return res, nil
}

func countWords(s string) int {
	n, inWord := 0, false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
