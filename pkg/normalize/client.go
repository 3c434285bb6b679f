package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/harborline/receiving/pkg/costplan"
)

// Request is one structured-extraction call.
type Request struct {
	Model       string
	Prompt      string
	Schema      json.RawMessage
	MaxTokens   int64
	Temperature float64
}

// Completion carries the model reply with exact usage figures. CostMicros is
// computed from the configured price table, never estimated.
type Completion struct {
	JSON       json.RawMessage
	TokensIn   int64
	TokensOut  int64
	CostMicros int64
}

// Client is the model transport. Implementations must honour ctx deadlines.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// transientError marks failures worth one retry: network errors, 429s, 5xxs.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var t *transientError
	return asTransient(err, &t)
}

func asTransient(err error, target **transientError) bool {
	for err != nil {
		if t, ok := err.(*transientError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint using
// JSON-schema response formatting. The model field of each Request selects a
// concrete deployment through the tier map.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	tiers   map[string]string // planner tier -> deployment model name
	prices  costplan.PriceTable
	http    *http.Client
}

// NewOpenAIClient builds a client. tiers maps planner tiers ("mini", "strong")
// to the provider's model names.
func NewOpenAIClient(baseURL, apiKey string, tiers map[string]string, prices costplan.PriceTable) *OpenAIClient {
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		tiers:   tiers,
		prices:  prices,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int64           `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *responseSchema `json:"json_schema,omitempty"`
}

type responseSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete performs one call. Transport failures and 429/5xx statuses are
// reported as transient so the normaliser can retry once.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	deployment, ok := c.tiers[req.Model]
	if !ok {
		return nil, fmt.Errorf("normalize: no deployment configured for model tier %q", req.Model)
	}

	body, err := json.Marshal(chatRequest{
		Model:       deployment,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		ResponseFormat: &responseFormat{
			Type:       "json_schema",
			JSONSchema: &responseSchema{Name: "extraction", Strict: true, Schema: req.Schema},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("normalize: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("normalize: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &transientError{err: fmt.Errorf("normalize: provider status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("normalize: provider status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("normalize: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("normalize: empty choices in response")
	}

	out := &Completion{
		JSON:      json.RawMessage(parsed.Choices[0].Message.Content),
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}
	if price, ok := c.prices[req.Model]; ok {
		out.CostMicros = price.CostFor(out.TokensIn, out.TokensOut)
	}
	return out, nil
}
