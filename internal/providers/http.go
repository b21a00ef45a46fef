package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/resilience"
)

func transient(err error) error { return resilience.NewTransient(err) }
func permanent(err error) error { return resilience.NewPermanent(err) }

// HTTPSearchProvider talks to a neural search service (Exa-compatible JSON
// contract): POST {query, num_results} -> {results:[{url,title,text,score}]}.
type HTTPSearchProvider struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPSearchProvider(url, apiKey string, logger *zap.Logger) *HTTPSearchProvider {
	return &HTTPSearchProvider{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
	Contents   struct {
		Text bool `json:"text"`
	} `json:"contents"`
}

type searchResponse struct {
	Results []struct {
		URL   string  `json:"url"`
		Title string  `json:"title"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	reqBody := searchRequest{Query: query, NumResults: limit}
	reqBody.Contents.Text = true

	var resp searchResponse
	if err := p.postJSON(ctx, "search", reqBody, &resp); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		score := r.Score
		if score == 0 {
			score = 0.5
		}
		results = append(results, SearchResult{
			URL:       r.URL,
			Title:     r.Title,
			Content:   r.Text,
			Relevance: score,
		})
	}
	return results, nil
}

func (p *HTTPSearchProvider) postJSON(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return permanent(fmt.Errorf("%s: marshal request: %w", op, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("%s: build request: %w", op, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	httpResp, err := p.client.Do(req)
	if err != nil {
		// Network and timeout errors are retry-eligible.
		return transient(fmt.Errorf("%s: %w", op, err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return transient(fmt.Errorf("%s: read response: %w", op, err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return statusError(op, httpResp.StatusCode, truncate(string(raw), 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return transient(fmt.Errorf("%s: decode response: %w", op, err))
	}
	return nil
}

// HTTPCompletionProvider talks to a completion service over plain JSON:
// POST {model, system, prompt, schema, temperature, max_tokens} ->
// {text, tokens_used, model}.
type HTTPCompletionProvider struct {
	url    string
	apiKey string
	model  string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPCompletionProvider(url, apiKey, model string, logger *zap.Logger) *HTTPCompletionProvider {
	return &HTTPCompletionProvider{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger,
	}
}

func (p *HTTPCompletionProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	payload := map[string]any{
		"model":       p.model,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Schema != "" {
		payload["schema"] = req.Schema
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, permanent(fmt.Errorf("complete: marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("complete: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transient(fmt.Errorf("complete: %w", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, transient(fmt.Errorf("complete: read response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError("complete", httpResp.StatusCode, truncate(string(raw), 200))
	}

	var out Completion
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, transient(fmt.Errorf("complete: decode response: %w", err))
	}
	if out.Text == "" {
		return nil, transient(fmt.Errorf("complete: empty completion text"))
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
