package providers

import (
	"context"
	"fmt"
	"net/http"
)

// SearchResult is one raw hit from the search provider.
type SearchResult struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// SearchProvider is the single abstract search call. Implementations may be
// slow, may fail, and cost money per call.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// CompletionRequest asks the completion provider for text or schema-shaped
// JSON output.
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Schema      string  `json:"schema,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Completion carries the provider's output plus token accounting.
type Completion struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// CompletionProvider is the single abstract LLM call.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// statusError converts an HTTP status into a classified provider error:
// 408/429 and 5xx are transient, other 4xx are permanent.
func statusError(op string, status int, body string) error {
	err := fmt.Errorf("%s: status %d: %s", op, status, body)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return transient(err)
	case status >= 500:
		return transient(err)
	default:
		return permanent(err)
	}
}
