// Package stages implements the fixed pipeline the iteration controller
// drives: planner, retrieval, analysis, validation, report. Stages are a
// closed set; the controller's state machine is the only dispatcher.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/cache"
	"github.com/strata-labs/researchd/internal/config"
	"github.com/strata-labs/researchd/internal/metrics"
	"github.com/strata-labs/researchd/internal/providers"
	"github.com/strata-labs/researchd/internal/resilience"
)

// Deps bundles what every stage needs: the two abstract provider calls, the
// shared fingerprint cache, and the resilient caller they are routed through.
type Deps struct {
	Search   providers.SearchProvider
	Complete providers.CompletionProvider
	Cache    cache.Store
	Caller   *resilience.Caller
	Logger   *zap.Logger
	Research config.ResearchConfig
}

// Usage reports what a stage execution consumed, for the task's counters.
// CacheHits counts only search queries answered from cache; every such hit
// has a matching query in the task's totals, so cacheHits never exceeds
// totalQueries + totalSearches. Completion-stage cache traffic is visible
// in the per-stage Prometheus counters instead.
type Usage struct {
	Searches  int
	CacheHits int
	Tokens    int
}

func (u *Usage) add(other Usage) {
	u.Searches += other.Searches
	u.CacheHits += other.CacheHits
	u.Tokens += other.Tokens
}

// completeCached routes a completion through the cache and the resilient
// caller. The fingerprint covers the stage name and the canonicalized prompt,
// so identical requests across tasks share one entry.
func completeCached(ctx context.Context, d Deps, stage string, req providers.CompletionRequest, usage *Usage) (string, error) {
	fp := cache.Fingerprint(stage, req.System, req.Prompt)
	if b, err := d.Cache.Get(ctx, fp); err == nil {
		metrics.CacheHits.WithLabelValues(stage).Inc()
		return string(b), nil
	}
	metrics.CacheMisses.WithLabelValues(stage).Inc()

	var out *providers.Completion
	_, err := d.Caller.Do(ctx, stage, func(ctx context.Context) error {
		var callErr error
		out, callErr = d.Complete.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return "", err
	}
	usage.Tokens += out.TokensUsed

	if putErr := d.Cache.Put(ctx, fp, []byte(out.Text), d.Research.CacheTTL); putErr != nil {
		d.Logger.Warn("completion cache put failed", zap.String("stage", stage), zap.Error(putErr))
	}
	return out.Text, nil
}

// decodeJSON extracts the first JSON object from an LLM response and decodes
// it into v. Providers wrap JSON in prose or fences often enough that a
// strict parse is not an option.
func decodeJSON(text string, v any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode stage output: %w", err)
	}
	return nil
}

func observeStage(stage string, start time.Time, err error) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StageExecutions.WithLabelValues(stage, status).Inc()
}

func truncateContent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func summarizeFindings(contents []string, max int) string {
	if len(contents) == 0 {
		return "No findings yet."
	}
	if len(contents) > max {
		contents = contents[len(contents)-max:]
	}
	var b strings.Builder
	for _, c := range contents {
		b.WriteString("- ")
		b.WriteString(truncateContent(c, 300))
		b.WriteString("\n")
	}
	return b.String()
}
