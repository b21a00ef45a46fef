package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/cache"
	"github.com/strata-labs/researchd/internal/metrics"
	"github.com/strata-labs/researchd/internal/models"
	"github.com/strata-labs/researchd/internal/providers"
)

// Retrieval fans queries out to the search provider through the cache and
// resilient caller, and normalizes raw results into findings.
type Retrieval struct {
	deps Deps
}

func NewRetrieval(deps Deps) *Retrieval { return &Retrieval{deps: deps} }

// RetrievalResult joins the per-query outcomes of one iteration's fan-out.
type RetrievalResult struct {
	Findings []models.Finding
	// QueryErrors records queries whose calls failed after retries; partial
	// failure is reported on the event stream, not escalated.
	QueryErrors map[string]string
}

// Run executes all queries concurrently on a bounded worker pool and joins
// before returning. A single query failing never aborts the others; Run
// errors only when every query failed.
func (r *Retrieval) Run(ctx context.Context, queries []string, iteration int) (res *RetrievalResult, usage Usage, err error) {
	start := time.Now()
	defer func() { observeStage("search", start, err) }()

	res = &RetrievalResult{QueryErrors: make(map[string]string)}
	if len(queries) == 0 {
		return res, usage, nil
	}

	workers := r.deps.Research.MaxConcurrentSearches
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures int
	)
	for _, query := range queries {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results, qUsage, qErr := r.searchOne(ctx, q)

			mu.Lock()
			defer mu.Unlock()
			usage.add(qUsage)
			if qErr != nil {
				failures++
				res.QueryErrors[q] = qErr.Error()
				return
			}
			for _, f := range r.toFindings(results, iteration) {
				res.Findings = append(res.Findings, f)
			}
		}(query)
	}
	wg.Wait()

	if failures == len(queries) {
		return res, usage, fmt.Errorf("retrieval: all %d queries failed", len(queries))
	}
	return res, usage, nil
}

// searchOne consults the cache, then the provider. The raw result set is
// cached keyed on the normalized query so overlapping topics across tasks
// share entries.
func (r *Retrieval) searchOne(ctx context.Context, query string) ([]providers.SearchResult, Usage, error) {
	var usage Usage
	fp := cache.Fingerprint("search", query)

	if b, cacheErr := r.deps.Cache.Get(ctx, fp); cacheErr == nil {
		var cached []providers.SearchResult
		if err := json.Unmarshal(b, &cached); err == nil {
			usage.CacheHits++
			metrics.CacheHits.WithLabelValues("search").Inc()
			return cached, usage, nil
		}
		r.deps.Logger.Warn("discarding corrupt cache entry", zap.String("fingerprint", fp))
	}
	metrics.CacheMisses.WithLabelValues("search").Inc()

	var results []providers.SearchResult
	usage.Searches++
	_, err := r.deps.Caller.Do(ctx, "search", func(ctx context.Context) error {
		var callErr error
		results, callErr = r.deps.Search.Search(ctx, query, r.deps.Research.MaxSearchResults)
		return callErr
	})
	if err != nil {
		return nil, usage, err
	}

	if b, marshalErr := json.Marshal(results); marshalErr == nil {
		if putErr := r.deps.Cache.Put(ctx, fp, b, r.deps.Research.CacheTTL); putErr != nil {
			r.deps.Logger.Warn("search cache put failed", zap.Error(putErr))
		}
	}
	return results, usage, nil
}

const maxFindingContent = 2000

func (r *Retrieval) toFindings(results []providers.SearchResult, iteration int) []models.Finding {
	findings := make([]models.Finding, 0, len(results))
	for _, sr := range results {
		if sr.Content == "" {
			continue
		}
		content := truncateContent(sr.Content, maxFindingContent)
		findings = append(findings, models.Finding{
			ID:                    models.FindingID(content),
			Content:               content,
			SourceRef:             sr.URL,
			Title:                 sr.Title,
			Relevance:             sr.Relevance,
			DiscoveredAtIteration: iteration,
		})
	}
	return findings
}
