// Package analytics derives end-of-run metrics from a task's recorded
// history. Computation happens once, when the controller reaches a terminal
// state; nothing here mutates the task.
package analytics

import (
	"net/url"
	"strings"

	"github.com/strata-labs/researchd/internal/models"
)

// Compute aggregates a finished task's counters and findings.
func Compute(task models.Task) models.Analytics {
	a := models.Analytics{
		TaskID:              task.ID,
		TotalQueries:        task.Counters.TotalQueries,
		TotalSearches:       task.Counters.TotalSearches,
		CacheHits:           task.Counters.CacheHits,
		TotalTokens:         task.Counters.TotalTokens,
		TotalFindings:       len(task.Findings),
		IterationsCompleted: task.Iteration,
	}

	if denom := task.Counters.TotalQueries + task.Counters.TotalSearches; denom > 0 {
		a.CacheHitRate = float64(task.Counters.CacheHits) / float64(denom)
	}
	if task.Counters.TotalQueries > 0 {
		a.QueryEfficiency = float64(len(task.Findings)) / float64(task.Counters.TotalQueries)
	}
	a.SourceDiversity = sourceDiversity(task.Findings)

	if task.CompletedAt != nil {
		a.DurationSeconds = task.CompletedAt.Sub(task.CreatedAt).Seconds()
	}
	return a
}

// sourceDiversity is the ratio of distinct source hosts to findings, in
// [0,1]. A task citing one domain for every finding scores near zero.
func sourceDiversity(findings []models.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	hosts := make(map[string]struct{})
	for _, f := range findings {
		hosts[hostOf(f.SourceRef)] = struct{}{}
	}
	return float64(len(hosts)) / float64(len(findings))
}

func hostOf(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	}
	return ref
}
