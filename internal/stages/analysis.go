package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/models"
	"github.com/strata-labs/researchd/internal/prompts"
	"github.com/strata-labs/researchd/internal/providers"
)

// Analysis scores cumulative coverage, decides sufficiency, and emits the
// gaps and candidate queries that feed the next planning pass.
type Analysis struct {
	deps Deps
}

func NewAnalysis(deps Deps) *Analysis { return &Analysis{deps: deps} }

// AnalysisInput carries the cumulative task state the verdict must reflect.
type AnalysisInput struct {
	Topic          string
	Clarifications map[string]string
	Findings       []models.Finding
	QueryHistory   []string
	Iteration      int
	MaxIterations  int
}

// Threshold returns the coverage bar for declaring sufficiency at the given
// iteration. It relaxes linearly from the configured threshold down to the
// floor as the iteration budget is spent, so quality degrades gradually
// instead of cliff-dropping at the last pass.
func (a *Analysis) Threshold(iteration, maxIterations int) float64 {
	top := a.deps.Research.SufficiencyThreshold
	floor := a.deps.Research.SufficiencyFloor
	if maxIterations <= 1 {
		return floor
	}
	progress := float64(iteration) / float64(maxIterations-1)
	if progress > 1 {
		progress = 1
	}
	return top - (top-floor)*progress
}

// Run produces the iteration's verdict. The LLM's own sufficiency opinion is
// combined with the relaxing threshold; with zero findings the verdict is
// never sufficient. A failed or unparseable completion degrades to a
// finding-count heuristic rather than failing the task.
func (a *Analysis) Run(ctx context.Context, in AnalysisInput) (result *models.AnalysisResult, usage Usage, err error) {
	start := time.Now()
	defer func() { observeStage("analysis", start, err) }()

	parsed, ok := a.evaluate(ctx, in, &usage)
	if !ok {
		parsed = a.heuristic(in)
	}

	threshold := a.Threshold(in.Iteration, in.MaxIterations)
	parsed.Sufficient = parsed.Sufficient || parsed.Coverage >= threshold
	if len(in.Findings) == 0 {
		parsed.Sufficient = false
	}
	if parsed.Coverage < 0 {
		parsed.Coverage = 0
	}
	if parsed.Coverage > 1 {
		parsed.Coverage = 1
	}

	a.deps.Logger.Info("analysis verdict",
		zap.Float64("coverage", parsed.Coverage),
		zap.Float64("threshold", threshold),
		zap.Bool("sufficient", parsed.Sufficient),
		zap.Int("gaps", len(parsed.Gaps)),
	)
	return parsed, usage, nil
}

func (a *Analysis) evaluate(ctx context.Context, in AnalysisInput, usage *Usage) (*models.AnalysisResult, bool) {
	contents := make([]string, 0, len(in.Findings))
	for _, f := range in.Findings {
		contents = append(contents, f.Content)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", in.Topic)
	fmt.Fprintf(&b, "Iteration %d of %d\n", in.Iteration, in.MaxIterations)
	fmt.Fprintf(&b, "Queries issued so far: %s\n\n", strings.Join(in.QueryHistory, "; "))
	fmt.Fprintf(&b, "Findings (%d total):\n%s", len(in.Findings), summarizeFindings(contents, 30))

	text, err := completeCached(ctx, a.deps, "analysis", providers.CompletionRequest{
		System:      prompts.Load().Analysis,
		Prompt:      b.String(),
		Temperature: 0.3,
	}, usage)
	if err != nil {
		a.deps.Logger.Warn("analysis completion failed, using heuristic", zap.Error(err))
		return nil, false
	}

	var parsed models.AnalysisResult
	if err := decodeJSON(text, &parsed); err != nil {
		a.deps.Logger.Warn("analysis output unparseable, using heuristic", zap.Error(err))
		return nil, false
	}
	return &parsed, true
}

// heuristic is the degraded verdict when no usable completion is available:
// coverage grows with finding count, saturating at 30 findings.
func (a *Analysis) heuristic(in AnalysisInput) *models.AnalysisResult {
	coverage := float64(len(in.Findings)) / 30.0
	if coverage > 1 {
		coverage = 1
	}
	var gaps []string
	if coverage < 1 {
		gaps = []string{"additional sources needed for " + in.Topic}
	}
	return &models.AnalysisResult{
		Coverage:  coverage,
		Gaps:      gaps,
		Reasoning: "heuristic verdict from finding count",
	}
}
