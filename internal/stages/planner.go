package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/models"
	"github.com/strata-labs/researchd/internal/prompts"
	"github.com/strata-labs/researchd/internal/providers"
)

// Planner produces the next iteration's search queries from the topic,
// clarifications, and the gaps the previous analysis left open.
type Planner struct {
	deps Deps
}

func NewPlanner(deps Deps) *Planner { return &Planner{deps: deps} }

// PlanInput is everything the planner may condition on. Suggested carries
// the previous analysis pass's candidate queries; they take precedence over
// freshly generated ones.
type PlanInput struct {
	Topic          string
	Clarifications map[string]string
	Gaps           []string
	Suggested      []string
	QueryHistory   []string
	Iteration      int
}

// Plan returns 1-N queries not previously issued. Provider retry exhaustion
// and permanent failures propagate to the controller; an unusable completion
// falls back to topic-derived queries.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (plan *models.QueryPlan, usage Usage, err error) {
	start := time.Now()
	defer func() { observeStage("plan", start, err) }()

	req := p.buildRequest(in)
	text, err := completeCached(ctx, p.deps, "plan", req, &usage)
	if err != nil {
		return nil, usage, fmt.Errorf("planner: %w", err)
	}

	var parsed models.QueryPlan
	if decodeErr := decodeJSON(text, &parsed); decodeErr != nil || len(parsed.Queries) == 0 {
		p.deps.Logger.Warn("planner output unusable, using fallback queries",
			zap.Int("iteration", in.Iteration), zap.Error(decodeErr))
		parsed = p.fallback(in)
	}

	parsed.Queries = dedupeAgainstHistory(append(append([]string{}, in.Suggested...), parsed.Queries...), in.QueryHistory)
	if len(parsed.Queries) == 0 {
		fb := p.fallback(in)
		parsed.Queries = dedupeAgainstHistory(fb.Queries, in.QueryHistory)
	}
	if len(parsed.Queries) == 0 {
		// Every candidate was already issued; synthesize an iteration-scoped
		// probe so the loop can still make progress.
		parsed.Queries = []string{fmt.Sprintf("%s overlooked aspects %d", in.Topic, in.Iteration+1)}
	}
	return &parsed, usage, nil
}

func (p *Planner) buildRequest(in PlanInput) providers.CompletionRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", in.Topic)
	if len(in.Clarifications) > 0 {
		b.WriteString("Clarifications:\n")
		keys := make([]string, 0, len(in.Clarifications))
		for k := range in.Clarifications {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, in.Clarifications[k])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Iteration: %d\n\n", in.Iteration)
	if len(in.Gaps) > 0 {
		b.WriteString("Open gaps from the previous analysis:\n")
		for _, g := range in.Gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		b.WriteString("\n")
	}
	if len(in.QueryHistory) > 0 {
		b.WriteString("Queries already issued (do not repeat):\n")
		for _, q := range in.QueryHistory {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	return providers.CompletionRequest{
		System:      prompts.Load().Planner,
		Prompt:      b.String(),
		Temperature: 0.8,
	}
}

// fallback mirrors the degraded behavior of the reference pipeline: derive
// plain queries from the topic and gaps.
func (p *Planner) fallback(in PlanInput) models.QueryPlan {
	queries := []string{in.Topic, in.Topic + " research", in.Topic + " analysis"}
	for _, g := range in.Gaps {
		queries = append(queries, in.Topic+" "+g)
	}
	return models.QueryPlan{
		Queries:    queries,
		Reasoning:  "fallback queries derived from topic and gaps",
		Confidence: 0.5,
	}
}

func dedupeAgainstHistory(queries, history []string) []string {
	seen := make(map[string]struct{}, len(history)+len(queries))
	for _, h := range history {
		seen[normalizeQuery(h)] = struct{}{}
	}
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := normalizeQuery(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	return out
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
