package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strata-labs/researchd/internal/models"
	"github.com/strata-labs/researchd/internal/prompts"
	"github.com/strata-labs/researchd/internal/providers"
)

// Report synthesizes the final narrative from the accumulated findings. It
// runs once; exhausting retries here fails the task even though findings
// were gathered. That is the accepted trade: no silent partial reports.
type Report struct {
	deps Deps
}

func NewReport(deps Deps) *Report { return &Report{deps: deps} }

// ReportInput is the material for the final synthesis.
type ReportInput struct {
	Topic          string
	Clarifications map[string]string
	Findings       []models.Finding
	Coverage       float64
	Validation     *models.ValidationResult
}

func (r *Report) Run(ctx context.Context, in ReportInput) (report string, usage Usage, err error) {
	start := time.Now()
	defer func() { observeStage("report", start, err) }()

	text, err := completeCached(ctx, r.deps, "report", providers.CompletionRequest{
		System:      prompts.Load().Report,
		Prompt:      r.buildPrompt(in),
		Temperature: 0.5,
		MaxTokens:   4000,
	}, &usage)
	if err != nil {
		return "", usage, fmt.Errorf("report: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", usage, fmt.Errorf("report: provider returned empty report")
	}
	return text, usage, nil
}

func (r *Report) buildPrompt(in ReportInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", in.Topic)
	if len(in.Clarifications) > 0 {
		keys := make([]string, 0, len(in.Clarifications))
		for k := range in.Clarifications {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Clarifications:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, in.Clarifications[k])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Research coverage: %d%%\n", int(in.Coverage*100))
	if in.Validation != nil {
		status := "validated"
		if !in.Validation.Valid {
			status = "requires review"
		}
		fmt.Fprintf(&b, "Validation: %s (confidence %.2f)\n", status, in.Validation.Confidence)
	}
	b.WriteString("\n")
	b.WriteString(organizeBySource(in.Findings))
	return b.String()
}

// organizeBySource groups finding excerpts under their source, preserving
// source discovery order.
func organizeBySource(findings []models.Finding) string {
	if len(findings) == 0 {
		return "No findings collected.\n"
	}
	order := make([]string, 0)
	grouped := make(map[string][]string)
	for _, f := range findings {
		if _, seen := grouped[f.SourceRef]; !seen {
			order = append(order, f.SourceRef)
		}
		grouped[f.SourceRef] = append(grouped[f.SourceRef], truncateContent(f.Content, 500))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Findings (%d total):\n\n", len(findings))
	for _, src := range order {
		fmt.Fprintf(&b, "Source: %s\n", src)
		for i, c := range grouped[src] {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		b.WriteString("\n")
	}
	return b.String()
}
