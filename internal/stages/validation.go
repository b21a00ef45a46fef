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
	"github.com/strata-labs/researchd/internal/resilience"
)

// Validation checks the final finding set for quality and consistency. It
// runs exactly once, between the loop's exit and reporting. A valid=false
// verdict is a transparency signal, not a gate; only confidence below the
// configured floor triggers a retry, through the standard budget.
type Validation struct {
	deps Deps
}

func NewValidation(deps Deps) *Validation { return &Validation{deps: deps} }

func (v *Validation) Run(ctx context.Context, topic string, findings []models.Finding) (result *models.ValidationResult, usage Usage, err error) {
	start := time.Now()
	defer func() { observeStage("validation", start, err) }()

	var last *models.ValidationResult
	_, err = v.deps.Caller.Do(ctx, "validation", func(ctx context.Context) error {
		parsed, attemptErr := v.validateOnce(ctx, topic, findings, &usage)
		if attemptErr != nil {
			return attemptErr
		}
		last = parsed
		if parsed.Confidence < v.deps.Research.ConfidenceFloor {
			return resilience.NewTransient(
				fmt.Errorf("validation confidence %.2f below floor %.2f",
					parsed.Confidence, v.deps.Research.ConfidenceFloor))
		}
		return nil
	})
	if err != nil {
		if last != nil {
			// The budget was spent on low-confidence verdicts; surface the
			// last one as untrusted rather than failing the task.
			last.Valid = false
			last.Concerns = append(last.Concerns, "confidence remained below the configured floor after retries")
			return last, usage, nil
		}
		return nil, usage, fmt.Errorf("validation: %w", err)
	}
	return last, usage, nil
}

func (v *Validation) validateOnce(ctx context.Context, topic string, findings []models.Finding, usage *Usage) (*models.ValidationResult, error) {
	bySource := make(map[string]int)
	contents := make([]string, 0, len(findings))
	for _, f := range findings {
		bySource[f.SourceRef]++
		contents = append(contents, f.Content)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", topic)
	fmt.Fprintf(&b, "Findings: %d across %d distinct sources\n\n", len(findings), len(bySource))
	b.WriteString(summarizeFindings(contents, 20))

	text, err := v.complete(ctx, b.String(), usage)
	if err != nil {
		return nil, err
	}

	var parsed models.ValidationResult
	if decodeErr := decodeJSON(text, &parsed); decodeErr != nil {
		// Permissive degraded verdict, flagged for the consumer.
		v.deps.Logger.Warn("validation output unparseable", zap.Error(decodeErr))
		return &models.ValidationResult{
			Valid:      true,
			Confidence: 0.7,
			Concerns:   []string{"validator output was unparseable; manual review recommended"},
		}, nil
	}
	if parsed.Concerns == nil {
		parsed.Concerns = []string{}
	}
	return &parsed, nil
}

// complete calls the provider directly: retrying is owned by Run's caller
// loop so that low confidence and transport failures share one budget.
func (v *Validation) complete(ctx context.Context, prompt string, usage *Usage) (string, error) {
	out, err := v.deps.Complete.Complete(ctx, providers.CompletionRequest{
		System:      prompts.Load().Validation,
		Prompt:      prompt,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	usage.Tokens += out.TokensUsed
	return out.Text, nil
}
