package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"fincast/pkg/core/extract"
	"fincast/pkg/core/prompt"
	"fincast/pkg/core/snapshot"
)

// confidenceMetrics are the keys every ValidationResult carries.
var confidenceMetrics = []string{"revenue", "margins", "fcf"}

// Validator is step 4: the model critiques its own draft.
type Validator struct {
	Prompts *prompt.Registry
	Logger  *slog.Logger
}

type validationWire struct {
	ValidationPassed         *bool              `json:"validation_passed"`
	ConfidenceScores         map[string]any     `json:"confidence_scores"`
	IssuesFound              extract.StringList `json:"issues_found"`
	Suggestions              extract.StringList `json:"suggestions"`
	NeedsMoreResearch        bool               `json:"needs_more_research"`
	AdditionalResearchNeeded extract.StringList `json:"additional_research_needed"`
}

// Validate reviews draft. An unparseable reply degrades to a passing result
// with medium confidence.
func (v *Validator) Validate(ctx context.Context, conv *Conversation, ticker string, draft *DraftForecast, snap *snapshot.CompanySnapshot) (*ValidationResult, StepRecord, error) {
	draftJSON, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return nil, StepRecord{}, fmt.Errorf("encode draft: %w", err)
	}
	system, user, err := renderPrompt(v.Prompts, PromptValidation, map[string]interface{}{
		"Ticker":      ticker,
		"CompanyName": snap.Name(),
		"DraftJSON":   string(draftJSON),
	})
	if err != nil {
		return nil, StepRecord{}, err
	}

	res, err := conv.Call(ctx, system, user, false, StepValidation)
	if err != nil {
		return nil, StepRecord{}, err
	}

	result := parseValidation(res.Text)
	if result.Degraded {
		logger(v.Logger).Warn("validation extraction degraded", "ticker", ticker, "step", StepValidation)
	}

	rec := StepRecord{
		Step:   StepValidation,
		Input:  "Validate forecast consistency and assign confidence",
		Output: result,
		Metadata: StepMetadata{
			TokensUsed: res.Tokens(),
			Confidence: result.ConfidenceScores["revenue"],
			DurationMs: res.Duration.Milliseconds(),
			Degraded:   result.Degraded,
		},
	}
	return result, rec, nil
}

func parseValidation(text string) *ValidationResult {
	r := extract.JSON[validationWire](text)
	if raw, degraded := r.Fallback(); degraded {
		return &ValidationResult{
			ValidationPassed:         true,
			ConfidenceScores:         normalizeConfidence(nil),
			IssuesFound:              extract.StringList{},
			Suggestions:              extract.StringList{},
			AdditionalResearchNeeded: extract.StringList{},
			RawValidation:            raw,
			Degraded:                 true,
		}
	}

	w := r.Value
	passed := true
	if w.ValidationPassed != nil {
		passed = *w.ValidationPassed
	}
	return &ValidationResult{
		ValidationPassed:         passed,
		ConfidenceScores:         normalizeConfidence(w.ConfidenceScores),
		IssuesFound:              nonNil(w.IssuesFound),
		Suggestions:              nonNil(w.Suggestions),
		NeedsMoreResearch:        w.NeedsMoreResearch,
		AdditionalResearchNeeded: nonNil(w.AdditionalResearchNeeded),
	}
}

// normalizeConfidence lowercases levels, maps anything unrecognised to
// medium and fills missing metrics with medium.
func normalizeConfidence(raw map[string]any) ConfidenceScores {
	out := make(ConfidenceScores, len(confidenceMetrics))
	for k, v := range raw {
		s, _ := v.(string)
		out[strings.ToLower(strings.TrimSpace(k))] = confidenceLevel(s)
	}
	for _, m := range confidenceMetrics {
		if _, ok := out[m]; !ok {
			out[m] = ConfidenceMedium
		}
	}
	return out
}

func confidenceLevel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, ConfidenceHigh):
		return ConfidenceHigh
	case strings.HasPrefix(s, ConfidenceLow):
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

func nonNil(l extract.StringList) extract.StringList {
	if l == nil {
		return extract.StringList{}
	}
	return l
}
