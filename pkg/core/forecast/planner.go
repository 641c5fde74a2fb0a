package forecast

import (
	"context"
	"fmt"
	"log/slog"

	"fincast/pkg/core/extract"
	"fincast/pkg/core/prompt"
	"fincast/pkg/core/snapshot"
)

// Planner is step 1: one model call that turns the snapshot and any prior
// insight into a research plan.
type Planner struct {
	Prompts *prompt.Registry
	Horizon int
	Logger  *slog.Logger
}

// Plan builds the research plan. An unparseable reply is not an error: the
// plan comes back degraded with no questions and the raw text kept.
func (p *Planner) Plan(ctx context.Context, conv *Conversation, ticker string, snap *snapshot.CompanySnapshot, priorInsights string) (*ResearchPlan, StepRecord, error) {
	vars := map[string]interface{}{
		"Ticker":          ticker,
		"CompanyName":     snap.Name(),
		"Horizon":         p.Horizon,
		"Revenue":         snap.Latest.Revenue,
		"GrossMargin":     snap.Latest.GrossMarginPct,
		"CurrentPrice":    snap.Market.CurrentPrice,
		"HistoricalYears": len(snap.Historical),
		"PriorInsights":   priorInsights,
	}
	system, user, err := renderPrompt(p.Prompts, PromptAnalysis, vars)
	if err != nil {
		return nil, StepRecord{}, err
	}

	res, err := conv.Call(ctx, system, user, false, StepAnalysis)
	if err != nil {
		return nil, StepRecord{}, err
	}

	plan := parsePlan(res.Text)
	if plan.Degraded {
		logger(p.Logger).Warn("analysis extraction degraded", "ticker", ticker, "step", StepAnalysis)
	}

	rec := StepRecord{
		Step:   StepAnalysis,
		Input:  fmt.Sprintf("Analyze %s data and create research plan", ticker),
		Output: plan,
		Metadata: StepMetadata{
			TokensUsed: res.Tokens(),
			DurationMs: res.Duration.Milliseconds(),
			Degraded:   plan.Degraded,
		},
	}
	return plan, rec, nil
}

func parsePlan(text string) *ResearchPlan {
	r := extract.JSON[ResearchPlan](text)
	if raw, degraded := r.Fallback(); degraded {
		return &ResearchPlan{
			ResearchQuestions: []ResearchQuestion{},
			RawAnalysis:       raw,
			Degraded:          true,
		}
	}
	plan := r.Value
	questions := make([]ResearchQuestion, 0, len(plan.ResearchQuestions))
	for _, q := range plan.ResearchQuestions {
		if q.Question != "" {
			questions = append(questions, q)
		}
	}
	plan.ResearchQuestions = questions
	return &plan
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
