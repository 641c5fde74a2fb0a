package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fincast/pkg/core/prompt"
	"fincast/pkg/core/utils"
)

// Researcher is step 2: one search-enabled call per selected question, in
// plan order, on the shared conversation.
type Researcher struct {
	Prompts *prompt.Registry
	Logger  *slog.Logger
}

// ResearchPass bounds one pass over a question list.
type ResearchPass struct {
	// Limit caps the questions taken from the head of the list.
	Limit int
	// Reserve is the number of calls kept back for the steps that must
	// still run after this pass.
	Reserve int
	// Offset is the number of queries issued by earlier passes; step names
	// continue at research_<Offset+1>.
	Offset int
}

// Research runs the pass. A failed query is logged and skipped. The only
// error returned is ErrBudgetExceeded, which the reserve check should make
// unreachable.
func (r *Researcher) Research(ctx context.Context, conv *Conversation, ticker, companyName string, questions []ResearchQuestion, pass ResearchPass) ([]ResearchFinding, []StepRecord, error) {
	log := logger(r.Logger)
	selected := questions
	if pass.Limit >= 0 && len(selected) > pass.Limit {
		selected = selected[:pass.Limit]
	}

	var findings []ResearchFinding
	var records []StepRecord
	issued := 0
	for i, q := range selected {
		if ctx.Err() != nil {
			log.Warn("research stopped", "ticker", ticker, "reason", ctx.Err())
			break
		}
		snap := conv.Budget().Snapshot()
		if snap.CallsUsed >= snap.CallsMax-pass.Reserve {
			log.Info("research stopped to keep budget for later steps",
				"ticker", ticker,
				"calls_used", snap.CallsUsed,
				"calls_max", snap.CallsMax,
				"reserve", pass.Reserve,
				"skipped", len(selected)-i)
			break
		}

		query := strings.TrimSpace(q.Question)
		if query == "" {
			continue
		}
		step := fmt.Sprintf("%s_%d", StepResearch, pass.Offset+issued+1)
		system, user, err := renderPrompt(r.Prompts, PromptResearch, map[string]interface{}{
			"Ticker":      ticker,
			"CompanyName": companyName,
			"Query":       query,
		})
		if err != nil {
			log.Warn("research query skipped", "step", step, "error", err)
			continue
		}

		issued++
		res, err := conv.Call(ctx, system, user, true, step)
		if err != nil {
			if errors.Is(err, ErrBudgetExceeded) {
				return findings, records, err
			}
			log.Warn("research query failed", "step", step, "query", query, "error", err)
			continue
		}

		sources := res.Sources
		if sources == nil {
			sources = []string{}
		}
		f := ResearchFinding{
			Query:    query,
			Findings: utils.CleanMarkdown(res.Text),
			Sources:  sources,
		}
		findings = append(findings, f)
		records = append(records, StepRecord{
			Step:  StepResearch,
			Input: query,
			Output: map[string]any{
				"findings": f.Findings,
				"sources":  f.Sources,
			},
			Metadata: StepMetadata{
				TokensUsed: res.Tokens(),
				Sources:    f.Sources,
				DurationMs: res.Duration.Milliseconds(),
			},
		})
	}
	return findings, records, nil
}

// questionsFrom turns follow-up queries from the validator into a plan.
func questionsFrom(queries []string) []ResearchQuestion {
	out := make([]ResearchQuestion, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, ResearchQuestion{Question: q, Priority: "high", Rationale: "requested by validation"})
		}
	}
	return out
}

// summarizeResearch renders findings in the order they were collected,
// numbered from 1, for the drafting prompt.
func summarizeResearch(findings []ResearchFinding) string {
	parts := make([]string, 0, len(findings))
	for i, f := range findings {
		sources := "N/A"
		if len(f.Sources) > 0 {
			sources = strings.Join(f.Sources, ", ")
		}
		parts = append(parts, fmt.Sprintf("Research %d - \"%s\":\n%s\nSources: %s", i+1, f.Query, f.Findings, sources))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
