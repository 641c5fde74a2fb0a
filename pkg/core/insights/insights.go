// Package insights fetches a short brief of recent company news to seed a
// forecast run. The call is made outside any run budget.
package insights

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fincast/pkg/core/extract"
	"fincast/pkg/core/llm"
)

// Step is the step name sent with the request.
const Step = "insights"

// maxRaw bounds the unstructured fallback.
const maxRaw = 1500

const (
	systemPrompt = "Return concise financial insights as JSON."
	userPrompt   = "Provide latest financial insights for %s: guidance, recent developments, growth catalysts, analyst expectations. " +
		"Output JSON with keys: guidance_summary, recent_developments, growth_catalysts, analyst_expectations."
)

// Brief is the structured answer.
type Brief struct {
	Guidance            extract.StringList `json:"guidance_summary"`
	RecentDevelopments  extract.StringList `json:"recent_developments"`
	GrowthCatalysts     extract.StringList `json:"growth_catalysts"`
	AnalystExpectations extract.StringList `json:"analyst_expectations"`
}

func (b Brief) empty() bool {
	return len(b.Guidance)+len(b.RecentDevelopments)+len(b.GrowthCatalysts)+len(b.AnalystExpectations) == 0
}

// String renders the brief as the bullet list used in the analysis prompt.
func (b Brief) String() string {
	var sb strings.Builder
	line := func(label string, items extract.StringList) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "- %s: %s\n", label, strings.Join(items, "; "))
	}
	line("Guidance", b.Guidance)
	line("Developments", b.RecentDevelopments)
	line("Catalysts", b.GrowthCatalysts)
	line("Analyst expectations", b.AnalystExpectations)
	return strings.TrimRight(sb.String(), "\n")
}

// Fetcher asks one model for a brief.
type Fetcher struct {
	Gateway llm.Gateway
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewFetcher uses an OpenRouter Sonar model.
func NewFetcher(model string) *Fetcher {
	return &Fetcher{Gateway: llm.NewOpenRouterGateway(model), Timeout: 30 * time.Second}
}

// Fetch returns the rendered brief for ticker, or "" when the call fails.
func (f *Fetcher) Fetch(ctx context.Context, ticker string) string {
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	if f.Gateway == nil {
		return ""
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	resp, err := f.Gateway.Complete(ctx, llm.Request{
		Step:         Step,
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(userPrompt, ticker)}},
		MaxTokens:    1500,
	})
	if err != nil {
		log.Warn("prior insights unavailable", "ticker", ticker, "error", err)
		return ""
	}
	return render(resp.Text())
}

func render(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	res := extract.JSON[Brief](text)
	if res.Parsed() && !res.Value.empty() {
		return res.Value.String()
	}
	if r := []rune(text); len(r) > maxRaw {
		return string(r[:maxRaw])
	}
	return text
}
