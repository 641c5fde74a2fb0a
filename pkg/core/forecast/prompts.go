package forecast

import (
	"fmt"

	"fincast/pkg/core/prompt"
)

// Prompt IDs. Defaults are registered by RegisterDefaultPrompts and may be
// overridden from resources/prompts/forecast/*.json.
const (
	PromptAnalysis   = "forecast.analysis"
	PromptResearch   = "forecast.research"
	PromptDraft      = "forecast.draft"
	PromptValidation = "forecast.validation"
)

const analysisSystem = `You are a senior financial analyst creating a research plan for {{.Ticker}}.
Be specific and actionable. Focus on identifying information gaps and key assumptions that need validation.`

const analysisUser = `Analyze {{.Ticker}} ({{.CompanyName}}) for a {{.Horizon}}-year financial forecast.

CURRENT DATA:
- Revenue: {{millions .Revenue}}
- Gross Margin: {{pct .GrossMargin}}
- Current Price: ${{num .CurrentPrice}}
- Historical Years Available: {{.HistoricalYears}}

EXISTING INSIGHTS:
{{if .PriorInsights}}{{.PriorInsights}}{{else}}No prior insights available{{end}}

Create a focused research plan. Output JSON:
{
  "data_quality_issues": ["list any gaps or concerns"],
  "key_assumptions": ["3-5 critical assumptions for this forecast"],
  "research_questions": [
    {"question": "specific search query", "priority": "high/medium", "rationale": "why this matters"}
  ],
  "metrics_to_focus": ["which financial metrics matter most for this company"]
}`

const researchSystem = `You are a financial research analyst for {{.CompanyName}} ({{.Ticker}}).
Use web search to find current, credible information. Focus on:
- Official company communications (earnings calls, guidance, IR)
- Analyst reports and estimates
- Industry news and trends
- Regulatory filings

Synthesize findings clearly and note source credibility.`

const researchUser = `Research the following about {{.Ticker}}:
"{{.Query}}"

Search for recent, credible sources. Synthesize your findings with specific data points, numbers, and dates when available.`

const draftSystem = `You are a financial analyst creating a {{.Horizon}}-year forecast for {{.Ticker}}.
Base your projections on the research conducted. Be specific about which findings informed each assumption.`

const draftUser = `Based on all research conducted, generate a {{.ForecastStart}}-{{.ForecastEnd}} forecast for {{.Ticker}}.

LATEST ACTUAL DATA (FY{{.LatestFY}}):
- Revenue: {{millions .Revenue}}
- Gross Margin: {{pct .GrossMargin}}
- EBITDA: {{millions .EBITDA}}
- Net Income: {{millions .NetIncome}}
- EPS: ${{num .EPS}}

RESEARCH FINDINGS:
{{if .ResearchSummary}}{{.ResearchSummary}}{{else}}No research findings available.{{end}}

{{.MethodInstructions}}
{{if .Feedback}}
USER FEEDBACK (MANDATORY - you must incorporate this into the forecast):
{{.Feedback}}
{{end}}
Generate your forecast as JSON:
{
  "projections": [
    {
      "year": "{{.ForecastStart}}",
      "revenue": <number in millions>,
      "revenueGrowth": <percentage>,
      "grossMargin": <percentage>,
      "ebitdaMargin": <percentage>,
      "fcfMargin": <percentage>,
      "netIncome": <number in millions>,
      "eps": <number>
    }
    // ... for each year through {{.ForecastEnd}}
  ],
{{.ValuationFields}}
  "key_assumptions": [
    {"assumption": "description", "source": "which research informed this"}
  ]
}`

const validationSystem = `You are a senior financial analyst reviewing a forecast for internal consistency and reasonableness.
Be critical but fair. Check for logical inconsistencies, unrealistic assumptions, and compare to industry benchmarks.`

const validationUser = `Review this forecast for {{.Ticker}}:

{{.DraftJSON}}

Validate:
1. Do margin assumptions align with the revenue growth story?
2. Are competitive dynamics properly reflected?
3. Do numbers pass industry benchmark sanity checks?
4. Are any growth rates unrealistic (>50% without strong justification)?

Output JSON:
{
  "validation_passed": true/false,
  "confidence_scores": {
    "revenue": "high/medium/low",
    "margins": "high/medium/low",
    "fcf": "high/medium/low"
  },
  "issues_found": ["list any problems"],
  "suggestions": ["improvements if confidence is low"],
  "needs_more_research": false,
  "additional_research_needed": ["queries if needs_more_research is true"]
}`

// RegisterDefaultPrompts adds the built-in forecast prompts to r. IDs
// already present (loaded from disk) are left alone.
func RegisterDefaultPrompts(r *prompt.Registry) {
	defaults := []*prompt.PromptTemplate{
		{
			ID:             PromptAnalysis,
			Name:           "Forecast research plan",
			Category:       "forecast",
			Description:    "Step 1: identify data gaps and plan targeted searches",
			SystemPrompt:   analysisSystem,
			UserPromptTmpl: analysisUser,
			Variables: []prompt.PromptVariable{
				{Name: "Ticker", Type: "string", Required: true},
				{Name: "CompanyName", Type: "string", Required: true},
				{Name: "Horizon", Type: "int"},
				{Name: "Revenue", Type: "float64", Description: "Latest revenue, absolute USD"},
				{Name: "GrossMargin", Type: "float64"},
				{Name: "CurrentPrice", Type: "float64"},
				{Name: "HistoricalYears", Type: "int"},
				{Name: "PriorInsights", Type: "string"},
			},
			Version: "1",
		},
		{
			ID:             PromptResearch,
			Name:           "Forecast web research",
			Category:       "forecast",
			Description:    "Step 2: one search-augmented query",
			SystemPrompt:   researchSystem,
			UserPromptTmpl: researchUser,
			Variables: []prompt.PromptVariable{
				{Name: "Ticker", Type: "string", Required: true},
				{Name: "CompanyName", Type: "string", Required: true},
				{Name: "Query", Type: "string", Required: true},
			},
			Version: "1",
		},
		{
			ID:             PromptDraft,
			Name:           "Forecast draft",
			Category:       "forecast",
			Description:    "Step 3: projections and valuation parameters from research",
			SystemPrompt:   draftSystem,
			UserPromptTmpl: draftUser,
			Variables: []prompt.PromptVariable{
				{Name: "Ticker", Type: "string", Required: true},
				{Name: "Horizon", Type: "int"},
				{Name: "ForecastStart", Type: "int"},
				{Name: "ForecastEnd", Type: "int"},
				{Name: "LatestFY", Type: "int"},
				{Name: "Revenue", Type: "float64"},
				{Name: "GrossMargin", Type: "float64"},
				{Name: "EBITDA", Type: "float64"},
				{Name: "NetIncome", Type: "float64"},
				{Name: "EPS", Type: "float64"},
				{Name: "ResearchSummary", Type: "string"},
				{Name: "MethodInstructions", Type: "string", Required: true},
				{Name: "ValuationFields", Type: "string", Required: true},
				{Name: "Feedback", Type: "string"},
			},
			Version: "1",
		},
		{
			ID:             PromptValidation,
			Name:           "Forecast self-validation",
			Category:       "forecast",
			Description:    "Step 4: critique the draft and assign confidence",
			SystemPrompt:   validationSystem,
			UserPromptTmpl: validationUser,
			Variables: []prompt.PromptVariable{
				{Name: "Ticker", Type: "string", Required: true},
				{Name: "DraftJSON", Type: "string", Required: true},
			},
			Version: "1",
		},
	}
	for _, pt := range defaults {
		r.RegisterDefault(pt)
	}
}

// renderPrompt returns the rendered system and user prompts for id.
func renderPrompt(r *prompt.Registry, id string, vars map[string]interface{}) (string, string, error) {
	pt, err := r.GetPrompt(id)
	if err != nil {
		return "", "", fmt.Errorf("prompt %s: %w", id, err)
	}
	ctx := prompt.NewContext()
	for k, v := range vars {
		ctx.Set(k, v)
	}
	system, err := prompt.RenderSystemPrompt(pt, ctx)
	if err != nil {
		return "", "", fmt.Errorf("prompt %s: %w", id, err)
	}
	user, err := prompt.RenderUserPrompt(pt, ctx)
	if err != nil {
		return "", "", fmt.Errorf("prompt %s: %w", id, err)
	}
	return system, user, nil
}
