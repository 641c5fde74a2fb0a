package forecast

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"fincast/pkg/core/extract"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/valuation"
)

// SourceAgentic discriminates this pipeline's results from the single-call
// forecast pipeline.
const SourceAgentic = "agentic"

// Confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// ResearchQuestion is one planned search query.
type ResearchQuestion struct {
	Question  string `json:"question"`
	Priority  string `json:"priority,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// UnmarshalJSON also accepts a bare string.
func (q *ResearchQuestion) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = ResearchQuestion{Question: strings.TrimSpace(s)}
		return nil
	}
	type plain ResearchQuestion
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Question == "" {
		var alt struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(data, &alt)
		p.Question = alt.Query
	}
	*q = ResearchQuestion(p)
	return nil
}

// ResearchPlan is the output of the analysis step.
type ResearchPlan struct {
	DataQualityIssues extract.StringList `json:"data_quality_issues"`
	KeyAssumptions    extract.StringList `json:"key_assumptions"`
	ResearchQuestions []ResearchQuestion `json:"research_questions"`
	MetricsToFocus    extract.StringList `json:"metrics_to_focus"`
	RawAnalysis       string             `json:"raw_analysis,omitempty"`
	Degraded          bool               `json:"-"`
}

// ResearchFinding is the result of one executed query.
type ResearchFinding struct {
	Query    string   `json:"query"`
	Findings string   `json:"findings"`
	Sources  []string `json:"sources"`
}

// KeyAssumption links a forecast assumption to the research behind it.
type KeyAssumption struct {
	Assumption string `json:"assumption"`
	Source     string `json:"source,omitempty"`
}

// UnmarshalJSON also accepts a bare string.
func (k *KeyAssumption) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = KeyAssumption{Assumption: s}
		return nil
	}
	type plain KeyAssumption
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*k = KeyAssumption(p)
	return nil
}

// DraftForecast is the output of the drafting step. Params has been
// normalised and, when the caller forced a multiple, enforced.
type DraftForecast struct {
	Projections            []valuation.ProjectionYear `json:"projections"`
	Params                 valuation.Parameters       `json:"valuation_parameters"`
	ModelReportedFairValue float64                    `json:"model_reported_fair_value,omitempty"`
	KeyAssumptions         []KeyAssumption            `json:"key_assumptions"`
	Issues                 []string                   `json:"issues,omitempty"`
	RawForecast            string                     `json:"raw_forecast,omitempty"`
	Degraded               bool                       `json:"-"`
}

// ConfidenceScores maps a metric (revenue, margins, fcf) to a level.
type ConfidenceScores map[string]string

// ValidationResult is the output of the validation step.
type ValidationResult struct {
	ValidationPassed         bool               `json:"validation_passed"`
	ConfidenceScores         ConfidenceScores   `json:"confidence_scores"`
	IssuesFound              extract.StringList `json:"issues_found"`
	Suggestions              extract.StringList `json:"suggestions"`
	NeedsMoreResearch        bool               `json:"needs_more_research"`
	AdditionalResearchNeeded extract.StringList `json:"additional_research_needed"`
	RawValidation            string             `json:"raw_validation,omitempty"`
	Degraded                 bool               `json:"-"`
}

// Options are the caller's per-run choices.
type Options struct {
	Method       valuation.Method       `json:"method"`
	MultipleType valuation.MultipleType `json:"multiple_type"`
	Feedback     string                 `json:"feedback,omitempty"`
	SkipCache    bool                   `json:"skip_cache,omitempty"`
}

// normalized fills defaults: exit-multiple and auto.
func (o Options) normalized() Options {
	if o.Method == "" {
		o.Method = valuation.MethodExitMultiple
	} else {
		o.Method = valuation.ParseMethod(string(o.Method))
	}
	if mt, ok := valuation.ParseMultipleType(string(o.MultipleType)); ok {
		o.MultipleType = mt
	} else {
		o.MultipleType = valuation.MultipleAuto
	}
	o.Feedback = strings.TrimSpace(o.Feedback)
	return o
}

// ForcedMultiple reports the multiple type the caller insists on.
func (o Options) ForcedMultiple() (valuation.MultipleType, bool) {
	if o.Method != valuation.MethodExitMultiple || o.MultipleType == "" || o.MultipleType == valuation.MultipleAuto {
		return "", false
	}
	return o.MultipleType, true
}

// ForecastResult is the final output of a run.
type ForecastResult struct {
	RunID       string           `json:"run_id"`
	Ticker      string           `json:"ticker"`
	CompanyName string           `json:"company_name"`
	Source      string           `json:"source"`
	Method      valuation.Method `json:"method"`

	FairValue    float64 `json:"fair_value"`
	CurrentPrice float64 `json:"current_price"`
	Upside       float64 `json:"upside"`
	CAGR         float64 `json:"cagr"`

	ExitMultipleType   valuation.MultipleType `json:"exit_multiple_type,omitempty"`
	ExitMultipleValue  float64                `json:"exit_multiple_value,omitempty"`
	WACC               float64                `json:"wacc,omitempty"`
	TerminalGrowthRate float64                `json:"terminal_growth_rate,omitempty"`

	Projections            []valuation.ProjectionYear `json:"projections"`
	Historical             []snapshot.YearRecord      `json:"historical_financials"`
	Breakdown              valuation.Breakdown        `json:"valuation_breakdown"`
	ModelReportedFairValue float64                    `json:"model_reported_fair_value,omitempty"`

	LatestDevelopments    string           `json:"latest_developments"`
	ResearchTrail         []StepRecord     `json:"research_trail"`
	ConfidenceScores      ConfidenceScores `json:"confidence_scores"`
	KeyAssumptions        []KeyAssumption  `json:"key_assumptions"`
	ValidationPassed      bool             `json:"validation_passed"`
	ValidationIssues      []string         `json:"validation_issues"`
	ValidationSuggestions []string         `json:"validation_suggestions"`
	ExtraResearch         bool             `json:"extra_research"`
	Redrafted             bool             `json:"redrafted"`

	LLMCalls         int     `json:"llm_calls"`
	WebSearches      int     `json:"web_searches"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TotalCost        float64 `json:"total_cost"`
	TotalTimeSeconds float64 `json:"total_time_seconds"`

	CacheHit    bool      `json:"cache_hit"`
	GeneratedAt time.Time `json:"generated_at"`
}
