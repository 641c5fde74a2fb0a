package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"fincast/pkg/core/extract"
	"fincast/pkg/core/prompt"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/valuation"
)

// Draft issue codes.
const (
	IssueMultipleOverridden = "exit_multiple_type_overridden"
	IssueMultipleDefaulted  = "exit_multiple_value_defaulted"
	IssueRatesScaled        = "rates_scaled_from_decimal"
)

// Drafter is step 3: one call that turns the research into projections and
// valuation parameters for the requested method.
type Drafter struct {
	Prompts *prompt.Registry
	Horizon int
	Logger  *slog.Logger
}

// draftWire is the shape models actually return. Numbers may arrive as
// strings with units; the valuation fields may be top level or nested.
type draftWire struct {
	Projections       []projectionWire `json:"projections"`
	FairValuePerShare extract.Number   `json:"fair_value_per_share"`
	WACC              extract.Number   `json:"wacc"`
	TerminalGrowth    extract.Number   `json:"terminal_growth_rate"`
	ExitMultipleType  string           `json:"exit_multiple_type"`
	ExitMultipleValue extract.Number   `json:"exit_multiple_value"`
	KeyAssumptions    []KeyAssumption  `json:"key_assumptions"`
	Valuation         *struct {
		WACC              extract.Number `json:"wacc"`
		TerminalGrowth    extract.Number `json:"terminal_growth_rate"`
		ExitMultipleType  string         `json:"exit_multiple_type"`
		ExitMultipleValue extract.Number `json:"exit_multiple_value"`
	} `json:"valuation_parameters,omitempty"`
}

type projectionWire struct {
	Year          yearLabel      `json:"year"`
	Revenue       extract.Number `json:"revenue"`
	RevenueGrowth extract.Number `json:"revenueGrowth"`
	GrossMargin   extract.Number `json:"grossMargin"`
	EBITDAMargin  extract.Number `json:"ebitdaMargin"`
	FCFMargin     extract.Number `json:"fcfMargin"`
	NetIncome     extract.Number `json:"netIncome"`
	EPS           extract.Number `json:"eps"`
}

// yearLabel accepts "2025", 2025 or "FY25".
type yearLabel string

func (y *yearLabel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*y = yearLabel(strings.TrimSpace(s))
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*y = ""
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*y = yearLabel(strconv.Itoa(int(n)))
	return nil
}

// Draft builds the forecast. redraft only changes the trail label.
func (d *Drafter) Draft(ctx context.Context, conv *Conversation, ticker string, snap *snapshot.CompanySnapshot, findings []ResearchFinding, opts Options, redraft bool) (*DraftForecast, StepRecord, error) {
	latestFY := snap.LatestFiscalYear()
	start, end := latestFY+1, latestFY+d.Horizon

	vars := map[string]interface{}{
		"Ticker":             ticker,
		"Horizon":            d.Horizon,
		"ForecastStart":      start,
		"ForecastEnd":        end,
		"LatestFY":           latestFY,
		"Revenue":            snap.Latest.Revenue,
		"GrossMargin":        snap.Latest.GrossMarginPct,
		"EBITDA":             snap.Latest.EBITDA,
		"NetIncome":          snap.Latest.NetIncome,
		"EPS":                snap.Latest.EPS,
		"ResearchSummary":    summarizeResearch(findings),
		"MethodInstructions": methodInstructions(opts),
		"ValuationFields":    valuationFields(opts),
		"Feedback":           opts.Feedback,
	}
	system, user, err := renderPrompt(d.Prompts, PromptDraft, vars)
	if err != nil {
		return nil, StepRecord{}, err
	}

	res, err := conv.Call(ctx, system, user, false, StepForecast)
	if err != nil {
		return nil, StepRecord{}, err
	}

	draft := parseDraft(res.Text, opts, latestFY, snap.LastRevenue()/1e6)
	log := logger(d.Logger)
	if draft.Degraded {
		log.Warn("forecast extraction degraded", "ticker", ticker, "step", StepForecast)
	}
	for _, issue := range draft.Issues {
		log.Warn("forecast draft adjusted", "ticker", ticker, "issue", issue)
	}

	input := fmt.Sprintf("Generate %d-year forecast based on research", d.Horizon)
	if redraft {
		input = fmt.Sprintf("Regenerate %d-year forecast with additional research", d.Horizon)
	}
	rec := StepRecord{
		Step:   StepForecast,
		Input:  input,
		Output: draft,
		Metadata: StepMetadata{
			TokensUsed: res.Tokens(),
			DurationMs: res.Duration.Milliseconds(),
			Degraded:   draft.Degraded,
		},
	}
	return draft, rec, nil
}

// parseDraft decodes and normalises a drafting reply. lastRevenue is in $M.
func parseDraft(text string, opts Options, latestFY int, lastRevenue float64) *DraftForecast {
	r := extract.JSON[draftWire](text)
	if raw, degraded := r.Fallback(); degraded {
		draft := &DraftForecast{
			Projections:    []valuation.ProjectionYear{},
			KeyAssumptions: []KeyAssumption{},
			RawForecast:    raw,
			Degraded:       true,
		}
		draft.Params, _ = resolveParams(draftWire{}, opts)
		return draft
	}

	w := r.Value
	projections := make([]valuation.ProjectionYear, 0, len(w.Projections))
	for _, p := range w.Projections {
		projections = append(projections, valuation.ProjectionYear{
			Year:          string(p.Year),
			Revenue:       p.Revenue.Float(),
			RevenueGrowth: p.RevenueGrowth.Float(),
			GrossMargin:   p.GrossMargin.Float(),
			EBITDAMargin:  p.EBITDAMargin.Float(),
			FCFMargin:     p.FCFMargin.Float(),
			NetIncome:     p.NetIncome.Float(),
			EPS:           p.EPS.Float(),
		})
	}

	params, issues := resolveParams(w, opts)
	assumptions := w.KeyAssumptions
	if assumptions == nil {
		assumptions = []KeyAssumption{}
	}
	return &DraftForecast{
		Projections:            valuation.NormalizeProjections(projections, latestFY, lastRevenue),
		Params:                 params,
		ModelReportedFairValue: w.FairValuePerShare.Float(),
		KeyAssumptions:         assumptions,
		Issues:                 issues,
	}
}

// resolveParams picks the valuation parameters for the requested method.
// A forced multiple type always wins over the model's choice.
func resolveParams(w draftWire, opts Options) (valuation.Parameters, []string) {
	wacc, tg := w.WACC.Float(), w.TerminalGrowth.Float()
	mtLabel, mv := w.ExitMultipleType, w.ExitMultipleValue.Float()
	if v := w.Valuation; v != nil {
		if wacc == 0 {
			wacc, tg = v.WACC.Float(), v.TerminalGrowth.Float()
		}
		if mtLabel == "" {
			mtLabel = v.ExitMultipleType
		}
		if mv == 0 {
			mv = v.ExitMultipleValue.Float()
		}
	}

	var issues []string
	params := valuation.Parameters{Method: opts.Method}

	if opts.Method == valuation.MethodDCF {
		var scaled bool
		params.WACC, params.TerminalGrowth, scaled = valuation.NormalizeRates(wacc, tg)
		if scaled {
			issues = append(issues, IssueRatesScaled)
		}
		return params, issues
	}

	params.Method = valuation.MethodExitMultiple
	mt, ok := valuation.ParseMultipleType(mtLabel)
	if !ok || mt == valuation.MultipleAuto {
		mt = ""
	}
	if forced, isForced := opts.ForcedMultiple(); isForced {
		if mt != "" && mt != forced {
			issues = append(issues, IssueMultipleOverridden)
		}
		mt = forced
	}
	if mt == "" {
		mt = valuation.MultiplePE
	}
	params.MultipleType = mt

	if mv <= 0 {
		mv = valuation.DefaultMultipleValue
		issues = append(issues, IssueMultipleDefaulted)
	}
	params.MultipleValue = mv
	return params, issues
}

func methodInstructions(opts Options) string {
	if opts.Method == valuation.MethodDCF {
		return `VALUATION METHOD: Discounted cash flow.
Provide "wacc" and "terminal_growth_rate" as percentages (e.g. 9.5 and 2.5). terminal_growth_rate must be below wacc.
Fair value will be computed from your projections as the present value of each year's FCF (revenue x fcfMargin) plus a Gordon-growth terminal value on the final year, less net debt, divided by shares outstanding.`
	}
	if forced, ok := opts.ForcedMultiple(); ok {
		return fmt.Sprintf(`VALUATION METHOD: Exit multiple.
You MUST use %s as "exit_multiple_type". This is mandatory, not a suggestion: a response with any other multiple type will be rejected.
Choose only "exit_multiple_value", justified by the research and peer multiples.`, forced)
	}
	return `VALUATION METHOD: Exit multiple.
Choose the most appropriate "exit_multiple_type" for this company (P/E, EV/EBITDA, EV/FCF or Price/Sales) and an "exit_multiple_value" justified by the research and peer multiples.`
}

func valuationFields(opts Options) string {
	if opts.Method == valuation.MethodDCF {
		return `  "wacc": <percentage>,
  "terminal_growth_rate": <percentage>,
  "fair_value_per_share": <number>,`
	}
	mt := "P/E or EV/EBITDA or EV/FCF or Price/Sales"
	if forced, ok := opts.ForcedMultiple(); ok {
		mt = string(forced)
	}
	return fmt.Sprintf(`  "exit_multiple_type": "%s",
  "exit_multiple_value": <number>,
  "fair_value_per_share": <number>,`, mt)
}
