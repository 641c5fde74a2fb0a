// Package valuation converts projected financials and valuation parameters
// into a fair value per share.
//
// Everything here is pure arithmetic: no model calls, no I/O, no clocks.
// The same inputs always produce bit-identical output. Fair values reported
// by a model are never used; only its projected inputs are.
//
// Units: projection revenue and net income are in $M, EPS in $, margins and
// rates in percent. Snapshot money and share counts are absolute and are
// converted to millions at the boundary.
package valuation

import "strings"

// Method selects the valuation approach.
type Method string

const (
	MethodDCF          Method = "dcf"
	MethodExitMultiple Method = "exit-multiple"
)

// ParseMethod maps user input to a Method. Anything that is not DCF is
// treated as exit-multiple.
func ParseMethod(s string) Method {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dcf":
		return MethodDCF
	default:
		return MethodExitMultiple
	}
}

// MultipleType is the exit multiple applied to the terminal year.
type MultipleType string

const (
	MultiplePE         MultipleType = "P/E"
	MultipleEVEBITDA   MultipleType = "EV/EBITDA"
	MultipleEVFCF      MultipleType = "EV/FCF"
	MultiplePriceSales MultipleType = "Price/Sales"

	// MultipleAuto lets the drafter choose.
	MultipleAuto MultipleType = "auto"
)

// DefaultMultipleValue applies when the draft omits the multiple.
const DefaultMultipleValue = 20.0

// ParseMultipleType normalises a multiple label and its common aliases.
// ok is false for unknown labels.
func ParseMultipleType(s string) (MultipleType, bool) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	switch key {
	case "P/E", "PE", "P/ERATIO":
		return MultiplePE, true
	case "EV/EBITDA", "EVEBITDA":
		return MultipleEVEBITDA, true
	case "EV/FCF", "EVFCF", "EV/FREECASHFLOW":
		return MultipleEVFCF, true
	case "PRICE/SALES", "P/S", "PS", "EV/SALES", "EV/REVENUE":
		return MultiplePriceSales, true
	case "AUTO", "":
		return MultipleAuto, true
	}
	return "", false
}

// ProjectionYear is one forecast year.
type ProjectionYear struct {
	Year          string  `json:"year"`
	Revenue       float64 `json:"revenue"`       // $M
	RevenueGrowth float64 `json:"revenueGrowth"` // %
	GrossMargin   float64 `json:"grossMargin"`   // %
	EBITDAMargin  float64 `json:"ebitdaMargin"`  // %
	FCFMargin     float64 `json:"fcfMargin"`     // %
	NetIncome     float64 `json:"netIncome"`     // $M
	EPS           float64 `json:"eps"`           // $
}

// FCF returns free cash flow in $M.
func (p ProjectionYear) FCF() float64 { return p.Revenue * p.FCFMargin / 100 }

// EBITDA returns EBITDA in $M.
func (p ProjectionYear) EBITDA() float64 { return p.Revenue * p.EBITDAMargin / 100 }

// Parameters is the method-tagged valuation input. WACC and TerminalGrowth
// are used for DCF, MultipleType and MultipleValue for exit-multiple.
type Parameters struct {
	Method         Method       `json:"method"`
	WACC           float64      `json:"wacc,omitempty"`                 // %
	TerminalGrowth float64      `json:"terminal_growth_rate,omitempty"` // %
	MultipleType   MultipleType `json:"exit_multiple_type,omitempty"`
	MultipleValue  float64      `json:"exit_multiple_value,omitempty"`
}

// DCFYear is one row of the discounting table.
type DCFYear struct {
	Year           string  `json:"year"`
	Period         int     `json:"period"`
	Revenue        float64 `json:"revenue"`
	FCFMargin      float64 `json:"fcf_margin"`
	FCF            float64 `json:"fcf"`
	DiscountFactor float64 `json:"discount_factor"`
	PresentValue   float64 `json:"present_value"`
}

// DCFBreakdown records every DCF intermediate.
type DCFBreakdown struct {
	WACC                    float64   `json:"wacc"`
	TerminalGrowth          float64   `json:"terminal_growth_rate"`
	Years                   []DCFYear `json:"years"`
	SumPresentValue         float64   `json:"sum_pv_fcf"`
	TerminalFCF             float64   `json:"terminal_fcf"`
	TerminalValue           float64   `json:"terminal_value"`
	TerminalDiscountFactor  float64   `json:"terminal_discount_factor"`
	DiscountedTerminalValue float64   `json:"discounted_terminal_value"`
}

// MultipleBreakdown records the exit-multiple intermediates.
type MultipleBreakdown struct {
	TerminalYear      string       `json:"terminal_year"`
	TerminalRevenue   float64      `json:"terminal_revenue"`
	TerminalEBITDA    float64      `json:"terminal_ebitda"`
	TerminalFCF       float64      `json:"terminal_fcf"`
	TerminalNetIncome float64      `json:"terminal_net_income"`
	TerminalEPS       float64      `json:"terminal_eps"`
	MultipleType      MultipleType `json:"exit_multiple_type"`
	MultipleValue     float64      `json:"exit_multiple_value"`
	MetricUsed        float64      `json:"metric_used"`
	ImpliedEPS        bool         `json:"implied_eps,omitempty"`
}

// Breakdown is the audit record of one valuation. Money is in $M, shares
// in millions, FairValuePerShare in $.
type Breakdown struct {
	Method            Method             `json:"method"`
	DCF               *DCFBreakdown      `json:"dcf,omitempty"`
	Multiple          *MultipleBreakdown `json:"exit_multiple,omitempty"`
	EnterpriseValue   float64            `json:"enterprise_value"`
	NetDebt           float64            `json:"net_debt"`
	NetDebtSource     string             `json:"net_debt_source"`
	EquityValue       float64            `json:"equity_value"`
	SharesOutstanding float64            `json:"shares_outstanding"`
	FairValuePerShare float64            `json:"fair_value_per_share"`
	CalculationMethod string             `json:"calculation_method"`
	CalculationIssue  string             `json:"calculation_issue,omitempty"`
}

// Valuation is the engine output.
type Valuation struct {
	FairValuePerShare float64   `json:"fair_value_per_share"`
	CurrentPrice      float64   `json:"current_price"`
	UpsidePct         float64   `json:"upside_pct"`
	CAGRPct           float64   `json:"cagr_pct"`
	Breakdown         Breakdown `json:"breakdown"`
}

// Calculation issue codes.
const (
	IssueNoProjections      = "no_projections"
	IssueWACCNotAboveGrowth = "wacc_not_above_terminal_growth"
	IssueInvalidWACC        = "invalid_wacc"
	IssueMissingShares      = "shares_outstanding_missing"
	IssueMissingMetric      = "terminal_metric_missing"
	IssueUnknownMultiple    = "unknown_multiple_type"
)
