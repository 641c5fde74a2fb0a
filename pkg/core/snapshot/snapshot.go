// Package snapshot defines the company financials snapshot a forecast run
// starts from and a file-backed provider for it.
//
// Monetary values are absolute USD and share counts are absolute, matching
// what market-data vendors return. Margins are percentages (41.2 = 41.2%).
package snapshot

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultFiscalYear is used when no record carries a parseable year label.
const DefaultFiscalYear = 2024

// Financials are the latest fiscal year actuals.
type Financials struct {
	FiscalYear        string  `json:"fiscal_year,omitempty"`
	Revenue           float64 `json:"revenue"`
	GrossMarginPct    float64 `json:"gross_margin_pct"`
	EBITDA            float64 `json:"ebitda"`
	NetIncome         float64 `json:"net_income"`
	EPS               float64 `json:"eps"`
	SharesOutstanding float64 `json:"shares_outstanding"`
	FCFMarginPct      float64 `json:"fcf_margin_pct"`
}

// MarketData is the current market picture. NetDebt is nil when the vendor
// did not report it.
type MarketData struct {
	CurrentPrice    float64  `json:"current_price"`
	MarketCap       float64  `json:"market_cap"`
	EnterpriseValue float64  `json:"enterprise_value"`
	NetDebt         *float64 `json:"net_debt,omitempty"`
}

// YearRecord is one historical fiscal year.
type YearRecord struct {
	Year            string  `json:"year"`
	Revenue         float64 `json:"revenue"`
	RevenueGrowth   float64 `json:"revenue_growth,omitempty"`
	GrossMarginPct  float64 `json:"gross_margin_pct"`
	EBITDAMarginPct float64 `json:"ebitda_margin_pct"`
	NetIncome       float64 `json:"net_income"`
	EPS             float64 `json:"eps"`
	FCF             float64 `json:"fcf"`
}

// CompanySnapshot is the immutable input of a forecast run. Historical is
// ordered oldest to newest.
type CompanySnapshot struct {
	Ticker      string       `json:"ticker"`
	CompanyName string       `json:"company_name"`
	Latest      Financials   `json:"latest_financials"`
	Market      MarketData   `json:"market_data"`
	Historical  []YearRecord `json:"historical_financials"`
}

// Name returns the company name, or the ticker when the name is missing.
func (s *CompanySnapshot) Name() string {
	if s == nil {
		return ""
	}
	if s.CompanyName != "" {
		return s.CompanyName
	}
	return s.Ticker
}

// NetDebt returns the net debt used in the equity bridge and where it came
// from: "reported", "ev_minus_market_cap" or "unavailable".
func (s *CompanySnapshot) NetDebt() (float64, string) {
	if s == nil {
		return 0, "unavailable"
	}
	if s.Market.NetDebt != nil {
		return *s.Market.NetDebt, "reported"
	}
	if s.Market.EnterpriseValue > 0 && s.Market.MarketCap > 0 {
		return s.Market.EnterpriseValue - s.Market.MarketCap, "ev_minus_market_cap"
	}
	return 0, "unavailable"
}

// LastRevenue returns the most recent actual revenue, preferring the latest
// financials over the historical list.
func (s *CompanySnapshot) LastRevenue() float64 {
	if s == nil {
		return 0
	}
	if s.Latest.Revenue > 0 {
		return s.Latest.Revenue
	}
	if n := len(s.Historical); n > 0 {
		return s.Historical[n-1].Revenue
	}
	return 0
}

// LatestFiscalYear is the newest year found in the historical labels or
// the latest financials label, else DefaultFiscalYear.
func (s *CompanySnapshot) LatestFiscalYear() int {
	latest := 0
	if s != nil {
		for _, h := range s.Historical {
			if y, ok := ParseFiscalYear(h.Year); ok && y > latest {
				latest = y
			}
		}
		if y, ok := ParseFiscalYear(s.Latest.FiscalYear); ok && y > latest {
			latest = y
		}
	}
	if latest == 0 {
		return DefaultFiscalYear
	}
	return latest
}

var yearPattern = regexp.MustCompile(`\d{2,4}`)

// ParseFiscalYear reads labels like "FY24", "2024" or "2023-09-30".
// Two-digit years map to 20xx. Years not after 2000 are rejected.
func ParseFiscalYear(label string) (int, bool) {
	m := yearPattern.FindString(strings.TrimSpace(label))
	if m == "" {
		return 0, false
	}
	yr, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	if yr < 100 {
		yr += 2000
	}
	if yr <= 2000 {
		return 0, false
	}
	return yr, true
}
