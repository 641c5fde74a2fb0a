package valuation

import (
	"math"
	"reflect"
	"testing"

	"fincast/pkg/core/snapshot"
)

func flatProjections(n int, revenue, fcfMargin float64) []ProjectionYear {
	out := make([]ProjectionYear, n)
	for i := range out {
		out[i] = ProjectionYear{
			Year:         string(rune('1' + i)),
			Revenue:      revenue,
			FCFMargin:    fcfMargin,
			EBITDAMargin: 30,
		}
	}
	return out
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestCompute_DCFReferenceScenario(t *testing.T) {
	snap := &snapshot.CompanySnapshot{
		Latest: snapshot.Financials{SharesOutstanding: 100e6},
		Market: snapshot.MarketData{CurrentPrice: 20},
	}
	params := Parameters{Method: MethodDCF, WACC: 10, TerminalGrowth: 2}

	v := Compute(flatProjections(5, 1000, 20), params, snap)
	b := v.Breakdown
	if b.CalculationIssue != "" {
		t.Fatalf("unexpected issue %s", b.CalculationIssue)
	}
	if !approx(b.DCF.SumPresentValue, 758.16, 0.01) {
		t.Errorf("sum PV = %.4f, want ~758.16", b.DCF.SumPresentValue)
	}
	if !approx(b.DCF.TerminalValue, 2550, 1e-9) {
		t.Errorf("TV = %.4f, want 2550", b.DCF.TerminalValue)
	}
	if !approx(b.DCF.DiscountedTerminalValue, 1583.4, 0.1) {
		t.Errorf("discounted TV = %.4f, want ~1583.4", b.DCF.DiscountedTerminalValue)
	}
	if !approx(b.EnterpriseValue, 2341.6, 0.15) {
		t.Errorf("EV = %.4f, want ~2341.6", b.EnterpriseValue)
	}
	if !approx(v.FairValuePerShare, 23.42, 0.01) {
		t.Errorf("fair value = %.4f, want ~23.42", v.FairValuePerShare)
	}
	if len(b.DCF.Years) != 5 || b.DCF.Years[4].DiscountFactor != b.DCF.TerminalDiscountFactor {
		t.Errorf("terminal value must use the final year's discount factor")
	}
	if b.NetDebtSource != "unavailable" || b.NetDebt != 0 {
		t.Errorf("net debt = %v (%s)", b.NetDebt, b.NetDebtSource)
	}
}

func TestCompute_DCFInvalidRates(t *testing.T) {
	snap := &snapshot.CompanySnapshot{
		Latest: snapshot.Financials{SharesOutstanding: 100e6},
		Market: snapshot.MarketData{CurrentPrice: 40},
	}
	tests := []struct {
		name      string
		wacc, g   float64
		wantIssue string
	}{
		{"equal", 5, 5, IssueWACCNotAboveGrowth},
		{"equal low", 2, 2, IssueWACCNotAboveGrowth},
		{"growth above wacc", 2, 10, IssueWACCNotAboveGrowth},
		{"wacc below -100%", -150, 2, IssueInvalidWACC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Compute(flatProjections(5, 1000, 20), Parameters{Method: MethodDCF, WACC: tt.wacc, TerminalGrowth: tt.g}, snap)
			b := v.Breakdown
			if b.CalculationIssue != tt.wantIssue {
				t.Errorf("issue = %q, want %q", b.CalculationIssue, tt.wantIssue)
			}
			if b.DCF.TerminalValue != 0 {
				t.Errorf("terminal value = %v, want 0", b.DCF.TerminalValue)
			}
			if v.FairValuePerShare != 0 || v.UpsidePct != 0 || v.CAGRPct != 0 {
				t.Errorf("fair value = %v, upside = %v, cagr = %v, want all 0", v.FairValuePerShare, v.UpsidePct, v.CAGRPct)
			}
			if b.EnterpriseValue != 0 || b.EquityValue != 0 {
				t.Errorf("ev = %v, equity = %v, want 0", b.EnterpriseValue, b.EquityValue)
			}
			if tt.wantIssue == IssueWACCNotAboveGrowth && (len(b.DCF.Years) != 5 || b.DCF.SumPresentValue <= 0) {
				t.Errorf("explicit-period rows should be kept: %d years, sum PV %v", len(b.DCF.Years), b.DCF.SumPresentValue)
			}
		})
	}
}

func TestCompute_DCFPositiveForPositiveFCF(t *testing.T) {
	snap := &snapshot.CompanySnapshot{Latest: snapshot.Financials{SharesOutstanding: 50e6}}
	for _, rates := range [][2]float64{{6, 0}, {8, 3}, {12, 2.5}, {20, -1}, {3, 2.9}} {
		v := Compute(flatProjections(5, 500, 15), Parameters{Method: MethodDCF, WACC: rates[0], TerminalGrowth: rates[1]}, snap)
		if v.FairValuePerShare <= 0 || math.IsInf(v.FairValuePerShare, 0) {
			t.Errorf("wacc=%v g=%v: fair value %v not finite positive", rates[0], rates[1], v.FairValuePerShare)
		}
	}
}

func TestCompute_ExitMultiplePE(t *testing.T) {
	projections := flatProjections(5, 1000, 20)
	projections[4].EPS = 5

	for _, price := range []float64{0, 10, 250} {
		snap := &snapshot.CompanySnapshot{Market: snapshot.MarketData{CurrentPrice: price}}
		v := Compute(projections, Parameters{Method: MethodExitMultiple, MultipleType: MultiplePE, MultipleValue: 20}, snap)
		if v.FairValuePerShare != 100 {
			t.Errorf("price %v: fair value = %v, want exactly 100", price, v.FairValuePerShare)
		}
	}
}

func TestCompute_ExitMultipleImpliedEPS(t *testing.T) {
	projections := flatProjections(5, 1000, 20)
	projections[4].NetIncome = 250 // $M
	snap := &snapshot.CompanySnapshot{Latest: snapshot.Financials{SharesOutstanding: 100e6}}

	v := Compute(projections, Parameters{Method: MethodExitMultiple, MultipleType: "PE", MultipleValue: 16}, snap)
	if !v.Breakdown.Multiple.ImpliedEPS {
		t.Error("expected implied EPS fallback")
	}
	if !approx(v.FairValuePerShare, 40, 1e-9) {
		t.Errorf("fair value = %v, want 40", v.FairValuePerShare)
	}

	projections[4].NetIncome = 0
	v = Compute(projections, Parameters{Method: MethodExitMultiple, MultipleType: MultiplePE, MultipleValue: 16}, snap)
	if v.FairValuePerShare != 0 || v.Breakdown.CalculationIssue != IssueMissingMetric {
		t.Errorf("expected zero with %s, got %v / %q", IssueMissingMetric, v.FairValuePerShare, v.Breakdown.CalculationIssue)
	}
}

func TestCompute_ExitMultipleEVBased(t *testing.T) {
	projections := flatProjections(5, 1000, 20) // EBITDA 300, FCF 200
	snap := &snapshot.CompanySnapshot{
		Latest: snapshot.Financials{SharesOutstanding: 100e6},
		Market: snapshot.MarketData{EnterpriseValue: 12e9, MarketCap: 10e9, CurrentPrice: 30},
	}
	netDebtM := (snap.Market.EnterpriseValue - snap.Market.MarketCap) / 1e6

	tests := []struct {
		mt     MultipleType
		metric float64
	}{
		{MultipleEVEBITDA, 300},
		{MultipleEVFCF, 200},
		{MultiplePriceSales, 1000},
		{"P/S", 1000},
	}
	for _, tt := range tests {
		t.Run(string(tt.mt), func(t *testing.T) {
			v := Compute(projections, Parameters{Method: MethodExitMultiple, MultipleType: tt.mt, MultipleValue: 12}, snap)
			b := v.Breakdown
			want := (tt.metric*12 - netDebtM) / 100
			if !approx(v.FairValuePerShare, want, 1e-9) {
				t.Errorf("fair value = %v, want %v", v.FairValuePerShare, want)
			}
			if b.NetDebt != netDebtM || b.NetDebtSource != "ev_minus_market_cap" {
				t.Errorf("equity bridge used net debt %v (%s), want %v", b.NetDebt, b.NetDebtSource, netDebtM)
			}
			if !approx(b.EnterpriseValue-b.EquityValue, netDebtM, 1e-9) {
				t.Errorf("EV - equity = %v, want %v", b.EnterpriseValue-b.EquityValue, netDebtM)
			}
		})
	}
}

func TestCompute_DegradedInputs(t *testing.T) {
	tests := []struct {
		name        string
		projections []ProjectionYear
		params      Parameters
		snap        *snapshot.CompanySnapshot
		wantIssue   string
	}{
		{"no projections dcf", nil, Parameters{Method: MethodDCF, WACC: 9, TerminalGrowth: 2}, &snapshot.CompanySnapshot{}, IssueNoProjections},
		{"no projections multiple", nil, Parameters{Method: MethodExitMultiple}, nil, IssueNoProjections},
		{"missing shares ev", flatProjections(5, 1000, 20), Parameters{Method: MethodExitMultiple, MultipleType: MultipleEVFCF, MultipleValue: 15}, &snapshot.CompanySnapshot{}, IssueMissingShares},
		{"missing shares dcf", flatProjections(5, 1000, 20), Parameters{Method: MethodDCF, WACC: 9, TerminalGrowth: 2}, nil, IssueMissingShares},
		{"unknown multiple", flatProjections(5, 1000, 20), Parameters{Method: MethodExitMultiple, MultipleType: "EV/Users", MultipleValue: 5}, &snapshot.CompanySnapshot{}, IssueUnknownMultiple},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Compute(tt.projections, tt.params, tt.snap)
			if v.FairValuePerShare != 0 {
				t.Errorf("fair value = %v, want 0", v.FairValuePerShare)
			}
			if v.Breakdown.CalculationIssue != tt.wantIssue {
				t.Errorf("issue = %q, want %q", v.Breakdown.CalculationIssue, tt.wantIssue)
			}
		})
	}
}

func TestCompute_DefaultMultiple(t *testing.T) {
	projections := flatProjections(5, 1000, 20)
	projections[4].EPS = 2
	v := Compute(projections, Parameters{Method: MethodExitMultiple, MultipleType: MultipleAuto}, nil)
	if v.Breakdown.Multiple.MultipleType != MultiplePE || v.Breakdown.Multiple.MultipleValue != DefaultMultipleValue {
		t.Errorf("expected P/E at %vx, got %+v", DefaultMultipleValue, v.Breakdown.Multiple)
	}
	if v.FairValuePerShare != 40 {
		t.Errorf("fair value = %v, want 40", v.FairValuePerShare)
	}
}

func TestCompute_Idempotent(t *testing.T) {
	snap := &snapshot.CompanySnapshot{
		Latest: snapshot.Financials{SharesOutstanding: 321e6},
		Market: snapshot.MarketData{CurrentPrice: 17.3, EnterpriseValue: 9e9, MarketCap: 7.5e9},
	}
	projections := []ProjectionYear{
		{Year: "2025", Revenue: 1234.5, FCFMargin: 11.1},
		{Year: "2026", Revenue: 1400.2, FCFMargin: 12.7},
		{Year: "2027", Revenue: 1577.9, FCFMargin: 13.3},
	}
	params := Parameters{Method: MethodDCF, WACC: 8.7, TerminalGrowth: 2.4}

	first := Compute(projections, params, snap)
	second := Compute(projections, params, snap)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Compute is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestUpsideAndCAGR(t *testing.T) {
	if got := Upside(150, 100); got != 50 {
		t.Errorf("Upside = %v, want 50", got)
	}
	if got := Upside(150, 0); got != 0 {
		t.Errorf("Upside with zero price = %v", got)
	}
	if got := CAGR(200, 100, 5); !approx(got, 14.8698, 1e-3) {
		t.Errorf("CAGR = %v, want ~14.87", got)
	}
	if got := CAGR(-5, 100, 5); got != 0 {
		t.Errorf("CAGR with negative fair value = %v", got)
	}
	if got := CAGR(200, 100, 0); got != 0 {
		t.Errorf("CAGR with zero horizon = %v", got)
	}
}

func TestNormalizeRates(t *testing.T) {
	w, g, scaled := NormalizeRates(0.09, 0.025)
	if !scaled || !approx(w, 9, 1e-9) || !approx(g, 2.5, 1e-9) {
		t.Errorf("NormalizeRates(0.09, 0.025) = %v, %v, %v", w, g, scaled)
	}
	w, g, scaled = NormalizeRates(9, 2.5)
	if scaled || w != 9 || g != 2.5 {
		t.Errorf("percent input should be untouched, got %v, %v, %v", w, g, scaled)
	}
}

func TestNormalizeProjections(t *testing.T) {
	in := []ProjectionYear{
		{Year: "FY25", Revenue: 1100},
		{Year: "FY26", Revenue: 1210, RevenueGrowth: 10},
		{Year: "FY27", Revenue: 1331},
	}
	out := NormalizeProjections(in, 2024, 1000)

	wantYears := []string{"2025", "2026", "2027"}
	for i, p := range out {
		if p.Year != wantYears[i] {
			t.Errorf("year[%d] = %s, want %s", i, p.Year, wantYears[i])
		}
		if !approx(p.RevenueGrowth, 10, 1e-9) {
			t.Errorf("growth[%d] = %v, want 10", i, p.RevenueGrowth)
		}
	}
	if in[0].Year != "FY25" || in[0].RevenueGrowth != 0 {
		t.Error("input must not be modified")
	}

	echoed := []ProjectionYear{
		{Year: "FY24", Revenue: 1000},
		{Year: "FY25", Revenue: 1100},
		{Year: "FY26", Revenue: 1210},
	}
	out = NormalizeProjections(echoed, 2024, 1000)
	if len(out) != 2 || out[0].Year != "2025" || out[1].Year != "2026" {
		t.Errorf("echoed actual should be dropped, got %+v", out)
	}
	if !approx(out[0].RevenueGrowth, 10, 1e-9) {
		t.Errorf("growth after drop = %v, want 10", out[0].RevenueGrowth)
	}

	allPast := []ProjectionYear{{Year: "2022"}, {Year: "2023"}}
	out = NormalizeProjections(allPast, 2024, 0)
	if len(out) != 2 || out[0].Year != "2025" || out[1].Year != "2026" {
		t.Errorf("all-past labels should be relabelled, got %+v", out)
	}

	gappy := []ProjectionYear{{Year: "2026"}, {Year: "2025"}, {Year: ""}}
	out = NormalizeProjections(gappy, 2023, 0)
	for i, want := range []string{"2024", "2025", "2026"} {
		if out[i].Year != want {
			t.Errorf("relabel[%d] = %s, want %s", i, out[i].Year, want)
		}
	}
}
