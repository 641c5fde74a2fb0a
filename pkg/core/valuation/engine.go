package valuation

import (
	"math"
	"strconv"

	"fincast/pkg/core/snapshot"
)

// Compute values projections with params against the snapshot's market
// data. Degenerate inputs never panic or produce NaN; they yield zero values
// and a Breakdown.CalculationIssue code.
func Compute(projections []ProjectionYear, params Parameters, snap *snapshot.CompanySnapshot) Valuation {
	netDebt, source := snap.NetDebt()
	var shares, price float64
	if snap != nil {
		shares = snap.Latest.SharesOutstanding
		price = snap.Market.CurrentPrice
	}

	b := Breakdown{
		Method:            params.Method,
		NetDebt:           netDebt / 1e6,
		NetDebtSource:     source,
		SharesOutstanding: shares / 1e6,
	}

	switch params.Method {
	case MethodDCF:
		calculateDCF(projections, params, &b)
	default:
		b.Method = MethodExitMultiple
		calculateExitMultiple(projections, params, &b)
	}

	b.FairValuePerShare = finite(b.FairValuePerShare)
	b.EnterpriseValue = finite(b.EnterpriseValue)
	b.EquityValue = finite(b.EquityValue)

	return Valuation{
		FairValuePerShare: b.FairValuePerShare,
		CurrentPrice:      price,
		UpsidePct:         Upside(b.FairValuePerShare, price),
		CAGRPct:           CAGR(b.FairValuePerShare, price, len(projections)),
		Breakdown:         b,
	}
}

// Upside returns (fairValue - price) / price in percent, or 0 unless both
// values are positive.
func Upside(fairValue, price float64) float64 {
	if fairValue <= 0 || price <= 0 {
		return 0
	}
	return finite((fairValue - price) / price * 100)
}

// CAGR returns the annual growth rate in percent that takes price to
// fairValue over years, or 0 unless all inputs are positive.
func CAGR(fairValue, price float64, years int) float64 {
	if fairValue <= 0 || price <= 0 || years <= 0 {
		return 0
	}
	return finite((math.Pow(fairValue/price, 1/float64(years)) - 1) * 100)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// NormalizeRates converts rates given as decimals (0.09) to percent (9).
// A WACC below 1 is taken as a decimal and both rates are scaled.
func NormalizeRates(wacc, terminalGrowth float64) (float64, float64, bool) {
	if wacc > 0 && wacc < 1 {
		return wacc * 100, terminalGrowth * 100, true
	}
	return wacc, terminalGrowth, false
}

// NormalizeProjections drops rows labelled at or before latestFY (echoed
// actuals) unless that would leave nothing, relabels years to the contiguous
// range following latestFY when labels are missing or out of sequence, and
// back-derives missing growth rates: the first year from lastRevenue ($M),
// later years from the previous projection. The input slice is not modified.
func NormalizeProjections(projections []ProjectionYear, latestFY int, lastRevenue float64) []ProjectionYear {
	out := make([]ProjectionYear, 0, len(projections))
	for _, p := range projections {
		if y, ok := snapshot.ParseFiscalYear(p.Year); ok && latestFY > 0 && y <= latestFY {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, projections...)
	}

	contiguous := true
	prev := latestFY
	for _, p := range out {
		y, ok := snapshot.ParseFiscalYear(p.Year)
		if !ok || y != prev+1 {
			contiguous = false
			break
		}
		prev = y
	}
	for i := range out {
		if !contiguous {
			out[i].Year = strconv.Itoa(latestFY + 1 + i)
		} else if y, _ := snapshot.ParseFiscalYear(out[i].Year); strconv.Itoa(y) != out[i].Year {
			out[i].Year = strconv.Itoa(y)
		}
	}

	base := lastRevenue
	for i := range out {
		if out[i].RevenueGrowth == 0 && base > 0 && out[i].Revenue > 0 {
			out[i].RevenueGrowth = (out[i].Revenue/base - 1) * 100
		}
		base = out[i].Revenue
	}
	return out
}
