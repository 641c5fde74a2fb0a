package valuation

import (
	"fmt"
	"math"
)

// calculateDCF fills the DCF part of b. netDebt is in $M.
//
//	FCF_i = revenue_i x fcfMargin_i
//	PV_i  = FCF_i / (1 + wacc)^i
//	TV    = FCF_T x (1 + g) / (wacc - g)
//	EV    = sum(PV_i) + TV / (1 + wacc)^T
//
// wacc <= g yields a zero valuation flagged IssueWACCNotAboveGrowth.
func calculateDCF(projections []ProjectionYear, params Parameters, b *Breakdown) {
	w := params.WACC / 100
	g := params.TerminalGrowth / 100

	dcf := &DCFBreakdown{
		WACC:           params.WACC,
		TerminalGrowth: params.TerminalGrowth,
		Years:          make([]DCFYear, 0, len(projections)),
	}
	b.DCF = dcf

	if len(projections) == 0 {
		b.CalculationIssue = IssueNoProjections
		return
	}
	if 1+w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		b.CalculationIssue = IssueInvalidWACC
		return
	}

	factor := 1.0
	for i, p := range projections {
		factor = 1 / math.Pow(1+w, float64(i+1))
		fcf := p.FCF()
		pv := fcf * factor
		dcf.Years = append(dcf.Years, DCFYear{
			Year:           p.Year,
			Period:         i + 1,
			Revenue:        p.Revenue,
			FCFMargin:      p.FCFMargin,
			FCF:            fcf,
			DiscountFactor: factor,
			PresentValue:   pv,
		})
		dcf.SumPresentValue += pv
	}

	dcf.TerminalFCF = projections[len(projections)-1].FCF()
	dcf.TerminalDiscountFactor = factor
	if w <= g {
		// Explicit-period rows stay for audit; no value is reported.
		b.CalculationIssue = IssueWACCNotAboveGrowth
		b.CalculationMethod = fmt.Sprintf("$%.0fM PV(FCF); no terminal value at %.1f%% WACC <= %.1f%% g",
			dcf.SumPresentValue, params.WACC, params.TerminalGrowth)
		return
	}
	dcf.TerminalValue = dcf.TerminalFCF * (1 + g) / (w - g)
	dcf.DiscountedTerminalValue = dcf.TerminalValue * factor

	b.EnterpriseValue = dcf.SumPresentValue + dcf.DiscountedTerminalValue
	b.EquityValue = b.EnterpriseValue - b.NetDebt
	b.CalculationMethod = fmt.Sprintf("$%.0fM PV(FCF) + $%.0fM PV(TV) at %.1f%% WACC, %.1f%% g = $%.0fM EV",
		dcf.SumPresentValue, dcf.DiscountedTerminalValue, params.WACC, params.TerminalGrowth, b.EnterpriseValue)

	if b.SharesOutstanding <= 0 {
		b.CalculationIssue = IssueMissingShares
		return
	}
	b.FairValuePerShare = b.EquityValue / b.SharesOutstanding
}
