package valuation

import "fmt"

// calculateExitMultiple fills the exit-multiple part of b. P/E is already a
// per-share multiple; the other types go through the equity bridge.
func calculateExitMultiple(projections []ProjectionYear, params Parameters, b *Breakdown) {
	mult := params.MultipleValue
	if mult <= 0 {
		mult = DefaultMultipleValue
	}
	mt := params.MultipleType
	if parsed, ok := ParseMultipleType(string(mt)); ok && parsed != MultipleAuto {
		mt = parsed
	} else if ok {
		mt = MultiplePE
	}

	m := &MultipleBreakdown{MultipleType: mt, MultipleValue: mult}
	b.Multiple = m

	if len(projections) == 0 {
		b.CalculationIssue = IssueNoProjections
		return
	}
	t := projections[len(projections)-1]
	m.TerminalYear = t.Year
	m.TerminalRevenue = t.Revenue
	m.TerminalEBITDA = t.EBITDA()
	m.TerminalFCF = t.FCF()
	m.TerminalNetIncome = t.NetIncome
	m.TerminalEPS = t.EPS

	if mt == MultiplePE {
		eps := t.EPS
		if eps <= 0 && t.NetIncome > 0 && b.SharesOutstanding > 0 {
			eps = t.NetIncome / b.SharesOutstanding
			m.ImpliedEPS = true
		}
		if eps <= 0 {
			b.CalculationIssue = IssueMissingMetric
			return
		}
		m.MetricUsed = eps
		b.FairValuePerShare = eps * mult
		b.EquityValue = b.FairValuePerShare * b.SharesOutstanding
		b.EnterpriseValue = b.EquityValue + b.NetDebt
		b.CalculationMethod = fmt.Sprintf("$%.2f EPS x %gx P/E", eps, mult)
		return
	}

	var metric float64
	var label string
	switch mt {
	case MultipleEVEBITDA:
		metric, label = m.TerminalEBITDA, "EBITDA"
	case MultipleEVFCF:
		metric, label = m.TerminalFCF, "FCF"
	case MultiplePriceSales:
		metric, label = m.TerminalRevenue, "Revenue"
	default:
		b.CalculationIssue = IssueUnknownMultiple
		return
	}
	m.MetricUsed = metric
	if metric == 0 {
		b.CalculationIssue = IssueMissingMetric
		return
	}

	b.EnterpriseValue = metric * mult
	b.EquityValue = b.EnterpriseValue - b.NetDebt
	b.CalculationMethod = fmt.Sprintf("$%.0fM %s x %gx = $%.0fM EV", metric, label, mult, b.EnterpriseValue)
	if b.SharesOutstanding <= 0 {
		b.CalculationIssue = IssueMissingShares
		return
	}
	b.FairValuePerShare = b.EquityValue / b.SharesOutstanding
}
