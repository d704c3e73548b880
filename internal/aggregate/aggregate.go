// Package aggregate computes the read-side rollups: totals and shares by
// status, per-CAN funding summaries, and the next upcoming need-by date.
// Everything here is pure; in-review lines count under their rest status.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"budgetline/internal/domain"
	"budgetline/internal/fiscal"
)

// LineTotal is the line's amount plus its derived procurement fee.
func LineTotal(b domain.BudgetLineItem) decimal.Decimal {
	return fiscal.TotalWithFee(b.Amount, fiscal.Fee(b.Amount, b.FeeRate))
}

// TotalsByStatus sums amount-plus-fee per rest status and returns the map
// together with the grand total. Every rest status is present in the map
// even when no line carries it.
func TotalsByStatus(lines []domain.BudgetLineItem) (map[domain.BLIStatus]decimal.Decimal, decimal.Decimal) {
	totals := make(map[domain.BLIStatus]decimal.Decimal, len(domain.RestStatuses))
	for _, s := range domain.RestStatuses {
		totals[s] = decimal.Zero
	}
	grand := decimal.Zero
	for _, b := range lines {
		t := LineTotal(b)
		totals[b.Status] = totals[b.Status].Add(t)
		grand = grand.Add(t)
	}
	return totals, grand
}

// PercentsByStatus returns each status's share of the grand total as a whole
// percentage. A zero grand total yields all zeroes. Shares are rounded
// independently, so they may not sum to exactly 100.
func PercentsByStatus(lines []domain.BudgetLineItem) map[domain.BLIStatus]int {
	totals, grand := TotalsByStatus(lines)
	percents := make(map[domain.BLIStatus]int, len(totals))
	for s, t := range totals {
		percents[s] = fiscal.Percent(t, grand)
	}
	return percents
}

// CANFundingSummary is the funding position of one CAN for one fiscal year.
// AvailableFunding subtracts only committed statuses; DRAFT is reported but
// never counts against the budget.
type CANFundingSummary struct {
	CANID              string          `json:"can_id"`
	FiscalYear         int             `json:"fiscal_year"`
	TotalFunding       decimal.Decimal `json:"total_funding"`
	ReceivedFunding    decimal.Decimal `json:"received_funding"`
	ExpectedFunding    decimal.Decimal `json:"expected_funding"`
	InDraftFunding     decimal.Decimal `json:"in_draft_funding"`
	PlannedFunding     decimal.Decimal `json:"planned_funding"`
	InExecutionFunding decimal.Decimal `json:"in_execution_funding"`
	ObligatedFunding   decimal.Decimal `json:"obligated_funding"`
	AvailableFunding   decimal.Decimal `json:"available_funding"`
}

// FundingSummary rolls up the given CAN's lines against one fiscal year of
// funding. Lines whose need-by date falls outside the fiscal year, or is
// unset, are skipped.
func FundingSummary(fy domain.CANFiscalYear, lines []domain.BudgetLineItem) CANFundingSummary {
	s := CANFundingSummary{
		CANID:              fy.CANID,
		FiscalYear:         fy.FiscalYear,
		TotalFunding:       fy.TotalFunding,
		ReceivedFunding:    fy.ReceivedFunding,
		ExpectedFunding:    fy.TotalFunding.Sub(fy.ReceivedFunding),
		InDraftFunding:     decimal.Zero,
		PlannedFunding:     decimal.Zero,
		InExecutionFunding: decimal.Zero,
		ObligatedFunding:   decimal.Zero,
	}
	for _, b := range lines {
		if b.CANID != fy.CANID {
			continue
		}
		year, ok := fiscal.Year(b.DateNeeded)
		if !ok || year != fy.FiscalYear {
			continue
		}
		t := LineTotal(b)
		switch b.Status {
		case domain.StatusDraft:
			s.InDraftFunding = s.InDraftFunding.Add(t)
		case domain.StatusPlanned:
			s.PlannedFunding = s.PlannedFunding.Add(t)
		case domain.StatusInExecution:
			s.InExecutionFunding = s.InExecutionFunding.Add(t)
		case domain.StatusObligated:
			s.ObligatedFunding = s.ObligatedFunding.Add(t)
		}
	}
	committed := s.PlannedFunding.Add(s.InExecutionFunding).Add(s.ObligatedFunding)
	s.AvailableFunding = s.TotalFunding.Sub(committed)
	return s
}

// NextNeedBy returns the non-draft line with the earliest need-by date that
// is today or later. ok=false when no line qualifies.
func NextNeedBy(lines []domain.BudgetLineItem, now time.Time) (domain.BudgetLineItem, bool) {
	today := now.UTC().Truncate(24 * time.Hour)
	var best domain.BudgetLineItem
	var bestDate time.Time
	found := false
	for _, b := range lines {
		if b.Status == domain.StatusDraft {
			continue
		}
		d, err := time.Parse("2006-01-02", b.DateNeeded)
		if err != nil || d.Before(today) {
			continue
		}
		if !found || d.Before(bestDate) {
			best, bestDate, found = b, d, true
		}
	}
	return best, found
}
