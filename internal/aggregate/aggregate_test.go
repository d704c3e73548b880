package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetline/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// portfolioLines is a mixed portfolio whose per-status totals land on
// well-known values, including a fee-bearing draft line.
func portfolioLines() []domain.BudgetLineItem {
	return []domain.BudgetLineItem{
		{ID: "bl-1", CANID: "can-1", Status: domain.StatusDraft, Amount: d("1000000"), FeeRate: d("0"), DateNeeded: "2027-06-01"},
		{ID: "bl-2", CANID: "can-1", Status: domain.StatusDraft, Amount: d("800000"), FeeRate: d("0.25"), DateNeeded: "2027-06-01"},
		{ID: "bl-3", CANID: "can-1", Status: domain.StatusPlanned, Amount: d("7000000.05"), FeeRate: d("0"), DateNeeded: "2027-03-01"},
		{ID: "bl-4", CANID: "can-2", Status: domain.StatusPlanned, Amount: d("7000000.04"), FeeRate: d("0"), DateNeeded: "2027-04-01"},
		{ID: "bl-5", CANID: "can-1", Status: domain.StatusInExecution, Amount: d("8000000.04"), FeeRate: d("0"), DateNeeded: "2027-01-15"},
		{ID: "bl-6", CANID: "can-2", Status: domain.StatusInExecution, Amount: d("8000000.04"), FeeRate: d("0"), DateNeeded: "2027-02-15"},
		{ID: "bl-7", CANID: "can-1", Status: domain.StatusObligated, Amount: d("3001000.11"), FeeRate: d("0"), DateNeeded: "2026-12-01"},
	}
}

func TestTotalsByStatus(t *testing.T) {
	totals, grand := TotalsByStatus(portfolioLines())
	want := map[domain.BLIStatus]string{
		domain.StatusDraft:       "2000000",
		domain.StatusPlanned:     "14000000.09",
		domain.StatusInExecution: "16000000.08",
		domain.StatusObligated:   "3001000.11",
	}
	for s, w := range want {
		if !totals[s].Equal(d(w)) {
			t.Errorf("totals[%s] = %s, want %s", s, totals[s], w)
		}
	}
	if !grand.Equal(d("35001000.28")) {
		t.Errorf("grand = %s, want 35001000.28", grand)
	}
}

func TestTotalsByStatusEmpty(t *testing.T) {
	totals, grand := TotalsByStatus(nil)
	if !grand.IsZero() {
		t.Errorf("grand = %s, want 0", grand)
	}
	for _, s := range domain.RestStatuses {
		if v, ok := totals[s]; !ok || !v.IsZero() {
			t.Errorf("totals[%s] = %v, %v; want 0 present", s, v, ok)
		}
	}
}

func TestPercentsByStatus(t *testing.T) {
	percents := PercentsByStatus(portfolioLines())
	want := map[domain.BLIStatus]int{
		domain.StatusDraft:       6,
		domain.StatusPlanned:     40,
		domain.StatusInExecution: 46,
		domain.StatusObligated:   9,
	}
	for s, w := range want {
		if percents[s] != w {
			t.Errorf("percents[%s] = %d, want %d", s, percents[s], w)
		}
	}
}

func TestPercentsByStatusZeroGrand(t *testing.T) {
	lines := []domain.BudgetLineItem{
		{ID: "bl-1", Status: domain.StatusDraft, Amount: decimal.Zero},
	}
	for s, p := range PercentsByStatus(lines) {
		if p != 0 {
			t.Errorf("percents[%s] = %d, want 0 on zero grand total", s, p)
		}
	}
}

func TestFundingSummary(t *testing.T) {
	fy := domain.CANFiscalYear{
		CANID:           "can-1",
		FiscalYear:      2027,
		TotalFunding:    d("20000000"),
		ReceivedFunding: d("15000000"),
	}
	s := FundingSummary(fy, portfolioLines())
	if !s.ExpectedFunding.Equal(d("5000000")) {
		t.Errorf("expected = %s, want 5000000", s.ExpectedFunding)
	}
	// can-1 in FY2027: draft 2,000,000; planned 7,000,000.05;
	// in execution 8,000,000.04; obligated 3,001,000.11
	if !s.InDraftFunding.Equal(d("2000000")) {
		t.Errorf("draft = %s", s.InDraftFunding)
	}
	if !s.PlannedFunding.Equal(d("7000000.05")) {
		t.Errorf("planned = %s", s.PlannedFunding)
	}
	if !s.InExecutionFunding.Equal(d("8000000.04")) {
		t.Errorf("in execution = %s", s.InExecutionFunding)
	}
	if !s.ObligatedFunding.Equal(d("3001000.11")) {
		t.Errorf("obligated = %s", s.ObligatedFunding)
	}
	// draft never reduces the budget
	wantAvail := d("20000000").Sub(d("7000000.05")).Sub(d("8000000.04")).Sub(d("3001000.11"))
	if !s.AvailableFunding.Equal(wantAvail) {
		t.Errorf("available = %s, want %s", s.AvailableFunding, wantAvail)
	}
}

func TestFundingSummarySkipsOtherYears(t *testing.T) {
	fy := domain.CANFiscalYear{CANID: "can-1", FiscalYear: 2030, TotalFunding: d("1000")}
	s := FundingSummary(fy, portfolioLines())
	if !s.AvailableFunding.Equal(d("1000")) {
		t.Errorf("available = %s, want untouched 1000", s.AvailableFunding)
	}
}

func TestNextNeedBy(t *testing.T) {
	now := time.Date(2026, time.November, 1, 0, 0, 0, 0, time.UTC)
	b, ok := NextNeedBy(portfolioLines(), now)
	if !ok || b.ID != "bl-7" {
		t.Fatalf("next = %v, %v; want bl-7", b.ID, ok)
	}
	// draft lines never surface even when earlier
	lines := []domain.BudgetLineItem{
		{ID: "bl-a", Status: domain.StatusDraft, DateNeeded: "2026-11-02"},
		{ID: "bl-b", Status: domain.StatusPlanned, DateNeeded: "2026-12-25"},
	}
	b, ok = NextNeedBy(lines, now)
	if !ok || b.ID != "bl-b" {
		t.Fatalf("next = %v, %v; want bl-b", b.ID, ok)
	}
	// all dates in the past
	past := time.Date(2040, time.January, 1, 0, 0, 0, 0, time.UTC)
	if _, ok := NextNeedBy(portfolioLines(), past); ok {
		t.Error("expected no next need-by when every date is past")
	}
}
