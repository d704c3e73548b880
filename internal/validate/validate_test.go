package validate

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetline/internal/domain"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func completeAgreement() domain.Agreement {
	return domain.Agreement{
		ID:                 "ag-1",
		Name:               "Research support services",
		Type:               domain.AgreementContract,
		Reason:             domain.ReasonNewRequirement,
		Description:        "Support for the research program",
		ProductServiceCode: "R410",
		NAICS:              "541720",
		SupportCode:        "OPS-1",
		ProcurementShop:    "GCS",
		ProjectOfficerID:   "user-po",
		BudgetLines: []domain.BudgetLineItem{
			{
				ID:          "bl-1",
				Description: "SC1",
				CANID:       "can-1",
				Amount:      decimal.RequireFromString("1000000"),
				DateNeeded:  "2027-06-01",
			},
		},
	}
}

func TestAgreementComplete(t *testing.T) {
	r := Agreement(completeAgreement(), testNow)
	if !r.IsValid() {
		t.Fatalf("expected valid, got messages %v", r.Messages())
	}
}

func TestAgreementMissingFields(t *testing.T) {
	a := completeAgreement()
	a.Description = ""
	a.ProjectOfficerID = ""
	r := Agreement(a, testNow)
	if r.IsValid() {
		t.Fatal("expected invalid")
	}
	want := []string{"description", "project-officer"}
	if !reflect.DeepEqual(r.Keys(), want) {
		t.Errorf("keys = %v, want %v", r.Keys(), want)
	}
	for _, k := range want {
		if got := r.Messages()[k]; len(got) != 1 || got[0] != msgRequired {
			t.Errorf("messages[%q] = %v, want [%q]", k, got, msgRequired)
		}
	}
}

func TestAgreementNoBudgetLines(t *testing.T) {
	a := completeAgreement()
	a.BudgetLines = nil
	r := Agreement(a, testNow)
	if got := r.Messages()["budget-line-items"]; len(got) != 1 || got[0] != msgNeedBudgetLine {
		t.Errorf("budget-line-items messages = %v", got)
	}
}

func TestAgreementBudgetLineProblems(t *testing.T) {
	a := completeAgreement()
	a.BudgetLines[0].DateNeeded = "2020-01-01"
	r := Agreement(a, testNow)
	key := "Budget line item (SC1)"
	got := r.Messages()[key]
	if len(got) != 1 || got[0] != msgFutureDate {
		t.Errorf("messages[%q] = %v, want [%q]", key, got, msgFutureDate)
	}
}

func TestAgreementIdempotent(t *testing.T) {
	a := completeAgreement()
	a.Name = ""
	a.BudgetLines[0].CANID = ""
	first := Agreement(a, testNow)
	for i := 0; i < 3; i++ {
		again := Agreement(a, testNow)
		if !reflect.DeepEqual(first.Keys(), again.Keys()) ||
			!reflect.DeepEqual(first.Messages(), again.Messages()) {
			t.Fatalf("run %d differs: %v vs %v", i, first.Messages(), again.Messages())
		}
	}
}

func TestAgreementField(t *testing.T) {
	a := completeAgreement()
	a.NAICS = ""
	r := AgreementField(a, FieldNAICS, testNow)
	if r.IsValid() {
		t.Fatal("expected invalid")
	}
	if got := r.Messages()["naics"]; len(got) != 1 || got[0] != msgRequired {
		t.Errorf("naics messages = %v", got)
	}
	// other broken fields stay out of a single-field run
	a.Name = ""
	r = AgreementField(a, FieldNAICS, testNow)
	if _, ok := r.Messages()["name"]; ok {
		t.Error("single-field run leaked another field's messages")
	}
}

func TestBudgetLine(t *testing.T) {
	b := domain.BudgetLineItem{}
	msgs := BudgetLine(b, testNow)
	if len(msgs) != 3 {
		t.Fatalf("empty line msgs = %v, want 3 required messages", msgs)
	}
	b = domain.BudgetLineItem{
		CANID:      "can-1",
		Amount:     decimal.RequireFromString("50"),
		DateNeeded: "2027-01-01",
	}
	if msgs := BudgetLine(b, testNow); len(msgs) != 0 {
		t.Errorf("complete line msgs = %v, want none", msgs)
	}
}

func TestFailedError(t *testing.T) {
	a := completeAgreement()
	a.Name = ""
	err := Agreement(a, testNow).Err()
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T", err)
	}
	if fe.Result.IsValid() {
		t.Error("FailedError carries a valid result")
	}
}
