package lifecycle

import (
	"testing"

	"budgetline/internal/domain"
)

func TestActionTransition(t *testing.T) {
	tr, ok := ActionTransition(domain.ActionDraftToPlanned)
	if !ok || tr.From != domain.StatusDraft || tr.To != domain.StatusPlanned {
		t.Errorf("DRAFT_TO_PLANNED = %+v, %v", tr, ok)
	}
	tr, ok = ActionTransition(domain.ActionPlannedToExecuting)
	if !ok || tr.From != domain.StatusPlanned || tr.To != domain.StatusInExecution {
		t.Errorf("PLANNED_TO_EXECUTING = %+v, %v", tr, ok)
	}
	if _, ok := ActionTransition("OBLITERATE"); ok {
		t.Error("unknown action accepted")
	}
}

func TestObligatedNeverSelectable(t *testing.T) {
	b := domain.BudgetLineItem{ID: "bl-1", Status: domain.StatusObligated}
	for _, action := range []domain.WorkflowAction{
		domain.ActionDraftToPlanned,
		domain.ActionPlannedToExecuting,
	} {
		if Selectable(b, action) {
			t.Errorf("OBLIGATED selectable for %s", action)
		}
	}
	if !Terminal(domain.StatusObligated) {
		t.Error("OBLIGATED not terminal")
	}
}

func TestSelectableHonorsReviewHold(t *testing.T) {
	wf := "wf-1"
	b := domain.BudgetLineItem{ID: "bl-1", Status: domain.StatusDraft}
	if !Selectable(b, domain.ActionDraftToPlanned) {
		t.Fatal("free DRAFT line should be selectable")
	}
	b.PendingWorkflowID = &wf
	if Selectable(b, domain.ActionDraftToPlanned) {
		t.Error("held line selectable")
	}
	b.PendingWorkflowID = nil
	if !Selectable(b, domain.ActionDraftToPlanned) {
		t.Error("released line should be selectable again")
	}
}

func TestSelectableMatchesSource(t *testing.T) {
	b := domain.BudgetLineItem{ID: "bl-1", Status: domain.StatusPlanned}
	if Selectable(b, domain.ActionDraftToPlanned) {
		t.Error("PLANNED selectable for DRAFT_TO_PLANNED")
	}
	if !Selectable(b, domain.ActionPlannedToExecuting) {
		t.Error("PLANNED not selectable for PLANNED_TO_EXECUTING")
	}
}

func TestEditableStatus(t *testing.T) {
	editable := map[domain.BLIStatus]bool{
		domain.StatusDraft:       true,
		domain.StatusUnderReview: true,
		domain.StatusPlanned:     true,
		domain.StatusInExecution: false,
		domain.StatusObligated:   false,
	}
	for s, want := range editable {
		if got := EditableStatus(s); got != want {
			t.Errorf("EditableStatus(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestDeletable(t *testing.T) {
	wf := "wf-1"
	b := domain.BudgetLineItem{Status: domain.StatusDraft}
	if !Deletable(b) {
		t.Error("DRAFT line should be deletable")
	}
	b.PendingWorkflowID = &wf
	if Deletable(b) {
		t.Error("held DRAFT line deletable")
	}
	b = domain.BudgetLineItem{Status: domain.StatusPlanned}
	if Deletable(b) {
		t.Error("PLANNED line deletable")
	}
}
