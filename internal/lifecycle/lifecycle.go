// Package lifecycle defines the budget line status machine. Statuses only
// move forward, one step at a time, and only through an approved workflow;
// the engine consults these tables before touching any row.
package lifecycle

import "budgetline/internal/domain"

// Transition is the from/to pair a workflow action performs.
type Transition struct {
	From domain.BLIStatus
	To   domain.BLIStatus
}

var transitions = map[domain.WorkflowAction]Transition{
	domain.ActionDraftToPlanned:     {From: domain.StatusDraft, To: domain.StatusPlanned},
	domain.ActionPlannedToExecuting: {From: domain.StatusPlanned, To: domain.StatusInExecution},
}

// ActionTransition returns the transition for a workflow action, or ok=false
// for an unknown action.
func ActionTransition(action domain.WorkflowAction) (Transition, bool) {
	t, ok := transitions[action]
	return t, ok
}

// Terminal reports whether a status admits no further transitions.
func Terminal(s domain.BLIStatus) bool {
	return s == domain.StatusObligated
}

// Selectable reports whether a line may be included in a package for the
// given action: its rest status must match the action's source status and it
// must not already be held by another workflow. OBLIGATED lines fail for
// every action.
func Selectable(b domain.BudgetLineItem, action domain.WorkflowAction) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	if b.InReview() {
		return false
	}
	return b.Status == t.From
}

// EditableStatus reports whether direct field edits are allowed for a rest
// status. The identity half of editability lives in engine/auth.
func EditableStatus(s domain.BLIStatus) bool {
	switch s {
	case domain.StatusDraft, domain.StatusUnderReview, domain.StatusPlanned:
		return true
	default:
		return false
	}
}

// Deletable reports whether a line may be removed outright.
func Deletable(b domain.BudgetLineItem) bool {
	return b.Status == domain.StatusDraft && !b.InReview()
}
