package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"budgetline/internal/domain"
	"budgetline/internal/engine/auth"
	"budgetline/internal/events"
	"budgetline/internal/lifecycle"
	"budgetline/internal/validate"
)

// WorkflowSubmitOptions propose one bulk status transition over a set of
// budget lines on a single agreement.
type WorkflowSubmitOptions struct {
	AgreementID string
	Action      string
	LineIDs     []string
	Notes       string
	UserID      string
}

// SubmitWorkflow gates the submission on the agreement's validation result,
// then checks every selected line can make the transition, then creates the
// workflow instance with one PENDING step holding the lines. Everything past
// the read-side checks happens in one transaction.
func (e Engine) SubmitWorkflow(ctx context.Context, opts WorkflowSubmitOptions) (domain.WorkflowInstance, domain.WorkflowStepInstance, error) {
	var w domain.WorkflowInstance
	var step domain.WorkflowStepInstance

	action := domain.WorkflowAction(opts.Action)
	transition, ok := lifecycle.ActionTransition(action)
	if !ok {
		return w, step, fmt.Errorf("%w: unknown action %s", ErrInvalidSelection, opts.Action)
	}
	if len(opts.LineIDs) == 0 {
		return w, step, fmt.Errorf("%w: no budget lines selected", ErrInvalidSelection)
	}
	a, err := e.Repo.GetAgreement(ctx, opts.AgreementID)
	if err != nil {
		return w, step, err
	}
	if result := validate.Agreement(a, e.now()); !result.IsValid() {
		return w, step, result.Err()
	}
	byID := make(map[string]domain.BudgetLineItem, len(a.BudgetLines))
	for _, b := range a.BudgetLines {
		byID[b.ID] = b
	}
	for _, id := range opts.LineIDs {
		b, ok := byID[id]
		if !ok {
			return w, step, fmt.Errorf("%w: line %s not on agreement %s", ErrInvalidSelection, id, a.ID)
		}
		if b.InReview() {
			return w, step, fmt.Errorf("%w: line %s", ErrAlreadyInWorkflow, id)
		}
		if b.Status != transition.From {
			return w, step, fmt.Errorf("%w: line %s is %s, action needs %s", ErrInvalidSelection, id, b.Status, transition.From)
		}
	}

	now := e.nowStr()
	w = domain.WorkflowInstance{
		ID:          uuid.New().String(),
		AgreementID: a.ID,
		Action:      action,
		SubmitterID: opts.UserID,
		Notes:       opts.Notes,
		CreatedAt:   now,
	}
	step = domain.WorkflowStepInstance{
		ID:            uuid.New().String(),
		WorkflowID:    w.ID,
		Status:        domain.StepPending,
		BudgetLineIDs: opts.LineIDs,
		TimeStarted:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, step, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureUser(ctx, tx, opts.UserID); err != nil {
		return w, step, err
	}
	// re-check holds inside the tx so two concurrent submissions cannot
	// both capture the same line
	for _, id := range opts.LineIDs {
		b, err := e.Repo.GetBudgetLineTx(ctx, tx, id)
		if err != nil {
			return w, step, err
		}
		if b.InReview() {
			return w, step, fmt.Errorf("%w: line %s", ErrAlreadyInWorkflow, id)
		}
	}
	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return w, step, err
	}
	if err := e.Repo.InsertStep(ctx, tx, step); err != nil {
		return w, step, err
	}
	if err := e.Repo.SetPendingWorkflow(ctx, tx, opts.LineIDs, &w.ID, now); err != nil {
		return w, step, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.submitted", a.ID, "workflow", w.ID, opts.UserID, events.EventPayload{
		"action": string(action),
		"lines":  opts.LineIDs,
	}); err != nil {
		return w, step, err
	}
	if err := tx.Commit(); err != nil {
		return w, step, err
	}
	return w, step, nil
}

// ApproveStep applies the package: every held line moves to the action's
// target status and is released, atomically.
func (e Engine) ApproveStep(ctx context.Context, stepID, reviewerID, notes string) (domain.WorkflowStepInstance, error) {
	return e.resolveStep(ctx, stepID, reviewerID, notes, true)
}

// DeclineStep rejects the package: statuses stay as they were and the lines
// are released for future submissions.
func (e Engine) DeclineStep(ctx context.Context, stepID, reviewerID, notes string) (domain.WorkflowStepInstance, error) {
	return e.resolveStep(ctx, stepID, reviewerID, notes, false)
}

func (e Engine) resolveStep(ctx context.Context, stepID, reviewerID, notes string, approve bool) (domain.WorkflowStepInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowStepInstance{}, err
	}
	defer tx.Rollback()

	step, err := e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return step, err
	}
	if step.Status != domain.StepPending {
		return step, ErrAlreadyResolved
	}
	w, err := e.Repo.GetWorkflowTx(ctx, tx, step.WorkflowID)
	if err != nil {
		return step, err
	}
	var approvers []string
	if e.Config != nil {
		approvers = e.Config.Workflows.Approvers[string(w.Action)]
	}
	if !e.Auth.CanReview(reviewerID, w.SubmitterID, approvers) {
		return step, auth.ForbiddenError{Action: "review workflow " + w.ID}
	}
	transition, ok := lifecycle.ActionTransition(w.Action)
	if !ok {
		return step, fmt.Errorf("workflow %s has unknown action %s", w.ID, w.Action)
	}
	now := e.nowStr()
	if approve {
		for _, lineID := range step.BudgetLineIDs {
			if err := e.Repo.UpdateBudgetLineStatus(ctx, tx, lineID, transition.To, now); err != nil {
				return step, err
			}
		}
	}
	if err := e.Repo.SetPendingWorkflow(ctx, tx, step.BudgetLineIDs, nil, now); err != nil {
		return step, err
	}
	status := domain.StepRejected
	verb := "declined"
	evtType := "workflow.declined"
	if approve {
		status = domain.StepApproved
		verb = "approved"
		evtType = "workflow.approved"
	}
	if err := e.Repo.ResolveStep(ctx, tx, step.ID, status, reviewerID, notes, now); err != nil {
		return step, err
	}
	if err := e.Auth.EnsureUser(ctx, tx, reviewerID); err != nil {
		return step, err
	}
	if err := e.notify(ctx, tx, w.SubmitterID, fmt.Sprintf("Budget lines %s", verb),
		fmt.Sprintf("Your %s package on agreement %s was %s", w.Action, w.AgreementID, verb)); err != nil {
		return step, err
	}
	if err := e.Events.Append(ctx, tx, evtType, w.AgreementID, "workflow", w.ID, reviewerID, events.EventPayload{
		"step":  step.ID,
		"lines": step.BudgetLineIDs,
	}); err != nil {
		return step, err
	}
	if err := tx.Commit(); err != nil {
		return step, err
	}
	step.Status = status
	step.ReviewerID = reviewerID
	step.ReviewerNotes = notes
	step.TimeCompleted = &now
	return step, nil
}
