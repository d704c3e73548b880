package repo

import (
	"context"
	"database/sql"

	"budgetline/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,agreement_id,workflow_action,submitter_id,notes,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.AgreementID, string(w.Action), w.SubmitterID, w.Notes, w.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	err := r.DB.QueryRowContext(ctx, `SELECT id,agreement_id,workflow_action,submitter_id,notes,created_at FROM workflow_instances WHERE id=?`, id).
		Scan(&w.ID, &w.AgreementID, (*string)(&w.Action), &w.SubmitterID, &w.Notes, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	err := tx.QueryRowContext(ctx, `SELECT id,agreement_id,workflow_action,submitter_id,notes,created_at FROM workflow_instances WHERE id=?`, id).
		Scan(&w.ID, &w.AgreementID, (*string)(&w.Action), &w.SubmitterID, &w.Notes, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkflows(ctx context.Context, agreementID string) ([]domain.WorkflowInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agreement_id,workflow_action,submitter_id,notes,created_at FROM workflow_instances WHERE agreement_id=? ORDER BY created_at DESC, id DESC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		var w domain.WorkflowInstance
		if err := rows.Scan(&w.ID, &w.AgreementID, (*string)(&w.Action), &w.SubmitterID, &w.Notes, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// InsertStep stores the step together with its package line refs.
func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStepInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_step_instances(id,workflow_instance_id,status,reviewer_id,reviewer_notes,time_started,time_completed) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.WorkflowID, string(s.Status), nullable(s.ReviewerID), s.ReviewerNotes, s.TimeStarted, nullableStringPtr(s.TimeCompleted))
	if err != nil {
		return err
	}
	for _, lineID := range s.BudgetLineIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_step_lines(step_id,budget_line_id) VALUES (?,?)`, s.ID, lineID); err != nil {
			return err
		}
	}
	return nil
}

func scanStep(sc interface{ Scan(...any) error }) (domain.WorkflowStepInstance, error) {
	var s domain.WorkflowStepInstance
	var reviewer, completed sql.NullString
	err := sc.Scan(&s.ID, &s.WorkflowID, (*string)(&s.Status), &reviewer, &s.ReviewerNotes, &s.TimeStarted, &completed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if reviewer.Valid {
		s.ReviewerID = reviewer.String
	}
	if completed.Valid {
		s.TimeCompleted = &completed.String
	}
	return s, nil
}

const stepColumns = `id,workflow_instance_id,status,reviewer_id,reviewer_notes,time_started,time_completed`

func (r Repo) GetStep(ctx context.Context, id string) (domain.WorkflowStepInstance, error) {
	s, err := scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_step_instances WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	s.BudgetLineIDs, err = r.listStepLines(ctx, nil, id)
	return s, err
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowStepInstance, error) {
	s, err := scanStep(tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_step_instances WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	s.BudgetLineIDs, err = r.listStepLines(ctx, tx, id)
	return s, err
}

func (r Repo) ListSteps(ctx context.Context, workflowID string) ([]domain.WorkflowStepInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_step_instances WHERE workflow_instance_id=? ORDER BY time_started ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStepInstance
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].BudgetLineIDs, err = r.listStepLines(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) listStepLines(ctx context.Context, tx *sql.Tx, stepID string) ([]string, error) {
	query := `SELECT budget_line_id FROM workflow_step_lines WHERE step_id=? ORDER BY budget_line_id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, stepID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, stepID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveStep records the reviewer's verdict on a pending step.
func (r Repo) ResolveStep(ctx context.Context, tx *sql.Tx, stepID string, status domain.StepStatus, reviewerID, notes, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_step_instances SET status=?, reviewer_id=?, reviewer_notes=?, time_completed=? WHERE id=?`,
		string(status), reviewerID, notes, completedAt, stepID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
