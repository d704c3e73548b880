package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"budgetline/internal/domain"
)

// Amounts and fee rates are stored as decimal strings so nothing ever
// round-trips through float64.

const budgetLineColumns = `id,agreement_id,COALESCE(can_id,''),services_component_id,line_description,comments,amount,fee_rate,COALESCE(date_needed,''),status,pending_workflow_id,created_by,created_at,updated_at`

func (r Repo) InsertBudgetLine(ctx context.Context, tx *sql.Tx, b domain.BudgetLineItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_line_items(id,agreement_id,can_id,services_component_id,line_description,comments,amount,fee_rate,date_needed,status,pending_workflow_id,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.AgreementID, nullable(b.CANID), nullableStringPtr(b.ServicesComponentID), b.Description, b.Comments,
		b.Amount.String(), b.FeeRate.String(), nullable(b.DateNeeded), string(b.Status), nullableStringPtr(b.PendingWorkflowID),
		b.CreatedBy, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) UpdateBudgetLine(ctx context.Context, tx *sql.Tx, b domain.BudgetLineItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_line_items SET can_id=?, services_component_id=?, line_description=?, comments=?, amount=?, fee_rate=?, date_needed=?, status=?, pending_workflow_id=?, updated_at=? WHERE id=?`,
		nullable(b.CANID), nullableStringPtr(b.ServicesComponentID), b.Description, b.Comments, b.Amount.String(),
		b.FeeRate.String(), nullable(b.DateNeeded), string(b.Status), nullableStringPtr(b.PendingWorkflowID), b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteBudgetLine(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM budget_line_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBudgetLine(sc interface{ Scan(...any) error }) (domain.BudgetLineItem, error) {
	var b domain.BudgetLineItem
	var scID, pendingWF sql.NullString
	var amount, feeRate string
	err := sc.Scan(&b.ID, &b.AgreementID, &b.CANID, &scID, &b.Description, &b.Comments, &amount, &feeRate,
		&b.DateNeeded, (*string)(&b.Status), &pendingWF, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if scID.Valid {
		b.ServicesComponentID = &scID.String
	}
	if pendingWF.Valid {
		b.PendingWorkflowID = &pendingWF.String
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return b, err
	}
	if b.FeeRate, err = decimal.NewFromString(feeRate); err != nil {
		return b, err
	}
	return b, nil
}

func (r Repo) GetBudgetLine(ctx context.Context, id string) (domain.BudgetLineItem, error) {
	return scanBudgetLine(r.DB.QueryRowContext(ctx, `SELECT `+budgetLineColumns+` FROM budget_line_items WHERE id=?`, id))
}

func (r Repo) GetBudgetLineTx(ctx context.Context, tx *sql.Tx, id string) (domain.BudgetLineItem, error) {
	return scanBudgetLine(tx.QueryRowContext(ctx, `SELECT `+budgetLineColumns+` FROM budget_line_items WHERE id=?`, id))
}

type BudgetLineFilters struct {
	AgreementID string
	CANID       string
	Status      string
	Limit       int
}

func (r Repo) ListBudgetLines(ctx context.Context, f BudgetLineFilters) ([]domain.BudgetLineItem, error) {
	var clauses []string
	var args []any
	if f.AgreementID != "" {
		clauses = append(clauses, "agreement_id=?")
		args = append(args, f.AgreementID)
	}
	if f.CANID != "" {
		clauses = append(clauses, "can_id=?")
		args = append(args, f.CANID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + budgetLineColumns + ` FROM budget_line_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetLineItem
	for rows.Next() {
		b, err := scanBudgetLine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// SetPendingWorkflow points the given lines at a workflow, or releases them
// when workflowID is nil.
func (r Repo) SetPendingWorkflow(ctx context.Context, tx *sql.Tx, lineIDs []string, workflowID *string, updatedAt string) error {
	for _, id := range lineIDs {
		res, err := tx.ExecContext(ctx, `UPDATE budget_line_items SET pending_workflow_id=?, updated_at=? WHERE id=?`,
			nullableStringPtr(workflowID), updatedAt, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// UpdateBudgetLineStatus moves one line to a new rest status.
func (r Repo) UpdateBudgetLineStatus(ctx context.Context, tx *sql.Tx, id string, status domain.BLIStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_line_items SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
