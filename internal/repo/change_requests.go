package repo

import (
	"context"
	"database/sql"
	"strings"

	"budgetline/internal/domain"
)

const changeRequestColumns = `id,budget_line_id,display_name,field_name,old_value,new_value,status,created_by,created_at,reviewed_by,reviewed_on`

func (r Repo) InsertChangeRequest(ctx context.Context, tx *sql.Tx, cr domain.ChangeRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_requests(id,budget_line_id,display_name,field_name,old_value,new_value,status,created_by,created_at,reviewed_by,reviewed_on)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		cr.ID, cr.BudgetLineID, cr.DisplayName, cr.FieldName, cr.OldValue, cr.NewValue, string(cr.Status),
		cr.CreatedBy, cr.CreatedAt, nullable(cr.ReviewedBy), nullableStringPtr(cr.ReviewedOn))
	return err
}

func scanChangeRequest(sc interface{ Scan(...any) error }) (domain.ChangeRequest, error) {
	var cr domain.ChangeRequest
	var reviewedBy, reviewedOn sql.NullString
	err := sc.Scan(&cr.ID, &cr.BudgetLineID, &cr.DisplayName, &cr.FieldName, &cr.OldValue, &cr.NewValue,
		(*string)(&cr.Status), &cr.CreatedBy, &cr.CreatedAt, &reviewedBy, &reviewedOn)
	if err == sql.ErrNoRows {
		return cr, ErrNotFound
	}
	if err != nil {
		return cr, err
	}
	if reviewedBy.Valid {
		cr.ReviewedBy = reviewedBy.String
	}
	if reviewedOn.Valid {
		cr.ReviewedOn = &reviewedOn.String
	}
	return cr, nil
}

func (r Repo) GetChangeRequest(ctx context.Context, id string) (domain.ChangeRequest, error) {
	return scanChangeRequest(r.DB.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id=?`, id))
}

func (r Repo) GetChangeRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeRequest, error) {
	return scanChangeRequest(tx.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id=?`, id))
}

type ChangeRequestFilters struct {
	BudgetLineID string
	Status       string
	Limit        int
}

func (r Repo) ListChangeRequests(ctx context.Context, f ChangeRequestFilters) ([]domain.ChangeRequest, error) {
	var clauses []string
	var args []any
	if f.BudgetLineID != "" {
		clauses = append(clauses, "budget_line_id=?")
		args = append(args, f.BudgetLineID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}

// ResolveChangeRequest records the reviewer's verdict.
func (r Repo) ResolveChangeRequest(ctx context.Context, tx *sql.Tx, id string, status domain.ChangeRequestStatus, reviewerID, reviewedOn string) error {
	res, err := tx.ExecContext(ctx, `UPDATE change_requests SET status=?, reviewed_by=?, reviewed_on=? WHERE id=?`,
		string(status), reviewerID, reviewedOn, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingChangeRequests returns how many change requests are still in
// review for a budget line.
func (r Repo) CountPendingChangeRequests(ctx context.Context, tx *sql.Tx, budgetLineID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM change_requests WHERE budget_line_id=? AND status='IN_REVIEW'`, budgetLineID).Scan(&n)
	return n, err
}
