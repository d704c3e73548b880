package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates the user may not perform an action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// Service provides identity predicates backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if userID == "" {
		return errors.New("user_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

// CanEditAgreement reports whether the user is the agreement's creator, its
// project officer, or a team member.
func (s Service) CanEditAgreement(ctx context.Context, tx *sql.Tx, agreementID, userID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM agreements a
WHERE a.id=? AND (a.created_by=? OR a.project_officer_id=?
   OR EXISTS (SELECT 1 FROM team_members tm WHERE tm.agreement_id=a.id AND tm.user_id=?))
LIMIT 1`,
		agreementID, userID, userID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CanEditBudgetLine reports whether the user created the line or can edit
// its agreement.
func (s Service) CanEditBudgetLine(ctx context.Context, tx *sql.Tx, lineID, userID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT agreement_id, created_by FROM budget_line_items WHERE id=?`, lineID)
	var agreementID, createdBy string
	err := row.Scan(&agreementID, &createdBy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if createdBy == userID {
		return true, nil
	}
	return s.CanEditAgreement(ctx, tx, agreementID, userID)
}

// CanReview reports whether the user may resolve a step for the given
// workflow action. Submitters never review their own packages; an approver
// list in config, when present, restricts reviewers further.
func (s Service) CanReview(userID, submitterID string, approvers []string) bool {
	if userID == "" || userID == submitterID {
		return false
	}
	if len(approvers) == 0 {
		return true
	}
	for _, a := range approvers {
		if a == userID {
			return true
		}
	}
	return false
}
