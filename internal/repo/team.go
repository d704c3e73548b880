package repo

import (
	"context"
	"database/sql"
)

func (r Repo) AddTeamMember(ctx context.Context, tx *sql.Tx, agreementID, userID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO team_members(agreement_id,user_id) VALUES (?,?)`, agreementID, userID)
	return err
}

func (r Repo) RemoveTeamMember(ctx context.Context, tx *sql.Tx, agreementID, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM team_members WHERE agreement_id=? AND user_id=?`, agreementID, userID)
	return err
}

func (r Repo) ListTeamMembers(ctx context.Context, agreementID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM team_members WHERE agreement_id=? ORDER BY user_id ASC`, agreementID)
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

func (r Repo) ListTeamMembersTx(ctx context.Context, tx *sql.Tx, agreementID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM team_members WHERE agreement_id=? ORDER BY user_id ASC`, agreementID)
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
