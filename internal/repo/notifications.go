package repo

import (
	"context"
	"database/sql"

	"budgetline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,user_id,title,message,is_read,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Title, n.Message, boolInt(n.IsRead), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	query := `SELECT id,user_id,title,message,is_read,created_at FROM notifications WHERE user_id=?`
	if unreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var isRead int
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &isRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.IsRead = isRead != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
