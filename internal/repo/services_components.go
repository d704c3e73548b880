package repo

import (
	"context"
	"database/sql"

	"budgetline/internal/domain"
)

const servicesComponentColumns = `id,agreement_id,number,optional,description,COALESCE(period_start,''),COALESCE(period_end,''),created_at`

func (r Repo) InsertServicesComponent(ctx context.Context, tx *sql.Tx, sc domain.ServicesComponent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO services_components(id,agreement_id,number,optional,description,period_start,period_end,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		sc.ID, sc.AgreementID, sc.Number, boolInt(sc.Optional), sc.Description, nullable(sc.PeriodStart), nullable(sc.PeriodEnd), sc.CreatedAt)
	return err
}

func scanServicesComponent(sc interface{ Scan(...any) error }) (domain.ServicesComponent, error) {
	var c domain.ServicesComponent
	var optional int
	err := sc.Scan(&c.ID, &c.AgreementID, &c.Number, &optional, &c.Description, &c.PeriodStart, &c.PeriodEnd, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Optional = optional != 0
	return c, nil
}

func (r Repo) GetServicesComponent(ctx context.Context, id string) (domain.ServicesComponent, error) {
	return scanServicesComponent(r.DB.QueryRowContext(ctx, `SELECT `+servicesComponentColumns+` FROM services_components WHERE id=?`, id))
}

func (r Repo) ListServicesComponents(ctx context.Context, agreementID string) ([]domain.ServicesComponent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+servicesComponentColumns+` FROM services_components WHERE agreement_id=? ORDER BY number ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServicesComponent
	for rows.Next() {
		c, err := scanServicesComponent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteServicesComponent(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM services_components WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
