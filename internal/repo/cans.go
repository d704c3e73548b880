package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"budgetline/internal/domain"
)

func (r Repo) InsertCAN(ctx context.Context, tx *sql.Tx, c domain.CAN) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cans(id,number,description,nickname,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Number, c.Description, c.Nickname, c.CreatedAt)
	return err
}

func (r Repo) GetCAN(ctx context.Context, id string) (domain.CAN, error) {
	var c domain.CAN
	err := r.DB.QueryRowContext(ctx, `SELECT id,number,description,nickname,created_at FROM cans WHERE id=?`, id).
		Scan(&c.ID, &c.Number, &c.Description, &c.Nickname, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetCANByNumber(ctx context.Context, number string) (domain.CAN, error) {
	var c domain.CAN
	err := r.DB.QueryRowContext(ctx, `SELECT id,number,description,nickname,created_at FROM cans WHERE number=?`, number).
		Scan(&c.ID, &c.Number, &c.Description, &c.Nickname, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCANs(ctx context.Context) ([]domain.CAN, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,number,description,nickname,created_at FROM cans ORDER BY number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CAN
	for rows.Next() {
		var c domain.CAN
		if err := rows.Scan(&c.ID, &c.Number, &c.Description, &c.Nickname, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCANFiscalYear(ctx context.Context, tx *sql.Tx, fy domain.CANFiscalYear) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO can_fiscal_years(can_id,fiscal_year,total_funding,received_funding) VALUES (?,?,?,?)
ON CONFLICT(can_id,fiscal_year) DO UPDATE SET total_funding=excluded.total_funding, received_funding=excluded.received_funding`,
		fy.CANID, fy.FiscalYear, fy.TotalFunding.String(), fy.ReceivedFunding.String())
	return err
}

func scanCANFiscalYear(sc interface{ Scan(...any) error }) (domain.CANFiscalYear, error) {
	var fy domain.CANFiscalYear
	var total, received string
	err := sc.Scan(&fy.CANID, &fy.FiscalYear, &total, &received)
	if err == sql.ErrNoRows {
		return fy, ErrNotFound
	}
	if err != nil {
		return fy, err
	}
	if fy.TotalFunding, err = decimal.NewFromString(total); err != nil {
		return fy, err
	}
	if fy.ReceivedFunding, err = decimal.NewFromString(received); err != nil {
		return fy, err
	}
	return fy, nil
}

func (r Repo) GetCANFiscalYear(ctx context.Context, canID string, year int) (domain.CANFiscalYear, error) {
	return scanCANFiscalYear(r.DB.QueryRowContext(ctx,
		`SELECT can_id,fiscal_year,total_funding,received_funding FROM can_fiscal_years WHERE can_id=? AND fiscal_year=?`, canID, year))
}

func (r Repo) ListCANFiscalYears(ctx context.Context, canID string) ([]domain.CANFiscalYear, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT can_id,fiscal_year,total_funding,received_funding FROM can_fiscal_years WHERE can_id=? ORDER BY fiscal_year ASC`, canID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CANFiscalYear
	for rows.Next() {
		fy, err := scanCANFiscalYear(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fy)
	}
	return res, rows.Err()
}
