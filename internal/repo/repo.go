package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agreements(id,name,agreement_type,agreement_reason,description,notes,product_service_code,naics,support_code,procurement_shop,project_officer_id,severable,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, string(a.Type), nullable(string(a.Reason)), a.Description, a.Notes, a.ProductServiceCode, a.NAICS,
		a.SupportCode, a.ProcurementShop, nullable(a.ProjectOfficerID), boolInt(a.Severable), a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	res, err := tx.ExecContext(ctx, `UPDATE agreements SET name=?, agreement_type=?, agreement_reason=?, description=?, notes=?, product_service_code=?, naics=?, support_code=?, procurement_shop=?, project_officer_id=?, severable=?, updated_at=? WHERE id=?`,
		a.Name, string(a.Type), nullable(string(a.Reason)), a.Description, a.Notes, a.ProductServiceCode, a.NAICS,
		a.SupportCode, a.ProcurementShop, nullable(a.ProjectOfficerID), boolInt(a.Severable), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAgreement(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agreements WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAgreementTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM agreements WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const agreementColumns = `id,name,agreement_type,COALESCE(agreement_reason,''),description,notes,product_service_code,naics,support_code,procurement_shop,COALESCE(project_officer_id,''),severable,created_by,created_at,updated_at`

func scanAgreement(sc interface{ Scan(...any) error }) (domain.Agreement, error) {
	var a domain.Agreement
	var reason, officer string
	var severable int
	err := sc.Scan(&a.ID, &a.Name, (*string)(&a.Type), &reason, &a.Description, &a.Notes, &a.ProductServiceCode,
		&a.NAICS, &a.SupportCode, &a.ProcurementShop, &officer, &severable, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Reason = domain.AgreementReason(reason)
	a.ProjectOfficerID = officer
	a.Severable = severable != 0
	return a, nil
}

// GetAgreement loads the agreement with its team members and budget lines,
// which the validation rules need to see together.
func (r Repo) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	a, err := scanAgreement(r.DB.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	a.TeamMembers, err = r.ListTeamMembers(ctx, id)
	if err != nil {
		return a, err
	}
	a.BudgetLines, err = r.ListBudgetLines(ctx, BudgetLineFilters{AgreementID: id})
	return a, err
}

func (r Repo) GetAgreementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agreement, error) {
	return scanAgreement(tx.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id=?`, id))
}

type AgreementFilters struct {
	Type            string
	ProjectOfficer  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAgreements(ctx context.Context, f AgreementFilters) ([]domain.Agreement, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "agreement_type=?")
		args = append(args, f.Type)
	}
	if f.ProjectOfficer != "" {
		clauses = append(clauses, "project_officer_id=?")
		args = append(args, f.ProjectOfficer)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + agreementColumns + ` FROM agreements ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EnsureUser inserts a user row if it does not exist yet.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (string, error) {
	var got string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM users WHERE id=?`, id).Scan(&got)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return got, err
}

func (r Repo) UpsertPortfolioConfig(ctx context.Context, portfolioID string, cfg *config.Config) error {
	return upsertPortfolioConfig(ctx, r.DB, nil, portfolioID, cfg)
}

func (r Repo) UpsertPortfolioConfigTx(ctx context.Context, tx *sql.Tx, portfolioID string, cfg *config.Config) error {
	return upsertPortfolioConfig(ctx, nil, tx, portfolioID, cfg)
}

func upsertPortfolioConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, portfolioID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = portfolioID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO portfolio_config(portfolio_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(portfolio_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, portfolioID, string(payload), now)
	return err
}

func (r Repo) GetPortfolioConfig(ctx context.Context, portfolioID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM portfolio_config WHERE portfolio_id=?`, portfolioID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = portfolioID
	}
	return &cfg, cfg.Validate()
}

// SinglePortfolioID returns the only stored portfolio id, ErrNotFound when
// none exists, and an error when several do.
func (r Repo) SinglePortfolioID(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT portfolio_id FROM portfolio_config`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("multiple portfolios exist; specify --portfolio")
	}
	return ids[0], nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, agreementID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, agreementID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, agreementID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if agreementID != "" {
		clauses = append(clauses, "agreement_id=?")
		args = append(args, agreementID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,agreement_id,entity_kind,entity_id,user_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,agreement_id,entity_kind,entity_id,user_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var agreementID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &agreementID, &e.EntityKind, &entityID, &e.UserID, &payload); err != nil {
			return nil, err
		}
		if agreementID.Valid {
			e.AgreementID = agreementID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
