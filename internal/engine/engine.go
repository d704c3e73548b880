package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"budgetline/internal/aggregate"
	"budgetline/internal/config"
	"budgetline/internal/domain"
	"budgetline/internal/engine/auth"
	"budgetline/internal/events"
	"budgetline/internal/lifecycle"
	"budgetline/internal/repo"
	"budgetline/internal/validate"
)

var (
	// ErrInvalidSelection rejects a workflow submission whose line set is
	// empty or contains a line that cannot make the requested transition.
	ErrInvalidSelection = errors.New("invalid budget line selection")
	// ErrAlreadyInWorkflow rejects a submission touching a line that is
	// already held by a pending workflow.
	ErrAlreadyInWorkflow = errors.New("budget line already in workflow")
	// ErrAlreadyResolved rejects a second verdict on a resolved step or
	// change request.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrNotEditable rejects direct edits to a line whose status is past
	// editing.
	ErrNotEditable = errors.New("budget line not editable in its current status")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// AgreementCreateOptions are parameters for creating an agreement.
type AgreementCreateOptions struct {
	ID                 string
	Name               string
	Type               string
	Reason             string
	Description        string
	Notes              string
	ProductServiceCode string
	NAICS              string
	SupportCode        string
	ProcurementShop    string
	ProjectOfficerID   string
	TeamMembers        []string
	Severable          bool
	UserID             string
}

func (e Engine) CreateAgreement(ctx context.Context, opts AgreementCreateOptions) (domain.Agreement, error) {
	if e.Config == nil {
		return domain.Agreement{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Agreement{}, errors.New("name is required")
	}
	if opts.Type == "" {
		return domain.Agreement{}, errors.New("agreement type is required")
	}
	if opts.ProcurementShop != "" {
		if _, ok := e.Config.Shop(opts.ProcurementShop); !ok {
			return domain.Agreement{}, fmt.Errorf("procurement shop %s not in catalog", opts.ProcurementShop)
		}
	}
	id := opts.ID
	now := e.nowStr()
	if id == "" {
		id = uuid.New().String()
	}
	a := domain.Agreement{
		ID:                 id,
		Name:               opts.Name,
		Type:               domain.AgreementType(opts.Type),
		Reason:             domain.AgreementReason(opts.Reason),
		Description:        opts.Description,
		Notes:              opts.Notes,
		ProductServiceCode: opts.ProductServiceCode,
		NAICS:              opts.NAICS,
		SupportCode:        opts.SupportCode,
		ProcurementShop:    opts.ProcurementShop,
		ProjectOfficerID:   opts.ProjectOfficerID,
		Severable:          opts.Severable,
		CreatedBy:          opts.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureUser(ctx, tx, opts.UserID); err != nil {
		return a, err
	}
	if a.ProjectOfficerID != "" {
		if err := e.Auth.EnsureUser(ctx, tx, a.ProjectOfficerID); err != nil {
			return a, err
		}
	}
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	for _, m := range opts.TeamMembers {
		if err := e.Auth.EnsureUser(ctx, tx, m); err != nil {
			return a, err
		}
		if err := e.Repo.AddTeamMember(ctx, tx, a.ID, m); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, "agreement.created", a.ID, "agreement", a.ID, opts.UserID, events.EventPayload{"name": a.Name, "type": string(a.Type)}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.TeamMembers = opts.TeamMembers
	return a, nil
}

// AgreementUpdateOptions encapsulates allowed agreement updates. Nil fields
// stay untouched.
type AgreementUpdateOptions struct {
	ID                 string
	Name               *string
	Reason             *string
	Description        *string
	Notes              *string
	ProductServiceCode *string
	NAICS              *string
	SupportCode        *string
	ProcurementShop    *string
	ProjectOfficerID   *string
	AddTeamMembers     []string
	UserID             string
}

func (e Engine) UpdateAgreement(ctx context.Context, opts AgreementUpdateOptions) (domain.Agreement, error) {
	if e.Config == nil {
		return domain.Agreement{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.ID)
	if err != nil {
		return a, err
	}
	allowed, err := e.Auth.CanEditAgreement(ctx, tx, a.ID, opts.UserID)
	if err != nil {
		return a, err
	}
	if !allowed {
		return a, auth.ForbiddenError{Action: "edit agreement " + a.ID}
	}
	if opts.Name != nil {
		a.Name = *opts.Name
	}
	if opts.Reason != nil {
		a.Reason = domain.AgreementReason(*opts.Reason)
	}
	if opts.Description != nil {
		a.Description = *opts.Description
	}
	if opts.Notes != nil {
		a.Notes = *opts.Notes
	}
	if opts.ProductServiceCode != nil {
		a.ProductServiceCode = *opts.ProductServiceCode
	}
	if opts.NAICS != nil {
		a.NAICS = *opts.NAICS
	}
	if opts.SupportCode != nil {
		a.SupportCode = *opts.SupportCode
	}
	if opts.ProcurementShop != nil {
		if *opts.ProcurementShop != "" {
			if _, ok := e.Config.Shop(*opts.ProcurementShop); !ok {
				return a, fmt.Errorf("procurement shop %s not in catalog", *opts.ProcurementShop)
			}
		}
		a.ProcurementShop = *opts.ProcurementShop
	}
	if opts.ProjectOfficerID != nil {
		if *opts.ProjectOfficerID != "" {
			if err := e.Auth.EnsureUser(ctx, tx, *opts.ProjectOfficerID); err != nil {
				return a, err
			}
		}
		a.ProjectOfficerID = *opts.ProjectOfficerID
	}
	a.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	for _, m := range opts.AddTeamMembers {
		if err := e.Auth.EnsureUser(ctx, tx, m); err != nil {
			return a, err
		}
		if err := e.Repo.AddTeamMember(ctx, tx, a.ID, m); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, "agreement.updated", a.ID, "agreement", a.ID, opts.UserID, events.EventPayload{"name": a.Name}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetAgreement(ctx, a.ID)
}

// ValidateAgreement runs the full readiness check over the stored agreement.
func (e Engine) ValidateAgreement(ctx context.Context, id string) (validate.Result, error) {
	a, err := e.Repo.GetAgreement(ctx, id)
	if err != nil {
		return validate.Result{}, err
	}
	return validate.Agreement(a, e.now()), nil
}

// BudgetLineCreateOptions are parameters for creating a budget line. The fee
// rate is snapshotted from the agreement's procurement shop at creation.
type BudgetLineCreateOptions struct {
	ID                  string
	AgreementID         string
	CANID               string
	ServicesComponentID string
	Description         string
	Comments            string
	Amount              decimal.Decimal
	DateNeeded          string
	UserID              string
}

func (e Engine) CreateBudgetLine(ctx context.Context, opts BudgetLineCreateOptions) (domain.BudgetLineItem, error) {
	if e.Config == nil {
		return domain.BudgetLineItem{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetLineItem{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.BudgetLineItem{}, err
	}
	if opts.CANID != "" {
		if _, err := e.Repo.GetCAN(ctx, opts.CANID); err != nil {
			return domain.BudgetLineItem{}, fmt.Errorf("can %s: %w", opts.CANID, err)
		}
	}
	feeRate := decimal.Zero
	if shop, ok := e.Config.Shop(a.ProcurementShop); ok {
		feeRate = shop.Rate()
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	b := domain.BudgetLineItem{
		ID:          id,
		AgreementID: a.ID,
		CANID:       opts.CANID,
		Description: opts.Description,
		Comments:    opts.Comments,
		Amount:      opts.Amount,
		FeeRate:     feeRate,
		DateNeeded:  opts.DateNeeded,
		Status:      domain.StatusDraft,
		CreatedBy:   opts.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.ServicesComponentID != "" {
		sc, err := e.Repo.GetServicesComponent(ctx, opts.ServicesComponentID)
		if err != nil {
			return b, fmt.Errorf("services component %s: %w", opts.ServicesComponentID, err)
		}
		if sc.AgreementID != a.ID {
			return b, fmt.Errorf("services component %s not on agreement %s", sc.ID, a.ID)
		}
		b.ServicesComponentID = &opts.ServicesComponentID
	}
	if err := e.Auth.EnsureUser(ctx, tx, opts.UserID); err != nil {
		return b, err
	}
	if err := e.Repo.InsertBudgetLine(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bli.created", a.ID, "budget_line", b.ID, opts.UserID, events.EventPayload{"amount": b.Amount.String(), "status": string(b.Status)}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return b, nil
}

// reviewGatedFields are the fields that must go through a change request
// once a line is PLANNED or mid-review.
const (
	fieldAmount     = "amount"
	fieldCAN        = "can_id"
	fieldDateNeeded = "date_needed"
)

// BudgetLineUpdateOptions encapsulates allowed budget line updates. Nil
// fields stay untouched.
type BudgetLineUpdateOptions struct {
	ID          string
	Description *string
	Comments    *string
	CANID       *string
	Amount      *decimal.Decimal
	DateNeeded  *string
	UserID      string
}

// UpdateBudgetLine applies edits to a line. Direct edits are allowed while
// the line is in an editable status and the user may touch it. Once the line
// is PLANNED or held by a workflow, edits to amount, CAN, and need-by date
// are parked as change requests instead of being applied.
func (e Engine) UpdateBudgetLine(ctx context.Context, opts BudgetLineUpdateOptions) (domain.BudgetLineItem, []domain.ChangeRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetLineItem{}, nil, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBudgetLineTx(ctx, tx, opts.ID)
	if err != nil {
		return b, nil, err
	}
	if !lifecycle.EditableStatus(b.Status) {
		return b, nil, ErrNotEditable
	}
	allowed, err := e.Auth.CanEditBudgetLine(ctx, tx, b.ID, opts.UserID)
	if err != nil {
		return b, nil, err
	}
	if !allowed {
		return b, nil, auth.ForbiddenError{Action: "edit budget line " + b.ID}
	}
	gated := b.InReview() || b.Status == domain.StatusPlanned
	now := e.nowStr()

	var pending []domain.ChangeRequest
	park := func(field, oldVal, newVal string) error {
		if oldVal == newVal {
			return nil
		}
		cr := domain.ChangeRequest{
			ID:           uuid.New().String(),
			BudgetLineID: b.ID,
			DisplayName:  b.DisplayName(),
			FieldName:    field,
			OldValue:     oldVal,
			NewValue:     newVal,
			Status:       domain.ChangeInReview,
			CreatedBy:    opts.UserID,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertChangeRequest(ctx, tx, cr); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "change_request.created", b.AgreementID, "change_request", cr.ID, opts.UserID, events.EventPayload{
			"budget_line_id": b.ID,
			"field":          field,
			"old":            oldVal,
			"new":            newVal,
		}); err != nil {
			return err
		}
		pending = append(pending, cr)
		return nil
	}

	if opts.Description != nil {
		b.Description = *opts.Description
	}
	if opts.Comments != nil {
		b.Comments = *opts.Comments
	}
	if opts.Amount != nil && !opts.Amount.Equal(b.Amount) {
		if gated {
			if err := park(fieldAmount, b.Amount.String(), opts.Amount.String()); err != nil {
				return b, nil, err
			}
		} else {
			b.Amount = *opts.Amount
		}
	}
	if opts.CANID != nil && *opts.CANID != b.CANID {
		if *opts.CANID != "" {
			if _, err := e.Repo.GetCAN(ctx, *opts.CANID); err != nil {
				return b, nil, fmt.Errorf("can %s: %w", *opts.CANID, err)
			}
		}
		if gated {
			if err := park(fieldCAN, b.CANID, *opts.CANID); err != nil {
				return b, nil, err
			}
		} else {
			b.CANID = *opts.CANID
		}
	}
	if opts.DateNeeded != nil && *opts.DateNeeded != b.DateNeeded {
		if gated {
			if err := park(fieldDateNeeded, b.DateNeeded, *opts.DateNeeded); err != nil {
				return b, nil, err
			}
		} else {
			b.DateNeeded = *opts.DateNeeded
		}
	}
	b.UpdatedAt = now
	if err := e.Repo.UpdateBudgetLine(ctx, tx, b); err != nil {
		return b, nil, err
	}
	if err := e.Events.Append(ctx, tx, "bli.updated", b.AgreementID, "budget_line", b.ID, opts.UserID, events.EventPayload{
		"status":                  string(b.Status),
		"change_requests_created": len(pending),
	}); err != nil {
		return b, nil, err
	}
	if err := tx.Commit(); err != nil {
		return b, nil, err
	}
	return b, pending, nil
}

// DeleteBudgetLine removes a line; only free DRAFT lines can go.
func (e Engine) DeleteBudgetLine(ctx context.Context, id, userID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBudgetLineTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !lifecycle.Deletable(b) {
		return ErrNotEditable
	}
	allowed, err := e.Auth.CanEditBudgetLine(ctx, tx, b.ID, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ForbiddenError{Action: "delete budget line " + b.ID}
	}
	if err := e.Repo.DeleteBudgetLine(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "bli.deleted", b.AgreementID, "budget_line", b.ID, userID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteAgreement removes an agreement and its lines. Any line past DRAFT,
// or held by a pending workflow, blocks the delete.
func (e Engine) DeleteAgreement(ctx context.Context, id, userID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, id)
	if err != nil {
		return err
	}
	allowed, err := e.Auth.CanEditAgreement(ctx, tx, a.ID, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ForbiddenError{Action: "delete agreement " + a.ID}
	}
	lines, err := e.Repo.ListBudgetLines(ctx, repo.BudgetLineFilters{AgreementID: a.ID})
	if err != nil {
		return err
	}
	for _, b := range lines {
		if !lifecycle.Deletable(b) {
			return ErrNotEditable
		}
	}
	if err := e.Repo.DeleteAgreementTx(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "agreement.deleted", a.ID, "agreement", a.ID, userID, events.EventPayload{"name": a.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// ChangeRequestReviewOptions resolve one pending change request.
type ChangeRequestReviewOptions struct {
	ID      string
	Approve bool
	UserID  string
}

// ReviewChangeRequest approves or rejects a parked field edit. Approval
// applies exactly the diffed field to the line; rejection leaves the line
// untouched. Either way the request leaves review.
func (e Engine) ReviewChangeRequest(ctx context.Context, opts ChangeRequestReviewOptions) (domain.ChangeRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	defer tx.Rollback()

	cr, err := e.Repo.GetChangeRequestTx(ctx, tx, opts.ID)
	if err != nil {
		return cr, err
	}
	if cr.Status != domain.ChangeInReview {
		return cr, ErrAlreadyResolved
	}
	if opts.UserID == "" || opts.UserID == cr.CreatedBy {
		return cr, auth.ForbiddenError{Action: "review change request " + cr.ID}
	}
	b, err := e.Repo.GetBudgetLineTx(ctx, tx, cr.BudgetLineID)
	if err != nil {
		return cr, err
	}
	now := e.nowStr()
	status := domain.ChangeRejected
	if opts.Approve {
		status = domain.ChangeApproved
		switch cr.FieldName {
		case fieldAmount:
			if b.Amount, err = decimal.NewFromString(cr.NewValue); err != nil {
				return cr, fmt.Errorf("change request amount %q: %w", cr.NewValue, err)
			}
		case fieldCAN:
			b.CANID = cr.NewValue
		case fieldDateNeeded:
			b.DateNeeded = cr.NewValue
		default:
			return cr, fmt.Errorf("change request field %s not applicable", cr.FieldName)
		}
		b.UpdatedAt = now
		if err := e.Repo.UpdateBudgetLine(ctx, tx, b); err != nil {
			return cr, err
		}
	}
	if err := e.Repo.ResolveChangeRequest(ctx, tx, cr.ID, status, opts.UserID, now); err != nil {
		return cr, err
	}
	if err := e.notify(ctx, tx, cr.CreatedBy, fmt.Sprintf("Change request %s", status),
		fmt.Sprintf("Your %s change on %s was %s", cr.FieldName, cr.DisplayName, status)); err != nil {
		return cr, err
	}
	if err := e.Events.Append(ctx, tx, "change_request.reviewed", b.AgreementID, "change_request", cr.ID, opts.UserID, events.EventPayload{
		"status": string(status),
		"field":  cr.FieldName,
	}); err != nil {
		return cr, err
	}
	if err := tx.Commit(); err != nil {
		return cr, err
	}
	cr.Status = status
	cr.ReviewedBy = opts.UserID
	cr.ReviewedOn = &now
	return cr, nil
}

func (e Engine) notify(ctx context.Context, tx *sql.Tx, userID, title, message string) error {
	if userID == "" {
		return nil
	}
	if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
		return err
	}
	return e.Repo.InsertNotification(ctx, tx, domain.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		CreatedAt: e.nowStr(),
	})
}

// CreateCAN registers a funding source.
func (e Engine) CreateCAN(ctx context.Context, number, description, nickname, userID string) (domain.CAN, error) {
	if number == "" {
		return domain.CAN{}, errors.New("number is required")
	}
	c := domain.CAN{
		ID:          uuid.New().String(),
		Number:      number,
		Description: description,
		Nickname:    nickname,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCAN(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "can.created", "", "can", c.ID, userID, events.EventPayload{"number": c.Number}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// SetCANFunding upserts one fiscal year of funding for a CAN.
func (e Engine) SetCANFunding(ctx context.Context, canID string, year int, total, received decimal.Decimal, userID string) (domain.CANFiscalYear, error) {
	fy := domain.CANFiscalYear{CANID: canID, FiscalYear: year, TotalFunding: total, ReceivedFunding: received}
	if _, err := e.Repo.GetCAN(ctx, canID); err != nil {
		return fy, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fy, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertCANFiscalYear(ctx, tx, fy); err != nil {
		return fy, err
	}
	if err := e.Events.Append(ctx, tx, "can.funding.set", "", "can", canID, userID, events.EventPayload{
		"fiscal_year": year,
		"total":       total.String(),
	}); err != nil {
		return fy, err
	}
	return fy, tx.Commit()
}

// CANFunding rolls up a CAN's funding position for one fiscal year.
func (e Engine) CANFunding(ctx context.Context, canID string, year int) (aggregate.CANFundingSummary, error) {
	fy, err := e.Repo.GetCANFiscalYear(ctx, canID, year)
	if err != nil {
		return aggregate.CANFundingSummary{}, err
	}
	lines, err := e.Repo.ListBudgetLines(ctx, repo.BudgetLineFilters{CANID: canID})
	if err != nil {
		return aggregate.CANFundingSummary{}, err
	}
	return aggregate.FundingSummary(fy, lines), nil
}

// AgreementSummary is the read-side rollup for one agreement.
type AgreementSummary struct {
	Totals     map[domain.BLIStatus]decimal.Decimal `json:"totals_by_status"`
	Percents   map[domain.BLIStatus]int             `json:"percents_by_status"`
	GrandTotal decimal.Decimal                      `json:"grand_total"`
	NextNeedBy string                               `json:"next_need_by,omitempty"`
}

func (e Engine) SummarizeAgreement(ctx context.Context, agreementID string) (AgreementSummary, error) {
	if _, err := e.Repo.GetAgreement(ctx, agreementID); err != nil {
		return AgreementSummary{}, err
	}
	lines, err := e.Repo.ListBudgetLines(ctx, repo.BudgetLineFilters{AgreementID: agreementID})
	if err != nil {
		return AgreementSummary{}, err
	}
	totals, grand := aggregate.TotalsByStatus(lines)
	s := AgreementSummary{
		Totals:     totals,
		Percents:   aggregate.PercentsByStatus(lines),
		GrandTotal: grand,
	}
	if next, ok := aggregate.NextNeedBy(lines, e.now()); ok {
		s.NextNeedBy = next.DateNeeded
	}
	return s, nil
}

// ServicesComponentCreateOptions are parameters for adding a services
// component to an agreement.
type ServicesComponentCreateOptions struct {
	AgreementID string
	Number      int
	Optional    bool
	Description string
	PeriodStart string
	PeriodEnd   string
	UserID      string
}

func (e Engine) CreateServicesComponent(ctx context.Context, opts ServicesComponentCreateOptions) (domain.ServicesComponent, error) {
	if opts.Number < 1 {
		return domain.ServicesComponent{}, errors.New("number must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServicesComponent{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.ServicesComponent{}, err
	}
	// the optional checkbox only exists for non-severable agreements
	if a.Severable && opts.Optional {
		return domain.ServicesComponent{}, errors.New("severable agreements have no optional components")
	}
	sc := domain.ServicesComponent{
		ID:          uuid.New().String(),
		AgreementID: a.ID,
		Number:      opts.Number,
		Optional:    opts.Optional,
		Description: opts.Description,
		PeriodStart: opts.PeriodStart,
		PeriodEnd:   opts.PeriodEnd,
		CreatedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertServicesComponent(ctx, tx, sc); err != nil {
		return sc, err
	}
	if err := e.Events.Append(ctx, tx, "services_component.created", a.ID, "services_component", sc.ID, opts.UserID, events.EventPayload{"number": sc.Number}); err != nil {
		return sc, err
	}
	return sc, tx.Commit()
}

// ServicesComponentName renders the display label: severable agreements get
// period names, non-severable get SC numbers.
func ServicesComponentName(severable bool, number int, optional bool) string {
	if severable {
		if number == 1 {
			return "Base Period"
		}
		return fmt.Sprintf("Option Period %d", number-1)
	}
	if optional {
		return fmt.Sprintf("Optional Services Component %d", number)
	}
	return fmt.Sprintf("SC%d", number)
}
