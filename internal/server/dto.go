package server

import (
	"encoding/json"

	"budgetline/internal/aggregate"
	"budgetline/internal/config"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/fiscal"
)

// Request payloads

type CreateAgreementRequest struct {
	ID                 *string  `json:"id,omitempty"`
	Name               string   `json:"name"`
	Type               string   `json:"agreement_type" enum:"CONTRACT,GRANT,DIRECT_ALLOCATION,IAA,MISCELLANEOUS"`
	Reason             *string  `json:"agreement_reason,omitempty" enum:"NEW_REQ,RECOMPETE,LOGICAL_FOLLOW_ON"`
	Description        *string  `json:"description,omitempty"`
	Notes              *string  `json:"notes,omitempty"`
	ProductServiceCode *string  `json:"product_service_code,omitempty"`
	NAICS              *string  `json:"naics,omitempty"`
	SupportCode        *string  `json:"program_support_code,omitempty"`
	ProcurementShop    *string  `json:"procurement_shop,omitempty"`
	ProjectOfficerID   *string  `json:"project_officer_id,omitempty"`
	TeamMembers        []string `json:"team_members,omitempty"`
	Severable          bool     `json:"severable,omitempty"`
}

type UpdateAgreementRequest struct {
	Name               *string  `json:"name,omitempty"`
	Reason             *string  `json:"agreement_reason,omitempty" enum:"NEW_REQ,RECOMPETE,LOGICAL_FOLLOW_ON"`
	Description        *string  `json:"description,omitempty"`
	Notes              *string  `json:"notes,omitempty"`
	ProductServiceCode *string  `json:"product_service_code,omitempty"`
	NAICS              *string  `json:"naics,omitempty"`
	SupportCode        *string  `json:"program_support_code,omitempty"`
	ProcurementShop    *string  `json:"procurement_shop,omitempty"`
	ProjectOfficerID   *string  `json:"project_officer_id,omitempty"`
	AddTeamMembers     []string `json:"add_team_members,omitempty"`
}

// CreateBudgetLineRequest carries money as decimal strings so amounts never
// round-trip through float64.
type CreateBudgetLineRequest struct {
	ID                  *string `json:"id,omitempty"`
	CANID               *string `json:"can_id,omitempty"`
	ServicesComponentID *string `json:"services_component_id,omitempty"`
	Description         *string `json:"line_description,omitempty"`
	Comments            *string `json:"comments,omitempty"`
	Amount              string  `json:"amount" example:"1000000.00"`
	DateNeeded          *string `json:"date_needed,omitempty" format:"date"`
}

type UpdateBudgetLineRequest struct {
	Description *string `json:"line_description,omitempty"`
	Comments    *string `json:"comments,omitempty"`
	CANID       *string `json:"can_id,omitempty"`
	Amount      *string `json:"amount,omitempty" example:"1000000.00"`
	DateNeeded  *string `json:"date_needed,omitempty" format:"date"`
}

type CreateServicesComponentRequest struct {
	Number      int     `json:"number" minimum:"1"`
	Optional    bool    `json:"optional,omitempty"`
	Description *string `json:"description,omitempty"`
	PeriodStart *string `json:"period_start,omitempty" format:"date"`
	PeriodEnd   *string `json:"period_end,omitempty" format:"date"`
}

type CreateCANRequest struct {
	Number      string  `json:"number"`
	Description *string `json:"description,omitempty"`
	Nickname    *string `json:"nickname,omitempty"`
}

type SetCANFundingRequest struct {
	TotalFunding    string `json:"total_funding" example:"3000000.00"`
	ReceivedFunding string `json:"received_funding" example:"2000000.00"`
}

type SubmitWorkflowRequest struct {
	Action        string   `json:"workflow_action" enum:"DRAFT_TO_PLANNED,PLANNED_TO_EXECUTING"`
	BudgetLineIDs []string `json:"budget_line_ids"`
	Notes         *string  `json:"notes,omitempty"`
}

type ReviewStepRequest struct {
	Notes *string `json:"notes,omitempty"`
}

type ReviewChangeRequestRequest struct {
	Approve bool    `json:"approve"`
	Notes   *string `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type AgreementResponse struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Type               string               `json:"agreement_type" enum:"CONTRACT,GRANT,DIRECT_ALLOCATION,IAA,MISCELLANEOUS"`
	Reason             string               `json:"agreement_reason,omitempty"`
	Description        string               `json:"description,omitempty"`
	Notes              string               `json:"notes,omitempty"`
	ProductServiceCode string               `json:"product_service_code,omitempty"`
	NAICS              string               `json:"naics,omitempty"`
	SupportCode        string               `json:"program_support_code,omitempty"`
	ProcurementShop    string               `json:"procurement_shop,omitempty"`
	ProjectOfficerID   string               `json:"project_officer_id,omitempty"`
	TeamMembers        []string             `json:"team_members"`
	Severable          bool                 `json:"severable"`
	BudgetLines        []BudgetLineResponse `json:"budget_line_items"`
	CreatedBy          string               `json:"created_by"`
	CreatedAt          string               `json:"created_at" format:"date-time"`
	UpdatedAt          string               `json:"updated_at" format:"date-time"`
}

// BudgetLineResponse exposes the stored line plus the derived fee and total
// and the in-review overlay.
type BudgetLineResponse struct {
	ID                  string  `json:"id"`
	AgreementID         string  `json:"agreement_id"`
	CANID               string  `json:"can_id,omitempty"`
	ServicesComponentID *string `json:"services_component_id,omitempty"`
	Description         string  `json:"line_description,omitempty"`
	Comments            string  `json:"comments,omitempty"`
	Amount              string  `json:"amount"`
	FeeRate             string  `json:"proc_shop_fee_percentage"`
	Fee                 string  `json:"fee"`
	Total               string  `json:"total"`
	DateNeeded          string  `json:"date_needed,omitempty" format:"date"`
	FiscalYear          int     `json:"fiscal_year,omitempty"`
	Status              string  `json:"status" enum:"DRAFT,PLANNED,IN_EXECUTION,OBLIGATED"`
	InReview            bool    `json:"in_review"`
	PendingWorkflowID   *string `json:"pending_workflow_id,omitempty"`
	CreatedBy           string  `json:"created_by"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type ServicesComponentResponse struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Number      int    `json:"number"`
	Optional    bool   `json:"optional"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	PeriodStart string `json:"period_start,omitempty" format:"date"`
	PeriodEnd   string `json:"period_end,omitempty" format:"date"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CANResponse struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Description string `json:"description,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CANFundingResponse struct {
	CANID              string `json:"can_id"`
	FiscalYear         int    `json:"fiscal_year"`
	TotalFunding       string `json:"total_funding"`
	ReceivedFunding    string `json:"received_funding"`
	ExpectedFunding    string `json:"expected_funding"`
	InDraftFunding     string `json:"in_draft_funding"`
	PlannedFunding     string `json:"planned_funding"`
	InExecutionFunding string `json:"in_execution_funding"`
	ObligatedFunding   string `json:"obligated_funding"`
	AvailableFunding   string `json:"available_funding"`
}

type ValidationResponse struct {
	Valid    bool                `json:"valid"`
	Keys     []string            `json:"keys"`
	Messages map[string][]string `json:"messages"`
}

type AgreementSummaryResponse struct {
	Totals     map[string]string `json:"totals_by_status"`
	Percents   map[string]int    `json:"percents_by_status"`
	GrandTotal string            `json:"grand_total"`
	NextNeedBy string            `json:"next_need_by,omitempty" format:"date"`
}

type WorkflowStepResponse struct {
	ID            string   `json:"id"`
	WorkflowID    string   `json:"workflow_instance_id"`
	Status        string   `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	BudgetLineIDs []string `json:"budget_line_ids"`
	ReviewerID    string   `json:"reviewer_id,omitempty"`
	ReviewerNotes string   `json:"reviewer_notes,omitempty"`
	TimeStarted   string   `json:"time_started" format:"date-time"`
	TimeCompleted *string  `json:"time_completed,omitempty" format:"date-time"`
}

type WorkflowResponse struct {
	ID          string                 `json:"id"`
	AgreementID string                 `json:"agreement_id"`
	Action      string                 `json:"workflow_action" enum:"DRAFT_TO_PLANNED,PLANNED_TO_EXECUTING"`
	SubmitterID string                 `json:"submitter_id"`
	Notes       string                 `json:"submitter_notes,omitempty"`
	CreatedAt   string                 `json:"created_at" format:"date-time"`
	Steps       []WorkflowStepResponse `json:"steps"`
}

type ChangeRequestResponse struct {
	ID           string  `json:"id"`
	BudgetLineID string  `json:"budget_line_id"`
	DisplayName  string  `json:"display_name"`
	FieldName    string  `json:"field_name"`
	OldValue     string  `json:"old_value"`
	NewValue     string  `json:"new_value"`
	Status       string  `json:"status" enum:"IN_REVIEW,APPROVED,REJECTED"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ReviewedBy   string  `json:"reviewed_by,omitempty"`
	ReviewedOn   *string `json:"reviewed_on,omitempty" format:"date-time"`
}

type NotificationResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	AgreementID string         `json:"agreement_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	UserID      string         `json:"user_id"`
	Payload     map[string]any `json:"payload"`
}

type PortfolioConfigResponse struct {
	Portfolio struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"portfolio"`
	ProcurementShops map[string]procurementShopSection `json:"procurement_shops"`
	Approvers        map[string][]string               `json:"approvers"`
}

type procurementShopSection struct {
	Name    string `json:"name"`
	FeeRate string `json:"fee_rate"`
}

type paginatedAgreements struct {
	Items      []AgreementResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func agreementResponse(a domain.Agreement) AgreementResponse {
	lines := make([]BudgetLineResponse, 0, len(a.BudgetLines))
	for _, b := range a.BudgetLines {
		lines = append(lines, budgetLineResponse(b))
	}
	return AgreementResponse{
		ID:                 a.ID,
		Name:               a.Name,
		Type:               string(a.Type),
		Reason:             string(a.Reason),
		Description:        a.Description,
		Notes:              a.Notes,
		ProductServiceCode: a.ProductServiceCode,
		NAICS:              a.NAICS,
		SupportCode:        a.SupportCode,
		ProcurementShop:    a.ProcurementShop,
		ProjectOfficerID:   a.ProjectOfficerID,
		TeamMembers:        nonNilSlice(a.TeamMembers),
		Severable:          a.Severable,
		BudgetLines:        lines,
		CreatedBy:          a.CreatedBy,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func budgetLineResponse(b domain.BudgetLineItem) BudgetLineResponse {
	fee := fiscal.Fee(b.Amount, b.FeeRate)
	res := BudgetLineResponse{
		ID:                  b.ID,
		AgreementID:         b.AgreementID,
		CANID:               b.CANID,
		ServicesComponentID: b.ServicesComponentID,
		Description:         b.Description,
		Comments:            b.Comments,
		Amount:              b.Amount.String(),
		FeeRate:             b.FeeRate.String(),
		Fee:                 fee.String(),
		Total:               fiscal.TotalWithFee(b.Amount, fee).String(),
		DateNeeded:          b.DateNeeded,
		Status:              string(b.Status),
		InReview:            b.InReview(),
		PendingWorkflowID:   b.PendingWorkflowID,
		CreatedBy:           b.CreatedBy,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
	if year, ok := fiscal.Year(b.DateNeeded); ok {
		res.FiscalYear = year
	}
	return res
}

func servicesComponentResponse(sc domain.ServicesComponent, severable bool) ServicesComponentResponse {
	return ServicesComponentResponse{
		ID:          sc.ID,
		AgreementID: sc.AgreementID,
		Number:      sc.Number,
		Optional:    sc.Optional,
		DisplayName: engine.ServicesComponentName(severable, sc.Number, sc.Optional),
		Description: sc.Description,
		PeriodStart: sc.PeriodStart,
		PeriodEnd:   sc.PeriodEnd,
		CreatedAt:   sc.CreatedAt,
	}
}

func canResponse(c domain.CAN) CANResponse {
	return CANResponse(c)
}

func canFundingResponse(s aggregate.CANFundingSummary) CANFundingResponse {
	return CANFundingResponse{
		CANID:              s.CANID,
		FiscalYear:         s.FiscalYear,
		TotalFunding:       s.TotalFunding.String(),
		ReceivedFunding:    s.ReceivedFunding.String(),
		ExpectedFunding:    s.ExpectedFunding.String(),
		InDraftFunding:     s.InDraftFunding.String(),
		PlannedFunding:     s.PlannedFunding.String(),
		InExecutionFunding: s.InExecutionFunding.String(),
		ObligatedFunding:   s.ObligatedFunding.String(),
		AvailableFunding:   s.AvailableFunding.String(),
	}
}

func summaryResponse(s engine.AgreementSummary) AgreementSummaryResponse {
	res := AgreementSummaryResponse{
		Totals:     make(map[string]string, len(s.Totals)),
		Percents:   make(map[string]int, len(s.Percents)),
		GrandTotal: s.GrandTotal.String(),
		NextNeedBy: s.NextNeedBy,
	}
	for status, total := range s.Totals {
		res.Totals[string(status)] = total.String()
	}
	for status, pct := range s.Percents {
		res.Percents[string(status)] = pct
	}
	return res
}

func stepResponse(s domain.WorkflowStepInstance) WorkflowStepResponse {
	return WorkflowStepResponse{
		ID:            s.ID,
		WorkflowID:    s.WorkflowID,
		Status:        string(s.Status),
		BudgetLineIDs: nonNilSlice(s.BudgetLineIDs),
		ReviewerID:    s.ReviewerID,
		ReviewerNotes: s.ReviewerNotes,
		TimeStarted:   s.TimeStarted,
		TimeCompleted: s.TimeCompleted,
	}
}

func workflowResponse(w domain.WorkflowInstance, steps []domain.WorkflowStepInstance) WorkflowResponse {
	res := WorkflowResponse{
		ID:          w.ID,
		AgreementID: w.AgreementID,
		Action:      string(w.Action),
		SubmitterID: w.SubmitterID,
		Notes:       w.Notes,
		CreatedAt:   w.CreatedAt,
		Steps:       []WorkflowStepResponse{},
	}
	for _, s := range steps {
		res.Steps = append(res.Steps, stepResponse(s))
	}
	return res
}

func changeRequestResponse(cr domain.ChangeRequest) ChangeRequestResponse {
	return ChangeRequestResponse{
		ID:           cr.ID,
		BudgetLineID: cr.BudgetLineID,
		DisplayName:  cr.DisplayName,
		FieldName:    cr.FieldName,
		OldValue:     cr.OldValue,
		NewValue:     cr.NewValue,
		Status:       string(cr.Status),
		CreatedBy:    cr.CreatedBy,
		CreatedAt:    cr.CreatedAt,
		ReviewedBy:   cr.ReviewedBy,
		ReviewedOn:   cr.ReviewedOn,
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse(n)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		AgreementID: e.AgreementID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		UserID:      e.UserID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func validationResponse(keys []string, msgs map[string][]string, valid bool) ValidationResponse {
	res := ValidationResponse{
		Valid:    valid,
		Keys:     nonNilSlice(keys),
		Messages: msgs,
	}
	if res.Messages == nil {
		res.Messages = map[string][]string{}
	}
	return res
}

func configResponse(cfg *config.Config) PortfolioConfigResponse {
	res := PortfolioConfigResponse{
		ProcurementShops: map[string]procurementShopSection{},
		Approvers:        map[string][]string{},
	}
	res.Portfolio.ID = cfg.Project.ID
	res.Portfolio.Kind = cfg.Project.Kind
	for abbr, shop := range cfg.ProcurementShops.Catalog {
		res.ProcurementShops[abbr] = procurementShopSection{Name: shop.Name, FeeRate: shop.FeeRate}
	}
	for action, users := range cfg.Workflows.Approvers {
		res.Approvers[action] = nonNilSlice(users)
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
