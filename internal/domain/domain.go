package domain

import "github.com/shopspring/decimal"

// AgreementType mirrors the contract vehicle kinds.
type AgreementType string

const (
	AgreementContract         AgreementType = "CONTRACT"
	AgreementGrant            AgreementType = "GRANT"
	AgreementDirectAllocation AgreementType = "DIRECT_ALLOCATION"
	AgreementIAA              AgreementType = "IAA"
	AgreementMiscellaneous    AgreementType = "MISCELLANEOUS"
)

type AgreementReason string

const (
	ReasonNewRequirement  AgreementReason = "NEW_REQ"
	ReasonRecompete       AgreementReason = "RECOMPETE"
	ReasonLogicalFollowOn AgreementReason = "LOGICAL_FOLLOW_ON"
)

// BLIStatus is the committed rest status of a budget line. A line that is
// mid-review keeps its rest status; the pending workflow reference carries
// the overlay (see BudgetLineItem.PendingWorkflowID).
type BLIStatus string

const (
	StatusDraft       BLIStatus = "DRAFT"
	StatusPlanned     BLIStatus = "PLANNED"
	StatusInExecution BLIStatus = "IN_EXECUTION"
	StatusObligated   BLIStatus = "OBLIGATED"

	// StatusUnderReview is a legacy rest status that still appears in old
	// rows; it is accepted by the editability guard and nowhere else.
	StatusUnderReview BLIStatus = "UNDER_REVIEW"
)

// RestStatuses are the statuses a budget line can settle in, in lifecycle order.
var RestStatuses = []BLIStatus{StatusDraft, StatusPlanned, StatusInExecution, StatusObligated}

type Agreement struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Type               AgreementType   `json:"agreement_type" enum:"CONTRACT,GRANT,DIRECT_ALLOCATION,IAA,MISCELLANEOUS"`
	Reason             AgreementReason `json:"agreement_reason,omitempty" enum:"NEW_REQ,RECOMPETE,LOGICAL_FOLLOW_ON"`
	Description        string          `json:"description,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	ProductServiceCode string          `json:"product_service_code,omitempty"`
	NAICS              string          `json:"naics,omitempty"`
	SupportCode        string          `json:"program_support_code,omitempty"`
	ProcurementShop    string          `json:"procurement_shop,omitempty"`
	ProjectOfficerID   string          `json:"project_officer_id,omitempty"`
	TeamMembers        []string        `json:"team_members,omitempty"`
	Severable          bool            `json:"severable"`
	BudgetLines        []BudgetLineItem `json:"budget_line_items,omitempty"`
	CreatedBy          string          `json:"created_by"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

// BudgetLineItem is a single funding commitment on an agreement. Amount is
// exact decimal; fee and total-with-fee are always derived from Amount and
// FeeRate, never stored.
type BudgetLineItem struct {
	ID                  string          `json:"id"`
	AgreementID         string          `json:"agreement_id"`
	CANID               string          `json:"can_id,omitempty"`
	ServicesComponentID *string         `json:"services_component_id,omitempty"`
	Description         string          `json:"line_description,omitempty"`
	Comments            string          `json:"comments,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	FeeRate             decimal.Decimal `json:"proc_shop_fee_percentage"`
	DateNeeded          string          `json:"date_needed,omitempty" format:"date"`
	Status              BLIStatus       `json:"status" enum:"DRAFT,PLANNED,IN_EXECUTION,OBLIGATED"`
	PendingWorkflowID   *string         `json:"pending_workflow_id,omitempty"`
	CreatedBy           string          `json:"created_by"`
	CreatedAt           string          `json:"created_at" format:"date-time"`
	UpdatedAt           string          `json:"updated_at" format:"date-time"`
}

// InReview reports whether the line is inside a pending approval workflow.
func (b BudgetLineItem) InReview() bool {
	return b.PendingWorkflowID != nil
}

// DisplayName is the label used to attribute validation messages and change
// request diffs to a specific line.
func (b BudgetLineItem) DisplayName() string {
	if b.Description != "" {
		return b.Description
	}
	return "BL " + b.ID
}

// CAN is a funding source with per fiscal year budgets.
type CAN struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Description string `json:"description,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// CANFiscalYear holds a CAN's funding for one federal fiscal year.
type CANFiscalYear struct {
	CANID            string          `json:"can_id"`
	FiscalYear       int             `json:"fiscal_year"`
	TotalFunding     decimal.Decimal `json:"total_funding"`
	ReceivedFunding  decimal.Decimal `json:"received_funding"`
}

type ServicesComponent struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Number      int    `json:"number"`
	Optional    bool   `json:"optional"`
	Description string `json:"description,omitempty"`
	PeriodStart string `json:"period_start,omitempty" format:"date"`
	PeriodEnd   string `json:"period_end,omitempty" format:"date"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkflowAction string

const (
	ActionDraftToPlanned     WorkflowAction = "DRAFT_TO_PLANNED"
	ActionPlannedToExecuting WorkflowAction = "PLANNED_TO_EXECUTING"
)

type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepApproved StepStatus = "APPROVED"
	StepRejected StepStatus = "REJECTED"
)

// WorkflowInstance is a reviewable package proposing one bulk status
// transition over a set of budget line ids. It references lines by id only.
type WorkflowInstance struct {
	ID          string         `json:"id"`
	AgreementID string         `json:"agreement_id"`
	Action      WorkflowAction `json:"workflow_action" enum:"DRAFT_TO_PLANNED,PLANNED_TO_EXECUTING"`
	SubmitterID string         `json:"submitter_id"`
	Notes       string         `json:"submitter_notes,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type WorkflowStepInstance struct {
	ID            string     `json:"id"`
	WorkflowID    string     `json:"workflow_instance_id"`
	Status        StepStatus `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	BudgetLineIDs []string   `json:"budget_line_ids"`
	ReviewerID    string     `json:"reviewer_id,omitempty"`
	ReviewerNotes string     `json:"reviewer_notes,omitempty"`
	TimeStarted   string     `json:"time_started" format:"date-time"`
	TimeCompleted *string    `json:"time_completed,omitempty" format:"date-time"`
}

type ChangeRequestStatus string

const (
	ChangeInReview ChangeRequestStatus = "IN_REVIEW"
	ChangeApproved ChangeRequestStatus = "APPROVED"
	ChangeRejected ChangeRequestStatus = "REJECTED"
)

// ChangeRequest is a single field amendment on one budget line awaiting
// review, distinct from a bulk transition workflow.
type ChangeRequest struct {
	ID           string              `json:"id"`
	BudgetLineID string              `json:"budget_line_id"`
	DisplayName  string              `json:"display_name"`
	FieldName    string              `json:"field_name"`
	OldValue     string              `json:"old_value"`
	NewValue     string              `json:"new_value"`
	Status       ChangeRequestStatus `json:"status" enum:"IN_REVIEW,APPROVED,REJECTED"`
	CreatedBy    string              `json:"created_by"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
	ReviewedBy   string              `json:"reviewed_by,omitempty"`
	ReviewedOn   *string             `json:"reviewed_on,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	AgreementID string `json:"agreement_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	UserID      string `json:"user_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Notification is a per-user message emitted when a review is resolved.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
