package budgetlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Budgetline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agreement represents the API agreement model (partial).
type Agreement struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"agreement_type"`
	ProcurementShop  string `json:"procurement_shop"`
	ProjectOfficerID string `json:"project_officer_id"`
}

// BudgetLine represents a budget line item. Money fields are decimal strings.
type BudgetLine struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	CANID       string `json:"can_id"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Total       string `json:"total"`
	DateNeeded  string `json:"date_needed"`
	FiscalYear  int    `json:"fiscal_year"`
	Status      string `json:"status"`
	InReview    bool   `json:"in_review"`
}

// Workflow represents a submitted review with its steps.
type Workflow struct {
	ID          string         `json:"id"`
	AgreementID string         `json:"agreement_id"`
	Action      string         `json:"workflow_action"`
	SubmitterID string         `json:"submitter_id"`
	Steps       []WorkflowStep `json:"steps"`
}

// WorkflowStep is one pending or resolved review step.
type WorkflowStep struct {
	ID            string   `json:"id"`
	WorkflowID    string   `json:"workflow_instance_id"`
	Status        string   `json:"status"`
	BudgetLineIDs []string `json:"budget_line_ids"`
}

// Validation is the readiness-check result for an agreement.
type Validation struct {
	Valid    bool                `json:"valid"`
	Keys     []string            `json:"keys"`
	Messages map[string][]string `json:"messages"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	AgreementID string         `json:"agreement_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateAgreement creates an agreement.
func (c *Client) CreateAgreement(ctx context.Context, name, agreementType string) (Agreement, error) {
	body := map[string]any{
		"name":           name,
		"agreement_type": agreementType,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "v0/agreements", body, &resp)
	return resp, err
}

// GetAgreement fetches an agreement by id.
func (c *Client) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, "v0/agreements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Validate runs the readiness check on an agreement.
func (c *Client) Validate(ctx context.Context, agreementID string) (Validation, error) {
	var resp Validation
	endpoint := fmt.Sprintf("v0/agreements/%s/validation", url.PathEscape(agreementID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateBudgetLine adds a budget line to an agreement. Amount is a decimal
// string like "250000.00".
func (c *Client) CreateBudgetLine(ctx context.Context, agreementID, canID, amount, dateNeeded string) (BudgetLine, error) {
	body := map[string]any{
		"can_id":      canID,
		"amount":      amount,
		"date_needed": dateNeeded,
	}
	var resp BudgetLine
	endpoint := fmt.Sprintf("v0/agreements/%s/budget-lines", url.PathEscape(agreementID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitWorkflow proposes a bulk transition over the given lines.
func (c *Client) SubmitWorkflow(ctx context.Context, agreementID, action string, lineIDs []string) (Workflow, error) {
	body := map[string]any{
		"workflow_action": action,
		"budget_line_ids": lineIDs,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("v0/agreements/%s/workflows", url.PathEscape(agreementID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ApproveStep approves a pending workflow step.
func (c *Client) ApproveStep(ctx context.Context, stepID, notes string) (WorkflowStep, error) {
	var resp WorkflowStep
	endpoint := fmt.Sprintf("v0/workflow-steps/%s/approve", url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": notes}, &resp)
	return resp, err
}

// DeclineStep declines a pending workflow step.
func (c *Client) DeclineStep(ctx context.Context, stepID, notes string) (WorkflowStep, error) {
	var resp WorkflowStep
	endpoint := fmt.Sprintf("v0/workflow-steps/%s/decline", url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": notes}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
