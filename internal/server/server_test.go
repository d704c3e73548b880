package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/db"
	"budgetline/internal/engine"
	"budgetline/internal/migrate"
	"budgetline/internal/server"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("portfolio-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := eng.Repo.UpsertPortfolioConfig(context.Background(), "portfolio-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	h, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func login(t *testing.T, h http.Handler, userID string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v0/auth/dev/login", "", map[string]string{"user_id": userID})
	if rec.Code != http.StatusOK {
		t.Fatalf("dev login: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	decode(t, rec, &out)
	if out.Token == "" {
		t.Fatal("dev login returned empty token")
	}
	return out.Token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decode(t, rec, &out)
	return out.Error.Code
}

func TestHealthOpen(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/v0/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/v0/agreements", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", code)
	}
}

func TestMe(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")
	rec := do(t, h, http.MethodGet, "/v0/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d body %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	decode(t, rec, &out)
	if out["user_id"] != "tester" || out["source"] != "jwt" {
		t.Fatalf("unexpected principal: %v", out)
	}
}

func TestBadBearerRejected(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/v0/agreements", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_credentials" {
		t.Fatalf("expected code invalid_credentials, got %q", code)
	}
}

// seedAgreement drives the API to a fully filled agreement with one budget
// line, returning the agreement and line ids.
func seedAgreement(t *testing.T, h http.Handler, token string) (string, string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v0/cans", token, map[string]any{
		"number":   "G99XXXX",
		"nickname": "OPS",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create can: status %d body %s", rec.Code, rec.Body.String())
	}
	var can struct {
		ID string `json:"id"`
	}
	decode(t, rec, &can)

	rec = do(t, h, http.MethodPost, "/v0/agreements", token, map[string]any{
		"name":                 "Research support",
		"agreement_type":       "CONTRACT",
		"agreement_reason":     "NEW_REQ",
		"description":          "support services",
		"product_service_code": "R410",
		"naics":                "541720",
		"program_support_code": "OPS-1",
		"procurement_shop":     "GCS",
		"project_officer_id":   "officer-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agreement: status %d body %s", rec.Code, rec.Body.String())
	}
	var a struct {
		ID string `json:"id"`
	}
	decode(t, rec, &a)

	rec = do(t, h, http.MethodPost, "/v0/agreements/"+a.ID+"/budget-lines", token, map[string]any{
		"can_id":      can.ID,
		"amount":      "500000.00",
		"date_needed": "2026-09-01",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create budget line: status %d body %s", rec.Code, rec.Body.String())
	}
	var b struct {
		ID string `json:"id"`
	}
	decode(t, rec, &b)
	return a.ID, b.ID
}

func TestAgreementLifecycle(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")
	agreementID, lineID := seedAgreement(t, h, token)

	rec := do(t, h, http.MethodGet, "/v0/agreements/"+agreementID+"/validation", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("validation: status %d body %s", rec.Code, rec.Body.String())
	}
	var v struct {
		Valid bool `json:"valid"`
	}
	decode(t, rec, &v)
	if !v.Valid {
		t.Fatalf("expected agreement to validate, body %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v0/agreements/"+agreementID+"/workflows", token, map[string]any{
		"workflow_action": "DRAFT_TO_PLANNED",
		"budget_line_ids": []string{lineID},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit workflow: status %d body %s", rec.Code, rec.Body.String())
	}
	var w struct {
		ID    string `json:"id"`
		Steps []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"steps"`
	}
	decode(t, rec, &w)
	if len(w.Steps) != 1 || w.Steps[0].Status != "PENDING" {
		t.Fatalf("unexpected workflow shape: %s", rec.Body.String())
	}

	// submitter cannot review their own submission
	rec = do(t, h, http.MethodPost, "/v0/workflow-steps/"+w.Steps[0].ID+"/approve", token, map[string]any{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for self-review, got %d body %s", rec.Code, rec.Body.String())
	}

	reviewer := login(t, h, "reviewer-1")
	rec = do(t, h, http.MethodPost, "/v0/workflow-steps/"+w.Steps[0].ID+"/approve", reviewer, map[string]any{
		"notes": "looks good",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve step: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/v0/budget-lines/"+lineID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get budget line: status %d", rec.Code)
	}
	var line struct {
		Status   string `json:"status"`
		InReview bool   `json:"in_review"`
		Total    string `json:"total"`
	}
	decode(t, rec, &line)
	if line.Status != "PLANNED" || line.InReview {
		t.Fatalf("expected PLANNED out of review, got %+v", line)
	}
	if line.Total != "500000" {
		t.Fatalf("expected zero-fee total 500000, got %q", line.Total)
	}
}

func TestSubmitBlockedByValidation(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")

	rec := do(t, h, http.MethodPost, "/v0/agreements", token, map[string]any{
		"name":           "Bare agreement",
		"agreement_type": "CONTRACT",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agreement: status %d body %s", rec.Code, rec.Body.String())
	}
	var a struct {
		ID string `json:"id"`
	}
	decode(t, rec, &a)

	rec = do(t, h, http.MethodGet, "/v0/agreements/"+a.ID+"/validation", token, nil)
	var v struct {
		Valid    bool                `json:"valid"`
		Messages map[string][]string `json:"messages"`
	}
	decode(t, rec, &v)
	if v.Valid {
		t.Fatal("expected incomplete agreement to fail validation")
	}
	if msgs := v.Messages["description"]; len(msgs) == 0 || msgs[0] != "This is required information" {
		t.Fatalf("expected required-field message for description, got %v", v.Messages)
	}

	rec = do(t, h, http.MethodPost, "/v0/agreements/"+a.ID+"/workflows", token, map[string]any{
		"workflow_action": "DRAFT_TO_PLANNED",
		"budget_line_ids": []string{"bli-nope"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "validation_failed" {
		t.Fatalf("expected code validation_failed, got %q", code)
	}
}

func TestPlannedEditReturnsChangeRequests(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")
	agreementID, lineID := seedAgreement(t, h, token)

	rec := do(t, h, http.MethodPost, "/v0/agreements/"+agreementID+"/workflows", token, map[string]any{
		"workflow_action": "DRAFT_TO_PLANNED",
		"budget_line_ids": []string{lineID},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit workflow: status %d body %s", rec.Code, rec.Body.String())
	}
	var w struct {
		Steps []struct {
			ID string `json:"id"`
		} `json:"steps"`
	}
	decode(t, rec, &w)
	reviewer := login(t, h, "reviewer-1")
	rec = do(t, h, http.MethodPost, "/v0/workflow-steps/"+w.Steps[0].ID+"/approve", reviewer, map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPatch, "/v0/budget-lines/"+lineID, token, map[string]any{
		"amount": "750000.00",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch line: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		BudgetLine struct {
			Amount string `json:"amount"`
		} `json:"budget_line_item"`
		ChangeRequests []struct {
			FieldName string `json:"field_name"`
			NewValue  string `json:"new_value"`
			Status    string `json:"status"`
		} `json:"change_requests"`
	}
	decode(t, rec, &out)
	if out.BudgetLine.Amount != "500000" {
		t.Fatalf("amount should not change until review, got %q", out.BudgetLine.Amount)
	}
	if len(out.ChangeRequests) != 1 || out.ChangeRequests[0].FieldName != "amount" || out.ChangeRequests[0].Status != "IN_REVIEW" {
		t.Fatalf("expected one parked amount change request, got %+v", out.ChangeRequests)
	}
}

func TestDeleteDraftLine(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")
	_, lineID := seedAgreement(t, h, token)

	rec := do(t, h, http.MethodDelete, "/v0/budget-lines/"+lineID, token, nil)
	if rec.Code != http.StatusNoContent && rec.Code != http.StatusOK {
		t.Fatalf("delete line: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/v0/budget-lines/"+lineID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestStrangerCannotEdit(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")
	agreementID, _ := seedAgreement(t, h, token)

	stranger := login(t, h, "stranger")
	rec := do(t, h, http.MethodPatch, "/v0/agreements/"+agreementID, stranger, map[string]any{
		"description": "hostile takeover",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "forbidden" {
		t.Fatalf("expected code forbidden, got %q", code)
	}
}

func TestEventsRecorded(t *testing.T) {
	h := newTestServer(t)
	token := login(t, h, "tester")
	agreementID, _ := seedAgreement(t, h, token)

	rec := do(t, h, http.MethodGet, "/v0/events?agreement_id="+agreementID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
	}
	decode(t, rec, &out)
	if len(out.Items) < 2 {
		t.Fatalf("expected agreement and budget line events, got %d", len(out.Items))
	}
	seen := map[string]bool{}
	for _, e := range out.Items {
		seen[e.Type] = true
	}
	if !seen["agreement.created"] || !seen["bli.created"] {
		t.Fatalf("missing expected event types: %v", seen)
	}
}
