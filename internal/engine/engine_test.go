package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetline/internal/config"
	"budgetline/internal/db"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/engine/auth"
	"budgetline/internal/migrate"
	"budgetline/internal/validate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	ctx := context.Background()
	if err := eng.Repo.UpsertPortfolioConfig(ctx, "portfolio-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// readyAgreement creates a CAN, a fully filled agreement, and n DRAFT lines
// that pass validation. Returns the agreement id, CAN id, and line ids.
func readyAgreement(t *testing.T, env testEnv, n int) (string, string, []string) {
	t.Helper()
	can, err := env.Engine.CreateCAN(env.Ctx, "G99XXXX", "ops research", "OPS", "tester")
	if err != nil {
		t.Fatalf("create can: %v", err)
	}
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		Name:               "Research support",
		Type:               "CONTRACT",
		Reason:             "NEW_REQ",
		Description:        "support services",
		ProductServiceCode: "R410",
		NAICS:              "541720",
		SupportCode:        "OPS-1",
		ProcurementShop:    "GCS",
		ProjectOfficerID:   "officer-1",
		UserID:             "tester",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	var lineIDs []string
	for i := 0; i < n; i++ {
		b, err := env.Engine.CreateBudgetLine(env.Ctx, engine.BudgetLineCreateOptions{
			AgreementID: a.ID,
			CANID:       can.ID,
			Description: "SC1",
			Amount:      money("500000"),
			DateNeeded:  "2026-09-01",
			UserID:      "tester",
		})
		if err != nil {
			t.Fatalf("create line %d: %v", i, err)
		}
		lineIDs = append(lineIDs, b.ID)
	}
	return a.ID, can.ID, lineIDs
}

func approveAll(t *testing.T, env testEnv, agreementID, action string, lineIDs []string) {
	t.Helper()
	_, step, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agreementID,
		Action:      action,
		LineIDs:     lineIDs,
		UserID:      "tester",
	})
	if err != nil {
		t.Fatalf("submit %s: %v", action, err)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, step.ID, "reviewer-1", "ok"); err != nil {
		t.Fatalf("approve %s: %v", action, err)
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 2)

	wf, step, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID,
		Action:      "DRAFT_TO_PLANNED",
		LineIDs:     lines,
		Notes:       "ready to plan",
		UserID:      "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if step.Status != domain.StepPending {
		t.Fatalf("step status = %s, want PENDING", step.Status)
	}
	// held lines keep their rest status but report in-review
	for _, id := range lines {
		b, err := env.Engine.Repo.GetBudgetLine(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if b.Status != domain.StatusDraft || !b.InReview() {
			t.Fatalf("held line %s: status=%s in_review=%v", id, b.Status, b.InReview())
		}
		if b.PendingWorkflowID == nil || *b.PendingWorkflowID != wf.ID {
			t.Fatalf("held line %s points at %v, want %s", id, b.PendingWorkflowID, wf.ID)
		}
	}
	resolved, err := env.Engine.ApproveStep(env.Ctx, step.ID, "reviewer-1", "looks right")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != domain.StepApproved || resolved.TimeCompleted == nil {
		t.Fatalf("resolved step = %+v", resolved)
	}
	for _, id := range lines {
		b, _ := env.Engine.Repo.GetBudgetLine(env.Ctx, id)
		if b.Status != domain.StatusPlanned || b.InReview() {
			t.Fatalf("approved line %s: status=%s in_review=%v", id, b.Status, b.InReview())
		}
	}

	approveAll(t, env, agID, "PLANNED_TO_EXECUTING", lines)
	for _, id := range lines {
		b, _ := env.Engine.Repo.GetBudgetLine(env.Ctx, id)
		if b.Status != domain.StatusInExecution {
			t.Fatalf("line %s = %s, want IN_EXECUTION", id, b.Status)
		}
	}
	// submitter was notified for each approval
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notes))
	}
}

func TestSubmitValidationGate(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		Name:   "Incomplete",
		Type:   "CONTRACT",
		UserID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: a.ID,
		Action:      "DRAFT_TO_PLANNED",
		LineIDs:     []string{"anything"},
		UserID:      "tester",
	})
	var fe *validate.FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FailedError", err)
	}
	if fe.Result.IsValid() {
		t.Fatal("FailedError carries a valid result")
	}
}

func TestWorkflowMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 1)

	_, step, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "DRAFT_TO_PLANNED", LineIDs: lines, UserID: "tester",
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err = env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "DRAFT_TO_PLANNED", LineIDs: lines, UserID: "tester",
	})
	if !errors.Is(err, engine.ErrAlreadyInWorkflow) {
		t.Fatalf("second submit err = %v, want ErrAlreadyInWorkflow", err)
	}
	// declining releases the hold and leaves statuses untouched
	if _, err := env.Engine.DeclineStep(env.Ctx, step.ID, "reviewer-1", "not yet"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	b, _ := env.Engine.Repo.GetBudgetLine(env.Ctx, lines[0])
	if b.Status != domain.StatusDraft || b.InReview() {
		t.Fatalf("declined line: status=%s in_review=%v", b.Status, b.InReview())
	}
	if _, _, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "DRAFT_TO_PLANNED", LineIDs: lines, UserID: "tester",
	}); err != nil {
		t.Fatalf("resubmit after decline: %v", err)
	}
}

func TestResolveStepIdempotence(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 1)
	_, step, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "DRAFT_TO_PLANNED", LineIDs: lines, UserID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, step.ID, "reviewer-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, step.ID, "reviewer-1", ""); !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("second approve err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := env.Engine.DeclineStep(env.Ctx, step.ID, "reviewer-2", ""); !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("decline after approve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestSubmitInvalidSelection(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 1)

	_, _, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "DRAFT_TO_PLANNED", LineIDs: nil, UserID: "tester",
	})
	if !errors.Is(err, engine.ErrInvalidSelection) {
		t.Fatalf("empty selection err = %v", err)
	}
	// wrong source status for the action
	_, _, err = env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "PLANNED_TO_EXECUTING", LineIDs: lines, UserID: "tester",
	})
	if !errors.Is(err, engine.ErrInvalidSelection) {
		t.Fatalf("wrong status err = %v", err)
	}
}

func TestSubmitterCannotReview(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 1)
	_, step, err := env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
		AgreementID: agID, Action: "DRAFT_TO_PLANNED", LineIDs: lines, UserID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ApproveStep(env.Ctx, step.ID, "tester", "self-approval")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("self approve err = %v, want ForbiddenError", err)
	}
}

func TestObligatedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 1)
	approveAll(t, env, agID, "DRAFT_TO_PLANNED", lines)
	approveAll(t, env, agID, "PLANNED_TO_EXECUTING", lines)

	// force the terminal status directly; no workflow action produces it
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateBudgetLineStatus(env.Ctx, tx, lines[0], domain.StatusObligated, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	amount := money("1")
	_, _, err = env.Engine.UpdateBudgetLine(env.Ctx, engine.BudgetLineUpdateOptions{
		ID: lines[0], Amount: &amount, UserID: "tester",
	})
	if !errors.Is(err, engine.ErrNotEditable) {
		t.Fatalf("edit OBLIGATED err = %v, want ErrNotEditable", err)
	}
	for _, action := range []string{"DRAFT_TO_PLANNED", "PLANNED_TO_EXECUTING"} {
		_, _, err = env.Engine.SubmitWorkflow(env.Ctx, engine.WorkflowSubmitOptions{
			AgreementID: agID, Action: action, LineIDs: lines, UserID: "tester",
		})
		if !errors.Is(err, engine.ErrInvalidSelection) {
			t.Fatalf("OBLIGATED selectable for %s: %v", action, err)
		}
	}
}

func TestPlannedEditsBecomeChangeRequests(t *testing.T) {
	env := newTestEnv(t)
	agID, canID, lines := readyAgreement(t, env, 1)
	approveAll(t, env, agID, "DRAFT_TO_PLANNED", lines)

	amount := money("750000")
	date := "2026-12-01"
	comments := "updated scope"
	b, pending, err := env.Engine.UpdateBudgetLine(env.Ctx, engine.BudgetLineUpdateOptions{
		ID:         lines[0],
		Amount:     &amount,
		DateNeeded: &date,
		Comments:   &comments,
		UserID:     "tester",
	})
	if err != nil {
		t.Fatalf("update planned line: %v", err)
	}
	// budget fields are parked, plain fields apply immediately
	if len(pending) != 2 {
		t.Fatalf("pending change requests = %d, want 2", len(pending))
	}
	if !b.Amount.Equal(money("500000")) || b.DateNeeded != "2026-09-01" {
		t.Fatalf("planned line mutated directly: amount=%s date=%s", b.Amount, b.DateNeeded)
	}
	if b.Comments != "updated scope" {
		t.Fatalf("comments = %q", b.Comments)
	}

	var amountCR, dateCR domain.ChangeRequest
	for _, cr := range pending {
		switch cr.FieldName {
		case "amount":
			amountCR = cr
		case "date_needed":
			dateCR = cr
		}
	}
	if amountCR.OldValue != "500000" || amountCR.NewValue != "750000" {
		t.Fatalf("amount diff = %s -> %s", amountCR.OldValue, amountCR.NewValue)
	}

	// approve the amount, reject the date
	if _, err := env.Engine.ReviewChangeRequest(env.Ctx, engine.ChangeRequestReviewOptions{
		ID: amountCR.ID, Approve: true, UserID: "reviewer-1",
	}); err != nil {
		t.Fatalf("approve amount: %v", err)
	}
	if _, err := env.Engine.ReviewChangeRequest(env.Ctx, engine.ChangeRequestReviewOptions{
		ID: dateCR.ID, Approve: false, UserID: "reviewer-1",
	}); err != nil {
		t.Fatalf("reject date: %v", err)
	}
	b, _ = env.Engine.Repo.GetBudgetLine(env.Ctx, lines[0])
	if !b.Amount.Equal(money("750000")) {
		t.Fatalf("amount after approval = %s, want 750000", b.Amount)
	}
	if b.DateNeeded != "2026-09-01" {
		t.Fatalf("date after rejection = %s, want unchanged", b.DateNeeded)
	}
	if b.CANID != canID {
		t.Fatalf("can changed unexpectedly: %s", b.CANID)
	}

	// a second verdict on a resolved request fails
	_, err = env.Engine.ReviewChangeRequest(env.Ctx, engine.ChangeRequestReviewOptions{
		ID: amountCR.ID, Approve: false, UserID: "reviewer-1",
	})
	if !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("re-review err = %v, want ErrAlreadyResolved", err)
	}
}

func TestDeleteBudgetLine(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 2)

	if err := env.Engine.DeleteBudgetLine(env.Ctx, lines[0], "tester"); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	approveAll(t, env, agID, "DRAFT_TO_PLANNED", lines[1:])
	if err := env.Engine.DeleteBudgetLine(env.Ctx, lines[1], "tester"); !errors.Is(err, engine.ErrNotEditable) {
		t.Fatalf("delete planned err = %v, want ErrNotEditable", err)
	}
}

func TestEditIdentityGuard(t *testing.T) {
	env := newTestEnv(t)
	_, _, lines := readyAgreement(t, env, 1)
	desc := "rewrite"
	_, _, err := env.Engine.UpdateBudgetLine(env.Ctx, engine.BudgetLineUpdateOptions{
		ID: lines[0], Description: &desc, UserID: "stranger",
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("stranger edit err = %v, want ForbiddenError", err)
	}
	// the project officer can edit through the agreement
	if _, _, err := env.Engine.UpdateBudgetLine(env.Ctx, engine.BudgetLineUpdateOptions{
		ID: lines[0], Description: &desc, UserID: "officer-1",
	}); err != nil {
		t.Fatalf("officer edit: %v", err)
	}
}

func TestCANFundingSummary(t *testing.T) {
	env := newTestEnv(t)
	agID, canID, lines := readyAgreement(t, env, 2)
	approveAll(t, env, agID, "DRAFT_TO_PLANNED", lines)

	if _, err := env.Engine.SetCANFunding(env.Ctx, canID, 2026, money("3000000"), money("2000000"), "tester"); err != nil {
		t.Fatalf("set funding: %v", err)
	}
	s, err := env.Engine.CANFunding(env.Ctx, canID, 2026)
	if err != nil {
		t.Fatalf("funding summary: %v", err)
	}
	// two planned 500k lines, GCS fee rate 0
	if !s.PlannedFunding.Equal(money("1000000")) {
		t.Fatalf("planned = %s, want 1000000", s.PlannedFunding)
	}
	if !s.AvailableFunding.Equal(money("2000000")) {
		t.Fatalf("available = %s, want 2000000", s.AvailableFunding)
	}
	if !s.ExpectedFunding.Equal(money("1000000")) {
		t.Fatalf("expected = %s, want 1000000", s.ExpectedFunding)
	}
}

func TestAgreementSummary(t *testing.T) {
	env := newTestEnv(t)
	agID, _, lines := readyAgreement(t, env, 3)
	approveAll(t, env, agID, "DRAFT_TO_PLANNED", lines[:2])

	s, err := env.Engine.SummarizeAgreement(env.Ctx, agID)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Totals[domain.StatusDraft].Equal(money("500000")) {
		t.Fatalf("draft total = %s", s.Totals[domain.StatusDraft])
	}
	if !s.Totals[domain.StatusPlanned].Equal(money("1000000")) {
		t.Fatalf("planned total = %s", s.Totals[domain.StatusPlanned])
	}
	if !s.GrandTotal.Equal(money("1500000")) {
		t.Fatalf("grand = %s", s.GrandTotal)
	}
	if s.Percents[domain.StatusPlanned] != 67 {
		t.Fatalf("planned percent = %d, want 67", s.Percents[domain.StatusPlanned])
	}
	// next need-by only looks at non-draft lines
	if s.NextNeedBy != "2026-09-01" {
		t.Fatalf("next need by = %s", s.NextNeedBy)
	}
}
