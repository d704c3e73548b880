package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/engine/auth"
	"budgetline/internal/repo"
	"budgetline/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed on 2 field(s)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Budgetline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema-level request validation is a 400, distinct from the
			// domain readiness check which returns 422
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Budgetline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerMe(group)
	registerConfigEndpoint(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerBudgetLines(group, cfg.Engine)
	registerServicesComponents(group, cfg.Engine)
	registerCANs(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerChangeRequests(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *validate.FailedError
	if errors.As(err, &ve) {
		details := make(map[string]any, len(ve.Result.Keys()))
		for key, msgs := range ve.Result.Messages() {
			details[key] = msgs
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidSelection):
		return newAPIError(http.StatusConflict, "invalid_selection", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyInWorkflow):
		return newAPIError(http.StatusConflict, "already_in_workflow", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, engine.ErrNotEditable):
		return newAPIError(http.StatusConflict, "not_editable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not in catalog") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		ensureLeadingSlash(path.Join(basePath, "health")):         true,
		ensureLeadingSlash(path.Join(basePath, "auth/dev/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Budgetline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, user)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"user_id": p.UserID, "source": p.Source}}, nil
	})
}

func registerConfigEndpoint(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Portfolio configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PortfolioConfigResponse `json:"body"`
	}, error) {
		if e.Config == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "config not loaded", nil)
		}
		return &struct {
			Body PortfolioConfigResponse `json:"body"`
		}{Body: configResponse(e.Config)}, nil
	})
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements",
		Summary:       "Create agreement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
			ID:                 stringOrEmpty(input.Body.ID),
			Name:               input.Body.Name,
			Type:               input.Body.Type,
			Reason:             stringOrEmpty(input.Body.Reason),
			Description:        stringOrEmpty(input.Body.Description),
			Notes:              stringOrEmpty(input.Body.Notes),
			ProductServiceCode: stringOrEmpty(input.Body.ProductServiceCode),
			NAICS:              stringOrEmpty(input.Body.NAICS),
			SupportCode:        stringOrEmpty(input.Body.SupportCode),
			ProcurementShop:    stringOrEmpty(input.Body.ProcurementShop),
			ProjectOfficerID:   stringOrEmpty(input.Body.ProjectOfficerID),
			TeamMembers:        input.Body.TeamMembers,
			Severable:          input.Body.Severable,
			UserID:             userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type           string `query:"agreement_type"`
		ProjectOfficer string `query:"project_officer_id"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedAgreements `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListAgreements(ctx, repo.AgreementFilters{
			Type:            input.Type,
			ProjectOfficer:  input.ProjectOfficer,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAgreements{Items: []AgreementResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, a := range items {
			resp.Items = append(resp.Items, agreementResponse(a))
		}
		return &struct {
			Body paginatedAgreements `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}",
		Summary:     "Get agreement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agreement",
		Method:      http.MethodPatch,
		Path:        "/agreements/{id}",
		Summary:     "Update agreement",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateAgreementRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAgreement(ctx, engine.AgreementUpdateOptions{
			ID:                 input.ID,
			Name:               input.Body.Name,
			Reason:             input.Body.Reason,
			Description:        input.Body.Description,
			Notes:              input.Body.Notes,
			ProductServiceCode: input.Body.ProductServiceCode,
			NAICS:              input.Body.NAICS,
			SupportCode:        input.Body.SupportCode,
			ProcurementShop:    input.Body.ProcurementShop,
			ProjectOfficerID:   input.Body.ProjectOfficerID,
			AddTeamMembers:     input.Body.AddTeamMembers,
			UserID:             userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-agreement",
		Method:      http.MethodDelete,
		Path:        "/agreements/{id}",
		Summary:     "Delete agreement",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAgreement(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}/validation",
		Summary:     "Agreement readiness check",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		result, err := e.ValidateAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: validationResponse(result.Keys(), result.Messages(), result.IsValid())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agreement-summary",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}/summary",
		Summary:     "Budget totals by status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AgreementSummaryResponse `json:"body"`
	}, error) {
		s, err := e.SummarizeAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementSummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func registerBudgetLines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-budget-line",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/budget-lines",
		Summary:       "Add budget line item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgreementID string                  `path:"agreement_id"`
		Body        CreateBudgetLineRequest `json:"body"`
	}) (*struct {
		Body BudgetLineResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := decimal.NewFromString(input.Body.Amount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be a decimal string", map[string]any{"amount": input.Body.Amount})
		}
		b, err := e.CreateBudgetLine(ctx, engine.BudgetLineCreateOptions{
			ID:                  stringOrEmpty(input.Body.ID),
			AgreementID:         input.AgreementID,
			CANID:               stringOrEmpty(input.Body.CANID),
			ServicesComponentID: stringOrEmpty(input.Body.ServicesComponentID),
			Description:         stringOrEmpty(input.Body.Description),
			Comments:            stringOrEmpty(input.Body.Comments),
			Amount:              amount,
			DateNeeded:          stringOrEmpty(input.Body.DateNeeded),
			UserID:              userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BudgetLineResponse `json:"body"`
		}{Body: budgetLineResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-budget-lines",
		Method:      http.MethodGet,
		Path:        "/budget-lines",
		Summary:     "List budget line items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgreementID string `query:"agreement_id"`
		CANID       string `query:"can_id"`
		Status      string `query:"status" enum:",DRAFT,PLANNED,IN_EXECUTION,OBLIGATED"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []BudgetLineResponse `json:"body"`
	}, error) {
		lines, err := e.Repo.ListBudgetLines(ctx, repo.BudgetLineFilters{
			AgreementID: input.AgreementID,
			CANID:       input.CANID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]BudgetLineResponse, 0, len(lines))
		for _, b := range lines {
			res = append(res, budgetLineResponse(b))
		}
		return &struct {
			Body []BudgetLineResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-budget-line",
		Method:      http.MethodGet,
		Path:        "/budget-lines/{id}",
		Summary:     "Get budget line item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BudgetLineResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBudgetLine(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BudgetLineResponse `json:"body"`
		}{Body: budgetLineResponse(b)}, nil
	})

	type budgetLineUpdateResult struct {
		BudgetLine     BudgetLineResponse      `json:"budget_line_item"`
		ChangeRequests []ChangeRequestResponse `json:"change_requests"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "update-budget-line",
		Method:      http.MethodPatch,
		Path:        "/budget-lines/{id}",
		Summary:     "Update budget line item",
		Description: "Edits to amount, CAN, or need-by date on a PLANNED or in-review line are parked as change requests instead of being applied.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateBudgetLineRequest `json:"body"`
	}) (*struct {
		Body budgetLineUpdateResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.BudgetLineUpdateOptions{
			ID:          input.ID,
			Description: input.Body.Description,
			Comments:    input.Body.Comments,
			CANID:       input.Body.CANID,
			DateNeeded:  input.Body.DateNeeded,
			UserID:      userID,
		}
		if input.Body.Amount != nil {
			amount, err := decimal.NewFromString(*input.Body.Amount)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be a decimal string", map[string]any{"amount": *input.Body.Amount})
			}
			opts.Amount = &amount
		}
		b, pending, err := e.UpdateBudgetLine(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		res := budgetLineUpdateResult{
			BudgetLine:     budgetLineResponse(b),
			ChangeRequests: []ChangeRequestResponse{},
		}
		for _, cr := range pending {
			res.ChangeRequests = append(res.ChangeRequests, changeRequestResponse(cr))
		}
		return &struct {
			Body budgetLineUpdateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-budget-line",
		Method:      http.MethodDelete,
		Path:        "/budget-lines/{id}",
		Summary:     "Delete budget line item",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteBudgetLine(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerServicesComponents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-services-component",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/services-components",
		Summary:       "Add services component",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgreementID string                         `path:"agreement_id"`
		Body        CreateServicesComponentRequest `json:"body"`
	}) (*struct {
		Body ServicesComponentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sc, err := e.CreateServicesComponent(ctx, engine.ServicesComponentCreateOptions{
			AgreementID: input.AgreementID,
			Number:      input.Body.Number,
			Optional:    input.Body.Optional,
			Description: stringOrEmpty(input.Body.Description),
			PeriodStart: stringOrEmpty(input.Body.PeriodStart),
			PeriodEnd:   stringOrEmpty(input.Body.PeriodEnd),
			UserID:      userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServicesComponentResponse `json:"body"`
		}{Body: servicesComponentResponse(sc, a.Severable)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-services-components",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/services-components",
		Summary:     "List services components",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
	}) (*struct {
		Body []ServicesComponentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListServicesComponents(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ServicesComponentResponse, 0, len(items))
		for _, sc := range items {
			res = append(res, servicesComponentResponse(sc, a.Severable))
		}
		return &struct {
			Body []ServicesComponentResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerCANs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-can",
		Method:        http.MethodPost,
		Path:          "/cans",
		Summary:       "Register CAN",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateCANRequest `json:"body"`
	}) (*struct {
		Body CANResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCAN(ctx, input.Body.Number, stringOrEmpty(input.Body.Description), stringOrEmpty(input.Body.Nickname), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CANResponse `json:"body"`
		}{Body: canResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cans",
		Method:      http.MethodGet,
		Path:        "/cans",
		Summary:     "List CANs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CANResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCANs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CANResponse, 0, len(items))
		for _, c := range items {
			res = append(res, canResponse(c))
		}
		return &struct {
			Body []CANResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-can-funding",
		Method:      http.MethodPut,
		Path:        "/cans/{id}/funding/{year}",
		Summary:     "Set CAN fiscal year funding",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Year int                  `path:"year"`
		Body SetCANFundingRequest `json:"body"`
	}) (*struct {
		Body CANFundingResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, err := decimal.NewFromString(input.Body.TotalFunding)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "total_funding must be a decimal string", nil)
		}
		received, err := decimal.NewFromString(input.Body.ReceivedFunding)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "received_funding must be a decimal string", nil)
		}
		if _, err := e.SetCANFunding(ctx, input.ID, input.Year, total, received, userID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.CANFunding(ctx, input.ID, input.Year)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CANFundingResponse `json:"body"`
		}{Body: canFundingResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-can-funding",
		Method:      http.MethodGet,
		Path:        "/cans/{id}/funding/{year}",
		Summary:     "CAN fiscal year funding summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Year int    `path:"year"`
	}) (*struct {
		Body CANFundingResponse `json:"body"`
	}, error) {
		s, err := e.CANFunding(ctx, input.ID, input.Year)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CANFundingResponse `json:"body"`
		}{Body: canFundingResponse(s)}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-workflow",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/workflows",
		Summary:       "Submit budget lines for approval",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AgreementID string                `path:"agreement_id"`
		Body        SubmitWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, step, err := e.SubmitWorkflow(ctx, engine.WorkflowSubmitOptions{
			AgreementID: input.AgreementID,
			Action:      input.Body.Action,
			LineIDs:     input.Body.BudgetLineIDs,
			Notes:       stringOrEmpty(input.Body.Notes),
			UserID:      userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w, []domain.WorkflowStepInstance{step})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get workflow with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkflow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-workflow-step",
		Method:      http.MethodPost,
		Path:        "/workflow-steps/{id}/approve",
		Summary:     "Approve workflow step",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body ReviewStepRequest `json:"body"`
	}) (*struct {
		Body WorkflowStepResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		step, err := e.ApproveStep(ctx, input.ID, userID, stringOrEmpty(input.Body.Notes))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowStepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-workflow-step",
		Method:      http.MethodPost,
		Path:        "/workflow-steps/{id}/decline",
		Summary:     "Decline workflow step",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body ReviewStepRequest `json:"body"`
	}) (*struct {
		Body WorkflowStepResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		step, err := e.DeclineStep(ctx, input.ID, userID, stringOrEmpty(input.Body.Notes))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowStepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})
}

func registerChangeRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-change-requests",
		Method:      http.MethodGet,
		Path:        "/change-requests",
		Summary:     "List change requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BudgetLineID string `query:"budget_line_id"`
		Status       string `query:"status" enum:",IN_REVIEW,APPROVED,REJECTED"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ChangeRequestResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListChangeRequests(ctx, repo.ChangeRequestFilters{
			BudgetLineID: input.BudgetLineID,
			Status:       input.Status,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ChangeRequestResponse, 0, len(items))
		for _, cr := range items {
			res = append(res, changeRequestResponse(cr))
		}
		return &struct {
			Body []ChangeRequestResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-change-request",
		Method:      http.MethodPost,
		Path:        "/change-requests/{id}/review",
		Summary:     "Approve or reject a change request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body ReviewChangeRequestRequest `json:"body"`
	}) (*struct {
		Body ChangeRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cr, err := e.ReviewChangeRequest(ctx, engine.ChangeRequestReviewOptions{
			ID:      input.ID,
			Approve: input.Body.Approve,
			UserID:  userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangeRequestResponse `json:"body"`
		}{Body: changeRequestResponse(cr)}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications for the current user",
	}, func(ctx context.Context, input *struct {
		UnreadOnly bool `query:"unread_only"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, userID, input.UnreadOnly)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]NotificationResponse, 0, len(items))
		for _, n := range items {
			res = append(res, notificationResponse(n))
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.MarkNotificationRead(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgreementID string `query:"agreement_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind" enum:",agreement,budget_line,can,workflow,change_request,services_component"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.AgreementID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
