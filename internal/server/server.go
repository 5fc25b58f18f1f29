package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"batchseal/internal/engine"
	"batchseal/internal/engine/auth"
	"batchseal/internal/guard"
	"batchseal/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_requested"`
	Message string         `json:"message" example:"emission already requested for batch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Batchseal API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Batchseal API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBatches(group, cfg.Engine)
	registerEvaluations(group, cfg.Engine)
	registerEmission(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerResets(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fr auth.ForbiddenRoleError
	if errors.As(err, &fr) {
		return newAPIError(http.StatusForbidden, "forbidden_role", err.Error(), map[string]any{"action": fr.Action, "role": fr.Role})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "duplicate_claim", err.Error(), map[string]any{"key": ce.Key, "owner": ce.Owner})
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": it.From, "to": it.To})
	}
	var nr engine.NotReadyError
	if errors.As(err, &nr) {
		return newAPIError(http.StatusUnprocessableEntity, "not_ready", err.Error(), map[string]any{"reasons": nr.Reasons})
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyRequested):
		return newAPIError(http.StatusConflict, "already_requested", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyIssued):
		return newAPIError(http.StatusConflict, "already_issued", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyReset):
		return newAPIError(http.StatusConflict, "already_reset", err.Error(), nil)
	case errors.Is(err, engine.ErrEmissionFrozen):
		return newAPIError(http.StatusConflict, "emission_frozen", err.Error(), nil)
	case errors.Is(err, guard.ErrLockTimeout):
		return newAPIError(http.StatusConflict, "lock_timeout", err.Error(), nil)
	case errors.Is(err, repo.ErrImmutableReport):
		return newAPIError(http.StatusConflict, "report_immutable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "is draft") || strings.Contains(lowered, "can only") || strings.Contains(lowered, "cannot") || strings.Contains(lowered, "no longer"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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

// actorRole resolves the caller's role for a gated action: roles carried
// by the token first, then roles assigned in the DB. The first role in
// the allowlist wins; with no match the first known role is passed
// through so the engine produces the forbidden error.
func actorRole(ctx context.Context, e engine.Engine, allowed []string) (string, string, huma.StatusError) {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.ActorID == "" {
		return "", "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	roles := principal.Roles
	if len(roles) == 0 {
		dbRoles, err := e.Repo.ActorRoles(ctx, e.Config.Tenant.ID, principal.ActorID)
		if err == nil {
			roles = dbRoles
		}
	}
	for _, r := range roles {
		if r == auth.RoleSystem {
			return principal.ActorID, r, nil
		}
		for _, a := range allowed {
			if r == a {
				return principal.ActorID, r, nil
			}
		}
	}
	if len(roles) > 0 {
		return principal.ActorID, roles[0], nil
	}
	return principal.ActorID, "", nil
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Batchseal API Docs</title>
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

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Create batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBatch(ctx, e.Config.Tenant.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BatchResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListBatches(ctx, e.Config.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BatchResponse `json:"body"`
		}{Body: mapBatches(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/release",
		Summary:     "Release batch for evaluations",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ReleaseBatch(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/cancel",
		Summary:     "Cancel batch",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CancelBatch(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-readiness",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/readiness",
		Summary:     "Batch readiness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ReadinessResponse `json:"body"`
	}, error) {
		b, counts, res, err := e.GetReadiness(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadinessResponse `json:"body"`
		}{Body: readinessResponse(b.ID, b.Status, counts, res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-events",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/events",
		Summary:     "Batch audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBatch(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEntityEvents(ctx, "batch", fmt.Sprint(input.ID), input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerEvaluations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-evaluation",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/evaluations",
		Summary:       "Admit subject and start evaluation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                  `path:"id"`
		Body StartEvaluationRequest `json:"body"`
	}) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.AdmitSubject(ctx, input.ID, input.Body.SubjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evaluations",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/evaluations",
		Summary:     "List evaluations in batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []EvaluationResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBatch(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvaluations(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EvaluationResponse `json:"body"`
		}{Body: mapEvaluations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-evaluation",
		Method:      http.MethodGet,
		Path:        "/evaluations/{id}",
		Summary:     "Get evaluation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		ev, err := e.Repo.GetEvaluation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-evaluation",
		Method:      http.MethodPost,
		Path:        "/evaluations/{id}/advance",
		Summary:     "Advance evaluation status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body AdvanceEvaluationRequest `json:"body"`
	}) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.AdvanceEvaluation(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-response",
		Method:      http.MethodPost,
		Path:        "/evaluations/{id}/responses",
		Summary:     "Submit a response",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitResponseRequest `json:"body"`
	}) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.SubmitResponse(ctx, input.ID, input.Body.Item, input.Body.Value, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(ev)}, nil
	})
}

func registerEmission(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-emission",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/emission",
		Summary:       "Request report emission",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body QueueEntryResponse `json:"body"`
	}, error) {
		actorID, role, authErr := actorRole(ctx, e, e.Config.Roles.RequestEmission)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.RequestEmission(ctx, input.ID, actorID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueEntryResponse `json:"body"`
		}{Body: queueEntryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-emission",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/emission",
		Summary:     "Get emission queue entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body QueueEntryResponse `json:"body"`
	}, error) {
		entry, err := e.Repo.GetQueueEntryByBatch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueEntryResponse `json:"body"`
		}{Body: queueEntryResponse(entry)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/report",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, err := e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-report",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/report/issue",
		Summary:     "Issue report immediately",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actorID, role, authErr := actorRole(ctx, e, e.Config.Roles.Issue)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.EmitReport(ctx, input.ID, actorID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-report",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/report/deliver",
		Summary:     "Mark report delivered",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actorID, role, authErr := actorRole(ctx, e, e.Config.Roles.Issue)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.MarkReportDelivered(ctx, input.ID, actorID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})
}

func registerResets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "reset-evaluation",
		Method:        http.MethodPost,
		Path:          "/evaluations/{id}/reset",
		Summary:       "Reset evaluation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ResetEvaluationRequest `json:"body"`
	}) (*struct {
		Body ResetRecordResponse `json:"body"`
	}, error) {
		actorID, role, authErr := actorRole(ctx, e, e.Config.Roles.Reset)
		if authErr != nil {
			return nil, authErr
		}
		batchID := input.Body.BatchID
		if batchID == 0 {
			ev, err := e.Repo.GetEvaluation(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			batchID = ev.BatchID
		}
		rec, err := e.ResetEvaluation(ctx, input.ID, batchID, actorID, role, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetRecordResponse `json:"body"`
		}{Body: resetRecordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resets",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/resets",
		Summary:     "List reset records for batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []ResetRecordResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBatch(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListResets(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ResetRecordResponse, 0, len(items))
		for _, rec := range items {
			res = append(res, resetRecordResponse(rec))
		}
		return &struct {
			Body []ResetRecordResponse `json:"body"`
		}{Body: res}, nil
	})
}
