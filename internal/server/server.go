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

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/eval"
	"caseflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_rejected"`
	Message string         `json:"message" example:"status transition not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"new\",\"to\":\"resolved\"}"`
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

// New returns an HTTP handler exposing the Caseflow API.
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
			// Malformed requests are 400 bad_request; 422 is reserved for
			// domain validation outcomes.
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
	hcfg := huma.DefaultConfig("Caseflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkspaces(group, cfg.Engine)
	registerSchemas(group, cfg.Engine)
	registerContexts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrSchemaInactive) {
		return newAPIError(http.StatusConflict, "schema_inactive", err.Error(), nil)
	}
	var rejected engine.UpdateRejectedError
	if errors.As(err, &rejected) {
		fields := make([]map[string]any, 0, len(rejected.Fields))
		for _, fe := range rejected.Fields {
			fields = append(fields, map[string]any{"field_id": fe.FieldID, "reason": fe.Reason})
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_field_values", err.Error(), map[string]any{"fields": fields})
	}
	var se eval.SchemaError
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_schema", err.Error(), map[string]any{"path": se.Path, "reason": se.Reason})
	}
	var fe eval.FieldError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_field_values", err.Error(), map[string]any{"field_id": fe.FieldID, "reason": fe.Reason})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Caseflow API Docs</title>
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

func registerWorkspaces(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.InitWorkspace(ctx, input.Body.ID, input.Body.Name, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkspaceResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkspaces(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkspaceResponse `json:"body"`
		}{Body: mapWorkspaces(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-status",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/status",
		Summary:     "Workspace status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceStatusResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountContextsByStatus(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceStatusResponse `json:"body"`
		}{Body: WorkspaceStatusResponse{
			WorkspaceID:  w.ID,
			Status:       w.Status,
			ContextCount: counts,
		}}, nil
	})
}

func registerSchemas(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schema",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/schemas",
		Summary:       "Create context schema",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string              `path:"workspace_id"`
		Body        CreateSchemaRequest `json:"body"`
	}) (*struct {
		Body SchemaResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSchema(ctx, engine.SchemaCreateOptions{
			ID:             input.Body.ID,
			WorkspaceID:    input.WorkspaceID,
			Name:           input.Body.Name,
			Description:    stringOrEmpty(input.Body.Description),
			Fields:         input.Body.Fields,
			StatusWorkflow: input.Body.StatusWorkflow,
			PriorityConfig: input.Body.PriorityConfig,
			IsDefault:      input.Body.IsDefault,
			ActorID:        principal.ActorID,
			ActorKind:      principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaResponse `json:"body"`
		}{Body: schemaResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schemas",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/schemas",
		Summary:     "List context schemas",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []SchemaResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSchemas(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SchemaResponse `json:"body"`
		}{Body: mapSchemas(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schema",
		Method:      http.MethodGet,
		Path:        "/schemas/{id}",
		Summary:     "Get context schema",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SchemaResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSchema(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaResponse `json:"body"`
		}{Body: schemaResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-schema",
		Method:      http.MethodPatch,
		Path:        "/schemas/{id}",
		Summary:     "Update context schema",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateSchemaRequest `json:"body"`
	}) (*struct {
		Body SchemaResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateSchema(ctx, engine.SchemaUpdateOptions{
			ID:             input.ID,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Fields:         input.Body.Fields,
			StatusWorkflow: input.Body.StatusWorkflow,
			PriorityConfig: input.Body.PriorityConfig,
			SetDefault:     input.Body.IsDefault,
			ActorID:        principal.ActorID,
			ActorKind:      principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaResponse `json:"body"`
		}{Body: schemaResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-schema",
		Method:      http.MethodPost,
		Path:        "/schemas/{id}/deactivate",
		Summary:     "Deactivate context schema",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SchemaResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.DeactivateSchema(ctx, input.ID, principal.ActorID, principal.ActorKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaResponse `json:"body"`
		}{Body: schemaResponse(s)}, nil
	})
}

func registerContexts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-context",
		Method:      http.MethodPost,
		Path:        "/conversations/{conversation_id}/context",
		Summary:     "Get or create the conversation's context",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ConversationID string                `path:"conversation_id"`
		Body           ResolveContextRequest `json:"body"`
	}) (*struct {
		Status int
		Body   ContextResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, created, err := e.GetOrCreateContext(ctx, engine.ContextOptions{
			ConversationID: input.ConversationID,
			SchemaID:       input.Body.SchemaID,
			WorkspaceID:    input.Body.WorkspaceID,
			ActorID:        principal.ActorID,
			ActorKind:      principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   ContextResponse `json:"body"`
		}{Status: status, Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contexts",
		Method:      http.MethodGet,
		Path:        "/contexts",
		Summary:     "List conversation contexts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
		SchemaID    string `query:"schema_id"`
		Status      string `query:"status"`
		Priority    string `query:"priority" enum:",low,medium,high,critical"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedContexts `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListContexts(ctx, repo.ContextFilters{
			WorkspaceID:     input.WorkspaceID,
			SchemaID:        input.SchemaID,
			Status:          input.Status,
			Priority:        input.Priority,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedContexts{Items: []ContextResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// The cursor names the last row of this page; the query resumes
			// strictly after it, so the extra fetched row opens the next page.
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapContexts(items)
		return &struct {
			Body paginatedContexts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-context",
		Method:      http.MethodGet,
		Path:        "/contexts/{id}",
		Summary:     "Get conversation context",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetContext(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-context-fields",
		Method:      http.MethodPatch,
		Path:        "/contexts/{id}/fields",
		Summary:     "Apply a batch of field updates",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateFieldsRequest `json:"body"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Updates) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "updates is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updates := make([]engine.FieldUpdate, 0, len(input.Body.Updates))
		for _, u := range input.Body.Updates {
			if u.FieldID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "field_id is required", nil)
			}
			updates = append(updates, engine.FieldUpdate{
				FieldID:    u.FieldID,
				Value:      u.Value,
				Confidence: u.Confidence,
			})
		}
		c, err := e.ApplyFieldUpdates(ctx, engine.FieldUpdateOptions{
			ContextID: input.ID,
			Updates:   updates,
			ActorID:   principal.ActorID,
			ActorKind: principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-context-status",
		Method:      http.MethodPost,
		Path:        "/contexts/{id}/status",
		Summary:     "Attempt a status transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ChangeStatusRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, res, err := e.ChangeStatus(ctx, input.ID, input.Body.Status, principal.ActorID, principal.ActorKind)
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Allowed {
			return nil, newAPIError(http.StatusConflict, "transition_rejected", "status transition not allowed", map[string]any{
				"from": res.From,
				"to":   res.To,
			})
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(c, res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-context-priority",
		Method:      http.MethodPut,
		Path:        "/contexts/{id}/priority",
		Summary:     "Set or clear the priority override",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SetPriorityRequest `json:"body"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetPriority(ctx, input.ID, input.Body.Priority, principal.ActorID, principal.ActorKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-context-tags",
		Method:      http.MethodPut,
		Path:        "/contexts/{id}/tags",
		Summary:     "Replace the context's tags",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body SetTagsRequest `json:"body"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetTags(ctx, engine.TagOptions{
			ContextID: input.ID,
			Tags:      input.Body.Tags,
			ActorID:   principal.ActorID,
			ActorKind: principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-context-tag",
		Method:      http.MethodPut,
		Path:        "/contexts/{id}/tags/{tag}",
		Summary:     "Add a tag",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Tag string `path:"tag"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddTag(ctx, engine.TagOptions{
			ContextID: input.ID,
			Tag:       input.Tag,
			ActorID:   principal.ActorID,
			ActorKind: principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-context-tag",
		Method:      http.MethodDelete,
		Path:        "/contexts/{id}/tags/{tag}",
		Summary:     "Remove a tag",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Tag string `path:"tag"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RemoveTag(ctx, engine.TagOptions{
			ContextID: input.ID,
			Tag:       input.Tag,
			ActorID:   principal.ActorID,
			ActorKind: principal.ActorKind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind" enum:",workspace,schema,context"`
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
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			WorkspaceID: input.WorkspaceID,
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
			Limit:       limit + 1,
			Cursor:      cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// Cursor is the last returned id; the query is strictly exclusive.
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		kind := input.Body.ActorKind
		if kind == "" {
			kind = domain.ActorHuman
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, kind)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
