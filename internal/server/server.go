package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"phasegate/internal/domain"
	"phasegate/internal/engine"
	"phasegate/internal/gate"
	"phasegate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Version  string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot approve task t1 in design_guidance/in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"phase\":\"design_guidance\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the phasegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	if cfg.Auth.Keys == nil && cfg.Engine.DB != nil {
		cfg.Auth.Keys = cfg.Engine
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Phasegate API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerTasks(group)
	h.registerDecisions(group)
	h.registerQueue(group)
	h.registerTransitions(group)
	h.registerActors(group)
	h.registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	e   engine.Engine
	log *slog.Logger
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe gate.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var st engine.StateError
	if errors.As(err, &st) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"phase":     st.Phase,
			"sub_state": st.SubState,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Phasegate API Docs</title>
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

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		caller, err := h.e.WhoAmI(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskCreateOptions{
			OrgID:       caller.OrgID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			AssignedTo:  input.Body.AssignedTo,
			Phase:       domain.Phase(stringOrEmpty(input.Body.Phase)),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.OrgID != nil && *input.Body.OrgID != caller.OrgID {
			if err := gate.RequireRole(caller, domain.RoleExecutive, gate.PermManageDirectory); err != nil {
				return nil, handleError(err)
			}
			opts.OrgID = *input.Body.OrgID
		}
		t, err := h.e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Phase      string `query:"phase"`
		SubState   string `query:"sub_state"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.e.ListTasks(ctx, actorID, repo.TaskFilters{
			Phase:           domain.Phase(input.Phase),
			SubState:        domain.SubState(input.SubState),
			AssignedTo:      input.AssignedTo,
			Limit:           limit + 1,
			CursorUpdatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = nonNilTasks(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.TaskFor(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/history",
		Summary:     "Task transition history, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := h.e.HistoryFor(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{TaskID: input.ID, Entries: entries}}, nil
	})
}

func (h handlers) registerDecisions(api huma.API) {
	decisionErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "request-validation",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/request-validation",
		Summary:     "Submit the current phase for validation",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body *RequestValidationRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.RequestValidation(ctx, input.ID, actorID, evidenceOf(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve the pending phase and advance",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ApproveRequest `json:"body,omitempty"`
	}) (*struct {
		Body TaskStateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.Approve(ctx, input.ID, actorID, commentOf(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStateResponse `json:"body"`
		}{Body: taskStateResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject the pending phase with a reason",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *RejectRequest `json:"body,omitempty"`
	}) (*struct {
		Body TaskStateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.Reject(ctx, input.ID, actorID, reasonOf(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStateResponse `json:"body"`
		}{Body: taskStateResponse(st)}, nil
	})
}

func (h handlers) registerQueue(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "validation-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Tasks awaiting the caller's decision",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ValidationQueue(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.QueueItem{}
		}
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: QueueResponse{Items: items}}, nil
	})
}

func (h handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/transitions",
		Summary:     "Ledger feed after a cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTransitions `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := h.e.Transitions(ctx, actorID, cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTransitions{Items: []domain.TransitionRecord{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTransitions `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerActors(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "put-actor",
		Method:      http.MethodPut,
		Path:        "/actors/{id}",
		Summary:     "Create or replace a directory entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body PutActorRequest `json:"body"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		callerID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a := domain.Actor{
			ID:          input.ID,
			DisplayName: input.Body.DisplayName,
			Role:        domain.Role(input.Body.Role),
			OrgID:       stringOrEmpty(input.Body.OrgID),
		}
		saved, err := h.e.PutActor(ctx, callerID, a)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.InfoContext(ctx, "directory entry saved", "actor_id", saved.ID, "role", saved.Role, "by", callerID)
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: saved}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		who, err := h.e.WhoAmI(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ID,
			DisplayName: who.Name(),
			Role:        who.Role,
			OrgID:       who.OrgID,
			Source:      principal.Source,
		}}, nil
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

func evidenceOf(body *RequestValidationRequest) string {
	if body == nil {
		return ""
	}
	return stringOrEmpty(body.Evidence)
}

func commentOf(body *ApproveRequest) string {
	if body == nil {
		return ""
	}
	return stringOrEmpty(body.Comment)
}

// reasonOf leaves a missing reason to the engine so absent and blank
// reasons both fail as validation_failed.
func reasonOf(body *RejectRequest) string {
	if body == nil {
		return ""
	}
	return stringOrEmpty(body.Reason)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
