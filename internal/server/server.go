package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"crypto/rand"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"deedflow/internal/domain"
	"deedflow/internal/engine"
	"deedflow/internal/engine/auth"
	"deedflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"command reentry denied for ana"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"command\":\"reentry\"}"`
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

// New returns an HTTP handler exposing the Deedflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	hcfg := huma.DefaultConfig("Deedflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOffices(group, cfg.Engine)
	registerTransactions(group, cfg.Engine)
	registerVerbs(group, cfg.Engine)
	registerCommands(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var de auth.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"command": string(de.Command)})
	}
	var pe engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"op": pe.Op})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{
			"from": string(te.From), "to": string(te.To),
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func officeOrDefault(e engine.Engine, officeID string) string {
	if officeID != "" {
		return officeID
	}
	if e.Config != nil {
		return e.Config.Office.ID
	}
	return ""
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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
    <title>Deedflow API Docs</title>
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

func registerOffices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-office",
		Method:        http.MethodPost,
		Path:          "/offices",
		Summary:       "Create office",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOfficeRequest `json:"body"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.InitOffice(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offices",
		Method:      http.MethodGet,
		Path:        "/offices",
		Summary:     "List offices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OfficeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOffices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OfficeResponse, 0, len(items))
		for _, o := range items {
			out = append(out, officeResponse(o))
		}
		return &struct {
			Body []OfficeResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-office",
		Method:      http.MethodGet,
		Path:        "/offices/{office_id}",
		Summary:     "Get office",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OfficeID string `path:"office_id"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOffice(ctx, input.OfficeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(o)}, nil
	})
}

func registerTransactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/transactions",
		Summary:       "Open transaction at the payment desk",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTransactionRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		officeID := officeOrDefault(e, input.Body.OfficeID)
		if officeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "office_id is required", nil)
		}
		opts := engine.OpenOptions{
			OfficeID:           officeID,
			Kind:               domain.ResourceKind(input.Body.Kind),
			CertificateIssue:   input.Body.CertificateIssue,
			ElaborationOnly:    input.Body.ElaborationOnly,
			Archivable:         input.Body.Archivable,
			DeliveryMessageUID: input.Body.DeliveryMessageUID,
			ActorID:            actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		txn, err := e.OpenTransaction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
	}, func(ctx context.Context, input *struct {
		OfficeID    string `query:"office_id"`
		Status      string `query:"status"`
		Responsible string `query:"responsible"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		f := repo.TransactionFilters{
			OfficeID:    officeOrDefault(e, input.OfficeID),
			Responsible: input.Responsible,
			Limit:       input.Limit,
		}
		if input.Status != "" && input.Status != string(domain.StatusAll) {
			s, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, handleError(err)
			}
			f.Status = s
		}
		items, err := e.Repo.ListTransactions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: mapTransactions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}",
		Summary:     "Get transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		txn, err := e.Repo.GetTransaction(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction-chain",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/chain",
		Summary:     "Task chain, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTransaction(ctx, input.TransactionID); err != nil {
			return nil, handleError(err)
		}
		chain, err := e.Repo.TaskChain(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(chain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction-commands",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/commands",
		Summary:     "Commands the caller can invoke on the transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body CommandsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmds, err := e.ApplicableCommands(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandsResponse `json:"body"`
		}{Body: commandsResponse(cmds)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction-next-statuses",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/next-statuses",
		Summary:     "Statuses reachable from the current position",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body NextStatusesResponse `json:"body"`
	}, error) {
		statuses, err := e.NextStatuses(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]string, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, string(s))
		}
		return &struct {
			Body NextStatusesResponse `json:"body"`
		}{Body: NextStatusesResponse{Statuses: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-transaction",
		Method:      http.MethodDelete,
		Path:        "/transactions/{transaction_id}",
		Summary:     "Withdraw a filing that has not passed the control desk",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Delete(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})
}

func registerVerbs(api huma.API, e engine.Engine) {
	type txnPath struct {
		TransactionID string `path:"transaction_id"`
	}

	verbErrors := []int{
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID: "receive-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/receive",
		Summary:     "Check the filing in at the receiving desk",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string       `path:"transaction_id"`
		Body          NotesRequest `json:"body,omitempty"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Receive(ctx, input.TransactionID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "take-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/take",
		Summary:     "Advance the filing to its proposed next status",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string      `path:"transaction_id"`
		Body          TakeRequest `json:"body,omitempty"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Take(ctx, input.TransactionID, actorID, engine.TakeOptions{
			Responsible: input.Body.Responsible,
			Notes:       input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-next-status",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/next-status",
		Summary:     "Propose the open task's hand-off",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string               `path:"transaction_id"`
		Body          SetNextStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		task, err := e.SetNextStatus(ctx, input.TransactionID, actorID, status, input.Body.Contact, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "return-to-me",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/return-to-me",
		Summary:     "Recall the open task's hand-off",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *txnPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.ReturnToMe(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reentry-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/reentry",
		Summary:     "Reopen a delivered or returned filing",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string       `path:"transaction_id"`
		Body          NotesRequest `json:"body,omitempty"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Reentry(ctx, input.TransactionID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pull-to-control",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/pull-to-control",
		Summary:     "Pull the filing onto the control desk",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string       `path:"transaction_id"`
		Body          NotesRequest `json:"body,omitempty"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.PullToControlDesk(ctx, input.TransactionID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/finish",
		Summary:     "Hand the filing over the counter",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string       `path:"transaction_id"`
		Body          NotesRequest `json:"body,omitempty"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Finish(ctx, input.TransactionID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-to-agency",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/deliver/agency",
		Summary:     "Close the filing through the inter-agency channel",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *txnPath) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		txn, err := e.DeliverElectronicallyToAgency(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-to-requester",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/deliver/requester",
		Summary:     "Close the filing through the requester's delivery message",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string                    `path:"transaction_id"`
		Body          DeliverToRequesterRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		txn, err := e.DeliverElectronicallyToRequester(ctx, input.TransactionID, input.Body.MessageUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/sign",
		Summary:     "Sign the certificate",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *txnPath) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Sign(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unsign-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/unsign",
		Summary:     "Withdraw the signature",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *txnPath) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Unsign(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/unarchive",
		Summary:     "Reopen an archived filing",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *txnPath) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.Unarchive(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/assign",
		Summary:     "Reassign the open task",
		Errors:      verbErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string        `path:"transaction_id"`
		Body          AssignRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Responsible == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "responsible is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.AssignTo(ctx, input.TransactionID, actorID, input.Body.Responsible)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "aggregate-commands",
		Method:      http.MethodPost,
		Path:        "/commands/aggregate",
		Summary:     "Commands invocable on every selected transaction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body AggregateRequest `json:"body"`
	}) (*struct {
		Body CommandsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.TransactionIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "transaction_ids is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agg := e.NewAggregator(actorID)
		for _, id := range input.Body.TransactionIDs {
			if err := agg.Add(ctx, id); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body CommandsResponse `json:"body"`
		}{Body: commandsResponse(agg.Commands())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/commands",
		Summary:     "Commands the caller's roles admit",
	}, func(ctx context.Context, input *struct {
		OfficeID string `query:"office_id"`
	}) (*struct {
		Body CommandsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmds, err := e.UserCommands(ctx, officeOrDefault(e, input.OfficeID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandsResponse `json:"body"`
		}{Body: commandsResponse(cmds)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		OfficeID   string `query:"office_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEvents(ctx, limit, officeOrDefault(e, input.OfficeID), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/offices/{office_id}/roles",
		Summary:       "Grant an actor a role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OfficeID string      `path:"office_id"`
		Body     RoleRequest `json:"body"`
	}) (*struct {
		Body RolesResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.OfficeID, input.Body.ActorID, input.Body.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.OfficeID, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RolesResponse `json:"body"`
		}{Body: RolesResponse{ActorID: input.Body.ActorID, Roles: roles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/offices/{office_id}/actors/{actor_id}/roles/{role}",
		Summary:     "Revoke an actor's role",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OfficeID string `path:"office_id"`
		ActorID  string `path:"actor_id"`
		Role     string `path:"role"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.OfficeID, input.ActorID, input.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/offices/{office_id}/actors/{actor_id}/roles",
		Summary:     "List an actor's roles",
	}, func(ctx context.Context, input *struct {
		OfficeID string `path:"office_id"`
		ActorID  string `path:"actor_id"`
	}) (*struct {
		Body RolesResponse `json:"body"`
	}, error) {
		roles, err := e.Repo.ActorRoles(ctx, input.OfficeID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RolesResponse `json:"body"`
		}{Body: RolesResponse{ActorID: input.ActorID, Roles: roles}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Mint an API key; the secret is shown once",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		secret, err := newAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: secret}}, nil
	})
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dfk_" + hex.EncodeToString(buf), nil
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, input *struct {
		OfficeID string `query:"office_id"`
	}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := p.Roles
		officeID := officeOrDefault(e, input.OfficeID)
		if officeID != "" {
			if dbRoles, err := e.Repo.ActorRoles(ctx, officeID, p.ActorID); err == nil && len(dbRoles) > 0 {
				roles = dbRoles
			}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: p.ActorID, Roles: roles, Source: p.Source}}, nil
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
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
