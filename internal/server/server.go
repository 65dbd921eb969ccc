package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sipstate/internal/domain"
	"sipstate/internal/engine"
	"sipstate/internal/lifecycle"
	"sipstate/internal/repo"
)

// EventHandler applies raw inbound events. engine.Coordinator implements it.
type EventHandler interface {
	Handle(ctx context.Context, raw []byte) engine.Outcome
}

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Handler  EventHandler
	Graph    lifecycle.Graph
	BasePath string
	Auth     AuthConfig
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"invalid transition validated -> received"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_state\":\"validated\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sipstate API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Handler == nil {
		return nil, errors.New("server: event handler required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("sipstate API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerPackages(group, cfg.Repo, cfg.Graph)
	registerEvents(group, cfg.Handler, cfg.Graph, logger)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, engine.ReasonStoreUnavailable, "state store unavailable", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
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
	if oas.Components == nil {
		oas.Components = &huma.Components{}
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
						Schema: &huma.Schema{
							Type: huma.TypeObject,
							Properties: map[string]*huma.Schema{
								"error": {
									Type: huma.TypeObject,
									Properties: map[string]*huma.Schema{
										"code":    {Type: huma.TypeString},
										"message": {Type: huma.TypeString},
										"details": {Type: huma.TypeObject},
									},
								},
							},
						},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>sipstate API Docs</title>
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

type packagePath struct {
	PackageID string `path:"package_id"`
}

func registerPackages(api huma.API, r repo.Repo, g lifecycle.Graph) {
	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List packages",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" doc:"Filter by lifecycle state"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor" doc:"Package id to continue after"`
	}) (*struct {
		Body paginatedPackages `json:"body"`
	}, error) {
		filter := repo.Filter{Cursor: input.Cursor, Limit: normalizeLimit(input.Limit) + 1}
		if input.State != "" {
			st, ok := domain.ParseState(input.State)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid state", map[string]any{"state": input.State})
			}
			filter.State = st
		}
		items, err := r.List(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		limit := filter.Limit - 1
		resp := paginatedPackages{Items: []PackageResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].PackageID
		}
		for _, p := range items {
			resp.Items = append(resp.Items, packageResponse(p, g.Terminal(p.State)))
		}
		return &struct {
			Body paginatedPackages `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "package-counts",
		Method:      http.MethodGet,
		Path:        "/packages/counts",
		Summary:     "Count packages per state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body stateCounts `json:"body"`
	}, error) {
		counts, err := r.CountByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := stateCounts{Counts: map[string]int{}}
		for _, st := range domain.States() {
			resp.Counts[string(st)] = counts[st]
			resp.Total += counts[st]
		}
		return &struct {
			Body stateCounts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-package",
		Method:      http.MethodGet,
		Path:        "/packages/{package_id}",
		Summary:     "Get package state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *packagePath) (*struct {
		Body PackageResponse `json:"body"`
	}, error) {
		p, err := r.Get(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackageResponse `json:"body"`
		}{Body: packageResponse(p, g.Terminal(p.State))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "package-history",
		Method:      http.MethodGet,
		Path:        "/packages/{package_id}/history",
		Summary:     "List committed transitions of a package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *packagePath) (*struct {
		Body historyList `json:"body"`
	}, error) {
		if _, err := r.Get(ctx, input.PackageID); err != nil {
			return nil, handleError(err)
		}
		items, err := r.History(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := historyList{Items: []HistoryResponse{}}
		for _, h := range items {
			resp.Items = append(resp.Items, historyResponse(h))
		}
		return &struct {
			Body historyList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "package-notifications",
		Method:      http.MethodGet,
		Path:        "/packages/{package_id}/notifications",
		Summary:     "List outbound notifications of a package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
		Pending   bool   `query:"pending" doc:"Only undelivered notifications"`
	}) (*struct {
		Body notificationList `json:"body"`
	}, error) {
		if _, err := r.Get(ctx, input.PackageID); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListOutbound(ctx, repo.OutboundFilter{PackageID: input.PackageID, Pending: input.Pending})
		if err != nil {
			return nil, handleError(err)
		}
		resp := notificationList{Items: []NotificationResponse{}}
		for _, m := range items {
			resp.Items = append(resp.Items, notificationResponse(m))
		}
		return &struct {
			Body notificationList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, h EventHandler, g lifecycle.Graph, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Submit an ingest progress event",
		Description: "Accepts a flat JSON event or a structured CloudEvent and applies it like a message from the broker.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok {
			logger.Debug("event submitted over http", "subject", p.Subject)
		}
		out := h.Handle(ctx, input.RawBody)
		if err := outcomeError(out); err != nil {
			return nil, err
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out, g.Terminal)}, nil
	})
}

// outcomeError maps an outcome that did not settle cleanly to the error envelope.
func outcomeError(out engine.Outcome) huma.StatusError {
	msg := ""
	if out.Err != nil {
		msg = out.Err.Error()
	}
	switch {
	case out.Disposition == engine.DeadLetter:
		return newAPIError(http.StatusBadRequest, out.Reason, msg, nil)
	case out.Status == engine.Rejected:
		return newAPIError(http.StatusConflict, out.Reason, msg, map[string]any{
			"package_id":    out.Record.PackageID,
			"current_state": string(out.Record.State),
			"version":       out.Record.Version,
			"event_id":      out.Event.EventID,
		})
	case out.Status == engine.Failed:
		return newAPIError(http.StatusServiceUnavailable, out.Reason, msg, map[string]any{
			"event_id": out.Event.EventID,
		})
	}
	return nil
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
