// Package server exposes the UCP business API: well-known discovery
// documents, the checkout-session REST surface, and the MCP JSON-RPC
// bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"ucplink/internal/config"
	"ucplink/internal/domain"
	"ucplink/internal/engine"
	"ucplink/internal/keys"
	"ucplink/internal/negotiation"
	"ucplink/internal/profile"
	"ucplink/internal/repo"
	"ucplink/internal/ucp"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Keys     *keys.Store
	App      *config.Config
	BasePath string
}

// apiError is the UCP error envelope as a huma status error. The
// unexported status keeps it out of the wire body.
type apiError struct {
	status   int
	Status   string        `json:"status"`
	Messages []ucp.Message `json:"messages"`
}

func (e *apiError) GetStatus() int { return e.status }

func (e *apiError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("%s: %s", e.Messages[0].Code, e.Messages[0].Message)
	}
	return e.Status
}

func newAPIError(status int, code, message, severity string) *apiError {
	env := ucp.ErrorEnvelope(code, message, severity)
	return &apiError{status: status, Status: env.Status, Messages: env.Messages}
}

// New returns an HTTP handler exposing the UCP business API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/ucp/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Every error leaves in the UCP envelope, including huma's own
	// request validation failures.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, codeForStatus(status), msg, "")
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, codeForStatus(status), msg, "")
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.App))

	hcfg := huma.DefaultConfig("UCP Business API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerWellKnown(router, cfg.App, cfg.Keys)
	registerHealth(api)
	registerSessions(group, cfg.Engine)
	registerMCP(router, basePath, cfg.Engine)

	return router, nil
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

// handleError maps engine, negotiation, and resolver failures onto the
// uniform envelope. Resolver and negotiation errors are client-visible
// 400s: the caller supplied the platform profile.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(ee.Status, ee.Code, ee.Message, ee.Severity)
	}
	var ne *negotiation.Error
	if errors.As(err, &ne) {
		switch ne.Code {
		case negotiation.CodeVersionUnsupported:
			msg := fmt.Sprintf("version %v is not supported; this business implements version %s",
				ne.Details["platform_version"], ucp.ProtocolVersion)
			return newAPIError(http.StatusBadRequest, "version_unsupported", msg, "")
		case negotiation.CodeCapabilityUnsupported:
			return newAPIError(http.StatusBadRequest, "capability_unsupported", ne.Message, "")
		}
		return newAPIError(http.StatusBadRequest, "negotiation_failed", ne.Message, "")
	}
	var pe *profile.Error
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "negotiation_failed", pe.Message, "")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "checkout session not found", "")
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), "internal")
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerSessions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-checkout-session",
		Method:        http.MethodPost,
		Path:          "/checkout-sessions",
		Summary:       "Create checkout session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		UCPAgent string               `header:"UCP-Agent" doc:"Platform agent header carrying profile=\"https://...\""`
		Body     CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		profileURL := ucp.AgentProfileURL(input.UCPAgent)
		s, err := e.CreateSession(ctx, profileURL, engine.CreateRequest{
			LineItems:       input.Body.LineItems,
			ShippingAddress: input.Body.ShippingAddress,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkout-session",
		Method:      http.MethodGet,
		Path:        "/checkout-sessions/{id}",
		Summary:     "Get checkout session",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-checkout-session",
		Method:      http.MethodPatch,
		Path:        "/checkout-sessions/{id}",
		Summary:     "Update checkout session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		patch, perr := sessionPatch(input.Body)
		if perr != nil {
			return nil, perr
		}
		s, err := e.UpdateSession(ctx, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-checkout-session",
		Method:      http.MethodPost,
		Path:        "/checkout-sessions/{id}/complete",
		Summary:     "Complete checkout session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CompleteSessionRequest `json:"body"`
	}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		res, err := e.CompleteSession(ctx, input.ID, engine.CompleteRequest{
			PaymentData: input.Body.PaymentData,
			RiskSignals: input.Body.RiskSignals,
			AP2:         input.Body.AP2,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: completeResponse(res)}, nil
	})
}

// sessionPatch converts the wire merge patch. A raw "null" shipping
// address clears it; an absent field leaves it untouched.
func sessionPatch(req UpdateSessionRequest) (repo.SessionPatch, huma.StatusError) {
	patch := repo.SessionPatch{LineItems: req.LineItems}
	if len(req.ShippingAddress) > 0 {
		patch.HasShipping = true
		if string(req.ShippingAddress) != "null" {
			var addr domain.Address
			if err := json.Unmarshal(req.ShippingAddress, &addr); err != nil {
				return repo.SessionPatch{}, newAPIError(http.StatusBadRequest,
					"invalid_request", "shipping_address must be an object or null", "")
			}
			patch.ShippingAddress = &addr
		}
	}
	return patch, nil
}
