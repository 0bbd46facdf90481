// Package engine implements the checkout session state machine:
// create, merge-patch update, and completion into an on-hold order.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ucplink/internal/config"
	"ucplink/internal/domain"
	"ucplink/internal/events"
	"ucplink/internal/negotiation"
	"ucplink/internal/repo"
)

const (
	CodeMissingPlatformProfile  = "missing_platform_profile"
	CodeInvalidPaymentData      = "invalid_payment_data"
	CodeInvalidHandlerID        = "invalid_handler_id"
	CodeInvalidLineItems        = "invalid_line_items"
	CodeSessionAlreadyCompleted = "session_already_completed"
	CodeOrderCreateFailed       = "order_create_failed"
	CodeInternalError           = "internal_error"
)

// Error is a session-operation failure. Status is the HTTP status the
// outer layer should map it to; Severity "" means requires_buyer_input.
type Error struct {
	Code     string
	Message  string
	Severity string
	Status   int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: 400}
}

func internal(code string, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Severity: "internal", Status: 500}
}

// Notifier is told about order status changes after they are
// persisted. Delivery decisions (webhook URL, capability gating) are
// the notifier's own.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, order domain.Order)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Negotiator *negotiation.Engine
	Notifier   Notifier
	Now        func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type CreateRequest struct {
	LineItems       []domain.LineItem
	ShippingAddress *domain.Address
}

// CreateSession negotiates against the platform profile and persists a
// new incomplete session. The active capability set is snapshotted here
// and never recomputed.
func (e *Engine) CreateSession(ctx context.Context, platformProfileURL string, req CreateRequest) (domain.CheckoutSession, error) {
	if platformProfileURL == "" {
		return domain.CheckoutSession{}, invalid(CodeMissingPlatformProfile,
			`UCP-Agent header with profile="..." is required`)
	}
	neg, err := e.Negotiator.Negotiate(ctx, platformProfileURL)
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	ts := e.now().UTC().Format(time.RFC3339)
	s := domain.CheckoutSession{
		ID:                      uuid.NewString(),
		Status:                  domain.SessionIncomplete,
		CreatedAt:               ts,
		UpdatedAt:               ts,
		PlatformProfileURL:      platformProfileURL,
		PlatformOrderWebhookURL: neg.PlatformOrderWebhookURL,
		ActiveCapabilities:      neg.ActiveCapabilitiesResponse,
		LineItems:               req.LineItems,
		ShippingAddress:         req.ShippingAddress,
		PaymentHandlers:         e.Config.PaymentHandlers(),
	}
	if err := e.Repo.InsertSession(ctx, s); err != nil {
		return domain.CheckoutSession{}, internal(CodeInternalError, err)
	}
	_ = e.Events.Append(ctx, nil, "session.create", "session", s.ID, events.EventPayload{
		"platform_profile_url": platformProfileURL,
		"active_capabilities":  len(s.ActiveCapabilities),
	})
	return s, nil
}

func (e *Engine) GetSession(ctx context.Context, id string) (domain.CheckoutSession, error) {
	return e.Repo.GetSession(ctx, id)
}

// UpdateSession merge-patches line_items and shipping_address; all
// other fields in the request are ignored upstream.
func (e *Engine) UpdateSession(ctx context.Context, id string, patch repo.SessionPatch) (domain.CheckoutSession, error) {
	s, err := e.Repo.UpdateSession(ctx, id, patch, e.now())
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	_ = e.Events.Append(ctx, nil, "session.update", "session", id, nil)
	return s, nil
}

type PaymentData struct {
	HandlerID      string          `json:"handler_id"`
	Credential     json.RawMessage `json:"credential,omitempty"`
	BillingAddress *domain.Address `json:"billing_address,omitempty"`
}

type CompleteRequest struct {
	PaymentData PaymentData
	RiskSignals json.RawMessage
	AP2         json.RawMessage
}

type CompletionResult struct {
	Status             string
	OrderID            int64
	OrderNumber        string
	OrderStatus        string
	ActiveCapabilities []domain.CapabilityRef
}

// Order metadata keys recorded at completion. The payment credential is
// write-only: stored opaquely, never echoed back or logged.
const (
	MetaSessionID         = "_ucp_session_id"
	MetaProfileURL        = "_ucp_platform_profile_url"
	MetaWebhookURL        = "_ucp_platform_order_webhook_url"
	MetaPaymentHandlerID  = "_ucp_payment_handler_id"
	MetaRiskSignals       = "_ucp_risk_signals"
	MetaAP2               = "_ucp_ap2"
	MetaPaymentCredential = "_ucp_payment_credential"
	MetaShippingAddress   = "_ucp_shipping_address"
	MetaBillingAddress    = "_ucp_billing_address"
)

// CompleteSession validates payment data and line items, then
// materializes an on-hold order and marks the session complete, all in
// one transaction. A second completion of the same session fails
// without creating another order.
func (e *Engine) CompleteSession(ctx context.Context, id string, req CompleteRequest) (CompletionResult, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return CompletionResult{}, err
	}
	if s.Status == domain.SessionComplete {
		return CompletionResult{}, &Error{
			Code:    CodeSessionAlreadyCompleted,
			Message: "checkout session is already complete",
			Status:  409,
		}
	}

	if req.PaymentData.HandlerID == "" {
		return CompletionResult{}, invalid(CodeInvalidPaymentData, "payment_data.handler_id is required")
	}
	offered := false
	for _, h := range s.PaymentHandlers {
		if h.ID == req.PaymentData.HandlerID {
			offered = true
			break
		}
	}
	if !offered {
		return CompletionResult{}, invalid(CodeInvalidHandlerID, "handler_id is not in the advertised handlers set")
	}

	if len(s.LineItems) == 0 {
		return CompletionResult{}, invalid(CodeInvalidLineItems, "line_items must be a non-empty array")
	}

	// Resolve every product before touching the order tables; a single
	// bad line item means no order at all.
	now := e.now()
	order := domain.Order{
		Status:    domain.OrderOnHold,
		CreatedAt: now.UTC().Format(time.RFC3339),
		UpdatedAt: now.UTC().Format(time.RFC3339),
	}
	for _, item := range s.LineItems {
		p, err := e.Repo.GetProduct(ctx, item.ProductID)
		if err == repo.ErrNotFound {
			return CompletionResult{}, invalid(CodeInvalidLineItems,
				fmt.Sprintf("product not found: %d", item.ProductID))
		}
		if err != nil {
			return CompletionResult{}, internal(CodeInternalError, err)
		}
		if !p.Active {
			return CompletionResult{}, invalid(CodeInvalidLineItems,
				fmt.Sprintf("product not available: %d", item.ProductID))
		}
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: p.ID,
			Quantity:  qty,
			Name:      p.Name,
		})
		order.TotalCents += p.PriceCents * int64(qty)
		if order.Currency == "" {
			order.Currency = p.Currency
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompletionResult{}, internal(CodeOrderCreateFailed, err)
	}
	defer tx.Rollback()

	order, err = e.Repo.InsertOrder(ctx, tx, order)
	if err != nil {
		return CompletionResult{}, internal(CodeOrderCreateFailed, err)
	}

	meta := []struct{ key, value string }{
		{MetaSessionID, s.ID},
		{MetaProfileURL, s.PlatformProfileURL},
		{MetaWebhookURL, s.PlatformOrderWebhookURL},
		{MetaPaymentHandlerID, req.PaymentData.HandlerID},
		{MetaRiskSignals, string(req.RiskSignals)},
		{MetaAP2, string(req.AP2)},
		{MetaPaymentCredential, string(req.PaymentData.Credential)},
	}
	if s.ShippingAddress != nil {
		data, _ := json.Marshal(domain.OrderAddressFromUCP(*s.ShippingAddress))
		meta = append(meta, struct{ key, value string }{MetaShippingAddress, string(data)})
	}
	if req.PaymentData.BillingAddress != nil {
		data, _ := json.Marshal(domain.OrderAddressFromUCP(*req.PaymentData.BillingAddress))
		meta = append(meta, struct{ key, value string }{MetaBillingAddress, string(data)})
	}
	for _, m := range meta {
		if err := e.Repo.SetOrderMeta(ctx, tx, order.ID, m.key, m.value); err != nil {
			return CompletionResult{}, internal(CodeOrderCreateFailed, err)
		}
	}

	if err := e.Repo.AttachOrderID(ctx, tx, s.ID, order.ID, now); err != nil {
		return CompletionResult{}, internal(CodeOrderCreateFailed, err)
	}
	_ = e.Events.Append(ctx, tx, "session.complete", "session", s.ID, events.EventPayload{
		"order_id": order.ID,
	})
	if err := tx.Commit(); err != nil {
		return CompletionResult{}, internal(CodeOrderCreateFailed, err)
	}

	return CompletionResult{
		Status:             domain.SessionComplete,
		OrderID:            order.ID,
		OrderNumber:        order.Number,
		OrderStatus:        order.Status,
		ActiveCapabilities: s.ActiveCapabilities,
	}, nil
}

// SetOrderStatus persists the transition and tells the notifier.
func (e *Engine) SetOrderStatus(ctx context.Context, orderID int64, status string) (domain.Order, error) {
	if err := e.Repo.SetOrderStatus(ctx, orderID, status, e.now()); err != nil {
		return domain.Order{}, err
	}
	order, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	_ = e.Events.Append(ctx, nil, "order.status_changed", "order",
		fmt.Sprintf("%d", orderID), events.EventPayload{"status": status})
	if e.Notifier != nil {
		e.Notifier.OrderStatusChanged(ctx, order)
	}
	return order, nil
}
