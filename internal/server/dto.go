package server

import (
	"encoding/json"

	"ucplink/internal/domain"
	"ucplink/internal/engine"
	"ucplink/internal/ucp"
)

// UCPInfo is the protocol block attached to every session-facing
// response: the business protocol version plus the session's
// negotiated capability snapshot.
type UCPInfo struct {
	Version      string                 `json:"version"`
	Capabilities []domain.CapabilityRef `json:"capabilities"`
}

type SessionResponse struct {
	domain.CheckoutSession
	UCP UCPInfo `json:"ucp"`
}

func sessionResponse(s domain.CheckoutSession) SessionResponse {
	caps := s.ActiveCapabilities
	if caps == nil {
		caps = []domain.CapabilityRef{}
	}
	return SessionResponse{
		CheckoutSession: s,
		UCP:             UCPInfo{Version: ucp.ProtocolVersion, Capabilities: caps},
	}
}

type CreateSessionRequest struct {
	LineItems       []domain.LineItem `json:"line_items,omitempty"`
	ShippingAddress *domain.Address   `json:"shipping_address,omitempty"`
}

// UpdateSessionRequest is a merge patch. ShippingAddress stays raw so
// an explicit null (clear the address) is distinguishable from the
// field being absent (leave it alone).
type UpdateSessionRequest struct {
	LineItems       *[]domain.LineItem `json:"line_items,omitempty"`
	ShippingAddress json.RawMessage    `json:"shipping_address,omitempty"`
}

type CompleteSessionRequest struct {
	PaymentData engine.PaymentData `json:"payment_data"`
	RiskSignals json.RawMessage    `json:"risk_signals,omitempty"`
	AP2         json.RawMessage    `json:"ap2,omitempty"`
}

type CompleteResponse struct {
	Status      string  `json:"status"`
	OrderID     int64   `json:"order_id"`
	OrderNumber string  `json:"order_number"`
	OrderStatus string  `json:"order_status"`
	UCP         UCPInfo `json:"ucp"`
}

func completeResponse(res engine.CompletionResult) CompleteResponse {
	caps := res.ActiveCapabilities
	if caps == nil {
		caps = []domain.CapabilityRef{}
	}
	return CompleteResponse{
		Status:      res.Status,
		OrderID:     res.OrderID,
		OrderNumber: res.OrderNumber,
		OrderStatus: res.OrderStatus,
		UCP:         UCPInfo{Version: ucp.ProtocolVersion, Capabilities: caps},
	}
}
