// Package notify delivers signed order-update webhooks to platforms.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"ucplink/internal/domain"
	"ucplink/internal/engine"
	"ucplink/internal/repo"
	"ucplink/internal/signer"
	"ucplink/internal/ucp"
)

const deliverTimeout = 8 * time.Second

// Notifier posts order updates to the platform webhook recorded on the
// order. Delivery is fire-and-forget: failures are logged and dropped,
// never retried here.
type Notifier struct {
	Repo   repo.Repo
	Signer *signer.Signer
	Client *http.Client
	Now    func() time.Time
}

func New(r repo.Repo, s *signer.Signer) *Notifier {
	return &Notifier{
		Repo:   r,
		Signer: s,
		Client: &http.Client{Timeout: deliverTimeout},
	}
}

// OrderStatusChanged sends the order-update webhook if the order has an
// https webhook URL and its originating session negotiated the order
// capability. The capability check uses the session's frozen snapshot,
// never a fresh negotiation.
func (n *Notifier) OrderStatusChanged(ctx context.Context, order domain.Order) {
	webhookURL, err := n.Repo.GetOrderMeta(ctx, order.ID, engine.MetaWebhookURL)
	if err != nil || webhookURL == "" || !ucp.IsHTTPSURL(webhookURL) {
		return
	}
	if !n.sessionNegotiatedOrderCapability(ctx, order.ID) {
		return
	}

	body, err := json.Marshal(n.payload(order))
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("ucp-order-%d-%s", order.ID, order.Status))
	// Signing is best-effort: an unsigned webhook beats a blocked one.
	if n.Signer != nil {
		if jws := n.Signer.SignJSONBody(ctx, body); jws != "" {
			req.Header.Set("UCP-Signature", jws)
		}
	}

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: deliverTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		log.Printf("order webhook delivery failed for order %d: %v", order.ID, err)
		return
	}
	res.Body.Close()
}

func (n *Notifier) sessionNegotiatedOrderCapability(ctx context.Context, orderID int64) bool {
	sessionID, err := n.Repo.GetOrderMeta(ctx, orderID, engine.MetaSessionID)
	if err != nil || sessionID == "" {
		return false
	}
	session, err := n.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	for _, c := range session.ActiveCapabilities {
		if c.Name == ucp.CapabilityOrder {
			return true
		}
	}
	return false
}

func (n *Notifier) payload(order domain.Order) map[string]any {
	now := n.Now
	if now == nil {
		now = time.Now
	}
	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"product_id": item.ProductID,
			"quantity":   item.Quantity,
			"name":       item.Name,
		})
	}
	return map[string]any{
		"ucp": map[string]any{
			"version": ucp.ProtocolVersion,
			"capabilities": []map[string]any{
				{"name": ucp.CapabilityOrder, "version": ucp.ProtocolVersion},
			},
		},
		"order": map[string]any{
			"id":           fmt.Sprintf("%d", order.ID),
			"number":       order.Number,
			"status":       order.Status,
			"currency":     order.Currency,
			"total_amount": order.TotalCents,
			"updated_at":   now().UTC().Format(time.RFC3339),
			"items":        items,
		},
	}
}
