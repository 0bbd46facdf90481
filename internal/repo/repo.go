package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ucplink/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionColumns = `id,status,created_at,updated_at,platform_profile_url,
COALESCE(platform_order_webhook_url,'') AS platform_order_webhook_url,
active_capabilities_json,line_items_json,shipping_address_json,payment_handlers_json,order_id`

func scanSession(row *sql.Row) (domain.CheckoutSession, error) {
	var s domain.CheckoutSession
	var capsJSON, itemsJSON, handlersJSON string
	var shippingJSON sql.NullString
	var orderID sql.NullInt64
	err := row.Scan(&s.ID, &s.Status, &s.CreatedAt, &s.UpdatedAt, &s.PlatformProfileURL,
		&s.PlatformOrderWebhookURL, &capsJSON, &itemsJSON, &shippingJSON, &handlersJSON, &orderID)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &s.ActiveCapabilities); err != nil {
		return s, fmt.Errorf("decode session capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &s.LineItems); err != nil {
		return s, fmt.Errorf("decode session line items: %w", err)
	}
	if shippingJSON.Valid && shippingJSON.String != "" && shippingJSON.String != "null" {
		var addr domain.Address
		if err := json.Unmarshal([]byte(shippingJSON.String), &addr); err != nil {
			return s, fmt.Errorf("decode session shipping address: %w", err)
		}
		s.ShippingAddress = &addr
	}
	if err := json.Unmarshal([]byte(handlersJSON), &s.PaymentHandlers); err != nil {
		return s, fmt.Errorf("decode session payment handlers: %w", err)
	}
	if orderID.Valid {
		s.OrderID = &orderID.Int64
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.CheckoutSession) error {
	caps, err := json.Marshal(nonNil(s.ActiveCapabilities))
	if err != nil {
		return err
	}
	items, err := json.Marshal(nonNil(s.LineItems))
	if err != nil {
		return err
	}
	handlers, err := json.Marshal(nonNil(s.PaymentHandlers))
	if err != nil {
		return err
	}
	var shipping any
	if s.ShippingAddress != nil {
		data, err := json.Marshal(s.ShippingAddress)
		if err != nil {
			return err
		}
		shipping = string(data)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO checkout_sessions
(id,status,created_at,updated_at,platform_profile_url,platform_order_webhook_url,
active_capabilities_json,line_items_json,shipping_address_json,payment_handlers_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Status, s.CreatedAt, s.UpdatedAt, s.PlatformProfileURL,
		nullable(s.PlatformOrderWebhookURL), string(caps), string(items), shipping, string(handlers))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.CheckoutSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE id=?`, id))
}

// SessionPatch carries the only mergeable session fields. A nil field
// is left untouched; merge is shallow replace-by-key.
type SessionPatch struct {
	LineItems       *[]domain.LineItem
	ShippingAddress *domain.Address
	HasShipping     bool
}

// UpdateSession applies a merge patch and refreshes updated_at.
func (r Repo) UpdateSession(ctx context.Context, id string, patch SessionPatch, now time.Time) (domain.CheckoutSession, error) {
	fields := []string{"updated_at=?"}
	args := []any{now.UTC().Format(time.RFC3339)}
	if patch.LineItems != nil {
		data, err := json.Marshal(nonNil(*patch.LineItems))
		if err != nil {
			return domain.CheckoutSession{}, err
		}
		fields = append(fields, "line_items_json=?")
		args = append(args, string(data))
	}
	if patch.HasShipping {
		if patch.ShippingAddress == nil {
			fields = append(fields, "shipping_address_json=NULL")
		} else {
			data, err := json.Marshal(patch.ShippingAddress)
			if err != nil {
				return domain.CheckoutSession{}, err
			}
			fields = append(fields, "shipping_address_json=?")
			args = append(args, string(data))
		}
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE checkout_sessions SET `+joinFields(fields)+` WHERE id=?`, args...)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.CheckoutSession{}, ErrNotFound
	}
	return r.GetSession(ctx, id)
}

// AttachOrderID records the materialized order and marks the session
// complete.
func (r Repo) AttachOrderID(ctx context.Context, tx *sql.Tx, sessionID string, orderID int64, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE checkout_sessions SET order_id=?, status=?, updated_at=? WHERE id=?`,
		orderID, domain.SessionComplete, now.UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSessions(ctx context.Context, limit int) ([]domain.CheckoutSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM checkout_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.CheckoutSession
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
