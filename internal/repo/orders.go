package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ucplink/internal/domain"
)

func (r Repo) InsertProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO products(sku,name,price_cents,currency,active,created_at) VALUES (?,?,?,?,?,?)`,
		nullable(p.SKU), p.Name, p.PriceCents, p.Currency, boolInt(p.Active), p.CreatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.ID, err = res.LastInsertId()
	return p, err
}

func (r Repo) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	var p domain.Product
	var sku sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,sku,name,price_cents,currency,active,created_at FROM products WHERE id=?`, id).
		Scan(&p.ID, &sku, &p.Name, &p.PriceCents, &p.Currency, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if sku.Valid {
		p.SKU = sku.String
	}
	p.Active = active != 0
	return p, nil
}

func (r Repo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,COALESCE(sku,''),name,price_cents,currency,active,created_at FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		var p domain.Product
		var active int
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Currency, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Active = active != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertOrder creates the order row and its items inside tx. The order
// number is derived from the row id after insert.
func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) (domain.Order, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders(number,status,currency,total_cents,created_at,updated_at) VALUES ('',?,?,?,?,?)`,
		o.Status, o.Currency, o.TotalCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.ID, err = res.LastInsertId()
	if err != nil {
		return domain.Order{}, err
	}
	o.Number = fmt.Sprintf("%d", o.ID)
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET number=? WHERE id=?`, o.Number, o.ID); err != nil {
		return domain.Order{}, err
	}
	for _, item := range o.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items(order_id,product_id,quantity,name) VALUES (?,?,?,?)`,
			o.ID, item.ProductID, item.Quantity, item.Name); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}

func (r Repo) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	var o domain.Order
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,number,status,currency,total_cents,created_at,updated_at FROM orders WHERE id=?`, id).
		Scan(&o.ID, &o.Number, &o.Status, &o.Currency, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT product_id,quantity,name FROM order_items WHERE order_id=? ORDER BY rowid`, id)
	if err != nil {
		return o, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Name); err != nil {
			return o, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func (r Repo) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,number,status,currency,total_cents,created_at,updated_at FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.Number, &o.Status, &o.Currency, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// SetOrderStatus updates the order status and refreshes updated_at.
func (r Repo) SetOrderStatus(ctx context.Context, id int64, status string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE orders SET status=?, updated_at=? WHERE id=?`,
		status, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetOrderMeta(ctx context.Context, tx *sql.Tx, orderID int64, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_meta(order_id,key,value) VALUES (?,?,?)
ON CONFLICT(order_id,key) DO UPDATE SET value=excluded.value`,
		orderID, key, nullable(value))
	return err
}

func (r Repo) GetOrderMeta(ctx context.Context, orderID int64, key string) (string, error) {
	var v sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT value FROM order_meta WHERE order_id=? AND key=?`, orderID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
