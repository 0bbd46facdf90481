package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"ucplink/internal/config"
	"ucplink/internal/db"
	"ucplink/internal/domain"
	"ucplink/internal/events"
	"ucplink/internal/migrate"
	"ucplink/internal/negotiation"
	"ucplink/internal/profile"
	"ucplink/internal/repo"
	"ucplink/internal/ucp"
)

type fixedCache struct {
	profile domain.Profile
}

func (c fixedCache) Get(string) (domain.Profile, bool)         { return c.profile, true }
func (c fixedCache) Set(string, domain.Profile, time.Duration) {}

type recordingNotifier struct {
	orders []domain.Order
}

func (n *recordingNotifier) OrderStatusChanged(_ context.Context, o domain.Order) {
	n.orders = append(n.orders, o)
}

func newTestEngine(t *testing.T, platformCaps ...domain.Capability) (*Engine, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	resolver := profile.NewResolver()
	resolver.Cache = fixedCache{profile: domain.Profile{UCP: domain.UCPBlock{
		Version:      ucp.ProtocolVersion,
		Capabilities: platformCaps,
	}}}

	return &Engine{
		DB:         conn,
		Repo:       repo.Repo{DB: conn},
		Events:     events.Writer{DB: conn},
		Config:     cfg,
		Negotiator: &negotiation.Engine{Resolver: resolver, Config: cfg},
	}, conn
}

func checkoutOnly() domain.Capability {
	return domain.Capability{Name: ucp.CapabilityCheckout, Version: ucp.ProtocolVersion}
}

const profileURL = "https://platform.example/.well-known/ucp"

func TestCreateSessionSnapshotsCapabilities(t *testing.T) {
	e, _ := newTestEngine(t, checkoutOnly())
	s, err := e.CreateSession(context.Background(), profileURL, CreateRequest{
		LineItems: []domain.LineItem{{ProductID: 7, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != domain.SessionIncomplete {
		t.Fatalf("status %q", s.Status)
	}
	if len(s.ActiveCapabilities) != 1 || s.ActiveCapabilities[0].Name != ucp.CapabilityCheckout {
		t.Fatalf("active capabilities %v", s.ActiveCapabilities)
	}
	if len(s.PaymentHandlers) == 0 {
		t.Fatal("payment handlers not attached")
	}

	stored, err := e.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.LineItems) != 1 || stored.LineItems[0].ProductID != 7 {
		t.Fatalf("line items %v", stored.LineItems)
	}
}

func TestCreateSessionMissingProfileURL(t *testing.T) {
	e, _ := newTestEngine(t, checkoutOnly())
	_, err := e.CreateSession(context.Background(), "", CreateRequest{})
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Code != CodeMissingPlatformProfile {
		t.Fatalf("expected missing profile error, got %v", err)
	}
}

func TestCreateSessionStoresWebhookURLWithoutOrderCapability(t *testing.T) {
	// The webhook URL is stored from the raw manifest even though the
	// order capability does not negotiate active.
	e, _ := newTestEngine(t,
		checkoutOnly(),
		domain.Capability{
			Name:    ucp.CapabilityOrder,
			Version: "2027-01-01",
			Config:  []byte(`{"webhook_url":"https://platform.example/hooks"}`),
		})
	s, err := e.CreateSession(context.Background(), profileURL, CreateRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.PlatformOrderWebhookURL != "https://platform.example/hooks" {
		t.Fatalf("webhook url %q", s.PlatformOrderWebhookURL)
	}
	for _, c := range s.ActiveCapabilities {
		if c.Name == ucp.CapabilityOrder {
			t.Fatal("order capability must not be active")
		}
	}
}

func TestUpdateSessionMergePatch(t *testing.T) {
	e, _ := newTestEngine(t, checkoutOnly())
	ctx := context.Background()
	s, err := e.CreateSession(ctx, profileURL, CreateRequest{
		LineItems:       []domain.LineItem{{ProductID: 1, Quantity: 1}},
		ShippingAddress: &domain.Address{AddressLocality: "Lyon", AddressCountry: "FR"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	items := []domain.LineItem{{ProductID: 2, Quantity: 3}}
	updated, err := e.UpdateSession(ctx, s.ID, repo.SessionPatch{LineItems: &items})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.LineItems) != 1 || updated.LineItems[0].ProductID != 2 {
		t.Fatalf("line items %v", updated.LineItems)
	}
	if updated.ShippingAddress == nil || updated.ShippingAddress.AddressLocality != "Lyon" {
		t.Fatal("untouched shipping address must survive a line-item patch")
	}
	if len(updated.ActiveCapabilities) != 1 {
		t.Fatalf("capabilities recomputed: %v", updated.ActiveCapabilities)
	}

	if _, err := e.UpdateSession(ctx, "no-such-session", repo.SessionPatch{LineItems: &items}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func completeReq(handlerID string) CompleteRequest {
	return CompleteRequest{
		PaymentData: PaymentData{
			HandlerID:  handlerID,
			Credential: []byte(`{"token":"opaque-psp-token"}`),
		},
	}
}

func TestCompleteSessionHandlerGate(t *testing.T) {
	e, _ := newTestEngine(t, checkoutOnly())
	ctx := context.Background()
	s, _ := e.CreateSession(ctx, profileURL, CreateRequest{
		LineItems: []domain.LineItem{{ProductID: 1, Quantity: 1}},
	})

	_, err := e.CompleteSession(ctx, s.ID, completeReq("never-advertised"))
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Code != CodeInvalidHandlerID {
		t.Fatalf("expected invalid handler, got %v", err)
	}

	_, err = e.CompleteSession(ctx, s.ID, completeReq(""))
	if !errors.As(err, &eerr) || eerr.Code != CodeInvalidPaymentData {
		t.Fatalf("expected invalid payment data, got %v", err)
	}
}

func TestCompleteSessionInvalidLineItems(t *testing.T) {
	e, conn := newTestEngine(t, checkoutOnly())
	ctx := context.Background()

	empty, _ := e.CreateSession(ctx, profileURL, CreateRequest{})
	_, err := e.CompleteSession(ctx, empty.ID, completeReq("gpay"))
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Code != CodeInvalidLineItems {
		t.Fatalf("expected invalid line items, got %v", err)
	}

	ghost, _ := e.CreateSession(ctx, profileURL, CreateRequest{
		LineItems: []domain.LineItem{{ProductID: 999, Quantity: 1}},
	})
	_, err = e.CompleteSession(ctx, ghost.ID, completeReq("gpay"))
	if !errors.As(err, &eerr) || eerr.Code != CodeInvalidLineItems {
		t.Fatalf("expected invalid line items, got %v", err)
	}

	var orders int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&orders); err != nil {
		t.Fatal(err)
	}
	if orders != 0 {
		t.Fatalf("no order may exist after a failed completion, found %d", orders)
	}
}

func TestCompleteSessionRejectsInactiveProduct(t *testing.T) {
	e, conn := newTestEngine(t, checkoutOnly())
	ctx := context.Background()

	p, err := e.Repo.InsertProduct(ctx, domain.Product{
		Name: "Retired Blend", PriceCents: 1200, Currency: "EUR", Active: false,
	})
	if err != nil {
		t.Fatalf("insert product: %v", err)
	}

	s, _ := e.CreateSession(ctx, profileURL, CreateRequest{
		LineItems: []domain.LineItem{{ProductID: p.ID, Quantity: 1}},
	})
	_, err = e.CompleteSession(ctx, s.ID, completeReq("gpay"))
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Code != CodeInvalidLineItems {
		t.Fatalf("expected invalid line items for inactive product, got %v", err)
	}

	var orders int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&orders); err != nil {
		t.Fatal(err)
	}
	if orders != 0 {
		t.Fatalf("inactive product must not create an order, found %d", orders)
	}
}

func TestCompleteSessionCreatesOnHoldOrder(t *testing.T) {
	e, conn := newTestEngine(t, checkoutOnly())
	ctx := context.Background()

	p, err := e.Repo.InsertProduct(ctx, domain.Product{
		Name: "Espresso Beans 1kg", PriceCents: 1850, Currency: "EUR", Active: true,
	})
	if err != nil {
		t.Fatalf("insert product: %v", err)
	}

	s, err := e.CreateSession(ctx, profileURL, CreateRequest{
		// Quantity 0 is coerced up to 1.
		LineItems:       []domain.LineItem{{ProductID: p.ID, Quantity: 0}},
		ShippingAddress: &domain.Address{StreetAddress: "1 Rue de la Paix", AddressLocality: "Paris", AddressCountry: "FR"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := e.CompleteSession(ctx, s.ID, completeReq("gpay"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Status != domain.SessionComplete || res.OrderStatus != domain.OrderOnHold {
		t.Fatalf("result %+v", res)
	}
	if res.OrderNumber == "" || res.OrderID == 0 {
		t.Fatalf("order identity missing: %+v", res)
	}

	order, err := e.Repo.GetOrder(ctx, res.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.TotalCents != 1850 || order.Currency != "EUR" {
		t.Fatalf("order totals %+v", order)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 1 || order.Items[0].Name != "Espresso Beans 1kg" {
		t.Fatalf("order items %v", order.Items)
	}

	got, err := e.Repo.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.SessionComplete || got.OrderID == nil || *got.OrderID != res.OrderID {
		t.Fatalf("session not completed: %+v", got)
	}

	sid, err := e.Repo.GetOrderMeta(ctx, res.OrderID, MetaSessionID)
	if err != nil || sid != s.ID {
		t.Fatalf("session id meta %q err %v", sid, err)
	}
	cred, err := e.Repo.GetOrderMeta(ctx, res.OrderID, MetaPaymentCredential)
	if err != nil || cred != `{"token":"opaque-psp-token"}` {
		t.Fatalf("credential meta %q err %v", cred, err)
	}
	handler, err := e.Repo.GetOrderMeta(ctx, res.OrderID, MetaPaymentHandlerID)
	if err != nil || handler != "gpay" {
		t.Fatalf("handler meta %q err %v", handler, err)
	}

	// Second completion must not create another order.
	_, err = e.CompleteSession(ctx, s.ID, completeReq("gpay"))
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Code != CodeSessionAlreadyCompleted {
		t.Fatalf("expected already completed, got %v", err)
	}
	var orders int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&orders); err != nil {
		t.Fatal(err)
	}
	if orders != 1 {
		t.Fatalf("expected exactly one order, found %d", orders)
	}
}

func TestSetOrderStatusNotifies(t *testing.T) {
	e, _ := newTestEngine(t, checkoutOnly())
	ctx := context.Background()
	notifier := &recordingNotifier{}
	e.Notifier = notifier

	p, _ := e.Repo.InsertProduct(ctx, domain.Product{Name: "Grinder", PriceCents: 9900, Currency: "EUR", Active: true})
	s, _ := e.CreateSession(ctx, profileURL, CreateRequest{
		LineItems: []domain.LineItem{{ProductID: p.ID, Quantity: 1}},
	})
	res, err := e.CompleteSession(ctx, s.ID, completeReq("gpay"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	order, err := e.SetOrderStatus(ctx, res.OrderID, "shipped")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if order.Status != "shipped" {
		t.Fatalf("status %q", order.Status)
	}
	if len(notifier.orders) != 1 || notifier.orders[0].ID != res.OrderID {
		t.Fatalf("notifier calls %v", notifier.orders)
	}

	if _, err := e.SetOrderStatus(ctx, 424242, "shipped"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
