package notify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ucplink/internal/db"
	"ucplink/internal/domain"
	"ucplink/internal/engine"
	"ucplink/internal/keys"
	"ucplink/internal/migrate"
	"ucplink/internal/repo"
	"ucplink/internal/signer"
	"ucplink/internal/ucp"
)

type capture struct {
	body    []byte
	headers http.Header
	hits    int
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

// seedOrder stores an order whose session negotiated caps, plus the
// webhook metadata that the engine would have written at completion.
func seedOrder(t *testing.T, r repo.Repo, webhookURL string, caps []domain.CapabilityRef) domain.Order {
	t.Helper()
	ctx := context.Background()
	ts := time.Now().UTC().Format(time.RFC3339)

	session := domain.CheckoutSession{
		ID:                 "sess-1",
		Status:             domain.SessionComplete,
		CreatedAt:          ts,
		UpdatedAt:          ts,
		PlatformProfileURL: "https://platform.example/profile",
		ActiveCapabilities: caps,
	}
	if err := r.InsertSession(ctx, session); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	order, err := r.InsertOrder(ctx, tx, domain.Order{
		Status:     "shipped",
		Currency:   "EUR",
		TotalCents: 2750,
		CreatedAt:  ts,
		UpdatedAt:  ts,
		Items:      []domain.OrderItem{{ProductID: 3, Quantity: 2, Name: "Filter Papers"}},
	})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := r.SetOrderMeta(ctx, tx, order.ID, engine.MetaSessionID, session.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.SetOrderMeta(ctx, tx, order.ID, engine.MetaWebhookURL, webhookURL); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return order
}

// hookedClient routes every request to the capture server regardless of
// the https webhook URL stored on the order.
func hookedClient(srv *httptest.Server) *http.Client {
	return &http.Client{
		Timeout: 2 * time.Second,
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			redirected, _ := http.NewRequestWithContext(req.Context(), req.Method, srv.URL, req.Body)
			redirected.Header = req.Header
			return http.DefaultTransport.RoundTrip(redirected)
		}),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func orderCaps() []domain.CapabilityRef {
	return []domain.CapabilityRef{
		{Name: ucp.CapabilityCheckout, Version: ucp.ProtocolVersion},
		{Name: ucp.CapabilityOrder, Version: ucp.ProtocolVersion},
	}
}

func TestOrderStatusChangedDeliversSignedWebhook(t *testing.T) {
	r := newTestRepo(t)

	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got.hits++
		got.headers = req.Header.Clone()
		got.body, _ = io.ReadAll(req.Body)
	}))
	t.Cleanup(srv.Close)

	order := seedOrder(t, r, "https://platform.example/hooks/ucp", orderCaps())

	ks := &keys.Store{Repo: r}
	n := New(r, &signer.Signer{Keys: ks})
	n.Client = hookedClient(srv)
	n.OrderStatusChanged(context.Background(), order)

	if got.hits != 1 {
		t.Fatalf("expected one delivery, got %d", got.hits)
	}
	if ct := got.headers.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	wantKey := "ucp-order-" + order.Number + "-shipped"
	if ik := got.headers.Get("Idempotency-Key"); ik != wantKey {
		t.Fatalf("idempotency key %q want %q", ik, wantKey)
	}

	var payload struct {
		UCP struct {
			Version      string                 `json:"version"`
			Capabilities []domain.CapabilityRef `json:"capabilities"`
		} `json:"ucp"`
		Order struct {
			ID          string             `json:"id"`
			Number      string             `json:"number"`
			Status      string             `json:"status"`
			Currency    string             `json:"currency"`
			TotalAmount int64              `json:"total_amount"`
			Items       []domain.OrderItem `json:"items"`
		} `json:"order"`
	}
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.UCP.Version != ucp.ProtocolVersion {
		t.Fatalf("ucp version %q", payload.UCP.Version)
	}
	if len(payload.UCP.Capabilities) != 1 || payload.UCP.Capabilities[0].Name != ucp.CapabilityOrder {
		t.Fatalf("capabilities %v", payload.UCP.Capabilities)
	}
	if payload.Order.Status != "shipped" || payload.Order.TotalAmount != 2750 || payload.Order.Currency != "EUR" {
		t.Fatalf("order %+v", payload.Order)
	}
	if len(payload.Order.Items) != 1 || payload.Order.Items[0].Name != "Filter Papers" {
		t.Fatalf("items %v", payload.Order.Items)
	}

	// The JWS payload is the exact delivered body, verifiable against
	// the published JWK.
	token := got.headers.Get("UCP-Signature")
	if token == "" {
		t.Fatal("missing UCP-Signature header")
	}
	verifyAgainstJWK(t, token, got.body, ks)
}

func verifyAgainstJWK(t *testing.T, token string, body []byte, ks *keys.Store) {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("jws parts %d", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || string(payload) != string(body) {
		t.Fatal("jws payload is not the delivered body")
	}

	jwks, err := ks.PublicJWKs(context.Background())
	if err != nil || len(jwks) != 1 {
		t.Fatalf("jwks: %v", err)
	}
	xb, _ := base64.RawURLEncoding.DecodeString(jwks[0].X)
	yb, _ := base64.RawURLEncoding.DecodeString(jwks[0].Y)
	pub := ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != 64 {
		t.Fatalf("raw signature: len %d err %v", len(sig), err)
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if !ecdsa.Verify(&pub, digest[:], new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:])) {
		t.Fatal("signature did not verify against published JWK")
	}
}

func TestOrderStatusChangedSkipsWithoutOrderCapability(t *testing.T) {
	r := newTestRepo(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("webhook must not fire without the order capability")
	}))
	t.Cleanup(srv.Close)

	order := seedOrder(t, r, "https://platform.example/hooks/ucp",
		[]domain.CapabilityRef{{Name: ucp.CapabilityCheckout, Version: ucp.ProtocolVersion}})

	n := New(r, nil)
	n.Client = hookedClient(srv)
	n.OrderStatusChanged(context.Background(), order)
}

func TestOrderStatusChangedSkipsNonHTTPSWebhook(t *testing.T) {
	r := newTestRepo(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("webhook must not fire for a non-https URL")
	}))
	t.Cleanup(srv.Close)

	order := seedOrder(t, r, "http://platform.example/hooks/ucp", orderCaps())

	n := New(r, nil)
	n.Client = hookedClient(srv)
	n.OrderStatusChanged(context.Background(), order)
}

func TestOrderStatusChangedUnsignedWhenNoSigner(t *testing.T) {
	r := newTestRepo(t)
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got.hits++
		got.headers = req.Header.Clone()
	}))
	t.Cleanup(srv.Close)

	order := seedOrder(t, r, "https://platform.example/hooks/ucp", orderCaps())

	n := New(r, nil)
	n.Client = hookedClient(srv)
	n.OrderStatusChanged(context.Background(), order)

	if got.hits != 1 {
		t.Fatalf("expected delivery, got %d", got.hits)
	}
	if got.headers.Get("UCP-Signature") != "" {
		t.Fatal("signature header must be omitted when signing is unavailable")
	}
}
