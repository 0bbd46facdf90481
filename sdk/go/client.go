package ucpsdk

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal platform-side UCP HTTP client: it discovers a
// business profile, drives checkout sessions, and verifies webhook
// signatures against the business's published keys.
type Client struct {
	BaseURL     string
	ProfileURL  string // this platform's manifest URL, sent in UCP-Agent
	BearerToken string
	BasePath    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, profileURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		ProfileURL: profileURL,
		BasePath:   "/ucp/v1",
		Timeout:    10 * time.Second,
	}
}

// CapabilityRef is a negotiated capability name+version pair.
type CapabilityRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UCPInfo is the "ucp" block echoed on every session response.
type UCPInfo struct {
	Version      string          `json:"version"`
	Capabilities []CapabilityRef `json:"capabilities"`
}

type LineItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type Address struct {
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	StreetAddress   string `json:"street_address,omitempty"`
	ExtendedAddress string `json:"extended_address,omitempty"`
	AddressLocality string `json:"address_locality,omitempty"`
	AddressRegion   string `json:"address_region,omitempty"`
	PostalCode      string `json:"postal_code,omitempty"`
	AddressCountry  string `json:"address_country,omitempty"`
}

type PaymentHandler struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Spec              string   `json:"spec"`
	ConfigSchema      string   `json:"config_schema"`
	InstrumentSchemas []string `json:"instrument_schemas,omitempty"`
}

// Session is the checkout session as returned by the business.
type Session struct {
	ID                 string           `json:"id"`
	Status             string           `json:"status"`
	CreatedAt          string           `json:"created_at"`
	UpdatedAt          string           `json:"updated_at"`
	PlatformProfileURL string           `json:"platform_profile_url"`
	ActiveCapabilities []CapabilityRef  `json:"ucp_active_capabilities"`
	LineItems          []LineItem       `json:"line_items"`
	ShippingAddress    *Address         `json:"shipping_address,omitempty"`
	PaymentHandlers    []PaymentHandler `json:"payment_handlers"`
	OrderID            *int64           `json:"order_id,omitempty"`
	UCP                UCPInfo          `json:"ucp"`
}

// PaymentData carries the handler selection and the opaque credential.
// The credential is write-only: the business never echoes it back.
type PaymentData struct {
	HandlerID      string          `json:"handler_id"`
	Credential     json.RawMessage `json:"credential,omitempty"`
	BillingAddress *Address        `json:"billing_address,omitempty"`
}

// CompleteResult is the completion response: the session plus the
// materialized order reference.
type CompleteResult struct {
	Status             string          `json:"status"`
	OrderID            int64           `json:"order_id"`
	OrderNumber        string          `json:"order_number"`
	OrderStatus        string          `json:"order_status"`
	ActiveCapabilities []CapabilityRef `json:"ucp_active_capabilities"`
}

// JWK is a published signing key from the business profile.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// Profile is the business capability manifest served at
// /.well-known/ucp.
type Profile struct {
	UCP struct {
		Version      string `json:"version"`
		Capabilities []struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Spec    string `json:"spec,omitempty"`
			Extends string `json:"extends,omitempty"`
		} `json:"capabilities"`
	} `json:"ucp"`
	Payment *struct {
		Handlers []PaymentHandler `json:"handlers"`
	} `json:"payment,omitempty"`
	SigningKeys []JWK `json:"signing_keys,omitempty"`
}

// Message is one entry of a UCP error envelope.
type Message struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// APIError wraps non-2xx responses. Messages is populated when the
// body was a UCP error envelope.
type APIError struct {
	StatusCode int
	Status     string
	Messages   []Message
	Body       string
}

func (e *APIError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("ucp error: status=%d code=%s message=%s",
			e.StatusCode, e.Messages[0].Code, e.Messages[0].Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FetchProfile retrieves the business capability manifest.
func (c *Client) FetchProfile(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "/.well-known/ucp", nil, &resp)
	return resp, err
}

// CreateCheckoutSession opens a session; shipping may be nil.
func (c *Client) CreateCheckoutSession(ctx context.Context, items []LineItem, shipping *Address) (Session, error) {
	body := map[string]any{"line_items": items}
	if shipping != nil {
		body["shipping_address"] = shipping
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(""), body, &resp)
	return resp, err
}

// GetCheckoutSession fetches a session by id.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id), nil, &resp)
	return resp, err
}

// UpdateCheckoutSession applies a merge patch. Nil items leaves the
// line items untouched; clearShipping removes the shipping address.
func (c *Client) UpdateCheckoutSession(ctx context.Context, id string, items *[]LineItem, shipping *Address, clearShipping bool) (Session, error) {
	body := map[string]any{}
	if items != nil {
		body["line_items"] = *items
	}
	switch {
	case clearShipping:
		body["shipping_address"] = nil
	case shipping != nil:
		body["shipping_address"] = shipping
	}
	var resp Session
	err := c.do(ctx, http.MethodPatch, c.sessionPath(id), body, &resp)
	return resp, err
}

// CompleteCheckoutSession finalizes a session into an order.
func (c *Client) CompleteCheckoutSession(ctx context.Context, id string, payment PaymentData) (CompleteResult, error) {
	body := map[string]any{"payment_data": payment}
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(id)+"/complete", body, &resp)
	return resp, err
}

// VerifyWebhookSignature checks a UCP-Signature header (ES256 compact
// JWS with embedded payload) against the published keys and the
// delivered body.
func VerifyWebhookSignature(signature string, body []byte, keySet []JWK) error {
	parts := strings.Split(signature, ".")
	if len(parts) != 3 {
		return fmt.Errorf("signature is not a compact jws")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("decode jws header: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return fmt.Errorf("parse jws header: %w", err)
	}
	if header.Alg != "ES256" {
		return fmt.Errorf("unsupported jws alg %q", header.Alg)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("decode jws payload: %w", err)
	}
	if !bytes.Equal(payload, body) {
		return fmt.Errorf("jws payload does not match delivered body")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("decode jws signature: %w", err)
	}
	if len(sig) != 64 {
		return fmt.Errorf("es256 signature must be 64 bytes, got %d", len(sig))
	}

	key, err := pickKey(keySet, header.Kid)
	if err != nil {
		return err
	}
	pub, err := key.publicKey()
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	rv := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest[:], rv, sv) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func pickKey(keySet []JWK, kid string) (JWK, error) {
	for _, k := range keySet {
		if kid == "" || k.Kid == kid {
			return k, nil
		}
	}
	return JWK{}, fmt.Errorf("no signing key matches kid %q", kid)
}

func (k JWK) publicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode jwk y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ProfileURL != "" {
		req.Header.Set("UCP-Agent", fmt.Sprintf("ucpsdk/1.0 profile=%q", c.ProfileURL))
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Status   string    `json:"status"`
			Messages []Message `json:"messages"`
		}
		if json.Unmarshal(b, &envelope) == nil && len(envelope.Messages) > 0 {
			apiErr.Status = envelope.Status
			apiErr.Messages = envelope.Messages
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(id string) string {
	base := strings.TrimRight(c.BasePath, "/") + "/checkout-sessions"
	if id == "" {
		return base
	}
	return base + "/" + url.PathEscape(id)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
