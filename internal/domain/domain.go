package domain

import "encoding/json"

// Capability is one entry in a UCP capability manifest. Identity is
// Name; Extends is a soft reference to another capability in the same
// manifest.
type Capability struct {
	Name    string          `json:"name"`
	Version string          `json:"version,omitempty"`
	Spec    string          `json:"spec,omitempty"`
	Schema  string          `json:"schema,omitempty"`
	Extends string          `json:"extends,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// CapabilityRef is the name+version projection used in responses and
// session snapshots.
type CapabilityRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UCPBlock is the "ucp" object of a capability manifest.
type UCPBlock struct {
	Version      string          `json:"version"`
	Services     json.RawMessage `json:"services,omitempty"`
	Capabilities []Capability    `json:"capabilities"`
}

// Profile is a full capability manifest: the business one is built at
// request time, the platform one is fetched and untrusted. Raw keeps
// the wire bytes for pass-through.
type Profile struct {
	UCP         UCPBlock        `json:"ucp"`
	Payment     *PaymentBlock   `json:"payment,omitempty"`
	SigningKeys []JWK           `json:"signing_keys,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// PaymentBlock lists the payment handlers a profile advertises.
type PaymentBlock struct {
	Handlers []PaymentHandler `json:"handlers"`
}

type PaymentHandler struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Spec              string   `json:"spec"`
	ConfigSchema      string   `json:"config_schema"`
	InstrumentSchemas []string `json:"instrument_schemas,omitempty"`
}

// JWK is the public half of a signing key as published in the
// business profile.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

type LineItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Address is the protocol address shape. The address_1/city style
// fields are legacy names accepted as fallback on input.
type Address struct {
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	StreetAddress   string `json:"street_address,omitempty"`
	ExtendedAddress string `json:"extended_address,omitempty"`
	AddressLocality string `json:"address_locality,omitempty"`
	AddressRegion   string `json:"address_region,omitempty"`
	PostalCode      string `json:"postal_code,omitempty"`
	AddressCountry  string `json:"address_country,omitempty"`

	Address1 string `json:"address_1,omitempty"`
	Address2 string `json:"address_2,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// OrderAddress is the generic order-side address shape.
type OrderAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
}

const (
	SessionIncomplete = "incomplete"
	SessionComplete   = "complete"
)

// CheckoutSession is the stored session record. ActiveCapabilities is
// frozen at creation from the negotiation result and never recomputed.
type CheckoutSession struct {
	ID                      string           `json:"id"`
	Status                  string           `json:"status" enum:"incomplete,complete"`
	CreatedAt               string           `json:"created_at" format:"date-time"`
	UpdatedAt               string           `json:"updated_at" format:"date-time"`
	PlatformProfileURL      string           `json:"platform_profile_url"`
	PlatformOrderWebhookURL string           `json:"platform_order_webhook_url,omitempty"`
	ActiveCapabilities      []CapabilityRef  `json:"ucp_active_capabilities"`
	LineItems               []LineItem       `json:"line_items"`
	ShippingAddress         *Address         `json:"shipping_address,omitempty"`
	PaymentHandlers         []PaymentHandler `json:"payment_handlers"`
	OrderID                 *int64           `json:"order_id,omitempty"`
}

type Product struct {
	ID         int64  `json:"id"`
	SKU        string `json:"sku,omitempty"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// OrderOnHold is the status an order enters on checkout completion;
// payment capture happens outside this system.
const OrderOnHold = "on-hold"

type Order struct {
	ID         int64       `json:"id"`
	Number     string      `json:"number"`
	Status     string      `json:"status"`
	Currency   string      `json:"currency"`
	TotalCents int64       `json:"total_cents"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
	UpdatedAt  string      `json:"updated_at" format:"date-time"`
	Items      []OrderItem `json:"items"`
}

type OrderItem struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Name      string `json:"name"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// OrderAddressFromUCP maps a protocol address onto the order shape,
// preferring protocol field names and falling back to legacy ones.
func OrderAddressFromUCP(a Address) OrderAddress {
	pick := func(primary, legacy string) string {
		if primary != "" {
			return primary
		}
		return legacy
	}
	return OrderAddress{
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Address1:  pick(a.StreetAddress, a.Address1),
		Address2:  pick(a.ExtendedAddress, a.Address2),
		City:      pick(a.AddressLocality, a.City),
		State:     pick(a.AddressRegion, a.State),
		Postcode:  pick(a.PostalCode, a.Postcode),
		Country:   pick(a.AddressCountry, a.Country),
	}
}
