// Package negotiation computes the mutually supported capability set
// between this business and a platform manifest.
package negotiation

import (
	"context"
	"encoding/json"
	"fmt"

	"ucplink/internal/config"
	"ucplink/internal/domain"
	"ucplink/internal/profile"
	"ucplink/internal/ucp"
)

const (
	CodeVersionUnsupported    = "ucp_version_unsupported"
	CodeCapabilityUnsupported = "ucp_capability_unsupported"
)

// Error is a negotiation failure distinct from resolver failures,
// which are propagated verbatim.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of a successful negotiation. ActiveCapabilities
// carries the full business records; ActiveCapabilitiesResponse is the
// name+version projection returned on the wire. The webhook URL is
// extracted from the platform's raw manifest whether or not the order
// capability survived intersection; delivery is gated separately on the
// session's frozen capability set.
type Result struct {
	UCPVersion                 string
	PlatformProfileURL         string
	PlatformProfile            domain.Profile
	ActiveCapabilities         []domain.Capability
	ActiveCapabilitiesResponse []domain.CapabilityRef
	PlatformOrderWebhookURL    string
}

// Engine negotiates against the configured business profile.
type Engine struct {
	Resolver *profile.Resolver
	Config   *config.Config
}

// Negotiate resolves the platform manifest and intersects its
// capabilities with the business ones.
func (e *Engine) Negotiate(ctx context.Context, platformProfileURL string) (*Result, error) {
	platform, err := e.Resolver.Fetch(ctx, platformProfileURL)
	if err != nil {
		return nil, err
	}

	// Newer platform dates are rejected; equal dates always pass.
	if ucp.CompareVersion(platform.UCP.Version, ucp.ProtocolVersion) == 1 {
		return nil, &Error{
			Code:    CodeVersionUnsupported,
			Message: "platform version is newer than business implementation",
			Details: map[string]any{
				"platform_version": platform.UCP.Version,
				"business_version": ucp.ProtocolVersion,
			},
		}
	}

	business := profile.Business(e.Config, nil)
	active := Intersect(business.UCP.Capabilities, platform.UCP.Capabilities)

	if _, ok := active[ucp.CapabilityCheckout]; !ok {
		return nil, &Error{
			Code:    CodeCapabilityUnsupported,
			Message: "no mutually supported checkout capability found",
		}
	}

	// Preserve business manifest order so negotiation is deterministic
	// regardless of platform manifest key ordering.
	caps := make([]domain.Capability, 0, len(active))
	refs := make([]domain.CapabilityRef, 0, len(active))
	for _, c := range business.UCP.Capabilities {
		kept, ok := active[c.Name]
		if !ok {
			continue
		}
		caps = append(caps, kept)
		refs = append(refs, domain.CapabilityRef{Name: kept.Name, Version: kept.Version})
	}

	return &Result{
		UCPVersion:                 ucp.ProtocolVersion,
		PlatformProfileURL:         platformProfileURL,
		PlatformProfile:            platform,
		ActiveCapabilities:         caps,
		ActiveCapabilitiesResponse: refs,
		PlatformOrderWebhookURL:    OrderWebhookURL(platform),
	}, nil
}

// Intersect keeps each business capability the platform also offers at
// a version no newer than the business one, then prunes orphaned
// extensions to a fixed point.
func Intersect(business, platform []domain.Capability) map[string]domain.Capability {
	platformByName := make(map[string]domain.Capability, len(platform))
	for _, c := range platform {
		if c.Name != "" {
			platformByName[c.Name] = c
		}
	}

	active := make(map[string]domain.Capability)
	for _, c := range business {
		if c.Name == "" || c.Version == "" {
			continue
		}
		p, ok := platformByName[c.Name]
		if !ok || p.Version == "" {
			continue
		}
		if ucp.CompareVersion(p.Version, c.Version) == 1 {
			continue
		}
		active[c.Name] = c
	}

	// Each pass either removes at least one entry or terminates, so the
	// loop is bounded by the initial set size.
	for changed := true; changed; {
		changed = false
		for name, c := range active {
			if c.Extends == "" {
				continue
			}
			if _, ok := active[c.Extends]; !ok {
				delete(active, name)
				changed = true
			}
		}
	}
	return active
}

// OrderWebhookURL pulls config.webhook_url from the platform's order
// capability if present in the raw manifest.
func OrderWebhookURL(platform domain.Profile) string {
	for _, c := range platform.UCP.Capabilities {
		if c.Name != ucp.CapabilityOrder || len(c.Config) == 0 {
			continue
		}
		var cfg struct {
			WebhookURL string `json:"webhook_url"`
		}
		if err := json.Unmarshal(c.Config, &cfg); err != nil {
			continue
		}
		if cfg.WebhookURL != "" {
			return cfg.WebhookURL
		}
	}
	return ""
}
