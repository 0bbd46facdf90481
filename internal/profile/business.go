package profile

import (
	"encoding/json"
	"strings"

	"ucplink/internal/config"
	"ucplink/internal/domain"
	"ucplink/internal/ucp"
)

// Business builds the business capability manifest published at
// /.well-known/ucp. jwks may be empty when no signing key exists yet.
func Business(cfg *config.Config, jwks []domain.JWK) domain.Profile {
	base := strings.TrimRight(cfg.Business.BaseURL, "/")
	restEndpoint := base + "/ucp/v1"
	mcpEndpoint := base + "/ucp/v1/mcp"
	agentCardURL := base + "/.well-known/agent-card.json"

	capabilities := []domain.Capability{
		{
			Name:    ucp.CapabilityCheckout,
			Version: ucp.ProtocolVersion,
			Spec:    "https://ucp.dev/specification/checkout",
			Schema:  "https://ucp.dev/schemas/shopping/checkout.json",
		},
		{
			Name:    "dev.ucp.shopping.fulfillment",
			Version: ucp.ProtocolVersion,
			Spec:    "https://ucp.dev/specification/fulfillment",
			Schema:  "https://ucp.dev/schemas/shopping/fulfillment.json",
			Extends: ucp.CapabilityCheckout,
		},
		{
			Name:    "dev.ucp.shopping.discount",
			Version: ucp.ProtocolVersion,
			Spec:    "https://ucp.dev/specification/discount",
			Schema:  "https://ucp.dev/schemas/shopping/discount.json",
			Extends: ucp.CapabilityCheckout,
		},
		{
			Name:    ucp.CapabilityOrder,
			Version: ucp.ProtocolVersion,
			Spec:    "https://ucp.dev/specification/order",
			Schema:  "https://ucp.dev/schemas/shopping/order.json",
		},
	}
	if len(cfg.Capabilities.Disabled) > 0 {
		kept := capabilities[:0]
		for _, c := range capabilities {
			if !cfg.CapabilityDisabled(c.Name) {
				kept = append(kept, c)
			}
		}
		capabilities = kept
	}

	services, _ := json.Marshal(map[string]any{
		"dev.ucp.shopping": map[string]any{
			"version": ucp.ProtocolVersion,
			"spec":    "https://ucp.dev/specification/overview",
			"rest": map[string]any{
				"schema":   "https://ucp.dev/services/shopping/rest.openapi.json",
				"endpoint": restEndpoint,
			},
			"mcp": map[string]any{
				"schema":   "https://ucp.dev/services/shopping/mcp.openrpc.json",
				"endpoint": mcpEndpoint,
			},
			"a2a": map[string]any{
				"endpoint": agentCardURL,
			},
			"embedded": map[string]any{
				"schema": "https://ucp.dev/services/shopping/embedded.openrpc.json",
			},
		},
	})

	return domain.Profile{
		UCP: domain.UCPBlock{
			Version:      ucp.ProtocolVersion,
			Services:     services,
			Capabilities: capabilities,
		},
		Payment:     &domain.PaymentBlock{Handlers: cfg.PaymentHandlers()},
		SigningKeys: jwks,
	}
}

// AgentCard is the A2A agent card stub published alongside the
// business profile. REST is the primary transport.
func AgentCard(cfg *config.Config) map[string]any {
	base := strings.TrimRight(cfg.Business.BaseURL, "/")
	name := cfg.Business.Name
	if name == "" {
		name = "UCP Business Agent"
	}
	return map[string]any{
		"version":     "2025-10-01",
		"name":        name,
		"description": "A2A agent card stub for UCP. This business primarily supports REST transport.",
		"ucp": map[string]any{
			"version": ucp.ProtocolVersion,
			"profile": base + "/.well-known/ucp",
		},
	}
}
