package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ucplink/internal/domain"
	"ucplink/internal/ucp"
)

// Config models ucplink.yml: the business-side settings that feed the
// negotiation engine, the session engine, and the signer. Built once
// per process and passed explicitly; there is no global option store.
type Config struct {
	Business struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"business"`
	Auth struct {
		BearerToken string `yaml:"bearer_token"`
		JWTSecret   string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Payment struct {
		Handlers []PaymentHandler `yaml:"handlers"`
	} `yaml:"payment"`
	Capabilities struct {
		// Disabled removes capabilities from the business manifest by name.
		Disabled []string `yaml:"disabled"`
	} `yaml:"capabilities"`
}

type PaymentHandler struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Version           string   `yaml:"version"`
	Spec              string   `yaml:"spec"`
	ConfigSchema      string   `yaml:"config_schema"`
	InstrumentSchemas []string `yaml:"instrument_schemas"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ucplink config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ucplink.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Business.BaseURL == "" {
		return fmt.Errorf("config.business.base_url is required")
	}
	if !strings.HasPrefix(c.Business.BaseURL, "http://") && !strings.HasPrefix(c.Business.BaseURL, "https://") {
		return fmt.Errorf("config.business.base_url must be an absolute http(s) URL")
	}
	seen := map[string]bool{}
	for _, h := range c.Payment.Handlers {
		if h.ID == "" {
			return fmt.Errorf("payment handler with empty id")
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate payment handler id %s", h.ID)
		}
		seen[h.ID] = true
		if h.Name == "" {
			return fmt.Errorf("payment handler %s missing name", h.ID)
		}
	}
	return nil
}

// PaymentHandlers returns the configured handler list in the wire
// shape, falling back to the defaults when none are configured.
func (c *Config) PaymentHandlers() []domain.PaymentHandler {
	src := c.Payment.Handlers
	if len(src) == 0 {
		src = defaultHandlers(c.Business.BaseURL)
	}
	out := make([]domain.PaymentHandler, 0, len(src))
	for _, h := range src {
		out = append(out, domain.PaymentHandler{
			ID:                h.ID,
			Name:              h.Name,
			Version:           h.Version,
			Spec:              h.Spec,
			ConfigSchema:      h.ConfigSchema,
			InstrumentSchemas: h.InstrumentSchemas,
		})
	}
	return out
}

// CapabilityDisabled reports whether name is switched off in config.
func (c *Config) CapabilityDisabled(name string) bool {
	for _, d := range c.Capabilities.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Business.Name = "UCP Business"
	cfg.Business.BaseURL = "https://business.example"
	cfg.Payment.Handlers = defaultHandlers(cfg.Business.BaseURL)
	return &cfg
}

// GenerateDefault returns default config YAML for a base URL.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL, strings.TrimRight(baseURL, "/"))
}

func defaultHandlers(baseURL string) []PaymentHandler {
	base := strings.TrimRight(baseURL, "/")
	return []PaymentHandler{
		{
			ID:           "gpay",
			Name:         "com.google.pay",
			Version:      "2024-12-03",
			Spec:         "https://developers.google.com/merchant/ucp/guides/gpay-payment-handler",
			ConfigSchema: "https://pay.google.com/gp/p/ucp/2026-01-11/schemas/gpay_config.json",
			InstrumentSchemas: []string{
				"https://pay.google.com/gp/p/ucp/2026-01-11/schemas/gpay_card_payment_instrument.json",
			},
		},
		{
			ID:           "business_tokenizer",
			Name:         "dev.ucp.business_tokenizer",
			Version:      ucp.ProtocolVersion,
			Spec:         base + "/ucp/specs/payments/business_tokenizer",
			ConfigSchema: "https://ucp.dev/schemas/payments/delegate-payment.json",
			InstrumentSchemas: []string{
				"https://ucp.dev/schemas/shopping/types/card_payment_instrument.json",
			},
		},
	}
}

const defaultTemplate = `business:
  name: "UCP Business"
  base_url: %s

auth:
  # Empty bearer_token leaves the API open; set one to require
  # Authorization: Bearer <token> on session endpoints.
  bearer_token: ""
  jwt_secret: ""

payment:
  handlers:
    - id: gpay
      name: com.google.pay
      version: "2024-12-03"
      spec: https://developers.google.com/merchant/ucp/guides/gpay-payment-handler
      config_schema: https://pay.google.com/gp/p/ucp/2026-01-11/schemas/gpay_config.json
      instrument_schemas:
        - https://pay.google.com/gp/p/ucp/2026-01-11/schemas/gpay_card_payment_instrument.json
    - id: business_tokenizer
      name: dev.ucp.business_tokenizer
      version: "2026-01-11"
      spec: %s/ucp/specs/payments/business_tokenizer
      config_schema: https://ucp.dev/schemas/payments/delegate-payment.json
      instrument_schemas:
        - https://ucp.dev/schemas/shopping/types/card_payment_instrument.json

capabilities:
  disabled: []
`
