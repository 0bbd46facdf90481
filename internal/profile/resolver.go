// Package profile builds the business capability manifest and resolves
// remote platform manifests.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ucplink/internal/domain"
	"ucplink/internal/ucp"
)

const (
	fetchTimeout = 8 * time.Second
	defaultTTL   = 3600 * time.Second
	minTTL       = 60 * time.Second
	maxTTL       = 86400 * time.Second
	maxBodySize  = 1 << 20
)

// Cache stores validated platform profiles. Entries must only ever be
// written after validation; expired entries are never returned.
type Cache interface {
	Get(key string) (domain.Profile, bool)
	Set(key string, p domain.Profile, ttl time.Duration)
}

// Resolver fetches, validates and caches platform profiles.
type Resolver struct {
	Client *http.Client
	Cache  Cache
	Now    func() time.Time
}

// NewResolver returns a resolver with the bounded default client and
// an in-process TTL cache.
func NewResolver() *Resolver {
	return &Resolver{
		Client: &http.Client{Timeout: fetchTimeout},
		Cache:  NewMemoryCache(),
	}
}

// Fetch resolves a platform profile URL into a validated manifest.
// The cache is a pure optimization: it never holds anything that
// failed validation, so hits and misses negotiate identically.
func (r *Resolver) Fetch(ctx context.Context, profileURL string) (domain.Profile, error) {
	if !ucp.IsHTTPSURL(profileURL) {
		return domain.Profile{}, newError(CodeInvalidProfileURL, "platform profile URL must be an https URL")
	}
	if r.Cache != nil {
		if cached, ok := r.Cache.Get(profileURL); ok {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return domain.Profile{}, newError(CodeFetchFailed, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.Profile{}, newError(CodeFetchFailed, fmt.Sprintf("failed to fetch platform profile: %v", err))
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return domain.Profile{}, newError(CodeFetchFailed, fmt.Sprintf("failed to read platform profile: %v", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		e := newError(CodeFetchFailed, "failed to fetch platform profile")
		e.Details = map[string]any{"http_status": res.StatusCode}
		return domain.Profile{}, e
	}

	p, perr := parseProfile(body)
	if perr != nil {
		return domain.Profile{}, perr
	}
	if verr := Validate(p); verr != nil {
		return domain.Profile{}, verr
	}

	if r.Cache != nil {
		ttl := defaultTTL
		if secs, ok := ucp.CacheControlMaxAge(res.Header.Get("Cache-Control")); ok {
			ttl = time.Duration(secs) * time.Second
		}
		if ttl < minTTL {
			ttl = minTTL
		}
		if ttl > maxTTL {
			ttl = maxTTL
		}
		r.Cache.Set(profileURL, p, ttl)
	}
	return p, nil
}

func parseProfile(body []byte) (domain.Profile, *Error) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return domain.Profile{}, newError(CodeInvalidJSON, "platform profile is not a JSON object")
	}
	var p domain.Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Profile{}, newError(CodeInvalidJSON, "platform profile is not valid JSON")
	}
	p.Raw = json.RawMessage(body)
	return p, nil
}

// Validate checks manifest structure and capability namespace binding.
func Validate(p domain.Profile) *Error {
	if !ucp.ValidVersion(p.UCP.Version) {
		return newError(CodeMissingVersion, "platform profile missing valid ucp.version")
	}
	if len(p.UCP.Capabilities) == 0 {
		return newError(CodeMissingCapabilities, "platform profile missing ucp.capabilities")
	}
	for _, c := range p.UCP.Capabilities {
		if c.Name == "" || c.Spec == "" || c.Schema == "" {
			return newError(CodeInvalidCapability, "platform capability missing required fields name/spec/schema")
		}
		expected := ExpectedOrigin(c.Name)
		if expected == "" {
			continue
		}
		specOrigin := ucp.Origin(c.Spec)
		schemaOrigin := ucp.Origin(c.Schema)
		if specOrigin == "" || schemaOrigin == "" {
			return newError(CodeInvalidCapabilityURLs, "platform capability spec/schema are not valid URLs")
		}
		if !strings.EqualFold(specOrigin, expected) || !strings.EqualFold(schemaOrigin, expected) {
			e := newError(CodeNamespaceBindingFailed, "capability spec/schema origin does not match namespace authority")
			e.Details = map[string]any{
				"capability":      c.Name,
				"expected_origin": expected,
				"spec_origin":     specOrigin,
				"schema_origin":   schemaOrigin,
			}
			return e
		}
	}
	return nil
}

// ExpectedOrigin derives the authority for a reverse-domain capability
// name ({reversed-domain}.{service}.{capability}): the forward-order
// join of all but the last two segments, lowercased, https scheme.
// Names with fewer than 3 segments have no derivable authority.
func ExpectedOrigin(capabilityName string) string {
	parts := strings.Split(capabilityName, ".")
	if len(parts) < 3 {
		return ""
	}
	domainParts := parts[:len(parts)-2]
	reversed := make([]string, len(domainParts))
	for i, p := range domainParts {
		reversed[len(domainParts)-1-i] = p
	}
	return "https://" + strings.ToLower(strings.Join(reversed, "."))
}

type cacheEntry struct {
	profile   domain.Profile
	expiresAt time.Time
}

// MemoryCache is the default in-process profile cache. Concurrent
// writers for the same key race benignly; last write wins.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(key string) (domain.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return domain.Profile{}, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return domain.Profile{}, false
	}
	return e.profile, true
}

func (c *MemoryCache) Set(key string, p domain.Profile, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{profile: p, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}
