// Package ucp holds the protocol-level helpers shared across the
// negotiation, session, and webhook subsystems.
package ucp

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ProtocolVersion is the UCP revision this business implements.
const ProtocolVersion = "2026-01-11"

// CapabilityCheckout is the baseline capability; negotiation fails
// without it.
const CapabilityCheckout = "dev.ucp.shopping.checkout"

// CapabilityOrder gates order-update webhook delivery.
const CapabilityOrder = "dev.ucp.shopping.order"

var (
	versionRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	maxAgeRe  = regexp.MustCompile(`(?i)max-age\s*=\s*(\d+)`)
	profileRe = regexp.MustCompile(`(?i)(?:^|[;,\s])profile\s*=\s*"([^"]+)"`)
)

// ValidVersion reports whether v is a YYYY-MM-DD protocol version.
func ValidVersion(v string) bool {
	return versionRe.MatchString(v)
}

// CompareVersion compares two YYYY-MM-DD version strings.
// Returns -1 if a < b, 0 if equal, 1 if a > b. Lexicographic order is
// correct because ISO dates sort lexicographically.
func CompareVersion(a, b string) int {
	switch {
	case a == b:
		return 0
	case a < b:
		return -1
	default:
		return 1
	}
}

// IsHTTPSURL reports whether raw parses as an https URL with a host.
func IsHTTPSURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

// Origin returns "scheme://host" lowercased, keeping a non-default
// port. Empty string when raw is not an absolute URL.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		if !(scheme == "https" && port == "443") && !(scheme == "http" && port == "80") {
			return scheme + "://" + host + ":" + port
		}
	}
	return scheme + "://" + host
}

// CacheControlMaxAge extracts max-age seconds from a Cache-Control
// header value. Returns (0, false) when absent.
func CacheControlMaxAge(header string) (int, bool) {
	m := maxAgeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return secs, true
}

// AgentProfileURL extracts the profile URL from a UCP-Agent header,
// a structured-field dictionary of the form profile="https://...".
func AgentProfileURL(header string) string {
	m := profileRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
