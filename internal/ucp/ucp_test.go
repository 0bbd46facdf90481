package ucp

import "testing"

func TestCompareVersion(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2026-01-11", "2026-01-11", 0},
		{"2025-12-31", "2026-01-11", -1},
		{"2026-02-01", "2026-01-11", 1},
		{"2026-01-02", "2026-01-10", -1},
	}
	for _, c := range cases {
		if got := CompareVersion(c.a, c.b); got != c.want {
			t.Errorf("CompareVersion(%q,%q)=%d want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestOrigin(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://Shopping.UCP.dev/specification/checkout", "https://shopping.ucp.dev"},
		{"https://example.com:8443/x", "https://example.com:8443"},
		{"https://example.com:443/x", "https://example.com"},
		{"http://example.com:80/", "http://example.com"},
		{"not a url", ""},
		{"/relative/path", ""},
	}
	for _, c := range cases {
		if got := Origin(c.in); got != c.want {
			t.Errorf("Origin(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsHTTPSURL(t *testing.T) {
	if !IsHTTPSURL("https://platform.example/profile.json") {
		t.Fatal("expected https url to pass")
	}
	for _, bad := range []string{"http://platform.example", "https://", "ftp://x", ""} {
		if IsHTTPSURL(bad) {
			t.Errorf("expected %q to fail", bad)
		}
	}
}

func TestCacheControlMaxAge(t *testing.T) {
	if secs, ok := CacheControlMaxAge("public, max-age=7200"); !ok || secs != 7200 {
		t.Fatalf("got %d %v", secs, ok)
	}
	if secs, ok := CacheControlMaxAge("Max-Age = 90"); !ok || secs != 90 {
		t.Fatalf("case-insensitive parse failed: %d %v", secs, ok)
	}
	if _, ok := CacheControlMaxAge("no-store"); ok {
		t.Fatal("expected absence")
	}
}

func TestAgentProfileURL(t *testing.T) {
	got := AgentProfileURL(`profile="https://platform.example/.well-known/ucp"`)
	if got != "https://platform.example/.well-known/ucp" {
		t.Fatalf("got %q", got)
	}
	got = AgentProfileURL(`v=1; profile="https://p.example/ucp", other="x"`)
	if got != "https://p.example/ucp" {
		t.Fatalf("got %q", got)
	}
	if AgentProfileURL("") != "" || AgentProfileURL("nope") != "" {
		t.Fatal("expected empty result")
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("invalid_handler_id", "nope", "")
	if env.Status != "requires_escalation" {
		t.Fatalf("status %q", env.Status)
	}
	if len(env.Messages) != 1 || env.Messages[0].Severity != "requires_buyer_input" {
		t.Fatalf("messages %+v", env.Messages)
	}
	env = ErrorEnvelope("internal_error", "boom", "internal")
	if env.Messages[0].Severity != "internal" {
		t.Fatalf("severity %q", env.Messages[0].Severity)
	}
}
