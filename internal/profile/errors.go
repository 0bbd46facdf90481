package profile

import "fmt"

// Error is a structured resolver/validation failure. Code is stable
// and machine-readable; Details carries diagnostics such as the
// offending capability and origins for namespace binding failures.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	CodeInvalidProfileURL      = "ucp_invalid_platform_profile_url"
	CodeFetchFailed            = "ucp_platform_profile_fetch_failed"
	CodeInvalidJSON            = "ucp_platform_profile_invalid_json"
	CodeMissingVersion         = "ucp_platform_profile_missing_version"
	CodeMissingCapabilities    = "ucp_platform_profile_missing_capabilities"
	CodeInvalidCapability      = "ucp_platform_profile_invalid_capability_fields"
	CodeInvalidCapabilityURLs  = "ucp_platform_profile_invalid_capability_urls"
	CodeNamespaceBindingFailed = "ucp_platform_profile_namespace_binding_failed"
)

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
