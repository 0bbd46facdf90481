package ucp

// Envelope is the uniform UCP error response body.
type Envelope struct {
	Status   string    `json:"status"`
	Messages []Message `json:"messages"`
}

// Message is a single error entry inside an Envelope.
type Message struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ErrorEnvelope builds the standard requires_escalation envelope.
// Severity defaults to requires_buyer_input.
func ErrorEnvelope(code, message, severity string) Envelope {
	if severity == "" {
		severity = "requires_buyer_input"
	}
	return Envelope{
		Status: "requires_escalation",
		Messages: []Message{{
			Type:     "error",
			Code:     code,
			Message:  message,
			Severity: severity,
		}},
	}
}
