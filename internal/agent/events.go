package agent

import "encoding/json"

// Event types and subtypes emitted on the CLI's stream-json output.
const (
	EventSystem     = "system"
	EventAssistant  = "assistant"
	EventAuthStatus = "auth_status"
	EventResult     = "result"

	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"

	SubtypeSuccess              = "success"
	SubtypeErrMaxTurns          = "error_max_turns"
	SubtypeErrMaxBudget         = "error_max_budget_usd"
	SubtypeErrDuringExecution   = "error_during_execution"
	SubtypeErrStructuredRetries = "error_max_structured_output_retries"
)

// Error kinds carried on assistant events. The first two end the turn; the
// rest are transient and only logged.
const (
	ErrKindAuthFailed      = "authentication_failed"
	ErrKindBilling         = "billing_error"
	ErrKindRateLimit       = "rate_limit"
	ErrKindServerError     = "server_error"
	ErrKindMaxOutputTokens = "max_output_tokens"
)

// Event is one parsed NDJSON line from claude --output-format stream-json.
// Fields are a union across event types; which ones are set depends on Type.
type Event struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// assistant and auth_status events.
	Error string `json:"error,omitempty"`

	// compact_boundary events.
	PreCompactTokens int64 `json:"pre_compact_tokens,omitempty"`

	// result events.
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// assistantBody is the slice of an assistant event's message the runner
// reads: per-call usage and an optional error kind.
type assistantBody struct {
	Usage *Usage `json:"usage"`
	Error string `json:"error"`
}

// assistant decodes the event's message body, folding in a top-level error
// field when the body carries none.
func (e Event) assistant() assistantBody {
	var body assistantBody
	if len(e.Message) > 0 {
		_ = json.Unmarshal(e.Message, &body)
	}
	if body.Error == "" {
		body.Error = e.Error
	}
	return body
}

// terminalAssistantError reports whether an assistant error kind ends the
// turn. Transient kinds (rate limits, server hiccups, output truncation) are
// retried upstream by the runtime itself.
func terminalAssistantError(kind string) bool {
	switch kind {
	case ErrKindAuthFailed, ErrKindBilling:
		return true
	}
	return false
}

// Usage is the token accounting attached to a result event.
type Usage struct {
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens  int64 `json:"cache_creation_input_tokens"`
}

// resultError reports whether the subtype marks a failed run.
func resultError(subtype string) bool {
	switch subtype {
	case SubtypeErrMaxTurns, SubtypeErrMaxBudget, SubtypeErrDuringExecution, SubtypeErrStructuredRetries:
		return true
	}
	return false
}
