package types

import "errors"

// CompletionRequest is a single schema-constrained completion call. The
// runtime only ever asks for structured output; Schema is a JSON schema the
// provider must honor.
type CompletionRequest struct {
	Model       string
	System      string
	User        string
	SchemaName  string
	Schema      map[string]any
	MaxTokens   int
	Temperature float64
}

// Completion is the provider response.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Sentinel errors surfaced by providers and the adapter. Raw provider error
// strings never reach callers of the core; they map to llm_status codes.
var (
	// ErrNotConfigured is returned when no LLM provider is configured.
	ErrNotConfigured = errors.New("llm provider not configured")

	// ErrUnavailable is returned when the circuit breaker is open or the
	// provider is unreachable.
	ErrUnavailable = errors.New("llm provider unavailable")

	// ErrBadResponse is returned when the provider response cannot be
	// parsed into the requested shape.
	ErrBadResponse = errors.New("llm response malformed")
)
