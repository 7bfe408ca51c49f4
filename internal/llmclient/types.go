// Package llmclient implements the kernel's one external collaborator named
// at the interface level by spec §4.7/§4.8/§6: an OpenAI-compatible chat
// completions client with SSE streaming, retried on transient HTTP failure.
// Grounded on the teacher's internal/embed/retry.go exponential-backoff
// helper, generalized from a local-model-download retry to HTTP chat calls,
// and on no single teacher HTTP client (none of this module's callers in the
// teacher repo make outbound network calls) — the request/response shape
// follows the OpenAI chat completions wire format spec.md names directly.
package llmclient

import "time"

// Role is one chat message's author (spec §4.7's plan/evaluate/answer loop
// only ever sends "system" and "user" roles and receives "assistant").
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Config configures a Client (spec §5 "Timeouts": "HTTP connect timeout is
// configurable per LLM conversation, default 10s; transient 5xx/429
// responses are retried up to max_retry with exponential backoff capped at
// 2s").
type Config struct {
	BaseURL string // e.g. "https://api.openai.com/v1"
	APIKey  string
	Model   string

	ConnectTimeout time.Duration // default 10s
	MaxRetries     int           // default 3
	MaxBackoff     time.Duration // default 2s
}

// DefaultConfig returns spec's literal timeout/retry defaults, with an empty
// BaseURL/APIKey/Model left for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		MaxRetries:     3,
		MaxBackoff:     2 * time.Second,
	}
}

// StreamEvent is one increment of an in-flight chat completion (spec §4.7
// step 4: "Stream the final answer back to the frontend").
type StreamEvent struct {
	// Delta is the newly-arrived content fragment; empty on the final event.
	Delta string
	// Done is true exactly once, on the event carrying the SSE "[DONE]"
	// terminator (or an Err).
	Done bool
	// Err is set if the stream ended abnormally (transport failure after
	// retries exhausted, malformed SSE chunk, or context cancellation).
	Err error
}

// retryableStatus is spec §6's "Retry set: HTTP 429, 500, 502, 503, 504."
var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}
