package llm

import (
	"context"
	"errors"
	"fmt"
)

// Supported values for LLM_BACKEND.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// ChatMessage is one role/content pair sent to a completion backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one text fragment of a streamed completion, in arrival order.
type Chunk struct {
	Content string `json:"content"`
}

// Client is the capability interface over the configured completion backend.
// Exactly one backend is selected at startup; callers never branch on
// backend identity.
type Client interface {
	// StartCompletion begins a streaming completion for the given messages
	// (system prompt included). The stream's chunk sequence ends when the
	// model finishes, the stream fails, or ctx is cancelled. Cancelling ctx
	// aborts the underlying request, including during connection setup.
	StartCompletion(ctx context.Context, messages []ChatMessage) (*Stream, error)
}

// Embedder produces embedding vectors for retrieval queries.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// ErrEmptyResponse marks a 2xx completion response with no usable body.
var ErrEmptyResponse = errors.New("empty completion response")

// ConfigError is raised lazily, at first use of a misconfigured backend.
type ConfigError struct {
	Backend string
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("llm backend %q: missing required setting %s", e.Backend, e.Setting)
}

// ConnectError wraps a network-level failure reaching the backend.
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("llm backend %q: connect: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HTTPError wraps a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm backend returned status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

// StreamError wraps a mid-stream processing failure. The stream terminates
// with this error rather than silently truncating the answer.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("completion stream failed: %v", e.Err) }

func (e *StreamError) Unwrap() error { return e.Err }
