// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a single non-streaming completion call. The
// summary and response steps of the echonote pipeline only ever need the full
// reply, so the interface stays deliberately narrow.
//
// Implementors must be safe for concurrent use. Every failure that originates
// upstream (timeout, rate limit, malformed response) must be reported wrapped in
// [ErrGenerationFailed] so callers can classify it with errors.Is.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrGenerationFailed marks any failure of the text-generation backend.
var ErrGenerationFailed = errors.New("generation failed")

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message in an LLM conversation.
type Message struct {
	Role Role

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// Messages. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// FinishReason is the backend's stop reason ("stop", "length", ...).
	// Empty when the backend does not report one.
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Truncated reports whether the reply was cut off by the token limit.
func (r *CompletionResponse) Truncated() bool {
	return r.FinishReason == "length" || r.FinishReason == "max_tokens"
}

// Conversation flattens req into the message list a chat backend receives:
// the system prompt (if any) first, followed by Messages. It fails when the
// result is empty or a message carries an unknown role.
func (req CompletionRequest) Conversation() ([]Message, error) {
	out := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, errors.New("request has no messages")
	}
	return out, nil
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error wrapping [ErrGenerationFailed] if the request fails or
	// ctx is cancelled before the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
