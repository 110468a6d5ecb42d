// Package assistant turns transcripts into summaries and answers through an
// [llm.Provider].
//
// Both operations send a single user message built from a prompt template in
// which the placeholder {text} is replaced by the transcript. Blank
// transcripts never reach the model.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/echonote/pkg/provider/llm"
)

// Placeholder is replaced by the transcript in prompt templates.
const Placeholder = "{text}"

const (
	// DefaultSummaryPrompt asks for a concise summary and for speaker names
	// when more than one person talks.
	DefaultSummaryPrompt = "Summarize the following conversation concisely:\n\n" + Placeholder +
		"\n\nIf two or more people take part in the conversation, infer their names from what is said and include them."

	// DefaultResponsePrompt frames the transcript as a question to answer.
	DefaultResponsePrompt = "User question: " + Placeholder + "\nAnswer:"

	// DefaultTemperature is the sampling temperature for both operations.
	DefaultTemperature = 0.7
)

// Option configures an [Assistant].
type Option func(*Assistant)

// WithSummaryPrompt replaces the summary prompt template. The template must
// contain [Placeholder].
func WithSummaryPrompt(tmpl string) Option {
	return func(a *Assistant) {
		a.summaryPrompt = tmpl
	}
}

// WithResponsePrompt replaces the response prompt template. The template must
// contain [Placeholder].
func WithResponsePrompt(tmpl string) Option {
	return func(a *Assistant) {
		a.responsePrompt = tmpl
	}
}

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(a *Assistant) {
		a.temperature = t
	}
}

// WithMaxTokens caps the length of every reply. Zero leaves it to the provider.
func WithMaxTokens(n int) Option {
	return func(a *Assistant) {
		a.maxTokens = n
	}
}

// Assistant produces summaries and answers. It is safe for concurrent use
// when the underlying provider is.
type Assistant struct {
	llm            llm.Provider
	summaryPrompt  string
	responsePrompt string
	temperature    float64
	maxTokens      int
}

// New creates an Assistant backed by provider.
func New(provider llm.Provider, opts ...Option) (*Assistant, error) {
	if provider == nil {
		return nil, fmt.Errorf("assistant: provider must not be nil")
	}
	a := &Assistant{
		llm:            provider,
		summaryPrompt:  DefaultSummaryPrompt,
		responsePrompt: DefaultResponsePrompt,
		temperature:    DefaultTemperature,
	}
	for _, o := range opts {
		o(a)
	}
	for name, tmpl := range map[string]string{"summary": a.summaryPrompt, "response": a.responsePrompt} {
		if !strings.Contains(tmpl, Placeholder) {
			return nil, fmt.Errorf("assistant: %s prompt must contain %s", name, Placeholder)
		}
	}
	return a, nil
}

// Summarize returns a concise summary of text. A blank transcript yields an
// empty summary without calling the model.
func (a *Assistant) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	out, err := a.complete(ctx, "summary", a.summaryPrompt, text)
	if err != nil {
		return "", fmt.Errorf("assistant: summarize: %w", err)
	}
	return out, nil
}

// Respond answers text as if it were a question. A blank transcript yields an
// empty answer without calling the model.
func (a *Assistant) Respond(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	out, err := a.complete(ctx, "response", a.responsePrompt, text)
	if err != nil {
		return "", fmt.Errorf("assistant: respond: %w", err)
	}
	return out, nil
}

func (a *Assistant) complete(ctx context.Context, kind, tmpl, text string) (string, error) {
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: strings.ReplaceAll(tmpl, Placeholder, text)},
		},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty %s reply", llm.ErrGenerationFailed, kind)
	}
	if resp.Truncated() {
		slog.WarnContext(ctx, "assistant: reply hit the token limit", "kind", kind, "max_tokens", a.maxTokens)
	}
	slog.DebugContext(ctx, "assistant: completion",
		"kind", kind,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return content, nil
}
