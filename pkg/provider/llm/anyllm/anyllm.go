// Package anyllm serves the non-OpenAI vendors (Anthropic, Gemini, Ollama,
// DeepSeek, Mistral, Groq and llama.cpp style servers) through
// github.com/mozilla-ai/any-llm-go.
//
//	p, err := anyllm.New("ollama", "llama3.2", anyllmlib.WithBaseURL("http://localhost:11434"))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/echonote/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type backendFactory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap adapts a vendor constructor returning a concrete type.
func wrap[T anyllmlib.Provider](fn func(...anyllmlib.Option) (T, error)) backendFactory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return fn(opts...) }
}

// backends maps vendor names to their any-llm-go constructor. llamafile
// speaks the llama.cpp server protocol.
var backends = map[string]backendFactory{
	"anthropic":         wrap(anthropic.New),
	"gemini":            wrap(gemini.New),
	"ollama":            wrap(ollama.New),
	"deepseek":          wrap(deepseek.New),
	"mistral":           wrap(mistral.New),
	"groq":              wrap(groq.New),
	"llamacpp":          wrap(llamacpp.New),
	"llamafile":         wrap(llamacpp.New),
	"openai-compatible": wrap(anyllmoai.New),
}

// Vendors returns the accepted vendor names in sorted order.
func Vendors() []string { return slices.Sorted(maps.Keys(backends)) }

// Provider sends completion requests to one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

// New builds a Provider for vendor. Without anyllmlib.WithAPIKey the backend
// reads its vendor environment variable (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	vendor = strings.ToLower(vendor)
	factory, ok := backends[vendor]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported vendor %q (supported: %s)", vendor, strings.Join(Vendors(), ", "))
	}
	backend, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s backend: %w", vendor, err)
	}
	return &Provider{backend: backend, vendor: vendor, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("%w: anyllm %s: %w", llm.ErrGenerationFailed, p.vendor, err)
	}

	completion, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: anyllm %s/%s: %w", llm.ErrGenerationFailed, p.vendor, p.model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: anyllm %s/%s returned no choices", llm.ErrGenerationFailed, p.vendor, p.model)
	}

	choice := completion.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: string(choice.FinishReason),
	}
	if u := completion.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	conv, err := req.Conversation()
	if err != nil {
		return anyllmlib.CompletionParams{}, err
	}

	out := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, len(conv)),
	}
	for i, m := range conv {
		out.Messages[i] = anyllmlib.Message{Role: string(m.Role), Content: m.Content}
	}
	if req.Temperature != 0 {
		out.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	return out, nil
}
