// Package openai implements llm.Provider on top of the OpenAI chat
// completions endpoint. Any server speaking the same wire format (vLLM,
// LiteLLM, Azure's compatibility layer) works through WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/echonote/pkg/provider/llm"
)

// DefaultModel is used when New is given an empty model name.
const DefaultModel = "gpt-4o-mini"

var _ llm.Provider = (*Provider)(nil)

// Provider sends summary and response prompts to an OpenAI-compatible
// chat model. It is safe for concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	extra   []option.RequestOption
	timeout time.Duration
}

// Option tunes how the underlying SDK client talks to the API.
type Option func(*settings)

// WithBaseURL points the client at a different API root.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.extra = append(s.extra, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header on every request.
func WithOrganization(org string) Option {
	return func(s *settings) { s.extra = append(s.extra, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP round trip. The pipeline step deadline still
// applies on top of it.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// New returns a Provider authenticated with apiKey. An empty model selects
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	// Retries belong to internal/resilience; the SDK must fail fast.
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, s.extra...)
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model reports the chat model requests are sent to.
func (p *Provider) Model() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %w", llm.ErrGenerationFailed, err)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %s: %w", llm.ErrGenerationFailed, p.model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai: %s returned no choices", llm.ErrGenerationFailed, p.model)
	}

	choice := completion.Choices[0]
	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	conv, err := req.Conversation()
	if err != nil {
		return oai.ChatCompletionNewParams{}, err
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, len(conv))
	for i, m := range conv {
		msgs[i] = toSDK(m)
	}
	out := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		out.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return out, nil
}

// toSDK maps a validated message onto the SDK union. Roles were checked by
// CompletionRequest.Conversation, so anything else is a user message.
func toSDK(m llm.Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content)
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content)
	default:
		return oai.UserMessage(m.Content)
	}
}
