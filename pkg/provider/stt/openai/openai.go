// Package openai transcribes clips with the OpenAI audio transcription
// endpoint (whisper-1, gpt-4o-transcribe, ...).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/echonote/pkg/provider/stt"
)

// DefaultModel is used unless WithModel says otherwise.
const DefaultModel = "whisper-1"

var _ stt.Provider = (*Provider)(nil)

// Provider uploads each clip as one transcription request.
type Provider struct {
	client   oai.Client
	model    string
	language string
	prompt   string
}

type settings struct {
	model, language, prompt string
	extra                   []option.RequestOption
}

// Option configures a Provider.
type Option func(*settings)

// WithModel selects the transcription model.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithLanguage sends an ISO-639-1 hint such as "ko". Without it the service
// detects the language.
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithPrompt biases recognition toward the given vocabulary, for example
// attendee names or product terms.
func WithPrompt(prompt string) Option {
	return func(s *settings) { s.prompt = prompt }
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.extra = append(s.extra, option.WithBaseURL(url)) }
}

// WithTimeout bounds each upload round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.extra = append(s.extra, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: api key is required")
	}
	s := settings{model: DefaultModel}
	for _, o := range opts {
		o(&s)
	}
	// Retries belong to internal/resilience.
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, s.extra...)
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    s.model,
		language: s.language,
		prompt:   s.prompt,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip []byte, formatHint string) (string, error) {
	if len(clip) == 0 {
		return "", fmt.Errorf("%w: openai: empty audio", stt.ErrTranscriptionFailed)
	}
	ext := strings.ToLower(formatHint)
	if ext == "" {
		ext = "wav"
	}

	// The service infers the container from the upload's file name.
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(clip), "audio."+ext, stt.ContentType(ext)),
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}

	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: openai %s: %w", stt.ErrTranscriptionFailed, p.model, err)
	}
	return strings.TrimSpace(tr.Text), nil
}
