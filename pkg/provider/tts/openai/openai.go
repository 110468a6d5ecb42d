// Package openai synthesizes speech with the OpenAI audio speech endpoint.
//
// The speech models infer the spoken language from the input text, so the
// language argument of Synthesize is ignored.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/echonote/pkg/provider/tts"
)

// Defaults used unless WithModel or WithVoice say otherwise.
const (
	DefaultModel = "tts-1"
	DefaultVoice = "alloy"
)

// maxClipBytes caps the clip read from the API.
const maxClipBytes = 64 << 20

var _ tts.Provider = (*Provider)(nil)

// Provider requests one MP3 clip per Synthesize call.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	speed  float64
}

type settings struct {
	model, voice string
	speed        float64
	extra        []option.RequestOption
}

// Option configures a Provider.
type Option func(*settings)

// WithModel selects the speech model ("tts-1", "tts-1-hd", ...).
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithVoice selects the voice ("alloy", "nova", ...).
func WithVoice(voice string) Option {
	return func(s *settings) { s.voice = voice }
}

// WithSpeed sets the speaking rate within [0.25, 4]. Zero keeps the service
// default.
func WithSpeed(speed float64) Option {
	return func(s *settings) { s.speed = speed }
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.extra = append(s.extra, option.WithBaseURL(url)) }
}

// WithTimeout bounds each speech round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.extra = append(s.extra, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: api key is required")
	}
	s := settings{model: DefaultModel, voice: DefaultVoice}
	for _, o := range opts {
		o(&s)
	}
	if s.speed != 0 && (s.speed < 0.25 || s.speed > 4) {
		return nil, fmt.Errorf("openai tts: speed %.2f outside [0.25, 4]", s.speed)
	}
	// Retries belong to internal/resilience.
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, s.extra...)
	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  s.model,
		voice:  s.voice,
		speed:  s.speed,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, _ string) (*tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: openai: empty text", tts.ErrSynthesisFailed)
	}
	clip, err := p.speak(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: openai %s: %w", tts.ErrSynthesisFailed, p.model, err)
	}
	return &tts.Audio{Data: clip, Format: "mp3"}, nil
}

func (p *Provider) speak(ctx context.Context, text string) ([]byte, error) {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	clip, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	switch {
	case err != nil:
		return nil, fmt.Errorf("read clip: %w", err)
	case len(clip) == 0:
		return nil, errors.New("empty clip")
	}
	return clip, nil
}
