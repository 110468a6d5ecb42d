// Package coqui synthesizes speech with a self-hosted Coqui TTS server.
//
// Two server flavours are supported. The standard server
// (ghcr.io/coqui-ai/tts-cpu) is driven with GET /api/tts and query
// parameters. The XTTS v2 API server takes POST /tts_to_audio/ with a JSON
// body and needs a reference speaker. Both answer with a WAV file, which is
// validated and stored as-is.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithSpeaker("p225"))
//	audio, err := p.Synthesize(ctx, "안녕하세요", "ko")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/echonote/pkg/audio"
	"github.com/MrWong99/echonote/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// maxClipBytes caps how much of a response body is read.
const maxClipBytes = 64 << 20

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout bounds each synthesis round trip. Default: one minute.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode picks the server flavour. Default: [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithSpeaker selects the voice: a speaker_id of a multi-speaker model on the
// standard server, or the speaker_wav reference on XTTS.
func WithSpeaker(speaker string) Option {
	return func(p *Provider) { p.speaker = speaker }
}

// Provider implements tts.Provider against one Coqui server.
type Provider struct {
	base    string
	mode    APIMode
	speaker string
	client  *http.Client
}

// New returns a Provider for the server rooted at baseURL, for example
// "http://localhost:5002".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		base:   strings.TrimRight(baseURL, "/"),
		mode:   APIModeStandard,
		client: &http.Client{Timeout: time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard:
	case APIModeXTTS:
		if p.speaker == "" {
			return nil, errors.New("coqui: xtts mode needs a speaker")
		}
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (*tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: coqui: empty text", tts.ErrSynthesisFailed)
	}

	var (
		req *http.Request
		err error
	)
	if p.mode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, text, language)
	} else {
		req, err = p.standardRequest(ctx, text, language)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: coqui: %w", tts.ErrSynthesisFailed, err)
	}
	req.Header.Set("Accept", "audio/wav")

	clip, err := p.fetch(req)
	if err != nil {
		return nil, fmt.Errorf("%w: coqui %s: %w", tts.ErrSynthesisFailed, p.mode, err)
	}
	info, err := audio.ParseWAV(clip)
	if err != nil {
		return nil, fmt.Errorf("%w: coqui %s: %w", tts.ErrSynthesisFailed, p.mode, err)
	}
	slog.DebugContext(ctx, "coqui: synthesized",
		"mode", p.mode,
		"duration", info.Duration(),
		"sample_rate", info.SampleRate,
	)
	return &tts.Audio{Data: clip, Format: "wav"}, nil
}

func (p *Provider) standardRequest(ctx context.Context, text, language string) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if p.speaker != "" {
		q.Set("speaker_id", p.speaker)
	}
	if language != "" {
		q.Set("language_id", language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/api/tts?"+q.Encode(), nil)
}

func (p *Provider) xttsRequest(ctx context.Context, text, language string) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{
		"text":        text,
		"speaker_wav": p.speaker,
		"language":    language,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// fetch performs req and returns the body of a 200 response. For other
// statuses the start of the body is included in the error, since Coqui
// reports bad speaker ids and unsupported languages there.
func (p *Provider) fetch(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
}
