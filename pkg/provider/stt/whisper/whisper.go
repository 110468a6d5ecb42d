// Package whisper transcribes clips with a self-hosted whisper.cpp server
// (the whisper-server binary and its POST /inference endpoint).
//
// whisper-server decodes containerised audio only, so raw 16-bit PCM passed
// with the "pcm" format hint is wrapped in a WAV header first.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("ko"))
//	text, err := p.Transcribe(ctx, clip, "wav")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/echonote/pkg/audio"
	"github.com/MrWong99/echonote/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// maxReplyBytes caps the JSON reply read from the server.
const maxReplyBytes = 4 << 20

// Option configures a Provider.
type Option func(*Provider)

// WithModel forwards a model name ("base", "small", ...). Empty leaves the
// model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the spoken language. Default "ko"; "auto" lets the
// server detect it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate is the rate assumed for raw PCM clips. Default 16 kHz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.pcmRate = rate }
}

// WithHTTPClient swaps the client used for uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider against one whisper-server. It holds no
// per-request state.
type Provider struct {
	endpoint string
	model    string
	language string
	pcmRate  int
	client   *http.Client
}

// New returns a Provider for the server rooted at baseURL, for example
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: server url is required")
	}
	p := &Provider{
		endpoint: strings.TrimRight(baseURL, "/") + "/inference",
		language: "ko",
		pcmRate:  16000,
		client:   &http.Client{Timeout: time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip []byte, formatHint string) (string, error) {
	if len(clip) == 0 {
		return "", fmt.Errorf("%w: whisper: empty audio", stt.ErrTranscriptionFailed)
	}
	ext := strings.ToLower(formatHint)
	switch ext {
	case "":
		ext = "wav"
	case "pcm":
		clip, ext = audio.EncodePCM16(clip, p.pcmRate, 1), "wav"
	}

	text, err := p.upload(ctx, clip, ext)
	if err != nil {
		return "", fmt.Errorf("%w: whisper: %w", stt.ErrTranscriptionFailed, err)
	}
	return strings.TrimSpace(text), nil
}

func (p *Provider) upload(ctx context.Context, clip []byte, ext string) (string, error) {
	body, contentType, err := p.form(clip, ext)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var reply struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.Text, nil
}

// form encodes the multipart body: the clip as "file" plus the non-empty
// inference parameters.
func (p *Provider) form(clip []byte, ext string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio."+ext)
	if err == nil {
		_, err = part.Write(clip)
	}
	for _, f := range [...]struct{ name, value string }{
		{"response_format", "json"},
		{"language", p.language},
		{"model", p.model},
	} {
		if err == nil && f.value != "" {
			err = mw.WriteField(f.name, f.value)
		}
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
