// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
//
// The whole text is sent in one message followed by an empty flush message;
// the base64 audio frames ElevenLabs sends back are concatenated until the
// server marks the stream final.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/echonote/pkg/provider/tts"
)

const (
	wsEndpoint       = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	// defaultVoice is the premade "Rachel" voice.
	defaultVoice = "21m00Tcm4TlvDq8ikWAM"

	// readLimit bounds a single audio frame message.
	readLimit = 4 << 20
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the voice ID used for synthesis.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voice = voiceID
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "mp3_22050_32"). The part before the first underscore becomes Audio.Format.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket base URL (scheme and host).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	voice        string
	outputFormat string
	endpoint     string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		voice:        defaultVoice,
		outputFormat: defaultOutputFmt,
		endpoint:     wsEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for a text fragment.
// An empty Text flushes the buffer and ends the input.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" message that authenticates the
// stream and carries the voice settings.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded clip fragment
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (*tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: elevenlabs: empty text", tts.ErrSynthesisFailed)
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(language), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: elevenlabs: dial: %w", tts.ErrSynthesisFailed, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	msgs := []any{
		boiMessage{
			Text:          " ", // ElevenLabs requires a non-empty first text value
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
			XiAPIKey:      p.apiKey,
		},
		// A trailing space tells ElevenLabs the last word is complete.
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%w: elevenlabs: encode message: %w", tts.ErrSynthesisFailed, err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return nil, fmt.Errorf("%w: elevenlabs: send: %w", tts.ErrSynthesisFailed, err)
		}
	}

	var clip bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return nil, fmt.Errorf("%w: elevenlabs: read: %w", tts.ErrSynthesisFailed, err)
		}
		chunk, final, err := decodeFrame(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: elevenlabs: %w", tts.ErrSynthesisFailed, err)
		}
		clip.Write(chunk)
		if final {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if clip.Len() == 0 {
		return nil, fmt.Errorf("%w: elevenlabs: no audio received", tts.ErrSynthesisFailed)
	}
	return &tts.Audio{Data: clip.Bytes(), Format: p.format()}, nil
}

// ---- helpers ----

// buildURL constructs the stream-input URL for the configured voice and model.
func (p *Provider) buildURL(language string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if language != "" {
		q.Set("language_code", language)
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s",
		p.endpoint, url.PathEscape(p.voice), q.Encode())
}

// format derives the file extension from the output format string.
func (p *Provider) format() string {
	ext, _, _ := strings.Cut(p.outputFormat, "_")
	if ext == "" {
		return "mp3"
	}
	return ext
}

// decodeFrame parses one server message into its audio bytes and final flag.
// Non-JSON messages are ignored.
func decodeFrame(msg []byte) ([]byte, bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, nil
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("server error: %s", resp.Error)
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, nil
	}
	chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("decode audio: %w", err)
	}
	return chunk, resp.IsFinal, nil
}
