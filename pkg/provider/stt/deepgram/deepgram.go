// Package deepgram transcribes clips over the Deepgram live WebSocket API.
//
// The clip is pushed as binary frames and terminated with a CloseStream
// control message. Deepgram answers with Results events and closes the socket
// once everything is processed; the final segments are joined in arrival
// order.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echonote/pkg/provider/stt"
)

const (
	liveEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel = "nova-3"

	// frameSize is the payload of each binary frame.
	frameSize = 8 << 10

	// pcmSampleRate is declared for raw "pcm" clips, which carry no header.
	pcmSampleRate = 16000

	maxMessageBytes = 1 << 20
)

var closeStream = []byte(`{"type":"CloseStream"}`)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the Deepgram model ("nova-3", "base", ...).
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 recognition language. Default "ko".
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint replaces the ws:// or wss:// listen endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider with one WebSocket session per clip.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, language: "ko", endpoint: liveEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip []byte, formatHint string) (string, error) {
	if len(clip) == 0 {
		return "", fmt.Errorf("%w: deepgram: empty audio", stt.ErrTranscriptionFailed)
	}
	text, err := p.stream(ctx, clip, strings.ToLower(formatHint))
	if err != nil {
		return "", fmt.Errorf("%w: deepgram: %w", stt.ErrTranscriptionFailed, err)
	}
	return text, nil
}

func (p *Provider) stream(ctx context.Context, clip []byte, hint string) (string, error) {
	target, err := p.listenURL(hint)
	if err != nil {
		return "", err
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	// A failure on either side cancels the other.
	g, gctx := errgroup.WithContext(ctx)
	var segments []string
	g.Go(func() error {
		for off := 0; off < len(clip); off += frameSize {
			if err := conn.Write(gctx, websocket.MessageBinary, clip[off:min(off+frameSize, len(clip))]); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
		if err := conn.Write(gctx, websocket.MessageText, closeStream); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			_, msg, err := conn.Read(gctx)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			if seg, ok := parseFinal(msg); ok && seg != "" {
				segments = append(segments, seg)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(segments, " "), nil
}

// listenURL adds the recognition parameters to the endpoint. Container
// formats are left for Deepgram to sniff; raw PCM needs encoding and rate.
func (p *Provider) listenURL(hint string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if hint == "pcm" {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(pcmSampleRate))
		q.Set("channels", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// results is the subset of a Deepgram event that matters here.
type results struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseFinal returns the best transcript of a final Results event. Interim
// results, other event types and undecodable messages report false.
func parseFinal(msg []byte) (string, bool) {
	var ev results
	if json.Unmarshal(msg, &ev) != nil || ev.Type != "Results" || !ev.IsFinal || len(ev.Channel.Alternatives) == 0 {
		return "", false
	}
	return strings.TrimSpace(ev.Channel.Alternatives[0].Transcript), true
}
