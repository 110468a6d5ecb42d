// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio clips and to verify which texts and
// languages the caller asked to synthesise.
//
// Example:
//
//	p := &mock.Provider{
//	    Audio: &tts.Audio{Data: []byte("mp3"), Format: "mp3"},
//	}
//	clip, _ := p.Synthesize(ctx, "hello", "en")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echonote/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Language is the language passed to Synthesize.
	Language string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize when SynthesizeFunc is nil. When nil a
	// small MP3-tagged clip is returned.
	Audio *tts.Audio

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// SynthesizeFunc, if set, computes the result for each call.
	SynthesizeFunc func(ctx context.Context, text, language string) (*tts.Audio, error)

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (*tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Language: language})
	fn, audio, err := p.SynthesizeFunc, p.Audio, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, language)
	}
	if err != nil {
		return nil, err
	}
	if audio == nil {
		return &tts.Audio{Data: []byte("ID3mock"), Format: "mp3"}, nil
	}
	out := *audio
	return &out, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
