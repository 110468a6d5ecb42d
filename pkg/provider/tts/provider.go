// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI, ElevenLabs,
// or a local Coqui TTS server) and turns a complete text into a single encoded
// audio clip that can be stored as an artifact.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrSynthesisFailed is the kind of every error returned by a Provider.
// Implementations join it with the underlying cause so that callers can match
// on the kind with errors.Is while still seeing the cause.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Audio is an encoded speech clip.
type Audio struct {
	// Data is the encoded clip (e.g., MP3 or WAV bytes).
	Data []byte

	// Format is the file extension matching Data without the leading dot
	// (e.g., "mp3", "wav").
	Format string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into speech in the given language (an ISO-639-1
	// code such as "ko" or "en"). An empty text returns an error wrapping
	// ErrSynthesisFailed. Providers do not retry internally.
	Synthesize(ctx context.Context, text, language string) (*Audio, error)
}
