// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps an external transcription service (OpenAI Whisper,
// Deepgram, a local whisper.cpp server) behind a single batch call: one audio
// clip in, plain text out. Implementations never retry on their own; bounded
// retries are a policy applied by callers (see internal/resilience).
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrTranscriptionFailed marks any failure of the speech-to-text backend:
// quota exhaustion, malformed audio, timeouts and transport errors alike.
var ErrTranscriptionFailed = errors.New("transcription failed")

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe converts one audio clip into text. formatHint is the clip's
	// file extension without the dot ("wav", "mp3", "m4a", ...); providers use
	// it to name the upload or to pick a content type.
	//
	// An empty transcript (silence) is a valid result, not an error. Every
	// failure is returned wrapped in [ErrTranscriptionFailed].
	Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error)
}

// ContentType maps a format hint to the MIME type used for uploads.
// Unknown hints map to "application/octet-stream".
func ContentType(formatHint string) string {
	switch formatHint {
	case "wav":
		return "audio/wav"
	case "mp3", "mpeg", "mpga":
		return "audio/mpeg"
	case "m4a", "mp4":
		return "audio/mp4"
	case "ogg", "oga":
		return "audio/ogg"
	case "webm":
		return "audio/webm"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
