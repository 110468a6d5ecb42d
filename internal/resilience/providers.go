package resilience

import (
	"context"

	"github.com/MrWong99/echonote/pkg/provider/llm"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	"github.com/MrWong99/echonote/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ stt.Provider = (*STTFallback)(nil)
	_ llm.Provider = (*LLMFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
	_ stt.Provider = (*retrySTT)(nil)
	_ llm.Provider = (*retryLLM)(nil)
	_ tts.Provider = (*retryTTS)(nil)
)

// ── Failover ─────────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] that fails over across transcription
// backends.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe implements [stt.Provider].
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error) {
	return Execute(ctx, f.FallbackGroup, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, audio, formatHint)
	})
}

// LLMFallback is an [llm.Provider] that fails over across text-generation
// backends.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Execute(ctx, f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// TTSFallback is a [tts.Provider] that fails over across speech-synthesis
// backends.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Synthesize implements [tts.Provider].
func (f *TTSFallback) Synthesize(ctx context.Context, text, language string) (*tts.Audio, error) {
	return Execute(ctx, f.FallbackGroup, func(p tts.Provider) (*tts.Audio, error) {
		return p.Synthesize(ctx, text, language)
	})
}

// ── Retry ────────────────────────────────────────────────────────────────────

// RetrySTT wraps p so failed transcriptions are retried under policy.
func RetrySTT(p stt.Provider, policy RetryPolicy) stt.Provider {
	return &retrySTT{next: p, policy: policy}
}

type retrySTT struct {
	next   stt.Provider
	policy RetryPolicy
}

func (r *retrySTT) Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error) {
	return Retry(ctx, r.policy, "stt.transcribe", func(ctx context.Context) (string, error) {
		return r.next.Transcribe(ctx, audio, formatHint)
	})
}

// RetryLLM wraps p so failed completions are retried under policy.
func RetryLLM(p llm.Provider, policy RetryPolicy) llm.Provider {
	return &retryLLM{next: p, policy: policy}
}

type retryLLM struct {
	next   llm.Provider
	policy RetryPolicy
}

func (r *retryLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Retry(ctx, r.policy, "llm.complete", func(ctx context.Context) (*llm.CompletionResponse, error) {
		return r.next.Complete(ctx, req)
	})
}

// RetryTTS wraps p so failed syntheses are retried under policy.
func RetryTTS(p tts.Provider, policy RetryPolicy) tts.Provider {
	return &retryTTS{next: p, policy: policy}
}

type retryTTS struct {
	next   tts.Provider
	policy RetryPolicy
}

func (r *retryTTS) Synthesize(ctx context.Context, text, language string) (*tts.Audio, error) {
	return Retry(ctx, r.policy, "tts.synthesize", func(ctx context.Context) (*tts.Audio, error) {
		return r.next.Synthesize(ctx, text, language)
	})
}
