package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/echonote/pkg/provider/llm"
	llmmock "github.com/MrWong99/echonote/pkg/provider/llm/mock"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	sttmock "github.com/MrWong99/echonote/pkg/provider/stt/mock"
	"github.com/MrWong99/echonote/pkg/provider/tts"
	ttsmock "github.com/MrWong99/echonote/pkg/provider/tts/mock"
)

func TestSTTFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: fmt.Errorf("%w: quota", stt.ErrTranscriptionFailed)}
	secondary := &sttmock.Provider{Text: "hello"}

	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", secondary)

	text, err := fb.Transcribe(context.Background(), []byte("clip"), "wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q, want hello", text)
	}
	if len(primary.Calls()) != 1 || len(secondary.Calls()) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.Calls()), len(secondary.Calls()))
	}
	if got := secondary.Calls()[0].FormatHint; got != "wav" {
		t.Errorf("format hint = %q, want wav", got)
	}
}

func TestSTTFallback_AllFailIsTranscriptionFailed(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{Err: stt.ErrTranscriptionFailed}, "a", FallbackConfig{})
	fb.AddFallback("b", &sttmock.Provider{Err: stt.ErrTranscriptionFailed})

	_, err := fb.Transcribe(context.Background(), []byte("clip"), "wav")
	if !errors.Is(err, stt.ErrTranscriptionFailed) || !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed and ErrTranscriptionFailed", err)
	}
}

func TestLLMFallback_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: llm.ErrGenerationFailed}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "summary" {
		t.Errorf("content = %q, want summary", resp.Content)
	}
	if got := secondary.Calls()[0].Req.Messages[0].Content; got != "hi" {
		t.Errorf("forwarded message = %q, want hi", got)
	}
}

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: tts.ErrSynthesisFailed}
	secondary := &ttsmock.Provider{Audio: &tts.Audio{Data: []byte("RIFF"), Format: "wav"}}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	audio, err := fb.Synthesize(context.Background(), "요약", "ko")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.Format != "wav" {
		t.Errorf("format = %q, want wav", audio.Format)
	}
	if got := secondary.Calls()[0].Language; got != "ko" {
		t.Errorf("language = %q, want ko", got)
	}
}

func TestRetrySTT_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	p := &sttmock.Provider{
		TranscribeFunc: func(context.Context, []byte, string) (string, error) {
			calls++
			if calls == 1 {
				return "", stt.ErrTranscriptionFailed
			}
			return "ok", nil
		},
	}
	text, err := RetrySTT(p, fastPolicy(2)).Transcribe(context.Background(), []byte("clip"), "mp3")
	if err != nil || text != "ok" {
		t.Fatalf("Transcribe = (%q, %v), want ok", text, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryLLM_GivesUp(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: llm.ErrGenerationFailed}
	_, err := RetryLLM(p, fastPolicy(2)).Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, llm.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestRetryTTS_NoRetryAfterDeadline(t *testing.T) {
	p := &ttsmock.Provider{
		SynthesizeFunc: func(ctx context.Context, _, _ string) (*tts.Audio, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("%w: %w", tts.ErrSynthesisFailed, ctx.Err())
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := RetryTTS(p, fastPolicy(3)).Synthesize(ctx, "text", "ko")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
