package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/echonote/pkg/provider/tts"
	"github.com/MrWong99/echonote/pkg/provider/tts/openai"
)

func TestNew_Validation(t *testing.T) {
	if _, err := openai.New(""); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := openai.New("sk-test", openai.WithSpeed(10)); err == nil {
		t.Error("expected error for out-of-range speed")
	}
	if _, err := openai.New("sk-test", openai.WithSpeed(1.5)); err != nil {
		t.Errorf("unexpected error for valid speed: %v", err)
	}
}

func TestSynthesize_ReturnsMP3(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "ID3fake-mp3")
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"), openai.WithVoice("nova"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	audio, err := p.Synthesize(context.Background(), "요약입니다", "ko")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "ID3fake-mp3" || audio.Format != "mp3" {
		t.Errorf("audio = (%q, %q)", audio.Data, audio.Format)
	}
	if got["model"] != "tts-1" || got["voice"] != "nova" || got["input"] != "요약입니다" {
		t.Errorf("request body = %v", got)
	}
	if got["response_format"] != "mp3" {
		t.Errorf("response_format = %v, want mp3", got["response_format"])
	}
}

func TestSynthesize_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "rate limited", "type": "requests"}}`)
	}))
	defer srv.Close()

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"))
	_, err := p.Synthesize(context.Background(), "hello", "en")
	if !errors.Is(err, tts.ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := openai.New("sk-test")
	_, err := p.Synthesize(context.Background(), "", "ko")
	if !errors.Is(err, tts.ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
}
