package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/echonote/internal/config"
	"github.com/MrWong99/echonote/internal/observe"
	"github.com/MrWong99/echonote/internal/resilience"
	"github.com/MrWong99/echonote/pkg/provider/llm"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	"github.com/MrWong99/echonote/pkg/provider/tts"
)

// Providers holds the provider chains the pipeline talks to. Each slot is
// the configured primary wrapped in bounded retries and, when fallbacks are
// configured, a failover group with one circuit breaker per backend.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// STTName, LLMName and TTSName label metrics with the primary name.
	STTName string
	LLMName string
	TTSName string
}

// named pairs a provider with the label it is registered under in a chain.
type named[P any] struct {
	name     string
	provider P
}

// BuildProviders creates every configured provider through reg and assembles
// the resilient chains. m receives circuit-breaker transitions and may be nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	policy := resilience.RetryPolicy{
		MaxAttempts:    cfg.Pipeline.Retry.MaxAttempts,
		InitialBackoff: cfg.Pipeline.Retry.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.Retry.MaxBackoff,
	}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Pipeline.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.Pipeline.CircuitBreaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
				if m != nil {
					m.RecordCircuitTransition(context.Background(), name, to.String())
				}
			},
		},
	}

	ps := &Providers{
		STTName: cfg.Providers.STT.Name,
		LLMName: cfg.Providers.LLM.Name,
		TTSName: cfg.Providers.TTS.Name,
	}

	// ── STT ──────────────────────────────────────────────────────────────
	stts, err := createChain("stt", cfg.Providers.STT, reg.CreateSTT, func(p stt.Provider) stt.Provider {
		return resilience.RetrySTT(p, policy)
	})
	if err != nil {
		return nil, err
	}
	if len(stts) == 1 {
		ps.STT = stts[0].provider
	} else {
		fb := resilience.NewSTTFallback(stts[0].provider, stts[0].name, fbCfg)
		for _, n := range stts[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.STT = fb
	}

	// ── LLM ──────────────────────────────────────────────────────────────
	llms, err := createChain("llm", cfg.Providers.LLM, reg.CreateLLM, func(p llm.Provider) llm.Provider {
		return resilience.RetryLLM(p, policy)
	})
	if err != nil {
		return nil, err
	}
	if len(llms) == 1 {
		ps.LLM = llms[0].provider
	} else {
		fb := resilience.NewLLMFallback(llms[0].provider, llms[0].name, fbCfg)
		for _, n := range llms[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.LLM = fb
	}

	// ── TTS ──────────────────────────────────────────────────────────────
	ttss, err := createChain("tts", cfg.Providers.TTS, reg.CreateTTS, func(p tts.Provider) tts.Provider {
		return resilience.RetryTTS(p, policy)
	})
	if err != nil {
		return nil, err
	}
	if len(ttss) == 1 {
		ps.TTS = ttss[0].provider
	} else {
		fb := resilience.NewTTSFallback(ttss[0].provider, ttss[0].name, fbCfg)
		for _, n := range ttss[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.TTS = fb
	}

	return ps, nil
}

// createChain instantiates entry followed by its fallbacks, wrapping each in
// retry. Repeated names get a numeric suffix so every breaker has its own
// label.
func createChain[P any](kind string, entry config.ProviderEntry, create config.Factory[P], retry func(P) P) ([]named[P], error) {
	entries := append([]config.ProviderEntry{entry}, entry.Fallbacks...)
	seen := make(map[string]int, len(entries))
	out := make([]named[P], 0, len(entries))
	for i, e := range entries {
		p, err := create(e)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("app: create %s provider %q: %w", kind, e.Name, err)
			}
			return nil, fmt.Errorf("app: create %s fallback %d (%q): %w", kind, i, e.Name, err)
		}
		label := e.Name
		if n := seen[e.Name]; n > 0 {
			label = fmt.Sprintf("%s#%d", e.Name, n+1)
		}
		seen[e.Name]++
		out = append(out, named[P]{name: label, provider: retry(p)})
	}
	return out, nil
}
