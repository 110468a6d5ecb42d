package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/echonote/pkg/provider/llm"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	"github.com/MrWong99/echonote/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is known under the entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type P from its configuration entry.
type Factory[P any] func(ProviderEntry) (P, error)

// table is the name -> factory map of one provider kind.
type table[P any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]Factory[P]
}

func newTable[P any](kind string) *table[P] {
	return &table[P]{kind: kind, factories: make(map[string]Factory[P])}
}

func (t *table[P]) register(name string, f Factory[P]) {
	if name == "" || f == nil {
		panic(fmt.Sprintf("config: invalid %s registration %q", t.kind, name))
	}
	t.mu.Lock()
	t.factories[name] = f
	t.mu.Unlock()
}

func (t *table[P]) create(entry ProviderEntry) (P, error) {
	var zero P
	t.mu.RLock()
	f, ok := t.factories[entry.Name]
	t.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s %q (known: %v)", ErrProviderNotRegistered, t.kind, entry.Name, t.names())
	}
	p, err := f(entry)
	if err != nil {
		return zero, fmt.Errorf("config: build %s provider %q: %w", t.kind, entry.Name, err)
	}
	return p, nil
}

func (t *table[P]) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.factories))
}

// Registry resolves [ProviderEntry] names to provider constructors. main
// fills it with the built-in backends, tests with mocks. It is safe for
// concurrent use; a later registration under the same name replaces the
// earlier one.
type Registry struct {
	stt *table[stt.Provider]
	llm *table[llm.Provider]
	tts *table[tts.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: newTable[stt.Provider]("stt"),
		llm: newTable[llm.Provider]("llm"),
		tts: newTable[tts.Provider]("tts"),
	}
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { r.stt.register(name, f) }
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { r.llm.register(name, f) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { r.tts.register(name, f) }

// CreateSTT builds the STT provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }

// CreateLLM builds the LLM provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.create(entry) }

// CreateTTS builds the TTS provider named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.create(entry) }

// Names lists the registered names of kind ("stt", "llm" or "tts"), sorted.
// Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case r.stt.kind:
		return r.stt.names()
	case r.llm.kind:
		return r.llm.names()
	case r.tts.kind:
		return r.tts.names()
	}
	return nil
}
