package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
	"github.com/MrWong99/medvoice/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories holds the constructors of one provider kind.
type factories[T any] struct {
	kind string
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

func (f factories[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := f.m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

func (f factories[T]) names(mu *sync.RWMutex) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry maps provider names to constructors for each pipeline stage. It
// is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    factories[llm.Provider]
	stt    factories[stt.Provider]
	tts    factories[tts.Provider]
	duplex factories[duplex.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    newFactories[llm.Provider]("llm"),
		stt:    newFactories[stt.Provider]("stt"),
		tts:    newFactories[tts.Provider]("tts"),
		duplex: newFactories[duplex.Provider]("duplex"),
	}
}

// RegisterLLM registers a language model factory under name. A later call
// with the same name replaces the earlier one.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterSTT registers a speech recognizer factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterDuplex registers a full-duplex engine factory under name.
func (r *Registry) RegisterDuplex(name string, factory func(ProviderEntry) (duplex.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplex.m[name] = factory
}

// CreateLLM builds the language model registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(&r.mu, entry)
}

// CreateSTT builds the recognizer registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(&r.mu, entry)
}

// CreateTTS builds the synthesizer registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(&r.mu, entry)
}

// CreateDuplex builds the full-duplex engine registered under entry.Name.
func (r *Registry) CreateDuplex(entry ProviderEntry) (duplex.Provider, error) {
	return r.duplex.create(&r.mu, entry)
}

// LLMNames lists the registered language model names.
func (r *Registry) LLMNames() []string { return r.llm.names(&r.mu) }
