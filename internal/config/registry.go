package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/embed"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
	"github.com/earshot-ai/earshot/pkg/provider/respond"
	"github.com/earshot-ai/earshot/pkg/provider/stt"
	"github.com/earshot-ai/earshot/pkg/provider/tts"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// MicFactory constructs a microphone source. Unlike the other factories it
// receives the frame geometry, which every source needs, and a context
// bounding any connection handshake the backend performs.
type MicFactory func(ctx context.Context, geometry mic.Config, entry ProviderEntry) (mic.Source, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	mic     map[string]MicFactory
	stt     map[string]func(ProviderEntry) (stt.Provider, error)
	tts     map[string]func(ProviderEntry) (tts.Synthesizer, error)
	respond map[string]func(ProviderEntry) (respond.Generator, error)
	vad     map[string]func(ProviderEntry) (vad.Engine, error)
	embed   map[string]func(ProviderEntry) (embed.Embedder, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		mic:     make(map[string]MicFactory),
		stt:     make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:     make(map[string]func(ProviderEntry) (tts.Synthesizer, error)),
		respond: make(map[string]func(ProviderEntry) (respond.Generator, error)),
		vad:     make(map[string]func(ProviderEntry) (vad.Engine, error)),
		embed:   make(map[string]func(ProviderEntry) (embed.Embedder, error)),
	}
}

// RegisterMic registers a microphone source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMic(name string, factory MicFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a speech synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterRespond registers a response generator factory under name.
func (r *Registry) RegisterRespond(name string, factory func(ProviderEntry) (respond.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respond[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterEmbed registers an embedding provider factory under name.
func (r *Registry) RegisterEmbed(name string, factory func(ProviderEntry) (embed.Embedder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embed[name] = factory
}

// CreateMic instantiates a microphone source using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateMic(ctx context.Context, geometry mic.Config, entry ProviderEntry) (mic.Source, error) {
	r.mu.RLock()
	factory, ok := r.mic[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: mic/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, geometry, entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a speech synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRespond instantiates a response generator using the factory registered under entry.Name.
func (r *Registry) CreateRespond(entry ProviderEntry) (respond.Generator, error) {
	r.mu.RLock()
	factory, ok := r.respond[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: respond/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbed instantiates an embedding provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbed(entry ProviderEntry) (embed.Embedder, error) {
	r.mu.RLock()
	factory, ok := r.embed[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embed/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
