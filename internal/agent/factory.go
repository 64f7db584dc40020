package agent

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Constructor builds a provider. It must not perform I/O.
type Constructor func() Provider

// Factory selects the active provider by a configuration value, caches it,
// and hands the same instance to every job until Reset is called.
// A Factory is meant to be created once per process and injected where needed.
type Factory struct {
	mu           sync.RWMutex
	selector     func() string
	fallback     string
	constructors map[string]Constructor
	cached       Provider
}

// NewFactory creates a factory. selector is consulted on the first Get after
// construction or Reset; fallback names the provider used for unknown values.
func NewFactory(selector func() string, fallback string) *Factory {
	return &Factory{
		selector:     selector,
		fallback:     fallback,
		constructors: make(map[string]Constructor),
	}
}

// EnvSelector reads key from the environment, returning def when unset.
func EnvSelector(key, def string) func() string {
	return func() string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return def
	}
}

// Register adds a named constructor. Registering a name twice replaces it.
func (f *Factory) Register(name string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = c
}

// Names returns the registered provider names in sorted order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for n := range f.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the cached provider, building it on first use.
func (f *Factory) Get() Provider {
	f.mu.RLock()
	p := f.cached
	f.mu.RUnlock()
	if p != nil {
		return p
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		return f.cached
	}

	name := strings.ToLower(strings.TrimSpace(f.selector()))
	ctor, ok := f.constructors[name]
	if !ok {
		log.Warn().
			Str("selected", name).
			Str("fallback", f.fallback).
			Msg("Unknown agent provider, using default")
		ctor = f.constructors[f.fallback]
		name = f.fallback
	}
	if ctor == nil {
		log.Error().Str("provider", name).Msg("No agent provider registered")
		return nil
	}

	f.cached = ctor()
	log.Info().Str("provider", f.cached.Name()).Msg("Agent provider selected")
	return f.cached
}

// Reset drops the cached provider so the next Get re-reads the selector.
func (f *Factory) Reset() {
	f.mu.Lock()
	f.cached = nil
	f.mu.Unlock()
}
