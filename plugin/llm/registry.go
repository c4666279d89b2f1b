package llm

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

type registration struct {
	provider Provider
	config   Config
	ready    bool
	initErr  error
}

// Registry holds the generation providers of a process. Providers are
// registered, initialized once with Init, looked up by name, and closed with Shutdown.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*registration
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]*registration{}}
}

// Register adds a provider with its configuration. The first registered provider
// becomes the default unless SetDefault is called.
func (r *Registry) Register(p Provider, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = &registration{provider: p, config: cfg}
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return errors.Wrap(ErrProviderNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Init initializes every registered provider. A provider that fails stays
// registered but unavailable; Init only fails when the default provider fails.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, reg := range r.providers {
		if reg.ready {
			continue
		}
		if err := reg.provider.Init(ctx, reg.config); err != nil {
			reg.initErr = err
			slog.Warn("generation provider unavailable", "provider", name, "err", err)
			continue
		}
		reg.ready = true
		slog.Info("generation provider ready", "provider", name, "model", reg.config.Model)
	}
	if reg, ok := r.providers[r.defaultName]; ok && !reg.ready {
		return errors.Wrapf(reg.initErr, "default provider %s", r.defaultName)
	}
	return nil
}

// Get returns an initialized provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	if !ok {
		return nil, errors.Wrap(ErrProviderNotFound, name)
	}
	if !reg.ready {
		return nil, errors.Wrap(ErrProviderUnavailable, name)
	}
	return reg.provider, nil
}

// Has reports whether name is registered, ready or not.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Model returns the configured model of a provider.
func (r *Registry) Model(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.providers[name]; ok {
		return reg.config.Model
	}
	return ""
}

func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Shutdown closes every initialized provider.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, reg := range r.providers {
		if !reg.ready {
			continue
		}
		reg.ready = false
		if err := reg.provider.Close(); err != nil {
			slog.Warn("failed to close generation provider", "provider", name, "err", err)
			if first == nil {
				first = errors.Wrapf(err, "close %s", name)
			}
		}
	}
	return first
}
