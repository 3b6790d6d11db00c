package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/liveconsult/pkg/transport"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTransport] when no
// factory has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TransportFactory builds a [transport.Provider] from its config entry.
type TransportFactory func(ProviderEntry) (transport.Provider, error)

// Registry maps transport names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// CreateTransport instantiates the transport registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(entry ProviderEntry) (transport.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", entry.Name, err)
	}
	return p, nil
}

// Transports returns the registered transport names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for name := range r.transport {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
