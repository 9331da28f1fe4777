package listener

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry tracks one Base per bound (network, address) pair, so two
// probes configured to listen on the same socket share it instead of
// racing to bind twice.
type Registry struct {
	mu    sync.Mutex
	bases map[string]*Base

	logger *zap.Logger
}

// NewRegistry returns an empty Base registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{bases: make(map[string]*Base), logger: logger}
}

// Acquire returns the Base for (network, address), binding it if this is
// the first request, or incrementing its reference count if one already
// exists. udpBufferBytes only takes effect on first bind.
func (r *Registry) Acquire(network, address string, udpBufferBytes int) (*Base, error) {
	key := network + "|" + address

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bases[key]; ok {
		b.Acquire()
		return b, nil
	}

	b, err := NewBase(network, address, udpBufferBytes, r.logger)
	if err != nil {
		return nil, fmt.Errorf("listener: registry acquire %s: %w", key, err)
	}
	r.bases[key] = b
	return b, nil
}

// Release decrements the reference count for (network, address) and
// removes it from the registry if the Base closed as a result.
func (r *Registry) Release(network, address string) {
	key := network + "|" + address

	r.mu.Lock()
	b, ok := r.bases[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	if closed := b.Release(); closed {
		r.mu.Lock()
		delete(r.bases, key)
		r.mu.Unlock()
	}
}

// Count returns the number of distinct bases currently tracked. Nothing
// feeds it to BufferBudget: each Base keeps the buffer size it was
// bound with.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bases)
}
