// Package memory is an in-process Packer, used by tests and by
// standalone/dry-run invocations of flowcollectord that have no
// downstream sink configured.
package memory

import (
	"context"
	"sync"

	"github.com/netweaver/flowcollector/pkg/packer"
)

// Sink stores every record it is handed, in arrival order.
type Sink struct {
	mu      sync.Mutex
	records []packer.Classified
	closed  bool
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Pack appends records to the sink's buffer.
func (s *Sink) Pack(ctx context.Context, records []packer.Classified) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Close marks the sink closed; it remains readable afterward.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Records returns a copy of every record packed so far.
func (s *Sink) Records() []packer.Classified {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]packer.Classified, len(s.records))
	copy(out, s.records)
	return out
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
