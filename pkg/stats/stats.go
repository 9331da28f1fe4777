// Package stats holds the atomic counters flowcollector's sources and
// engines accumulate, plus a Provider that renders them as JSON, plain
// text, or HTML for the status HTTP surface (pkg/httpstatus).
package stats

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// SourceCounters is one probe/source's running totals. All fields are
// safe for concurrent use from a decoder goroutine and a status reader.
type SourceCounters struct {
	Name string

	PacketsReceived *atomic.Uint64
	RecordsDecoded  *atomic.Uint64
	RecordsDropped  *atomic.Uint64
	DecodeErrors    *atomic.Uint64
	Reboots         *atomic.Uint64
	SequenceGaps    *atomic.Uint64
	LateArrivals    *atomic.Uint64

	LastPeer *atomic.String
}

// NewSourceCounters returns a zeroed counter set for the named source.
func NewSourceCounters(name string) *SourceCounters {
	return &SourceCounters{
		Name:            name,
		PacketsReceived: atomic.NewUint64(0),
		RecordsDecoded:  atomic.NewUint64(0),
		RecordsDropped:  atomic.NewUint64(0),
		DecodeErrors:    atomic.NewUint64(0),
		Reboots:         atomic.NewUint64(0),
		SequenceGaps:    atomic.NewUint64(0),
		LateArrivals:    atomic.NewUint64(0),
		LastPeer:        atomic.NewString(""),
	}
}

// Snapshot is a point-in-time copy of a SourceCounters, safe to hand to a
// renderer without holding any locks.
type Snapshot struct {
	Name            string `json:"name"`
	PacketsReceived uint64 `json:"packets_received"`
	RecordsDecoded  uint64 `json:"records_decoded"`
	RecordsDropped  uint64 `json:"records_dropped"`
	DecodeErrors    uint64 `json:"decode_errors"`
	Reboots         uint64 `json:"reboots"`
	SequenceGaps    uint64 `json:"sequence_gaps"`
	LateArrivals    uint64 `json:"late_arrivals"`
	LastPeer        string `json:"last_peer"`
}

// Snapshot reads every counter once into a Snapshot.
func (c *SourceCounters) Snapshot() Snapshot {
	return Snapshot{
		Name:            c.Name,
		PacketsReceived: c.PacketsReceived.Load(),
		RecordsDecoded:  c.RecordsDecoded.Load(),
		RecordsDropped:  c.RecordsDropped.Load(),
		DecodeErrors:    c.DecodeErrors.Load(),
		Reboots:         c.Reboots.Load(),
		SequenceGaps:    c.SequenceGaps.Load(),
		LateArrivals:    c.LateArrivals.Load(),
		LastPeer:        c.LastPeer.Load(),
	}
}

// Registry tracks one SourceCounters per configured source, keyed by
// source name.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*SourceCounters
}

// NewRegistry returns an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*SourceCounters)}
}

// ForSource returns the counters for name, creating them on first use.
func (r *Registry) ForSource(name string) *SourceCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = NewSourceCounters(name)
		r.counters[name] = c
	}
	return c
}

// Snapshots returns every tracked source's snapshot, sorted by name so
// renderers produce stable output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	sources := make([]*SourceCounters, 0, len(r.counters))
	for _, c := range r.counters {
		sources = append(sources, c)
	}
	r.mu.Unlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	out := make([]Snapshot, len(sources))
	for i, c := range sources {
		out[i] = c.Snapshot()
	}
	return out
}

// Provider renders a Registry's current state for the status HTTP
// surface, in the three shapes callers may ask for.
type Provider struct {
	registry *Registry
}

// NewProvider returns a Provider backed by reg.
func NewProvider(reg *Registry) *Provider {
	return &Provider{registry: reg}
}

// JSON returns a map suitable for encoding/json, structured as
// {"sources": [...]}. verbose is accepted for symmetry with Text/HTML but
// flowcollector's snapshot has no extra detail to hide, so it has no
// effect yet.
func (p *Provider) JSON(verbose bool) map[string]interface{} {
	return map[string]interface{}{
		"sources": p.registry.Snapshots(),
	}
}

// Text writes a human-readable status report to w.
func (p *Provider) Text(verbose bool, w io.Writer) error {
	snaps := p.registry.Snapshots()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Total Sources: %d\n\n", len(snaps))

	for _, s := range snaps {
		fmt.Fprintf(&buf, "=== %s ===\n", s.Name)
		fmt.Fprintf(&buf, "  Packets Received: %d\n", s.PacketsReceived)
		fmt.Fprintf(&buf, "  Records Decoded:  %d\n", s.RecordsDecoded)
		fmt.Fprintf(&buf, "  Records Dropped:  %d\n", s.RecordsDropped)
		fmt.Fprintf(&buf, "  Decode Errors:    %d\n", s.DecodeErrors)
		if verbose {
			fmt.Fprintf(&buf, "  Reboots:          %d\n", s.Reboots)
			fmt.Fprintf(&buf, "  Sequence Gaps:    %d\n", s.SequenceGaps)
			fmt.Fprintf(&buf, "  Late Arrivals:    %d\n", s.LateArrivals)
			fmt.Fprintf(&buf, "  Last Peer:        %s\n", s.LastPeer)
		}
		buf.WriteByte('\n')
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// HTML writes the same report as Text, formatted for embedding in the
// status page.
func (p *Provider) HTML(verbose bool, w io.Writer) error {
	snaps := p.registry.Snapshots()

	var buf bytes.Buffer
	buf.WriteString(`<div class="stat">`)
	buf.WriteString(`<span class="stat_title">FlowCollector</span>`)
	buf.WriteString(`<span class="stat_data">`)
	fmt.Fprintf(&buf, "Total Sources: %d<br>", len(snaps))

	for _, s := range snaps {
		fmt.Fprintf(&buf, `<span class="stat_subtitle">%s</span><br>`, s.Name)
		fmt.Fprintf(&buf, "Packets Received: %d<br>", s.PacketsReceived)
		fmt.Fprintf(&buf, "Records Decoded: %d<br>", s.RecordsDecoded)
		fmt.Fprintf(&buf, "Records Dropped: %d<br>", s.RecordsDropped)
		fmt.Fprintf(&buf, "Decode Errors: %d<br>", s.DecodeErrors)
		if verbose {
			fmt.Fprintf(&buf, "Reboots: %d<br>", s.Reboots)
			fmt.Fprintf(&buf, "Sequence Gaps: %d<br>", s.SequenceGaps)
			fmt.Fprintf(&buf, "Late Arrivals: %d<br>", s.LateArrivals)
			fmt.Fprintf(&buf, "Last Peer: %s<br>", s.LastPeer)
		}
	}

	buf.WriteString(`</span></div>`)

	_, err := w.Write(buf.Bytes())
	return err
}
