// Package packer defines the downstream collaborator contract (D3/D4):
// flowcollector hands classified flow records to a Packer, which owns
// everything past that boundary (bulk database insert, message-queue
// publish, or in-memory capture for tests).
package packer

import (
	"context"
	"time"

	"github.com/netweaver/flowcollector/pkg/classify"
	"github.com/netweaver/flowcollector/pkg/flow"
)

// Classified pairs a decoded record with the classifier's verdict and the
// exporter metadata a sink needs to shape its own schema.
type Classified struct {
	Record         *flow.Record
	Classification classify.Classification
	SourceName     string
	ExporterIP     string
	ObservedAt     time.Time
}

// Packer consumes a batch of classified records. Implementations must be
// safe for concurrent use: the supervisor may run more than one consumer
// loop feeding the same Packer.
type Packer interface {
	Pack(ctx context.Context, records []Classified) error
	Close() error
}
