// Package source wires the listener fabric (C2) and a protocol decoder
// (C3/C4) to the ring (C1): one Source owns a Ring, accepts datagrams
// from the listener as a pkg/listener.Handler, and hands decoded records
// to a consumer loop via NextRecords.
package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/netweaver/flowcollector/pkg/flow"
	"github.com/netweaver/flowcollector/pkg/ring"
	"github.com/netweaver/flowcollector/pkg/stats"
)

// ErrStopped is returned by NextRecords once the source's ring has been
// stopped. Packets still buffered in the ring at that point are not
// returned.
var ErrStopped = errors.New("source: stopped")

// Decoder is satisfied by pkg/netflow5.Decoder and pkg/ipfixadapter's
// decoder: both turn one wire packet from one exporter into zero or more
// flow.Records.
type Decoder interface {
	Decode(data []byte, exporter net.IP, arrivedAt time.Time) ([]flow.Record, error)
}

// envelopeOverhead is the fixed prefix Ingest writes before the payload:
// 2-byte peer-host length, up to 64 bytes of peer host (port stripped,
// since the decoder keys sessions on exporter address only), 8-byte
// arrival unix nanos, 4-byte payload length.
const maxPeerLen = 64
const envelopeOverhead = 2 + maxPeerLen + 8 + 4

// Source decouples one probe's receive path from its decode/classify
// path via a bounded ring.
type Source struct {
	Name string

	ring     *ring.Ring
	decoder  Decoder
	counters *stats.SourceCounters
	logger   *zap.Logger

	acceptFrom []net.IP // empty means accept from any peer
	rejected   map[string]bool
}

// New allocates a Source with a ring sized to hold itemCount packets of
// up to itemSize bytes (the payload capacity; the ring's per-cell
// capacity is itemSize+envelopeOverhead to carry the peer/arrival
// envelope alongside the wire bytes).
func New(name string, itemSize, itemCount int, decoder Decoder, counters *stats.SourceCounters, acceptFrom []net.IP, logger *zap.Logger) (*Source, error) {
	r, err := ring.Create(itemSize+envelopeOverhead, itemCount)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}
	return &Source{
		Name:       name,
		ring:       r,
		decoder:    decoder,
		counters:   counters,
		logger:     logger,
		acceptFrom: acceptFrom,
		rejected:   make(map[string]bool),
	}, nil
}

func hostOf(peer net.Addr) string {
	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		return peer.String()
	}
	return host
}

func (s *Source) allowed(peer net.Addr) bool {
	if len(s.acceptFrom) == 0 {
		return true
	}
	host := net.ParseIP(hostOf(peer))
	if host == nil {
		return false
	}
	for _, ip := range s.acceptFrom {
		if ip.Equal(host) {
			return true
		}
	}
	return false
}

// Ingest is a pkg/listener.Handler: it applies the probe's
// accept-from-host filter (logging the first drop from a newly rejected
// host, per spec, then staying silent for that host) and, if accepted,
// copies the datagram into the ring.
func (s *Source) Ingest(data []byte, peer net.Addr, arrivedAt time.Time) {
	if s.counters != nil {
		s.counters.PacketsReceived.Inc()
		s.counters.LastPeer.Store(peer.String())
	}

	if !s.allowed(peer) {
		host := hostOf(peer)
		if !s.rejected[host] {
			s.rejected[host] = true
			if s.logger != nil {
				s.logger.Warn("ignoring packets from host", zap.String("source", s.Name), zap.String("host", host))
			}
		}
		return
	}
	delete(s.rejected, hostOf(peer))

	cell, status := s.ring.AcquireWriter(nil)
	if status == ring.Stopped {
		return
	}
	encodeEnvelope(cell, hostOf(peer), arrivedAt, data)
	s.ring.Flush()
}

func encodeEnvelope(cell []byte, peer string, arrivedAt time.Time, payload []byte) int {
	if len(peer) > maxPeerLen {
		peer = peer[:maxPeerLen]
	}
	binary.BigEndian.PutUint16(cell[0:2], uint16(len(peer)))
	copy(cell[2:2+maxPeerLen], peer)
	binary.BigEndian.PutUint64(cell[2+maxPeerLen:2+maxPeerLen+8], uint64(arrivedAt.UnixNano()))

	payloadOff := envelopeOverhead
	maxPayload := len(cell) - payloadOff
	n := len(payload)
	if n > maxPayload {
		n = maxPayload
	}
	binary.BigEndian.PutUint32(cell[2+maxPeerLen+8:envelopeOverhead], uint32(n))
	copy(cell[payloadOff:payloadOff+n], payload[:n])
	return n
}

func decodeEnvelope(cell []byte) (peerHost string, arrivedAt time.Time, payload []byte) {
	peerLen := binary.BigEndian.Uint16(cell[0:2])
	peerHost = string(cell[2 : 2+int(peerLen)])
	nanos := binary.BigEndian.Uint64(cell[2+maxPeerLen : 2+maxPeerLen+8])
	arrivedAt = time.Unix(0, int64(nanos))
	n := binary.BigEndian.Uint32(cell[2+maxPeerLen+8 : envelopeOverhead])
	payload = cell[envelopeOverhead : envelopeOverhead+int(n)]
	return
}

// NextRecords blocks until a packet is available, decodes it, and
// returns its records. It returns ErrStopped as soon as the source has
// been stopped, without draining packets still buffered in the ring.
func (s *Source) NextRecords() ([]flow.Record, error) {
	cell, status := s.ring.AcquireReader(nil)
	if status == ring.Stopped {
		return nil, ErrStopped
	}

	peerHost, arrivedAt, payload := decodeEnvelope(cell)
	exporter := net.ParseIP(peerHost)

	records, err := s.decoder.Decode(payload, exporter, arrivedAt)
	if err != nil {
		if s.counters != nil {
			s.counters.DecodeErrors.Inc()
		}
		return nil, nil
	}

	if s.counters != nil {
		s.counters.RecordsDecoded.Add(uint64(len(records)))
	}
	return records, nil
}

// Stop marks the source's ring stopped, waking any blocked
// Ingest/NextRecords caller.
func (s *Source) Stop() {
	s.ring.Stop()
}

// Destroy waits for all blocked callers to observe Stopped and frees the
// ring's chunks. Stop must be called first.
func (s *Source) Destroy() {
	s.ring.Destroy()
}

// Len reports the number of undecoded packets currently buffered.
func (s *Source) Len() int {
	return s.ring.Len()
}
