// Package listener implements the shared listening-endpoint fabric (C2):
// one Base per bound UDP/TCP/Unix socket, demultiplexing inbound packets
// to per-peer Source slots and redistributing the configured socket
// buffer budget across every Base that shares it.
//
// Grounded on the teacher's telemetry-agent netflowCollector/sflowCollector
// poll loops (ReadFromUDP with a periodic read-deadline so the loop can
// observe a stop signal), generalized from one fixed listener per protocol
// to an arbitrary number of probe-owned bases sharing a process-wide
// buffer budget.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pollTimeout bounds how long one poll iteration blocks in recvfrom
// before re-checking the stop signal, per spec.md §5.
const pollTimeout = 500 * time.Millisecond

// maxDatagramSize accommodates jumbo-frame NetFlow/IPFIX/sFlow packets.
const maxDatagramSize = 9000

// Handler processes one datagram received from peer at arrivedAt. It runs
// on the Base's poll goroutine; implementations that need to block should
// hand the data off rather than processing in place.
type Handler func(data []byte, peer net.Addr, arrivedAt time.Time)

// PeerKey identifies a demultiplexed source within a Base: the peer's
// address with its port excluded (so retransmits from the same host on a
// different ephemeral port still land in the same slot) and its IPv4/v6
// form normalized (v4-mapped-v6 addresses collapse to plain v4).
type PeerKey string

// NewPeerKey derives a PeerKey from a UDP peer address.
func NewPeerKey(addr *net.UDPAddr) PeerKey {
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return PeerKey(ip.String())
}

// Base owns one listening socket and demultiplexes inbound traffic to
// registered per-peer handlers. Bases are reference-counted: several
// Sources may share one Base when several probes listen on the same
// socket (e.g. a combined ipfix+netflow-v9 listener handled by the same
// external decoder).
type Base struct {
	logger *zap.Logger

	mu           sync.Mutex
	peers        map[PeerKey]Handler
	fallback     Handler // invoked when no peer-specific handler is registered
	refCount     int
	unknownQuiet bool // true once we've logged the current run of unrecognized-peer drops

	conn net.PacketConn

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBase binds network (typically "udp") at address and returns a Base
// with a reference count of 1. Callers must call Acquire for each
// additional owner and Release when an owner is done; the socket is
// closed when the reference count reaches zero.
func NewBase(network, address string, udpBufferBytes int, logger *zap.Logger) (*Base, error) {
	conn, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("listener: failed to listen on %s %s: %w", network, address, err)
	}

	if udpConn, ok := conn.(*net.UDPConn); ok && udpBufferBytes > 0 {
		if err := udpConn.SetReadBuffer(udpBufferBytes); err != nil && logger != nil {
			logger.Warn("listener: failed to set UDP read buffer", zap.Error(err), zap.String("address", address))
		}
	}

	b := &Base{
		logger:   logger,
		peers:    make(map[PeerKey]Handler),
		conn:     conn,
		refCount: 1,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return b, nil
}

// Acquire increments the reference count; pair with a matching Release.
func (b *Base) Acquire() {
	b.mu.Lock()
	b.refCount++
	b.mu.Unlock()
}

// Release decrements the reference count, closing the socket once it
// reaches zero. Returns true if this call triggered the close.
func (b *Base) Release() bool {
	b.mu.Lock()
	b.refCount--
	closed := b.refCount <= 0
	b.mu.Unlock()
	if closed {
		b.Stop()
	}
	return closed
}

// RegisterPeer installs a handler for datagrams from key, replacing any
// existing handler for that peer.
func (b *Base) RegisterPeer(key PeerKey, h Handler) {
	b.mu.Lock()
	b.peers[key] = h
	b.mu.Unlock()
}

// UnregisterPeer removes a peer's handler; subsequent datagrams from it
// fall back to the Base's fallback handler, if any.
func (b *Base) UnregisterPeer(key PeerKey) {
	b.mu.Lock()
	delete(b.peers, key)
	b.mu.Unlock()
}

// SetFallback installs the handler invoked for datagrams from a peer with
// no registered handler (used by auto-registering multi-session sources:
// the first datagram from a new peer triggers source creation).
func (b *Base) SetFallback(h Handler) {
	b.mu.Lock()
	b.fallback = h
	b.mu.Unlock()
}

// handlerFor looks up the handler for key. When no peer-specific handler
// and no fallback exist, it reports whether this lookup is a
// known-to-unknown transition: per spec.md §4.2, only the first datagram
// in a run of unrecognized-peer drops gets an informational log line,
// and the rate limit resets the moment a known peer is seen again.
func (b *Base) handlerFor(key PeerKey) (h Handler, transitionToUnknown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.peers[key]; ok {
		b.unknownQuiet = false
		return h, false
	}
	if b.fallback != nil {
		b.unknownQuiet = false
		return b.fallback, false
	}
	if b.unknownQuiet {
		return nil, false
	}
	b.unknownQuiet = true
	return nil, true
}

// Run polls the socket until Stop is called or ctx is cancelled, dispatching
// each datagram to the handler registered for its peer.
func (b *Base) Run(ctx context.Context) {
	defer close(b.doneCh)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if deadlineConn, ok := b.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = deadlineConn.SetReadDeadline(time.Now().Add(pollTimeout))
		}

		n, addr, err := b.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			if b.logger != nil {
				b.logger.Error("listener: read error", zap.Error(err))
			}
			continue
		}

		arrivedAt := time.Now()
		var key PeerKey
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			key = NewPeerKey(udpAddr)
		} else {
			key = PeerKey(addr.String())
		}

		h, transitionToUnknown := b.handlerFor(key)
		if h != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			h(data, addr, arrivedAt)
			continue
		}
		if transitionToUnknown && b.logger != nil {
			b.logger.Info("listener: ignoring packets from host",
				zap.String("host", addr.String()))
		}
	}
}

// Stop signals the poll loop to exit and closes the socket. Idempotent.
func (b *Base) Stop() {
	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
	}
	_ = b.conn.Close()
}

// Done returns a channel closed once Run has returned.
func (b *Base) Done() <-chan struct{} { return b.doneCh }

// LocalAddr returns the bound socket's local address.
func (b *Base) LocalAddr() net.Addr { return b.conn.LocalAddr() }
