package listener

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDispatchesToRegisteredPeer(t *testing.T) {
	b, err := NewBase("udp", "127.0.0.1:0", 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})

	clientAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	client, err := net.ListenUDP("udp", clientAddr)
	require.NoError(t, err)
	defer client.Close()

	key := NewPeerKey(client.LocalAddr().(*net.UDPAddr))
	b.RegisterPeer(key, func(data []byte, peer net.Addr, arrivedAt time.Time) {
		mu.Lock()
		received = append([]byte(nil), data...)
		mu.Unlock()
		close(done)
	})

	go b.Run(ctx)
	defer b.Stop()

	_, err = client.WriteToUDP([]byte("hello"), b.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello", string(received))
}

func TestBaseStopIsIdempotent(t *testing.T) {
	b, err := NewBase("udp", "127.0.0.1:0", 0, nil)
	require.NoError(t, err)
	b.Stop()
	assert.NotPanics(t, func() { b.Stop() })
}

func TestRegistrySharesBaseAcrossAcquires(t *testing.T) {
	r := NewRegistry(nil)
	addr := "127.0.0.1:0"

	b1, err := r.Acquire("udp", addr, 0)
	require.NoError(t, err)
	defer b1.Stop()

	b2, err := r.Acquire("udp", addr, 0)
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, 1, r.Count())

	r.Release("udp", addr)
	assert.Equal(t, 1, r.Count(), "one more release still outstanding")
	r.Release("udp", addr)
	assert.Equal(t, 0, r.Count())
}

func TestBufferBudgetSplitsEvenlyWithRemainder(t *testing.T) {
	shares := BufferBudget(100, 3)
	require.Len(t, shares, 3)
	total := 0
	for _, s := range shares {
		total += s
	}
	assert.Equal(t, 100, total)
}

func TestBufferBudgetZeroBases(t *testing.T) {
	assert.Nil(t, BufferBudget(100, 0))
}

func TestConnectionTableGetOrCreate(t *testing.T) {
	table := NewConnectionTable()
	key := ConnectionKey{Peer: PeerKey("10.0.0.1"), Domain: 1}

	created := 0
	newFn := func() *Connection {
		created++
		return NewConnection(nil, 1, "probe0")
	}

	c1 := table.GetOrCreate(key, newFn)
	c2 := table.GetOrCreate(key, newFn)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, table.Len())
}

func TestHandlerForRateLimitsUnknownPeerTransitions(t *testing.T) {
	b, err := NewBase("udp", "127.0.0.1:0", 0, nil)
	require.NoError(t, err)
	defer b.Stop()

	known := PeerKey("10.0.0.1")
	unknown := PeerKey("10.0.0.3")
	b.RegisterPeer(known, func(data []byte, peer net.Addr, arrivedAt time.Time) {})

	// First datagram from an unrecognized peer: known -> unknown transition.
	h, transition := b.handlerFor(unknown)
	assert.Nil(t, h)
	assert.True(t, transition, "first unknown datagram should log")

	// Subsequent datagrams from the same (still unknown) peer are silent.
	h, transition = b.handlerFor(unknown)
	assert.Nil(t, h)
	assert.False(t, transition, "repeated unknown datagrams must not re-log")

	h, transition = b.handlerFor(unknown)
	assert.Nil(t, h)
	assert.False(t, transition)

	// A known datagram resets the rate limit.
	h, transition = b.handlerFor(known)
	assert.NotNil(t, h)
	assert.False(t, transition)

	// The next unknown datagram logs again.
	h, transition = b.handlerFor(unknown)
	assert.Nil(t, h)
	assert.True(t, transition, "rate limit should reset after a known datagram")
}

func TestConnectionSnapshotIsRaceFree(t *testing.T) {
	c := NewConnection(nil, 0, "probe0")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.RecordActivity(1, 1, time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = c.Snapshot()
		}
	}()
	wg.Wait()

	snap := c.Snapshot()
	assert.EqualValues(t, 100, snap.PacketsTotal)
}
