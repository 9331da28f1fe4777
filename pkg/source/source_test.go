package source

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netweaver/flowcollector/pkg/flow"
	"github.com/netweaver/flowcollector/pkg/stats"
)

type stubDecoder struct {
	recordsFor func(data []byte) []flow.Record
	err        error
}

func (d *stubDecoder) Decode(data []byte, exporter net.IP, arrivedAt time.Time) ([]flow.Record, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.recordsFor(data), nil
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

func TestIngestThenNextRecordsRoundtrips(t *testing.T) {
	dec := &stubDecoder{recordsFor: func(data []byte) []flow.Record {
		return []flow.Record{{SrcPort: uint16(len(data))}}
	}}
	counters := stats.NewSourceCounters("probe0")

	s, err := New("probe0", 64, 4, dec, counters, nil, nil)
	require.NoError(t, err)

	peer := udpAddr(t, "192.0.2.1:2055")
	s.Ingest([]byte("hello"), peer, time.Now())

	records, err := s.NextRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 5, records[0].SrcPort)

	assert.EqualValues(t, 1, counters.PacketsReceived.Load())
	assert.EqualValues(t, 1, counters.RecordsDecoded.Load())
}

func TestIngestRejectsUnlistedPeer(t *testing.T) {
	dec := &stubDecoder{recordsFor: func(data []byte) []flow.Record { return nil }}
	allowed := []net.IP{net.ParseIP("10.0.0.1")}

	s, err := New("probe0", 64, 4, dec, nil, allowed, nil)
	require.NoError(t, err)

	s.Ingest([]byte("x"), udpAddr(t, "10.0.0.2:2055"), time.Now())
	assert.Equal(t, 0, s.Len())

	s.Ingest([]byte("y"), udpAddr(t, "10.0.0.1:2055"), time.Now())
	assert.Equal(t, 1, s.Len())
}

func TestNextRecordsReturnsErrStoppedAfterStop(t *testing.T) {
	dec := &stubDecoder{recordsFor: func(data []byte) []flow.Record { return nil }}
	s, err := New("probe0", 64, 4, dec, nil, nil, nil)
	require.NoError(t, err)

	s.Stop()
	_, err = s.NextRecords()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDecodeErrorIsAbsorbedNotRaised(t *testing.T) {
	dec := &stubDecoder{err: assert.AnError}
	counters := stats.NewSourceCounters("probe0")
	s, err := New("probe0", 64, 4, dec, counters, nil, nil)
	require.NoError(t, err)

	s.Ingest([]byte("x"), udpAddr(t, "192.0.2.1:2055"), time.Now())

	records, err := s.NextRecords()
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.EqualValues(t, 1, counters.DecodeErrors.Load())
}
