package ipfixadapter

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSFlowPacket constructs a minimal sFlow v5 datagram with one
// expanded-or-standard flow sample containing one raw-packet-header
// record carrying an IPv4/UDP frame.
func buildSFlowPacket(t *testing.T) []byte {
	t.Helper()

	eth := make([]byte, 14)
	copy(eth[0:6], []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	copy(eth[6:12], []byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb})
	binary.BigEndian.PutUint16(eth[12:14], 0x0800)

	ip := make([]byte, 24)
	ip[0] = 0x45
	ip[9] = 17
	copy(ip[12:16], net.ParseIP("10.0.0.5").To4())
	copy(ip[16:20], net.ParseIP("10.0.0.6").To4())
	binary.BigEndian.PutUint16(ip[20:22], 2055)
	binary.BigEndian.PutUint16(ip[22:24], 9995)

	header := append(eth, ip...)

	rawHeaderRecord := make([]byte, 16+len(header))
	binary.BigEndian.PutUint32(rawHeaderRecord[0:4], 1) // protocol: ethernet
	binary.BigEndian.PutUint32(rawHeaderRecord[4:8], uint32(len(header)))
	binary.BigEndian.PutUint32(rawHeaderRecord[8:12], 0)
	binary.BigEndian.PutUint32(rawHeaderRecord[12:16], uint32(len(header)))
	copy(rawHeaderRecord[16:], header)

	record := make([]byte, 8+len(rawHeaderRecord))
	binary.BigEndian.PutUint32(record[0:4], flowRawPacketHeader) // enterprise 0 << 12 | format 1
	binary.BigEndian.PutUint32(record[4:8], uint32(len(rawHeaderRecord)))
	copy(record[8:], rawHeaderRecord)

	sample := make([]byte, 32+len(record))
	binary.BigEndian.PutUint32(sample[0:4], 1)  // sequence number
	binary.BigEndian.PutUint32(sample[4:8], 1)  // source id
	binary.BigEndian.PutUint32(sample[8:12], 10) // sampling rate
	binary.BigEndian.PutUint32(sample[12:16], 0) // sample pool
	binary.BigEndian.PutUint32(sample[16:20], 0) // drops
	binary.BigEndian.PutUint32(sample[20:24], 3) // input interface
	binary.BigEndian.PutUint32(sample[24:28], 4) // output interface
	binary.BigEndian.PutUint32(sample[28:32], 1) // num records
	copy(sample[32:], record)

	sampleRecord := make([]byte, 8+len(sample))
	binary.BigEndian.PutUint32(sampleRecord[0:4], sampleFlow)
	binary.BigEndian.PutUint32(sampleRecord[4:8], uint32(len(sample)))
	copy(sampleRecord[8:], sample)

	datagram := make([]byte, 28+len(sampleRecord))
	binary.BigEndian.PutUint32(datagram[0:4], sflowVersion5)
	binary.BigEndian.PutUint32(datagram[4:8], 1) // address type: IPv4
	copy(datagram[8:12], net.ParseIP("192.0.2.1").To4())
	binary.BigEndian.PutUint32(datagram[12:16], 1) // sub-agent id
	binary.BigEndian.PutUint32(datagram[16:20], 1) // sequence number
	binary.BigEndian.PutUint32(datagram[20:24], 0) // uptime
	binary.BigEndian.PutUint32(datagram[24:28], 1) // num samples
	copy(datagram[28:], sampleRecord)

	return datagram
}

func TestDecodeSFlowExtractsRawPacketHeader(t *testing.T) {
	packet := buildSFlowPacket(t)

	records, err := DecodeSFlow(packet, time.Now())
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "10.0.0.5", r.SrcIP.String())
	assert.Equal(t, "10.0.0.6", r.DstIP.String())
	assert.EqualValues(t, 2055, r.SrcPort)
	assert.EqualValues(t, 9995, r.DstPort)
	assert.EqualValues(t, 17, r.Proto)
	assert.EqualValues(t, 3, r.InputIf)
	assert.EqualValues(t, 4, r.OutputIf)
	assert.EqualValues(t, 10, r.SamplingRate)
}

func TestDecodeSFlowRejectsWrongVersion(t *testing.T) {
	data := make([]byte, 28)
	binary.BigEndian.PutUint32(data[0:4], 4)

	_, err := DecodeSFlow(data, time.Now())
	assert.Error(t, err)
}

func TestDecodeSFlowRejectsShortPacket(t *testing.T) {
	_, err := DecodeSFlow(make([]byte, 10), time.Now())
	assert.Error(t, err)
}

func TestSFlowDecoderAdaptsToSourceInterface(t *testing.T) {
	packet := buildSFlowPacket(t)
	dec := SFlowDecoder{}

	records, err := dec.Decode(packet, nil, time.Now())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
