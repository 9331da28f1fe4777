package ipfixadapter

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/netweaver/flowcollector/pkg/flow"
)

// sFlow datagram/sample/record format constants, per RFC/sFlow.org v5.
const (
	sflowVersion5 = 5

	enterpriseStandard = 0

	sampleFlow         = 1
	sampleFlowExpanded = 3

	flowRawPacketHeader = 1
)

// DecodeSFlow parses an sFlow v5 datagram into flow.Records, adapting the
// teacher's hand-rolled raw-packet-header mapper (Ethernet/VLAN/IPv4
// peeling) rather than goflow2, since sFlow's wire format needs no
// template state and a direct byte walk is simpler than standing up a
// goflow2 pipeline for it.
func DecodeSFlow(data []byte, arrivedAt time.Time) ([]flow.Record, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("ipfixadapter: sflow packet too short: %d bytes", len(data))
	}

	offset := 0
	version := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	if version != sflowVersion5 {
		return nil, fmt.Errorf("ipfixadapter: unsupported sflow version %d", version)
	}

	addressType := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	var agentLen int
	switch addressType {
	case 1:
		agentLen = 4
	case 2:
		agentLen = 16
	default:
		return nil, fmt.Errorf("ipfixadapter: invalid sflow agent address type %d", addressType)
	}
	if len(data) < offset+agentLen {
		return nil, fmt.Errorf("ipfixadapter: sflow packet too short for agent address")
	}
	agentIP := net.IP(append([]byte(nil), data[offset:offset+agentLen]...))
	offset += agentLen

	if len(data) < offset+16 {
		return nil, fmt.Errorf("ipfixadapter: sflow packet too short for datagram header tail")
	}
	offset += 12 // sub-agent id, sequence number, uptime: not needed for record mapping
	numSamples := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	var records []flow.Record
	for i := uint32(0); i < numSamples; i++ {
		if offset+8 > len(data) {
			break
		}
		sampleFormat := binary.BigEndian.Uint32(data[offset:])
		offset += 4
		sampleLength := binary.BigEndian.Uint32(data[offset:])
		offset += 4

		enterprise := (sampleFormat >> 12) & 0xFFFFF
		format := sampleFormat & 0xFFF

		if offset+int(sampleLength) > len(data) {
			break
		}
		sampleData := data[offset : offset+int(sampleLength)]
		offset += int(sampleLength)

		if enterprise == enterpriseStandard && (format == sampleFlow || format == sampleFlowExpanded) {
			records = append(records, decodeFlowSample(sampleData, agentIP, arrivedAt)...)
		}
	}

	return records, nil
}

func decodeFlowSample(data []byte, agentIP net.IP, arrivedAt time.Time) []flow.Record {
	if len(data) < 32 {
		return nil
	}

	offset := 8 // sequence number, source id: not needed
	samplingRate := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	offset += 8 // sample pool, drops: not needed
	inputIface := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	outputIface := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	numRecords := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	var out []flow.Record
	for i := uint32(0); i < numRecords; i++ {
		if offset+8 > len(data) {
			break
		}
		recordFormat := binary.BigEndian.Uint32(data[offset:])
		offset += 4
		recordLength := binary.BigEndian.Uint32(data[offset:])
		offset += 4
		if offset+int(recordLength) > len(data) {
			break
		}
		recordData := data[offset : offset+int(recordLength)]
		offset += int(recordLength)

		enterprise := (recordFormat >> 12) & 0xFFFFF
		format := recordFormat & 0xFFF
		if enterprise != enterpriseStandard || format != flowRawPacketHeader {
			continue
		}

		if rec := decodeRawPacketHeader(recordData, arrivedAt, inputIface, outputIface, samplingRate); rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

func decodeRawPacketHeader(data []byte, arrivedAt time.Time, inputIface, outputIface, samplingRate uint32) *flow.Record {
	if len(data) < 16 {
		return nil
	}

	offset := 4 // header protocol: not needed, only IPv4/IPv6 Ethernet frames are mapped
	frameLength := binary.BigEndian.Uint32(data[offset:])
	offset += 8 // frameLength (4 bytes) plus the "bytes stripped" field (4 bytes)
	headerLength := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if offset+int(headerLength) > len(data) || headerLength < 14 {
		return nil
	}
	header := data[offset : offset+int(headerLength)]

	etherType := binary.BigEndian.Uint16(header[12:14])
	ipOffset := 14
	if etherType == 0x8100 {
		if len(header) < ipOffset+4 {
			return nil
		}
		etherType = binary.BigEndian.Uint16(header[ipOffset+2 : ipOffset+4])
		ipOffset += 4
	}

	rec := &flow.Record{
		InputIf:      inputIface,
		OutputIf:     outputIface,
		SamplingRate: samplingRate,
		Packets:      uint64(samplingRate),
		Bytes:        uint64(frameLength) * uint64(samplingRate),
		StartMs:      arrivedAt.UnixMilli(),
	}

	switch etherType {
	case 0x0800: // IPv4
		if len(header) < ipOffset+20 {
			return rec
		}
		ipHeader := header[ipOffset:]
		ihl := int(ipHeader[0]&0x0F) * 4
		if len(ipHeader) < ihl {
			return rec
		}
		rec.Proto = ipHeader[9]
		rec.SrcIP = net.IP(append([]byte(nil), ipHeader[12:16]...))
		rec.DstIP = net.IP(append([]byte(nil), ipHeader[16:20]...))
		if ihl+4 <= len(ipHeader) {
			transport := ipHeader[ihl:]
			rec.SrcPort = binary.BigEndian.Uint16(transport[0:2])
			rec.DstPort = binary.BigEndian.Uint16(transport[2:4])
		}
	case 0x86DD: // IPv6
		if len(header) < ipOffset+40 {
			return rec
		}
		ipHeader := header[ipOffset:]
		rec.Proto = ipHeader[6]
		rec.SrcIP = net.IP(append([]byte(nil), ipHeader[8:24]...))
		rec.DstIP = net.IP(append([]byte(nil), ipHeader[24:40]...))
		if len(ipHeader) >= 44 {
			transport := ipHeader[40:]
			rec.SrcPort = binary.BigEndian.Uint16(transport[0:2])
			rec.DstPort = binary.BigEndian.Uint16(transport[2:4])
		}
	}

	return rec
}
