// Package netflow5 decodes NetFlow v5 packets and reconstructs flow start/end
// wall-clock timestamps across SysUptime rollovers, tracking one session
// state machine per (engine_type, engine_id) pair observed from a peer.
//
// Wire layout and field extraction are grounded on the teacher's
// pkg/netflow parser (24-byte header, 48-byte records, all big-endian);
// this package adds the per-engine session bookkeeping spec.md §4.3 calls
// for, which the teacher's parseV5 did not attempt.
package netflow5

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	headerSize = 24
	recordSize = 48
)

// Header is the 24-byte NetFlow v5 packet header.
type Header struct {
	Version          uint16
	Count            uint16
	SysUptimeMs      uint32
	UnixSecs         uint32
	UnixNsecs        uint32
	FlowSequence     uint32
	EngineType       uint8
	EngineID         uint8
	SamplingInterval uint16
}

// SamplingRate extracts the 14-bit sampling interval from the header,
// substituting 1 when unset (no sampling).
func (h Header) SamplingRate() uint32 {
	rate := uint32(h.SamplingInterval & 0x3FFF)
	if rate == 0 {
		return 1
	}
	return rate
}

// rawRecord is the 48-byte wire record, decoded but not yet reconciled
// against session timing state.
type rawRecord struct {
	srcAddr, dstAddr, nextHop net.IP
	input, output             uint16
	dPkts, dOctets            uint32
	first, last               uint32
	srcPort, dstPort          uint16
	tcpFlags, prot, tos       uint8
	srcAS, dstAS              uint16
	srcMask, dstMask          uint8
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("netflow5: packet too short for header: %d bytes", len(data))
	}
	return Header{
		Version:          binary.BigEndian.Uint16(data[0:2]),
		Count:            binary.BigEndian.Uint16(data[2:4]),
		SysUptimeMs:      binary.BigEndian.Uint32(data[4:8]),
		UnixSecs:         binary.BigEndian.Uint32(data[8:12]),
		UnixNsecs:        binary.BigEndian.Uint32(data[12:16]),
		FlowSequence:     binary.BigEndian.Uint32(data[16:20]),
		EngineType:       data[20],
		EngineID:         data[21],
		SamplingInterval: binary.BigEndian.Uint16(data[22:24]),
	}, nil
}

func parseRecords(data []byte, count int) ([]rawRecord, error) {
	expectedSize := headerSize + count*recordSize
	if len(data) < expectedSize {
		return nil, fmt.Errorf("netflow5: packet size mismatch: got %d bytes, expected %d for %d records", len(data), expectedSize, count)
	}

	out := make([]rawRecord, 0, count)
	offset := headerSize
	for i := 0; i < count; i++ {
		rd := data[offset : offset+recordSize]
		out = append(out, rawRecord{
			srcAddr:  net.IP(append([]byte(nil), rd[0:4]...)),
			dstAddr:  net.IP(append([]byte(nil), rd[4:8]...)),
			nextHop:  net.IP(append([]byte(nil), rd[8:12]...)),
			input:    binary.BigEndian.Uint16(rd[12:14]),
			output:   binary.BigEndian.Uint16(rd[14:16]),
			dPkts:    binary.BigEndian.Uint32(rd[16:20]),
			dOctets:  binary.BigEndian.Uint32(rd[20:24]),
			first:    binary.BigEndian.Uint32(rd[24:28]),
			last:     binary.BigEndian.Uint32(rd[28:32]),
			srcPort:  binary.BigEndian.Uint16(rd[32:34]),
			dstPort:  binary.BigEndian.Uint16(rd[34:36]),
			tcpFlags: rd[37],
			prot:     rd[38],
			tos:      rd[39],
			srcAS:    binary.BigEndian.Uint16(rd[40:42]),
			dstAS:    binary.BigEndian.Uint16(rd[42:44]),
			srcMask:  rd[44],
			dstMask:  rd[45],
		})
		offset += recordSize
	}
	return out, nil
}
