// Package flow defines the protocol-independent flow record that every
// decoder (NetFlow v5, IPFIX/NFv9/sFlow) produces and that the classifier
// consumes.
package flow

import (
	"net"
	"time"
)

// EndReason classifies why an exporter considers a flow to have ended.
type EndReason uint8

const (
	EndReasonUnknown EndReason = iota
	EndReasonIdleTimeout
	EndReasonActiveTimeout
	EndReasonEndOfFlow
	EndReasonForcedEnd
	EndReasonLackOfResources
)

// TCPFlags splits the cumulative, initial and mid-session TCP flag views
// that NetFlow v9/IPFIX exporters may report separately; NetFlow v5 only
// ever populates All.
type TCPFlags struct {
	All     uint8
	Initial uint8
	Session uint8
}

// Record is the common internal flow representation handed from a decoder
// to the ring and on to the classifier. All timestamps are absolute
// milliseconds since the Unix epoch.
type Record struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Proto   uint8

	TCPFlags TCPFlags

	// InputIf/OutputIf are SNMP interface indices, or VLAN ids when the
	// owning probe's interface-value kind is "vlan".
	InputIf  uint32
	OutputIf uint32

	Packets uint64
	Bytes   uint64

	StartMs    int64
	DurationMs int64

	NextHop net.IP

	// TCPState carries exporter-reported TCP connection state, when
	// available (0 when not reported).
	TCPState uint8

	// SensorTag is filled in by the classifier once a sensor claims the
	// record; zero until then.
	SensorTag uint32

	Application string

	EndReason EndReason

	// SamplingRate is the exporter's configured 1-in-N sampling rate
	// (1 means unsampled).
	SamplingRate uint32
}

// Duration returns the flow's reported duration.
func (r *Record) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Start returns the flow's reported start time.
func (r *Record) Start() time.Time {
	return time.UnixMilli(r.StartMs)
}
