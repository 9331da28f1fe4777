package netflow5

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netweaver/flowcollector/pkg/flow"
)

// Decoder decodes NetFlow v5 packets from one probe, keeping one Session
// per (exporter, engine_type, engine_id) triple it has seen.
type Decoder struct {
	sessions *Registry
	logger   *zap.Logger

	// lateThresholdMs/wrapThresholdMs override every Session this Decoder
	// creates, per pkg/settings.Sequencing (spec.md §9's open question:
	// these constants should be operator-tunable, not baked in).
	lateThresholdMs int64
	wrapThresholdMs int64

	// badPacketMu guards the rate-limited bad-packet transition logger
	// (spec.md §4.3: "the first rejection for a given reason logs
	// immediately; identical consecutive rejections are counted and
	// reported in aggregate when the reason changes or when a good
	// packet is finally received").
	badPacketMu    sync.Mutex
	haveBadReason  bool
	lastBadReason  BadPacketReason
	badReasonCount uint64

	badPackets uint64
	badRecords uint64
}

// NewDecoder returns a Decoder logging through logger, using the built-in
// sequence-accounting thresholds.
func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{sessions: NewRegistry(), logger: logger}
}

// NewDecoderWithThresholds is like NewDecoder but overrides the
// sequence-deviation/late-arrival thresholds applied to every Session it
// creates; zero values leave the corresponding built-in default.
func NewDecoderWithThresholds(logger *zap.Logger, lateThresholdMs, wrapThresholdMs int64) *Decoder {
	return &Decoder{
		sessions:        NewRegistry(),
		logger:          logger,
		lateThresholdMs: lateThresholdMs,
		wrapThresholdMs: wrapThresholdMs,
	}
}

// Decode parses a single NetFlow v5 packet received from exporter at
// arrivedAt, returning one flow.Record per wire record with absolute
// timestamps reconstructed against that exporter engine's session state.
// Datagram-level validation failures (spec.md §4.3) are rejected outright
// with a *BadPacketError; per-record failures drop only the offending
// record.
func (d *Decoder) Decode(data []byte, exporter net.IP, arrivedAt time.Time) ([]flow.Record, error) {
	if reason, bad := validateHeader(data); bad {
		d.reportBadPacket(reason, exporter)
		return nil, &BadPacketError{Reason: reason}
	}

	h, _ := parseHeader(data)
	raws, err := parseRecords(data, int(h.Count))
	if err != nil {
		d.reportBadPacket(BadPacketLengthMismatch, exporter)
		return nil, &BadPacketError{Reason: BadPacketLengthMismatch}
	}
	d.reportGoodPacket()

	key := EngineKey{Exporter: normalizeExporter(exporter), EngineType: h.EngineType, EngineID: h.EngineID}
	sess := d.sessions.sessionFor(key).WithThresholds(d.lateThresholdMs, d.wrapThresholdMs)

	bootTimeMs, rebooted := sess.observe(h, arrivedAt)
	if rebooted {
		if d.logger != nil {
			d.logger.Warn("netflow5: exporter reboot detected",
				zap.String("exporter", key.Exporter),
				zap.Uint8("engine_type", key.EngineType),
				zap.Uint8("engine_id", key.EngineID),
			)
		}
		sess.reseedSequence(h.FlowSequence)
	}

	lateArrival := sess.observeSequence(h.FlowSequence, uint32(h.Count))
	if lateArrival && d.logger != nil {
		d.logger.Debug("netflow5: late-arriving packet",
			zap.String("exporter", key.Exporter),
			zap.Uint32("flow_sequence", h.FlowSequence),
		)
	}

	exportTimeMs := int64(h.UnixSecs)*1000 + int64(h.UnixNsecs)/1_000_000
	samplingRate := h.SamplingRate()

	out := make([]flow.Record, 0, len(raws))
	for _, rr := range raws {
		if _, bad := validateRecord(rr); bad {
			d.badPacketMu.Lock()
			d.badRecords++
			d.badPacketMu.Unlock()
			continue
		}

		// Some exporters place the ICMP type/code pair in srcport with
		// dstport left zero instead of using the dedicated ICMP fields;
		// swap them back into (type, code) order, per spec.md §4.3.
		if rr.prot == icmpProtocolNumber && rr.dstPort == 0 {
			rr.srcPort, rr.dstPort = rr.dstPort, rr.srcPort
		}

		start := reconstructTime(bootTimeMs, rr.first, exportTimeMs)
		end := reconstructTime(bootTimeMs, rr.last, exportTimeMs)
		durationMs := end.Sub(start).Milliseconds()
		if durationMs < 0 {
			durationMs = 0
		}

		out = append(out, flow.Record{
			SrcIP:    rr.srcAddr,
			DstIP:    rr.dstAddr,
			SrcPort:  rr.srcPort,
			DstPort:  rr.dstPort,
			Proto:    rr.prot,
			TCPFlags: flow.TCPFlags{All: rr.tcpFlags},
			InputIf:  uint32(rr.input),
			OutputIf: uint32(rr.output),
			Packets:  uint64(rr.dPkts) * uint64(samplingRate),
			Bytes:    uint64(rr.dOctets) * uint64(samplingRate),
			StartMs:      start.UnixMilli(),
			DurationMs:   durationMs,
			NextHop:      rr.nextHop,
			SamplingRate: samplingRate,
			EndReason:    flow.EndReasonUnknown,
		})
	}

	return out, nil
}

// SessionStats returns the accounting snapshot for one engine key, if a
// session for it has been created.
func (d *Decoder) SessionStats(key EngineKey) (Stats, bool) {
	d.sessions.mu.Lock()
	s, ok := d.sessions.sessions[key]
	d.sessions.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return s.Stats(), true
}

// BadPacketCount and BadRecordCount report the running totals of
// datagram-level and record-level rejections, per spec.md §7's
// BadPacket/BadRecord error kinds.
func (d *Decoder) BadPacketCount() uint64 {
	d.badPacketMu.Lock()
	defer d.badPacketMu.Unlock()
	return d.badPackets
}

func (d *Decoder) BadRecordCount() uint64 {
	d.badPacketMu.Lock()
	defer d.badPacketMu.Unlock()
	return d.badRecords
}

// icmpProtocolNumber is the IP protocol number for ICMP.
const icmpProtocolNumber = 1

// validateHeader applies spec.md §4.3's datagram-level checks that don't
// require knowing the declared record count's relationship to the
// datagram length (that check lives in parseRecords, since it also needs
// the raw byte slice).
func validateHeader(data []byte) (reason BadPacketReason, bad bool) {
	if len(data) < headerSize {
		return BadPacketHeaderTooShort, true
	}
	h, _ := parseHeader(data)
	if h.Version != 5 {
		return BadPacketWrongVersion, true
	}
	if h.Count == 0 {
		return BadPacketZeroRecords, true
	}
	if h.Count > maxRecordsPerPacket {
		return BadPacketTooManyRecords, true
	}
	return 0, false
}

// reportBadPacket records a datagram rejection and, per spec.md §4.3's
// rate-limited transition logging, emits a log line only on the first
// rejection for reason or when reason changes from the last one seen;
// repeated identical rejections are tallied silently.
func (d *Decoder) reportBadPacket(reason BadPacketReason, exporter net.IP) {
	d.badPacketMu.Lock()
	defer d.badPacketMu.Unlock()

	d.badPackets++

	changed := !d.haveBadReason || d.lastBadReason != reason
	if changed && d.haveBadReason && d.badReasonCount > 0 && d.logger != nil {
		d.logger.Warn("netflow5: bad packets (aggregate)",
			zap.String("exporter", exporter.String()),
			zap.String("reason", d.lastBadReason.String()),
			zap.Uint64("count", d.badReasonCount),
		)
	}
	if changed {
		d.lastBadReason = reason
		d.badReasonCount = 0
		if d.logger != nil {
			d.logger.Warn("netflow5: bad packet",
				zap.String("exporter", exporter.String()),
				zap.String("reason", reason.String()),
			)
		}
	}
	d.badReasonCount++
	d.haveBadReason = true
}

// reportGoodPacket closes out any pending rate-limited bad-packet run by
// logging its aggregate count, per spec.md §4.3 ("... or when a good
// packet is finally received").
func (d *Decoder) reportGoodPacket() {
	d.badPacketMu.Lock()
	defer d.badPacketMu.Unlock()

	if d.haveBadReason && d.badReasonCount > 0 && d.logger != nil {
		d.logger.Warn("netflow5: bad packets (aggregate)",
			zap.String("reason", d.lastBadReason.String()),
			zap.Uint64("count", d.badReasonCount),
		)
	}
	d.haveBadReason = false
	d.badReasonCount = 0
}
