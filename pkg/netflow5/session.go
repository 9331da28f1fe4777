package netflow5

import (
	"net"
	"sync"
	"time"
)

// uptimeRolloverMs is the period of the 32-bit millisecond SysUptime
// counter: 2^32 ms, just under 49.7 days. A device's uptime counter wraps
// at this period, so First/Last fields must be reconstructed against the
// exporter's current epoch each packet.
const uptimeRolloverMs = int64(1) << 32

// rolloverDeviationMs bounds how far a reconstructed First/Last timestamp
// may drift from the packet's export time before it is treated as a second
// rollover rather than clock skew: roughly 45 days, comfortably under the
// ~49.7 day wrap period so a single missed rollover is still distinguishable
// from a double one.
const rolloverDeviationMs = int64(45) * 24 * 60 * 60 * 1000

// rebootGapMs is the largest drift between a packet's estimated
// router_boot_ms (now_ms - sysUptime_ms) and the previously estimated one
// still attributed to clock/transit jitter; a larger drift, in either
// direction, means the exporter rebooted. Comparing estimated boot times
// rather than raw SysUptime values makes the check immune to ordinary
// packet reordering, which a naive "SysUptime ran backward" check is not.
const rebootGapMs = int64(1000)

// defaultSequenceLateThresholdMs is the "late arrival" sequence-delta
// threshold from spec.md §4.3: a packet arriving with a sequence number up
// to this far behind (or, symmetrically, this close to the far side of a
// 32-bit wrap ahead of) the expected next sequence is treated as a
// reordered late arrival rather than a gap or a wraparound. The legacy
// value assumes a worst case of roughly 1k flows/s. Overridable per
// pkg/settings.Sequencing and per-Session via WithThresholds.
const defaultSequenceLateThresholdMs = int64(60_000)

// defaultSequenceWrapThresholdMs is the "sequence deviation" threshold from
// spec.md §4.3: the largest forward sequence-number gap still counted as
// ordinary loss rather than an exporter restart, and symmetrically the
// distance from a 32-bit wrap still treated as a wrap-with-gap rather than
// a baseline reset. Overridable the same way as the late threshold.
const defaultSequenceWrapThresholdMs = int64(3_600_000)

// sequenceSpace is 2^32, the period of the wire FlowSequence counter.
const sequenceSpace = int64(1) << 32

// EngineKey identifies one exporter's flow-switching engine instance.
// A single exporter address may host several engines (e.g. distinct
// line cards), each with an independent SysUptime clock and sequence
// counter.
type EngineKey struct {
	Exporter   string // net.IP.String(), normalized v4-mapped-v6
	EngineType uint8
	EngineID   uint8
}

// Session tracks the reconstruction state for one EngineKey: the
// exporter's last known boot time, sequence accounting, and reboot count.
type Session struct {
	mu sync.Mutex

	haveBaseline bool
	lastPacketAt time.Time
	bootTimeMs   int64 // estimated wall-clock ms at SysUptime==0: now_ms - sysUptime_ms

	haveSeq      bool
	expectedNext uint32
	lateArrivals uint64
	lostRecords  uint64
	sequenceGaps uint64
	reboots      uint64

	// lateThresholdMs and wrapThresholdMs default to
	// defaultSequenceLateThresholdMs/defaultSequenceWrapThresholdMs; set
	// via WithThresholds to honor pkg/settings.Sequencing overrides.
	lateThresholdMs int64
	wrapThresholdMs int64
}

// WithThresholds overrides this session's sequence-deviation and
// late-arrival thresholds. A zero argument leaves the corresponding
// default in effect.
func (s *Session) WithThresholds(lateThresholdMs, wrapThresholdMs int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lateThresholdMs > 0 {
		s.lateThresholdMs = lateThresholdMs
	}
	if wrapThresholdMs > 0 {
		s.wrapThresholdMs = wrapThresholdMs
	}
	return s
}

func (s *Session) thresholds() (lateMs, wrapMs int64) {
	lateMs, wrapMs = s.lateThresholdMs, s.wrapThresholdMs
	if lateMs <= 0 {
		lateMs = defaultSequenceLateThresholdMs
	}
	if wrapMs <= 0 {
		wrapMs = defaultSequenceWrapThresholdMs
	}
	return lateMs, wrapMs
}

// Registry tracks one Session per EngineKey observed.
type Registry struct {
	mu       sync.Mutex
	sessions map[EngineKey]*Session
}

// NewRegistry returns an empty session Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[EngineKey]*Session)}
}

// sessionFor returns the Session for key, creating it on first use.
func (r *Registry) sessionFor(key EngineKey) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{}
		r.sessions[key] = s
	}
	return s
}

// Stats is a point-in-time snapshot of a Session's counters, used by the
// status surface.
type Stats struct {
	Reboots      uint64
	LateArrivals uint64
	LostRecords  uint64
	SequenceGaps uint64
}

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Reboots:      s.reboots,
		LateArrivals: s.lateArrivals,
		LostRecords:  s.lostRecords,
		SequenceGaps: s.sequenceGaps,
	}
}

// observe updates the session's boot-time estimate from one packet header,
// detecting reboots, and returns the estimated wall-clock epoch (in
// milliseconds) against which the packet's First/Last SysUptime fields
// should be reconstructed. Per spec.md §4.3: router_boot_ms = now_ms -
// sysUptime_ms; if this packet's router_boot_ms deviates from the
// previous one by more than rebootGapMs, the exporter rebooted.
func (s *Session) observe(h Header, arrivedAt time.Time) (bootTimeMs int64, rebooted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exportMs := int64(h.UnixSecs)*1000 + int64(h.UnixNsecs)/1_000_000
	estimatedBoot := exportMs - int64(h.SysUptimeMs)

	if !s.haveBaseline {
		s.haveBaseline = true
		s.bootTimeMs = estimatedBoot
		s.lastPacketAt = arrivedAt
		return s.bootTimeMs, false
	}

	drift := estimatedBoot - s.bootTimeMs
	if drift < 0 {
		drift = -drift
	}
	if drift > rebootGapMs {
		s.bootTimeMs = estimatedBoot
		s.reboots++
		rebooted = true
	}

	s.lastPacketAt = arrivedAt
	return s.bootTimeMs, rebooted
}

// reseedSequence resets the expected-next-sequence baseline to seq without
// touching the loss/late-arrival counters, per spec.md §4.3's reboot
// handling: "reseed the expected sequence to this packet's sequence, keep
// going." Callers invoke this before observeSequence on the same packet
// whenever observe reports a reboot, so the rebooting packet itself is
// accounted as the new in-order baseline rather than a gap or a reset.
func (s *Session) reseedSequence(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveSeq = true
	s.expectedNext = seq
}

// reconstructTime converts a record's raw SysUptime-relative First/Last
// field into an absolute wall-clock time, accounting for one wraparound of
// the 32-bit millisecond counter relative to bootTimeMs. If the naive
// reconstruction deviates from the packet's own export time by more than
// rolloverDeviationMs, a single rollover period is added or subtracted,
// whichever brings the estimate closer to the export time.
func reconstructTime(bootTimeMs int64, fieldMs uint32, exportTimeMs int64) time.Time {
	naive := bootTimeMs + int64(fieldMs)
	delta := naive - exportTimeMs
	if delta > rolloverDeviationMs {
		naive -= uptimeRolloverMs
	} else if delta < -rolloverDeviationMs {
		naive += uptimeRolloverMs
	}
	return time.UnixMilli(naive)
}

// observeSequence implements spec.md §4.3's sequence-number tracking: seq
// is the packet's FlowSequence and count is its record count (dPkts-style
// advance-by-count, not advance-by-one, since each packet reports on
// `count` flows at once). Returns true if this packet is classified as a
// late arrival (informational/stats-only; callers still ingest its
// records).
func (s *Session) observeSequence(seq uint32, count uint32) (lateArrival bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lateMs, wrapMs := s.thresholds()

	if !s.haveSeq {
		s.haveSeq = true
		s.expectedNext = seq + count
		return false
	}

	expected := s.expectedNext
	switch {
	case seq == expected:
		s.expectedNext = seq + count

	case seq > expected && int64(seq-expected) < wrapMs:
		// Ordinary forward gap: the packets in between were lost.
		gap := int64(seq - expected)
		s.sequenceGaps++
		s.lostRecords += uint64(gap)
		s.expectedNext = seq + count

	case seq > expected && int64(seq-expected) >= sequenceSpace-lateMs:
		// seq is numerically far ahead of expected, but only because
		// expected already wrapped past it: a packet from just before
		// rollover arriving late. Credit back the records this packet
		// re-reports; do not advance expectedNext.
		lateArrival = true
		s.lateArrivals++
		if s.lostRecords >= uint64(count) {
			s.lostRecords -= uint64(count)
		} else {
			s.lostRecords = 0
		}

	case seq < expected && int64(expected-seq) < lateMs:
		// Ordinary late/out-of-order arrival for an already-advanced
		// window; do not advance expectedNext.
		lateArrival = true
		s.lateArrivals++
		if s.lostRecords >= uint64(count) {
			s.lostRecords -= uint64(count)
		} else {
			s.lostRecords = 0
		}

	case seq < expected && int64(expected-seq) >= sequenceSpace-wrapMs:
		// A genuine 32-bit wraparound: seq is numerically behind expected
		// only because it wrapped. Count the records lost across the
		// wrap boundary and advance past it.
		diff := int64(expected - seq)
		s.sequenceGaps++
		s.lostRecords += uint64(sequenceSpace - diff)
		s.expectedNext = seq + count

	default:
		// Neither a plausible gap, late arrival, nor wrap: assume the
		// exporter restarted its sequence counter and resynchronize
		// without touching the loss accounting.
		s.expectedNext = seq + count
	}

	return lateArrival
}

// normalizeExporter renders ip in a canonical form for use as an
// EngineKey.Exporter: IPv4 and v4-mapped IPv6 addresses collapse to the
// same dotted-quad string.
func normalizeExporter(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
