// Package classify implements the sensor classifier (C6): for a flow
// record observed on a given probe, selects the sensor(s) that claim it,
// assigns source/destination network ids, and applies each sensor's
// discard-when/discard-unless filters.
package classify

import (
	"net"

	"go.uber.org/atomic"

	"github.com/netweaver/flowcollector/pkg/flow"
	"github.com/netweaver/flowcollector/pkg/registry"
)

// Classification is the classifier's verdict for one (record, sensor)
// pair that was not discarded.
type Classification struct {
	Sensor          registry.SensorID
	SourceNetwork   registry.NetworkID
	HasSourceNet    bool
	DestNetwork     registry.NetworkID
	HasDestNet      bool
}

// Classifier evaluates records against a verified Registry.
type Classifier struct {
	reg *registry.Registry

	ignored map[registry.SensorID]*atomic.Uint64
}

// New returns a Classifier reading from reg, which must already be
// verified.
func New(reg *registry.Registry) *Classifier {
	ignored := make(map[registry.SensorID]*atomic.Uint64, len(reg.Sensors()))
	for _, s := range reg.Sensors() {
		ignored[s.ID] = atomic.NewUint64(0)
	}
	return &Classifier{reg: reg, ignored: ignored}
}

// Ignored reports how many records have been dropped for sid because
// neither a fixed network nor any decider could resolve their source or
// destination network (spec.md §4.5 step c).
func (c *Classifier) Ignored(sid registry.SensorID) uint64 {
	if n, ok := c.ignored[sid]; ok {
		return n.Load()
	}
	return 0
}

// Classify returns one Classification per sensor that consumes probeID and
// does not discard rec, in the sensors' registration order (spec.md's
// tie-break rule: first-registered sensor wins when more than one would
// otherwise match identically).
func (c *Classifier) Classify(probeID registry.ProbeID, rec *flow.Record) []Classification {
	probe := c.reg.Probe(probeID)

	var out []Classification
	for _, sid := range probe.Sensors {
		sensor := c.reg.Sensor(sid)
		if c.discarded(sensor, rec) {
			continue
		}

		cl := Classification{Sensor: sid}

		if sensor.FixedSourceNetwork != nil {
			cl.SourceNetwork = *sensor.FixedSourceNetwork
			cl.HasSourceNet = true
		} else if netID, ok := c.resolveNetwork(sensor, rec, true); ok {
			cl.SourceNetwork = netID
			cl.HasSourceNet = true
		}

		if sensor.FixedDestNetwork != nil {
			cl.DestNetwork = *sensor.FixedDestNetwork
			cl.HasDestNet = true
		} else if netID, ok := c.resolveNetwork(sensor, rec, false); ok {
			cl.DestNetwork = netID
			cl.HasDestNet = true
		}

		// Either side left undecided means the record cannot be
		// classified for this sensor at all: count it and move on
		// without emitting a Classification.
		if !cl.HasSourceNet || !cl.HasDestNet {
			if n, ok := c.ignored[sid]; ok {
				n.Inc()
			}
			continue
		}

		out = append(out, cl)
	}
	return out
}

// resolveNetwork walks a sensor's deciders in network-id order (a stable,
// deterministic order since NetworkID is assigned at registration time)
// and returns the first network whose decider claims the record's source
// (or destination, if source is false) address/interface.
func (c *Classifier) resolveNetwork(sensor *registry.Sensor, rec *flow.Record, source bool) (registry.NetworkID, bool) {
	var iface uint32
	var ip net.IP
	if source {
		iface = rec.InputIf
		ip = rec.SrcIP
	} else {
		iface = rec.OutputIf
		ip = rec.DstIP
	}

	var bestNet registry.NetworkID
	found := false
	for netID := registry.NetworkID(0); int(netID) < len(c.reg.Networks()); netID++ {
		decider, ok := sensor.Deciders[netID]
		if !ok {
			continue
		}
		if deciderClaims(c.reg, decider, iface, ip) {
			bestNet = netID
			found = true
			break
		}
	}
	return bestNet, found
}

func deciderClaims(reg *registry.Registry, d registry.Decider, iface uint32, ip net.IP) bool {
	switch d.Kind {
	case registry.DeciderInterface, registry.DeciderRemainderInterface:
		g := reg.Group(d.Group)
		claims := g.ContainsInterface(iface)
		if d.Complement {
			claims = !claims
		}
		return claims
	case registry.DeciderIPBlock, registry.DeciderRemainderIPBlock,
		registry.DeciderIPSet, registry.DeciderRemainderIPSet:
		g := reg.Group(d.Group)
		claims := g.ContainsIP(ip)
		if d.Complement {
			claims = !claims
		}
		return claims
	default:
		return false
	}
}

// discarded applies a sensor's filters in order: discard-when drops a
// record matching the group, discard-unless drops one that does not.
func (c *Classifier) discarded(sensor *registry.Sensor, rec *flow.Record) bool {
	for _, f := range sensor.Filters {
		matches := c.filterMatches(f, rec)
		switch f.Polarity {
		case registry.DiscardWhen:
			if matches {
				return true
			}
		case registry.DiscardUnless:
			if !matches {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) filterMatches(f registry.Filter, rec *flow.Record) bool {
	g := c.reg.Group(f.Group)

	checkSide := func(iface uint32, ip net.IP) bool {
		switch f.GroupKind {
		case registry.GroupKindInterface:
			return g.ContainsInterface(iface)
		case registry.GroupKindIPBlock, registry.GroupKindIPSet:
			return g.ContainsIP(ip)
		default:
			return false
		}
	}

	switch f.Kind {
	case registry.FilterSource:
		return checkSide(rec.InputIf, rec.SrcIP)
	case registry.FilterDestination:
		return checkSide(rec.OutputIf, rec.DstIP)
	case registry.FilterAny:
		return checkSide(rec.InputIf, rec.SrcIP) || checkSide(rec.OutputIf, rec.DstIP)
	default:
		return false
	}
}
