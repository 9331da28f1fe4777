// Package registry holds the probe/sensor/group/network configuration model:
// the declarative objects parsed by pkg/config and consulted at runtime by
// the listener fabric, the NFv5/IPFIX decoders, and the classifier.
//
// Cyclic Sensor<->Probe references are modeled as indices into append-only,
// post-verification tables rather than owning pointers, per the design
// note in SPEC_FULL.md — a Registry is a single value threaded through
// every constructor, so tests can spin up an isolated one.
package registry

import (
	"fmt"
	"net"

	"github.com/netweaver/flowcollector/pkg/ipmatch"
)

// ProbeType enumerates the wire protocol a probe decodes.
type ProbeType int

const (
	ProbeUnset ProbeType = iota
	ProbeNetFlowV5
	ProbeNetFlowV9
	ProbeIPFIX
	ProbeSFlow
	ProbeSiLK
)

func (t ProbeType) String() string {
	switch t {
	case ProbeNetFlowV5:
		return "netflow-v5"
	case ProbeNetFlowV9:
		return "netflow-v9"
	case ProbeIPFIX:
		return "ipfix"
	case ProbeSFlow:
		return "sflow"
	case ProbeSiLK:
		return "silk"
	default:
		return "unset"
	}
}

// Transport enumerates the probe's collection transport.
type Transport int

const (
	TransportUnset Transport = iota
	TransportUDP
	TransportTCP
	TransportSCTP
)

// InterfaceValueKind selects whether a probe's Input/Output fields carry
// SNMP interface indices or VLAN ids.
type InterfaceValueKind int

const (
	InterfaceValueSNMP InterfaceValueKind = iota
	InterfaceValueVLAN
)

// LogFlag is a bit in a probe's log-flags bitmask.
type LogFlag uint32

const (
	LogAll LogFlag = 1 << iota
	LogBad
	LogMissing
	LogSampling
	LogRecordTimestamps
	LogFirewallEvent
	LogShowTemplates
)

// LogDefault is the flag set implied by the "default" token.
const LogDefault = LogBad | LogMissing

// Quirk is a bit in a probe's quirks bitmask.
type Quirk uint32

const (
	QuirkFirewallEvent Quirk = 1 << iota
	QuirkMissingIPs
	QuirkNF9OutIsReverse
	QuirkNF9SysUptimeSeconds
	QuirkZeroPackets
)

// ProbeID indexes into a Registry's probe table.
type ProbeID int

// SensorID indexes into a Registry's sensor table.
type SensorID int

// NetworkID indexes into a Registry's network table.
type NetworkID int

// GroupID indexes into a Registry's group table.
type GroupID int

// Probe is a named ingestion endpoint. Once Verify succeeds the probe is
// immutable.
type Probe struct {
	ID   ProbeID
	Name string
	Type ProbeType

	Transport Transport

	// ListenHost/ListenPort are the raw host/port spec for a network
	// listener; resolution into actual socket addresses (an "array of
	// socket addresses" per spec.md, since one host spec may expand to
	// several local addresses) is deferred to pkg/listener so that
	// parsing a config file never performs DNS/socket I/O.
	ListenHost string
	ListenPort string

	ListenUnixPath string
	ReadFromFile   string
	PollDirectory  string

	// AcceptFromHost restricts which exporter hosts a listener accepts
	// packets from; empty means accept from any peer.
	AcceptFromHost []string

	InterfaceValue InterfaceValueKind
	LogFlags       LogFlag
	Quirks         Quirk

	// Sensors lists the sensors that consume this probe, filled in during
	// Verify by cross-referencing Sensor.Probes.
	Sensors []SensorID

	verified bool
}

// sourceCount reports how many of the four mutually exclusive collection
// sources this probe has configured.
func (p *Probe) sourceCount() int {
	n := 0
	if p.ListenPort != "" {
		n++
	}
	if p.ListenUnixPath != "" {
		n++
	}
	if p.ReadFromFile != "" {
		n++
	}
	if p.PollDirectory != "" {
		n++
	}
	return n
}

// Verified reports whether Verify has already accepted this probe.
func (p *Probe) Verified() bool { return p.verified }

// DeciderKind enumerates the shape of a per-(sensor,network) decider.
type DeciderKind int

const (
	DeciderUnset DeciderKind = iota
	DeciderInterface
	DeciderIPBlock
	DeciderIPSet
	DeciderRemainderInterface
	DeciderRemainderIPBlock
	DeciderRemainderIPSet
)

// Decider is a per-(sensor,network) rule deciding whether a record's source
// or destination side belongs to that network. Remainder variants are
// replaced with a concrete, materialized Group at sensor Verify time.
type Decider struct {
	Kind        DeciderKind
	Group       GroupID // valid for non-Unset kinds; Remainder kinds get it at Verify
	Complement  bool    // true for a "not in group" decider
}

// FilterKind selects which side of a record a Filter inspects.
type FilterKind int

const (
	FilterSource FilterKind = iota
	FilterDestination
	FilterAny
)

// Polarity selects whether a filter discards on match or on non-match.
type Polarity int

const (
	DiscardWhen Polarity = iota
	DiscardUnless
)

// GroupKind enumerates the three Group data shapes.
type GroupKind int

const (
	GroupKindUnset GroupKind = iota
	GroupKindInterface
	GroupKindIPBlock
	GroupKindIPSet
)

// Filter is a single (group, side, polarity) rule attached to a sensor. At
// most one Filter per (Kind, GroupKind) pair is allowed on a sensor.
type Filter struct {
	Group     GroupID
	Kind      FilterKind
	Polarity  Polarity
	GroupKind GroupKind
}

// Sensor is a named classification target.
type Sensor struct {
	ID   SensorID
	Name string
	// NumericID is kept as the caller set it. Verify neither resolves it
	// from a site file nor checks it, so an unset NumericID stays 0.
	NumericID uint32

	Probes []ProbeID

	// Deciders is keyed by NetworkID; at most one entry per network.
	Deciders map[NetworkID]Decider

	Filters []Filter

	// FixedSourceNetwork/FixedDestNetwork pin the direction for this
	// sensor, mutually exclusive with any Decider for that network.
	FixedSourceNetwork *NetworkID
	FixedDestNetwork   *NetworkID

	verified bool
}

// Verified reports whether Verify has already accepted this sensor.
func (s *Sensor) Verified() bool { return s.verified }

// Group is a reusable, named set of one kind. Once Frozen it is immutable.
type Group struct {
	ID     GroupID
	Name   string
	Kind   GroupKind
	frozen bool

	// Interface kind.
	interfaces map[uint32]struct{}
	maxIface   uint32

	// IPBlock/IPSet kind (both use the same fast-matching backend; the
	// distinction only matters for config-syntax validation and for
	// which primitive originally populated it).
	ipset *ipmatch.Set
}

// NewInterfaceGroup returns an empty, unfrozen interface-kind group.
func NewInterfaceGroup(maxIface uint32) *Group {
	return &Group{
		Kind:       GroupKindInterface,
		interfaces: make(map[uint32]struct{}),
		maxIface:   maxIface,
	}
}

// NewIPBlockGroup returns an empty, unfrozen ipblock-kind group.
func NewIPBlockGroup() *Group {
	return &Group{Kind: GroupKindIPBlock, ipset: ipmatch.NewSet()}
}

// NewIPSetGroup returns an empty, unfrozen ipset-kind group.
func NewIPSetGroup() *Group {
	return &Group{Kind: GroupKindIPSet, ipset: ipmatch.NewSet()}
}

// AddInterface adds an SNMP/VLAN index to an interface-kind group.
func (g *Group) AddInterface(idx uint32) error {
	if g.frozen {
		return fmt.Errorf("registry: group %q is frozen", g.Name)
	}
	if g.Kind != GroupKindInterface {
		return fmt.Errorf("registry: group %q is not interface-kind", g.Name)
	}
	if idx > g.maxIface {
		return fmt.Errorf("registry: interface index %d exceeds maximum %d", idx, g.maxIface)
	}
	g.interfaces[idx] = struct{}{}
	return nil
}

// AddWildcard adds a SiLK IP-wildcard pattern to an ipblock-kind group.
func (g *Group) AddWildcard(pattern string) error {
	if g.frozen {
		return fmt.Errorf("registry: group %q is frozen", g.Name)
	}
	return g.ipset.AddWildcard(pattern)
}

// AddCIDR adds a CIDR block to an ipset-kind group.
func (g *Group) AddCIDR(cidr string) error {
	if g.frozen {
		return fmt.Errorf("registry: group %q is frozen", g.Name)
	}
	return g.ipset.AddCIDR(cidr)
}

// Freeze marks the group immutable.
func (g *Group) Freeze() {
	if g.frozen {
		return
	}
	if g.ipset != nil {
		g.ipset.Freeze()
	}
	g.frozen = true
}

// ContainsInterface reports whether idx is a member of an interface-kind
// group.
func (g *Group) ContainsInterface(idx uint32) bool {
	if g.Kind != GroupKindInterface {
		return false
	}
	_, ok := g.interfaces[idx]
	return ok
}

// ContainsIP reports whether ip is a member of an ipblock/ipset-kind group.
func (g *Group) ContainsIP(ip net.IP) bool {
	if g.Kind != GroupKindIPBlock && g.Kind != GroupKindIPSet {
		return false
	}
	return g.ipset.Contains(ip)
}

// MaxInterface reports the interface-bitmap upper bound an interface-kind
// group was created with, so callers merging groups can iterate its full
// range of possible members.
func (g *Group) MaxInterface() uint32 { return g.maxIface }

// UnionIPSet returns a new, unfrozen group of the same kind as g,
// containing the union of g's and other's members. Both groups must be
// ipblock- or ipset-kind.
func (g *Group) UnionIPSet(other *Group) (*Group, error) {
	if g.Kind != GroupKindIPBlock && g.Kind != GroupKindIPSet {
		return nil, fmt.Errorf("registry: UnionIPSet requires an ipblock/ipset-kind group")
	}
	merged, err := g.ipset.Union(other.ipset)
	if err != nil {
		return nil, err
	}
	return &Group{Kind: g.Kind, ipset: merged}, nil
}

// Network is a named logical region of address space.
type Network struct {
	ID   NetworkID
	Name string
}
