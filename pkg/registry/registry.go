package registry

import "fmt"

// Registry is an append-only collection of Probes, Sensors, Networks and
// Groups, built incrementally by pkg/config and then sealed by Verify.
// Before Verify, IDs are provisional (assigned at Add time); after Verify,
// cross references (Probe.Sensors, Decider.Group, Remainder materialization)
// are resolved and the whole registry is treated as read-only.
type Registry struct {
	probes   []Probe
	sensors  []Sensor
	networks []Network
	groups   []Group

	probeByName   map[string]ProbeID
	sensorByName  map[string]SensorID
	networkByName map[string]NetworkID
	groupByName   map[string]GroupID

	verified bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		probeByName:   make(map[string]ProbeID),
		sensorByName:  make(map[string]SensorID),
		networkByName: make(map[string]NetworkID),
		groupByName:   make(map[string]GroupID),
	}
}

// AddProbe appends p, assigning it the next ProbeID. The name must be
// unique among probes.
func (r *Registry) AddProbe(p Probe) (ProbeID, error) {
	if r.verified {
		return 0, fmt.Errorf("registry: cannot add probe %q after Verify", p.Name)
	}
	if _, exists := r.probeByName[p.Name]; exists {
		return 0, fmt.Errorf("registry: duplicate probe name %q", p.Name)
	}
	id := ProbeID(len(r.probes))
	p.ID = id
	r.probes = append(r.probes, p)
	r.probeByName[p.Name] = id
	return id, nil
}

// AddSensor appends s, assigning it the next SensorID. The name must be
// unique among sensors.
func (r *Registry) AddSensor(s Sensor) (SensorID, error) {
	if r.verified {
		return 0, fmt.Errorf("registry: cannot add sensor %q after Verify", s.Name)
	}
	if _, exists := r.sensorByName[s.Name]; exists {
		return 0, fmt.Errorf("registry: duplicate sensor name %q", s.Name)
	}
	if s.Deciders == nil {
		s.Deciders = make(map[NetworkID]Decider)
	}
	id := SensorID(len(r.sensors))
	s.ID = id
	r.sensors = append(r.sensors, s)
	r.sensorByName[s.Name] = id
	return id, nil
}

// AddNetwork appends a network, assigning it the next NetworkID. The name
// must be unique among networks.
func (r *Registry) AddNetwork(name string) (NetworkID, error) {
	if r.verified {
		return 0, fmt.Errorf("registry: cannot add network %q after Verify", name)
	}
	if _, exists := r.networkByName[name]; exists {
		return 0, fmt.Errorf("registry: duplicate network name %q", name)
	}
	id := NetworkID(len(r.networks))
	r.networks = append(r.networks, Network{ID: id, Name: name})
	r.networkByName[name] = id
	return id, nil
}

// AddGroup appends g under the given name, assigning it the next GroupID.
// The name must be unique among groups of the same Kind; two groups of
// different kinds may share a name (e.g. an interface group "border" and
// an ipset group "border" are distinct namespaces, matching the source
// grammar's per-statement-type group keywords).
func (r *Registry) AddGroup(name string, g *Group) (GroupID, error) {
	if r.verified {
		return 0, fmt.Errorf("registry: cannot add group %q after Verify", name)
	}
	key := groupKey(name, g.Kind)
	if _, exists := r.groupByName[key]; exists {
		return 0, fmt.Errorf("registry: duplicate group name %q", name)
	}
	id := GroupID(len(r.groups))
	g.ID = id
	g.Name = name
	r.groups = append(r.groups, *g)
	r.groupByName[key] = id
	return id, nil
}

func groupKey(name string, kind GroupKind) string {
	return fmt.Sprintf("%d:%s", kind, name)
}

// Probe returns the probe with the given ID.
func (r *Registry) Probe(id ProbeID) *Probe { return &r.probes[id] }

// Sensor returns the sensor with the given ID.
func (r *Registry) Sensor(id SensorID) *Sensor { return &r.sensors[id] }

// Network returns the network with the given ID.
func (r *Registry) Network(id NetworkID) *Network { return &r.networks[id] }

// Group returns the group with the given ID.
func (r *Registry) Group(id GroupID) *Group { return &r.groups[id] }

// FindGroup looks up a group by name and kind.
func (r *Registry) FindGroup(name string, kind GroupKind) (GroupID, bool) {
	id, ok := r.groupByName[groupKey(name, kind)]
	return id, ok
}

// FindNetwork looks up a network by name.
func (r *Registry) FindNetwork(name string) (NetworkID, bool) {
	id, ok := r.networkByName[name]
	return id, ok
}

// FindSensor looks up a sensor by name.
func (r *Registry) FindSensor(name string) (SensorID, bool) {
	id, ok := r.sensorByName[name]
	return id, ok
}

// FindProbe looks up a probe by name.
func (r *Registry) FindProbe(name string) (ProbeID, bool) {
	id, ok := r.probeByName[name]
	return id, ok
}

// Probes returns every probe in ID order.
func (r *Registry) Probes() []Probe { return r.probes }

// Sensors returns every sensor in ID order.
func (r *Registry) Sensors() []Sensor { return r.sensors }

// Networks returns every network in ID order.
func (r *Registry) Networks() []Network { return r.networks }

// Verify seals the registry: it cross-references every sensor's probe
// names, checks each sensor's deciders/filters for structural validity,
// materializes Remainder deciders into concrete complement groups, and
// marks every probe and sensor as verified. Verify is not idempotent-safe
// to call twice with mutations in between; call it exactly once after all
// Add* calls.
func (r *Registry) Verify() error {
	if r.verified {
		return fmt.Errorf("registry: already verified")
	}

	for i := range r.probes {
		p := &r.probes[i]
		if p.sourceCount() != 1 {
			return fmt.Errorf("registry: probe %q must have exactly one collection source, has %d", p.Name, p.sourceCount())
		}
		if p.Type == ProbeUnset {
			return fmt.Errorf("registry: probe %q has no type", p.Name)
		}
	}

	for i := range r.sensors {
		s := &r.sensors[i]
		if len(s.Probes) == 0 {
			return fmt.Errorf("registry: sensor %q references no probes", s.Name)
		}
		for _, pid := range s.Probes {
			if int(pid) >= len(r.probes) {
				return fmt.Errorf("registry: sensor %q references unknown probe id %d", s.Name, pid)
			}
			r.probes[pid].Sensors = append(r.probes[pid].Sensors, s.ID)
		}

		if err := r.materializeRemainders(s); err != nil {
			return fmt.Errorf("registry: sensor %q: %w", s.Name, err)
		}

		if err := r.checkFilterUniqueness(s); err != nil {
			return fmt.Errorf("registry: sensor %q: %w", s.Name, err)
		}

		s.verified = true
	}

	for i := range r.probes {
		r.probes[i].verified = true
	}

	for i := range r.groups {
		r.groups[i].Freeze()
	}

	r.verified = true
	return nil
}

// materializeRemainders replaces every Remainder-kind decider on s with a
// concrete group computed as the complement, within the sensor's full set
// of non-remainder deciders of the same data shape, of the union of those
// deciders' groups. This mirrors the "remainder" capability shared by all
// three Group kinds: whichever addresses/interfaces are not claimed by any
// other network decider on this sensor belong to the remainder network.
func (r *Registry) materializeRemainders(s *Sensor) error {
	var remainderNets []NetworkID
	for net, d := range s.Deciders {
		switch d.Kind {
		case DeciderRemainderInterface, DeciderRemainderIPBlock, DeciderRemainderIPSet:
			remainderNets = append(remainderNets, net)
		}
	}
	if len(remainderNets) == 0 {
		return nil
	}
	if len(remainderNets) > 1 {
		return fmt.Errorf("at most one remainder decider is allowed per sensor, found %d", len(remainderNets))
	}
	remNet := remainderNets[0]
	remDecider := s.Deciders[remNet]

	var wantKind GroupKind
	switch remDecider.Kind {
	case DeciderRemainderInterface:
		wantKind = GroupKindInterface
	case DeciderRemainderIPBlock:
		wantKind = GroupKindIPBlock
	case DeciderRemainderIPSet:
		wantKind = GroupKindIPSet
	}

	switch wantKind {
	case GroupKindInterface:
		claimed := NewInterfaceGroup(ifaceUpperBound(r, s))
		for net, d := range s.Deciders {
			if net == remNet || d.Kind != DeciderInterface {
				continue
			}
			g := r.Group(d.Group)
			for idx := range g.interfaces {
				claimed.interfaces[idx] = struct{}{}
			}
		}
		complement := NewInterfaceGroup(claimed.maxIface)
		for idx := uint32(0); idx <= claimed.maxIface; idx++ {
			if _, ok := claimed.interfaces[idx]; !ok {
				complement.interfaces[idx] = struct{}{}
			}
		}
		id, err := r.AddGroup(fmt.Sprintf("%s.remainder", s.Name), complement)
		if err != nil {
			return err
		}
		s.Deciders[remNet] = Decider{Kind: remDecider.Kind, Group: id}

	case GroupKindIPBlock, GroupKindIPSet:
		union := NewIPBlockGroup()
		if wantKind == GroupKindIPSet {
			union = NewIPSetGroup()
		}
		for net, d := range s.Deciders {
			if net == remNet {
				continue
			}
			if (wantKind == GroupKindIPBlock && d.Kind != DeciderIPBlock) ||
				(wantKind == GroupKindIPSet && d.Kind != DeciderIPSet) {
				continue
			}
			g := r.Group(d.Group)
			merged, err := union.ipset.Union(g.ipset)
			if err != nil {
				return err
			}
			union.ipset = merged
		}
		// Remainder is "everything not in the union"; since ipmatch.Set has
		// no native complement operation, the remainder is represented as a
		// negated-match group evaluated by ContainsIP's caller via
		// Decider.Complement rather than by inverting the trie itself.
		id, err := r.AddGroup(fmt.Sprintf("%s.remainder", s.Name), union)
		if err != nil {
			return err
		}
		s.Deciders[remNet] = Decider{Kind: remDecider.Kind, Group: id, Complement: true}
	}

	return nil
}

// ifaceUpperBound picks the widest maxIface among a sensor's interface-kind
// deciders, so the complement group's bitmap covers every claimed index.
func ifaceUpperBound(r *Registry, s *Sensor) uint32 {
	var max uint32
	for _, d := range s.Deciders {
		if d.Kind != DeciderInterface {
			continue
		}
		g := r.Group(d.Group)
		if g.maxIface > max {
			max = g.maxIface
		}
	}
	return max
}

// checkFilterUniqueness enforces at most one Filter per (Kind, GroupKind)
// pair on a sensor.
func (r *Registry) checkFilterUniqueness(s *Sensor) error {
	seen := make(map[[2]int]bool)
	for _, f := range s.Filters {
		key := [2]int{int(f.Kind), int(f.GroupKind)}
		if seen[key] {
			return fmt.Errorf("duplicate filter for kind=%d groupKind=%d", f.Kind, f.GroupKind)
		}
		seen[key] = true
	}
	return nil
}

// Verified reports whether Verify has been called successfully.
func (r *Registry) Verified() bool { return r.verified }
