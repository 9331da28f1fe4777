package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProbe(name string) Probe {
	return Probe{
		Name:            name,
		Type:            ProbeNetFlowV5,
		Transport:       TransportUDP,
		ListenUnixPath:  "/tmp/" + name + ".sock",
	}
}

func TestAddProbeRejectsDuplicateName(t *testing.T) {
	r := New()
	_, err := r.AddProbe(newTestProbe("p1"))
	require.NoError(t, err)
	_, err = r.AddProbe(newTestProbe("p1"))
	assert.Error(t, err)
}

func TestVerifyRejectsSensorWithNoProbes(t *testing.T) {
	r := New()
	_, err := r.AddSensor(Sensor{Name: "s1"})
	require.NoError(t, err)
	err = r.Verify()
	assert.Error(t, err)
}

func TestVerifyRejectsProbeWithMultipleSources(t *testing.T) {
	r := New()
	p := newTestProbe("p1")
	p.ReadFromFile = "/tmp/extra"
	_, err := r.AddProbe(p)
	require.NoError(t, err)
	err = r.Verify()
	assert.Error(t, err)
}

func TestVerifyLinksProbeToSensor(t *testing.T) {
	r := New()
	pid, err := r.AddProbe(newTestProbe("p1"))
	require.NoError(t, err)
	_, err = r.AddSensor(Sensor{Name: "s1", Probes: []ProbeID{pid}})
	require.NoError(t, err)

	require.NoError(t, r.Verify())

	assert.Equal(t, []SensorID{0}, r.Probe(pid).Sensors)
	assert.True(t, r.Probe(pid).Verified())
}

func TestRemainderInterfaceMaterialization(t *testing.T) {
	r := New()
	pid, err := r.AddProbe(newTestProbe("p1"))
	require.NoError(t, err)

	internal := NewInterfaceGroup(10)
	require.NoError(t, internal.AddInterface(1))
	require.NoError(t, internal.AddInterface(2))
	internalID, err := r.AddGroup("internal", internal)
	require.NoError(t, err)

	internalNet, err := r.AddNetwork("internal")
	require.NoError(t, err)
	externalNet, err := r.AddNetwork("external")
	require.NoError(t, err)

	s := Sensor{
		Name:   "s1",
		Probes: []ProbeID{pid},
		Deciders: map[NetworkID]Decider{
			internalNet: {Kind: DeciderInterface, Group: internalID},
			externalNet: {Kind: DeciderRemainderInterface},
		},
	}
	_, err = r.AddSensor(s)
	require.NoError(t, err)

	require.NoError(t, r.Verify())

	sensor := r.Sensor(0)
	remDecider := sensor.Deciders[externalNet]
	remGroup := r.Group(remDecider.Group)

	assert.False(t, remGroup.ContainsInterface(1))
	assert.False(t, remGroup.ContainsInterface(2))
	assert.True(t, remGroup.ContainsInterface(3))
}

func TestRemainderRejectsMultiplePerSensor(t *testing.T) {
	r := New()
	pid, err := r.AddProbe(newTestProbe("p1"))
	require.NoError(t, err)

	n1, _ := r.AddNetwork("n1")
	n2, _ := r.AddNetwork("n2")

	_, err = r.AddSensor(Sensor{
		Name:   "s1",
		Probes: []ProbeID{pid},
		Deciders: map[NetworkID]Decider{
			n1: {Kind: DeciderRemainderIPBlock},
			n2: {Kind: DeciderRemainderIPBlock},
		},
	})
	require.NoError(t, err)

	assert.Error(t, r.Verify())
}

func TestDuplicateFilterRejected(t *testing.T) {
	r := New()
	pid, err := r.AddProbe(newTestProbe("p1"))
	require.NoError(t, err)

	g := NewIPSetGroup()
	require.NoError(t, g.AddCIDR("10.0.0.0/8"))
	gid, err := r.AddGroup("g1", g)
	require.NoError(t, err)

	_, err = r.AddSensor(Sensor{
		Name:   "s1",
		Probes: []ProbeID{pid},
		Filters: []Filter{
			{Group: gid, Kind: FilterSource, GroupKind: GroupKindIPSet, Polarity: DiscardWhen},
			{Group: gid, Kind: FilterSource, GroupKind: GroupKindIPSet, Polarity: DiscardUnless},
		},
	})
	require.NoError(t, err)

	assert.Error(t, r.Verify())
}

func TestAddAfterVerifyRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Verify())
	_, err := r.AddProbe(newTestProbe("late"))
	assert.Error(t, err)
}
