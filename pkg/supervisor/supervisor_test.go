package supervisor

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netweaver/flowcollector/pkg/packer/memory"
	"github.com/netweaver/flowcollector/pkg/registry"
	"github.com/netweaver/flowcollector/pkg/settings"
)

// freePort binds a throwaway UDP socket to find an available local port,
// then releases it so the supervisor can bind the same port address.
func freePort(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	return port
}

// buildNF5Packet assembles a minimal one-record NetFlow v5 packet.
func buildNF5Packet() []byte {
	const headerSize, recordSize = 24, 48
	packet := make([]byte, headerSize+recordSize)
	binary.BigEndian.PutUint16(packet[0:2], 5)
	binary.BigEndian.PutUint16(packet[2:4], 1)
	binary.BigEndian.PutUint32(packet[8:12], uint32(time.Now().Unix()))

	r := packet[headerSize:]
	copy(r[0:4], net.ParseIP("192.168.1.10").To4())
	copy(r[4:8], net.ParseIP("10.0.0.50").To4())
	binary.BigEndian.PutUint32(r[16:20], 10)   // packets
	binary.BigEndian.PutUint32(r[20:24], 1500) // bytes
	r[38] = 6                                  // TCP
	return packet
}

func buildTestRegistry(t *testing.T, port string) *registry.Registry {
	t.Helper()
	reg := registry.New()

	probeID, err := reg.AddProbe(registry.Probe{
		Name:       "nf5",
		Type:       registry.ProbeNetFlowV5,
		Transport:  registry.TransportUDP,
		ListenHost: "127.0.0.1",
		ListenPort: port,
	})
	require.NoError(t, err)

	group := registry.NewIPBlockGroup()
	require.NoError(t, group.AddWildcard("10.x.x.x"))
	groupID, err := reg.AddGroup("internal", group)
	require.NoError(t, err)

	_, err = reg.AddSensor(registry.Sensor{
		Name:   "nf5-sensor",
		Probes: []registry.ProbeID{probeID},
		Deciders: map[registry.NetworkID]registry.Decider{
			mustNetwork(t, reg, "core"):     {Kind: registry.DeciderIPBlock, Group: groupID},
			mustNetwork(t, reg, "external"): {Kind: registry.DeciderRemainderIPBlock},
		},
	})
	require.NoError(t, err)

	require.NoError(t, reg.Verify())
	return reg
}

func mustNetwork(t *testing.T, reg *registry.Registry, name string) registry.NetworkID {
	t.Helper()
	id, err := reg.AddNetwork(name)
	require.NoError(t, err)
	return id
}

func TestSupervisorEndToEndUDPIngest(t *testing.T) {
	port := freePort(t)
	reg := buildTestRegistry(t, port)

	set := settings.Settings{}
	set.Performance.RingItemSize = 1500
	set.Performance.RingItemCount = 64

	sink := memory.New()
	logger := zap.NewNop()

	sup, err := New(reg, set, sink, logger)
	require.NoError(t, err)
	require.NoError(t, sup.Start())

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(buildNF5Packet())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.Records()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "nf5", records[0].SourceName)
	assert.Equal(t, "192.168.1.10", records[0].Record.SrcIP.String())
	assert.True(t, records[0].Classification.HasDestNet)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.True(t, sink.Closed())
}

func TestSupervisorRejectsUnverifiedRegistry(t *testing.T) {
	reg := registry.New()
	_, err := New(reg, settings.Settings{}, memory.New(), zap.NewNop())
	assert.Error(t, err)
}
