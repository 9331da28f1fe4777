package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netweaver/flowcollector/pkg/registry"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseProbeAndSensor(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.conf", `
# top-level probe
probe p0 netflow-v5
  protocol udp
  listen-as-host 0.0.0.0
  listen-on-port 9995
  log-flags bad, missing
end probe

sensor s0
  probes netflow-v5 p0
  internal-ipblocks 10.0.0.0/8
  external-ipblocks remainder
end sensor
`)

	p := New()
	reg, err := p.ParseFile(path)
	require.NoError(t, err)
	require.NoError(t, reg.Verify())

	pid, ok := reg.FindProbe("p0")
	require.True(t, ok)
	assert.Equal(t, registry.ProbeNetFlowV5, reg.Probe(pid).Type)
	assert.Equal(t, registry.TransportUDP, reg.Probe(pid).Transport)
	assert.Equal(t, "9995", reg.Probe(pid).ListenPort)

	sid, ok := reg.FindSensor("s0")
	require.True(t, ok)
	sensor := reg.Sensor(sid)
	assert.Len(t, sensor.Deciders, 2)
}

func TestIncludeDirective(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "groups.conf", `
group internal ipset
  ipsets 10.0.0.0/8
end group
`)
	path := writeFile(t, dir, "main.conf", `
include "groups.conf"

probe p0 netflow-v5
  listen-on-port 9995
end probe
`)

	p := New()
	reg, err := p.ParseFile(path)
	require.NoError(t, err)

	_, ok := reg.FindGroup("internal", registry.GroupKindIPSet)
	assert.True(t, ok)
}

func TestMismatchedCloserStillClosesBlock(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.conf", `
probe p0 netflow-v5
  listen-on-port 9995
end sensor

sensor s0
  probes netflow-v5 p0
end sensor
`)

	p := New()
	reg, err := p.ParseFile(path)
	require.Error(t, err)

	_, ok := reg.FindProbe("p0")
	assert.True(t, ok, "probe block should still be closed and registered despite mismatched closer")
}

func TestMissingEndAtEOFIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.conf", `
probe p0 netflow-v5
  listen-on-port 9995
`)
	p := New()
	_, err := p.ParseFile(path)
	assert.Error(t, err)
}

func TestUnknownOptionAccumulatesErrorButContinues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.conf", `
probe p0 netflow-v5
  bogus-option foo
  listen-on-port 9995
end probe
`)
	p := New()
	reg, err := p.ParseFile(path)
	assert.Error(t, err)

	pid, ok := reg.FindProbe("p0")
	require.True(t, ok)
	assert.Equal(t, "9995", reg.Probe(pid).ListenPort)
}

func TestLogFlagsNoneRejectsCombination(t *testing.T) {
	_, err := parseLogFlags([]string{"none", "bad"})
	assert.Error(t, err)
}

func TestGroupReferenceByName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.conf", `
group core ipblock
  ipblocks 10.0.x.0-15
end group

group all ipblock
  ipblocks @core, 192.168.0.0/16
end group
`)
	p := New()
	reg, err := p.ParseFile(path)
	require.NoError(t, err)

	id, ok := reg.FindGroup("all", registry.GroupKindIPBlock)
	require.True(t, ok)
	g := reg.Group(id)
	assert.True(t, g.ContainsIP(netIP(t, "10.0.5.10")))
	assert.True(t, g.ContainsIP(netIP(t, "192.168.1.1")))
}

func TestIncludeDepthExceeded(t *testing.T) {
	dir := t.TempDir()
	// Build a chain of 9 includes, one beyond the depth of 8.
	var prev string
	for i := 9; i >= 1; i-- {
		name := filepath.Join(dir, "inc"+itoa(i)+".conf")
		content := ""
		if prev != "" {
			content = `include "` + filepath.Base(prev) + `"`
		}
		require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
		prev = name
	}

	p := New()
	_, err := p.ParseFile(prev)
	assert.Error(t, err)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func netIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}
