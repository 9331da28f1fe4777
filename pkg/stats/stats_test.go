package stats

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryForSourceCreatesOnce(t *testing.T) {
	r := NewRegistry()
	a := r.ForSource("probe0")
	b := r.ForSource("probe0")
	assert.Same(t, a, b)
}

func TestSnapshotsAreSortedByName(t *testing.T) {
	r := NewRegistry()
	r.ForSource("zeta")
	r.ForSource("alpha")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, "zeta", snaps[1].Name)
}

func TestCountersAreRaceFree(t *testing.T) {
	r := NewRegistry()
	c := r.ForSource("probe0")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.PacketsReceived.Inc()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = c.Snapshot()
		}
	}()
	wg.Wait()

	assert.EqualValues(t, 200, c.Snapshot().PacketsReceived)
}

func TestProviderJSONIncludesSources(t *testing.T) {
	r := NewRegistry()
	r.ForSource("probe0").RecordsDecoded.Store(5)
	p := NewProvider(r)

	out := p.JSON(false)
	sources, ok := out["sources"].([]Snapshot)
	require.True(t, ok)
	require.Len(t, sources, 1)
	assert.EqualValues(t, 5, sources[0].RecordsDecoded)
}

func TestProviderTextNonVerboseOmitsDetail(t *testing.T) {
	r := NewRegistry()
	c := r.ForSource("probe0")
	c.RecordsDecoded.Store(3)
	c.Reboots.Store(1)
	p := NewProvider(r)

	var buf bytes.Buffer
	require.NoError(t, p.Text(false, &buf))

	out := buf.String()
	assert.Contains(t, out, "Total Sources: 1")
	assert.Contains(t, out, "=== probe0 ===")
	assert.Contains(t, out, "Records Decoded:  3")
	assert.NotContains(t, out, "Reboots:")
}

func TestProviderTextVerboseIncludesDetail(t *testing.T) {
	r := NewRegistry()
	c := r.ForSource("probe0")
	c.Reboots.Store(2)
	p := NewProvider(r)

	var buf bytes.Buffer
	require.NoError(t, p.Text(true, &buf))
	assert.Contains(t, buf.String(), "Reboots:          2")
}

func TestProviderHTMLStructure(t *testing.T) {
	r := NewRegistry()
	r.ForSource("probe0")
	p := NewProvider(r)

	var buf bytes.Buffer
	require.NoError(t, p.HTML(false, &buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, `<div class="stat">`))
	assert.Contains(t, out, `<span class="stat_subtitle">probe0</span>`)
	assert.True(t, strings.HasSuffix(out, `</span></div>`))
}
