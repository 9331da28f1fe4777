package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsZeroSizes(t *testing.T) {
	_, err := Create(0, 10)
	assert.ErrorIs(t, err, ErrZeroSize)

	_, err = Create(8, 0)
	assert.ErrorIs(t, err, ErrZeroSize)
}

func TestCreateRejectsOversizedItem(t *testing.T) {
	_, err := Create(maxItemSize+1, 10)
	assert.ErrorIs(t, err, ErrItemTooLarge)
}

func TestFIFOOrder(t *testing.T) {
	r, err := Create(8, 8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		cell, status := r.AcquireWriter(nil)
		require.Equal(t, Ok, status)
		cell[0] = byte(i)
	}
	r.Flush()

	for i := 0; i < 5; i++ {
		cell, status := r.AcquireReader(nil)
		require.Equal(t, Ok, status)
		assert.Equal(t, byte(i), cell[0], "values must be read in write order")
	}
}

// TestBlockingCorrectness is scenario 5 from the spec: a fast writer must
// block on a full ring until the slow reader drains a cell, and every value
// must still arrive in order.
func TestBlockingCorrectness(t *testing.T) {
	r, err := Create(8, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			cell, status := r.AcquireWriter(nil)
			require.Equal(t, Ok, status)
			cell[0] = byte(i)
		}
		r.Flush()
	}()

	results := make([]byte, 0, 5)
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		cell, status := r.AcquireReader(nil)
		require.Equal(t, Ok, status)
		results = append(results, cell[0])
	}
	wg.Wait()

	for i, v := range results {
		assert.Equal(t, byte(i), v)
	}
}

// TestBoundedMemory is the §8 bounded-memory invariant: total chunks
// allocated (active chain + one transient spare) never exceeds
// ceil(itemCount/cellsPerChunk) + 1.
func TestBoundedMemory(t *testing.T) {
	r, err := Create(8, 32)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		for i := 0; i < 10; i++ {
			_, status := r.AcquireWriter(nil)
			require.Equal(t, Ok, status)
		}
		r.Flush()
		for i := 0; i < 10; i++ {
			_, status := r.AcquireReader(nil)
			require.Equal(t, Ok, status)
		}

		r.mu.Lock()
		allocated := r.chunkCount
		if r.spare != nil {
			allocated++
		}
		r.mu.Unlock()
		assert.LessOrEqual(t, allocated, r.maxChunks+1)
	}
}

// TestStopLiveness is the §8 stop-liveness invariant: every blocked waiter
// returns Stopped promptly, and subsequent callers never block.
func TestStopLiveness(t *testing.T) {
	r, err := Create(8, 2)
	require.NoError(t, err)

	// Exhaust the single chunk's capacity so a further AcquireWriter call
	// genuinely blocks.
	for i := 0; i < r.cellsPerChunk; i++ {
		_, status := r.AcquireWriter(nil)
		require.Equal(t, Ok, status)
	}

	done := make(chan Status, 2)
	go func() {
		_, s := r.AcquireWriter(nil)
		done <- s
	}()

	r2, err := Create(8, 2)
	require.NoError(t, err)
	go func() {
		_, s := r2.AcquireReader(nil)
		done <- s
	}()

	time.Sleep(5 * time.Millisecond)
	r.Stop()
	r2.Stop()

	for i := 0; i < 2; i++ {
		select {
		case s := <-done:
			assert.Equal(t, Stopped, s)
		case <-time.After(time.Second):
			t.Fatal("waiter did not wake up after Stop")
		}
	}

	_, status := r.AcquireReader(nil)
	assert.Equal(t, Stopped, status)
	_, status = r.AcquireWriter(nil)
	assert.Equal(t, Stopped, status)

	r.Destroy()
	r2.Destroy()
}

func TestDefaultCellsPerChunkAtLeastThree(t *testing.T) {
	r, err := Create(1, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.cellsPerChunk, minCellsPerChunk)
}

// TestWriterCellNotVisibleUntilNextAcquireOrFlush pins down the one-cell
// handoff lag the contract requires: a cell returned by AcquireWriter must
// not be readable (Len must not count it, AcquireReader must not return
// it) until either a further AcquireWriter call or an explicit Flush
// commits it. A premature commit would race the writer filling the cell
// against a concurrently-woken reader reading the same memory.
func TestWriterCellNotVisibleUntilNextAcquireOrFlush(t *testing.T) {
	r, err := Create(8, 4)
	require.NoError(t, err)

	cell, status := r.AcquireWriter(nil)
	require.Equal(t, Ok, status)
	cell[0] = 0x42

	assert.Equal(t, 0, r.Len(), "an unfilled-handoff cell must not be counted as filled")

	r.Flush()
	assert.Equal(t, 1, r.Len(), "Flush commits the pending cell")

	got, status := r.AcquireReader(nil)
	require.Equal(t, Ok, status)
	assert.Equal(t, byte(0x42), got[0])
}

// TestWriterCellCommittedByNextAcquire verifies the implicit commit path:
// calling AcquireWriter a second time commits the first cell without
// requiring an explicit Flush.
func TestWriterCellCommittedByNextAcquire(t *testing.T) {
	r, err := Create(8, 4)
	require.NoError(t, err)

	first, status := r.AcquireWriter(nil)
	require.Equal(t, Ok, status)
	first[0] = 0x1

	_, status = r.AcquireWriter(nil)
	require.Equal(t, Ok, status)

	assert.Equal(t, 1, r.Len(), "the first cell commits once the second is acquired")

	got, status := r.AcquireReader(nil)
	require.Equal(t, Ok, status)
	assert.Equal(t, byte(0x1), got[0])
}
