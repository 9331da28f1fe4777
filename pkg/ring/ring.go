// Package ring implements the segmented, bounded, single-writer/single-reader
// FIFO handoff buffer used to decouple a receiver goroutine from the
// consumer that decodes flow records: a fixed-capacity ring, built from
// equally sized chunks, that grows lazily up to its cap and keeps at most
// one spare chunk around to dampen allocation churn.
package ring

import (
	"errors"
	"sync"
)

// Status is the outcome of a blocking Ring call.
type Status int

const (
	Ok Status = iota
	Stopped
)

// maxItemSize caps a single cell's payload at 2^28/3 bytes.
const maxItemSize = (1 << 28) / 3

// maxChunkBytes bounds how large a single chunk's backing storage may be.
const maxChunkBytes = 128 * 1024

// minCellsPerChunk is the smallest number of cells a chunk may hold.
const minCellsPerChunk = 3

var (
	// ErrZeroSize is returned by Create when itemSize or itemCount is zero.
	ErrZeroSize = errors.New("ring: item size and item count must be non-zero")
	// ErrItemTooLarge is returned by Create when itemSize exceeds the cap.
	ErrItemTooLarge = errors.New("ring: item size exceeds maximum")
)

// chunk is a fixed-size run of cells, linked from the reader's chunk toward
// the writer's chunk.
type chunk struct {
	cells    [][]byte
	readIdx  int
	writeIdx int
	reserved int // cells claimed by the writer and not yet read, committed or not
	filled   int // cells committed: holding unread, written data visible to the reader
	next     *chunk
}

func newChunk(cellSize, cellCount int) *chunk {
	c := &chunk{cells: make([][]byte, cellCount)}
	for i := range c.cells {
		c.cells[i] = make([]byte, cellSize)
	}
	return c
}

// Ring is the bounded segmented FIFO. Exactly one goroutine may call
// AcquireWriter and exactly one (possibly different) goroutine may call
// AcquireReader at a time.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	cellSize      int
	cellsPerChunk int
	maxChunks     int

	readerChunk *chunk
	writerChunk *chunk
	spare       *chunk

	// pendingChunk holds the chunk containing the single cell most
	// recently returned by AcquireWriter: reserved so no other writer call
	// can reuse it, but not yet committed (reader-visible) until the
	// *next* AcquireWriter call begins, or Flush is called. This is the
	// one-cell handoff lag the contract describes: the caller owns
	// exactly one cell between two successive acquires, and only commits
	// it once it is done filling it.
	hasPending   bool
	pendingChunk *chunk

	chunkCount  int // chunks currently in the active reader->writer chain
	totalFilled int
	stopped     bool
	waitCount   int
}

// Create allocates a new ring sized to hold at least itemCount cells of
// itemSize bytes each, rounded up to a whole number of chunks.
func Create(itemSize, itemCount int) (*Ring, error) {
	if itemSize <= 0 || itemCount <= 0 {
		return nil, ErrZeroSize
	}
	if itemSize > maxItemSize {
		return nil, ErrItemTooLarge
	}

	cellsPerChunk := maxChunkBytes / itemSize
	if cellsPerChunk < minCellsPerChunk {
		cellsPerChunk = minCellsPerChunk
	}
	if cellsPerChunk > itemCount {
		cellsPerChunk = itemCount
		if cellsPerChunk < minCellsPerChunk {
			cellsPerChunk = minCellsPerChunk
		}
	}

	maxChunks := (itemCount + cellsPerChunk - 1) / cellsPerChunk
	if maxChunks < 1 {
		maxChunks = 1
	}

	r := &Ring{
		cellSize:      itemSize,
		cellsPerChunk: cellsPerChunk,
		maxChunks:     maxChunks,
	}
	r.cond = sync.NewCond(&r.mu)

	first := newChunk(itemSize, cellsPerChunk)
	r.readerChunk = first
	r.writerChunk = first
	r.chunkCount = 1

	return r, nil
}

// Stop marks the ring stopped and wakes every blocked waiter; subsequent
// calls to AcquireWriter/AcquireReader return Stopped immediately without
// blocking. Idempotent.
func (r *Ring) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Destroy waits for every blocked waiter to observe Stopped, then frees all
// chunks. The caller must have already called Stop.
func (r *Ring) Destroy() {
	r.mu.Lock()
	for r.waitCount > 0 {
		r.cond.Wait()
	}
	r.readerChunk = nil
	r.writerChunk = nil
	r.spare = nil
	r.chunkCount = 0
	r.mu.Unlock()
}

// AcquireWriter blocks until a free cell exists and returns it. The caller
// fills the returned cell; it is logically handed to the reader only once
// this call returns for a *second* time (the caller holds exactly one
// reserved-but-uncommitted cell between two successive AcquireWriter
// calls, and must not touch it again after that second call begins).
// itemCount, if non-nil, receives the ring-wide committed-cell count after
// this reservation's handoff of the previous cell.
func (r *Ring) AcquireWriter(itemCount *int) ([]byte, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commitPending()
	if itemCount != nil {
		*itemCount = r.totalFilled
	}

	for {
		if r.stopped {
			return nil, Stopped
		}

		wc := r.writerChunk
		if wc.reserved < len(wc.cells) {
			cell := wc.cells[wc.writeIdx]
			wc.writeIdx = (wc.writeIdx + 1) % len(wc.cells)
			wc.reserved++
			r.hasPending = true
			r.pendingChunk = wc
			return cell, Ok
		}

		// writerChunk is full: advance to (or allocate) the next chunk.
		if wc.next != nil {
			r.writerChunk = wc.next
			continue
		}
		if r.chunkCount < r.maxChunks {
			var nc *chunk
			if r.spare != nil {
				nc = r.spare
				r.spare = nil
				nc.readIdx, nc.writeIdx, nc.reserved, nc.filled, nc.next = 0, 0, 0, 0, nil
			} else {
				nc = newChunk(r.cellSize, r.cellsPerChunk)
			}
			wc.next = nc
			r.writerChunk = nc
			r.chunkCount++
			continue
		}

		r.waitCount++
		r.cond.Wait()
		r.waitCount--
	}
}

// Flush commits the pending cell returned by the most recent AcquireWriter
// call, if any, making it visible to the reader without waiting for a
// further AcquireWriter call to do so implicitly. A producer that has just
// filled a cell and has nothing queued up behind it calls Flush so the
// cell isn't stranded until the next datagram arrives. A no-op when there
// is no pending cell.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitPending()
}

// commitPending marks the previously returned writer cell, if any, as
// filled and reader-visible. Called with r.mu held, at the start of every
// AcquireWriter call, before a new cell is reserved: this is what gives
// the writer's previous cell its one-call handoff lag instead of becoming
// visible to the reader the instant it was returned, unfilled.
func (r *Ring) commitPending() {
	if !r.hasPending {
		return
	}
	r.pendingChunk.filled++
	r.totalFilled++
	r.hasPending = false
	r.pendingChunk = nil
	r.cond.Broadcast()
}

// AcquireReader blocks until at least one filled cell exists and returns it.
// itemCount, if non-nil, receives the ring-wide filled-cell count after this
// reservation.
func (r *Ring) AcquireReader(itemCount *int) ([]byte, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.stopped {
			return nil, Stopped
		}

		rc := r.readerChunk
		if rc.filled == 0 {
			r.waitCount++
			r.cond.Wait()
			r.waitCount--
			continue
		}

		cell := rc.cells[rc.readIdx]
		rc.readIdx = (rc.readIdx + 1) % len(rc.cells)
		rc.filled--
		rc.reserved--
		r.totalFilled--

		if rc.filled == 0 && rc != r.writerChunk && rc.next != nil {
			// This chunk is fully drained and the writer has moved past
			// it: retire it as the single spare, freeing anything beyond.
			r.readerChunk = rc.next
			if r.spare == nil {
				r.spare = rc
				rc.next = nil
			}
			r.chunkCount--
		}

		if itemCount != nil {
			*itemCount = r.totalFilled
		}
		r.cond.Broadcast()
		return cell, Ok
	}
}

// Len reports the number of filled, unread cells currently in the ring.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalFilled
}
