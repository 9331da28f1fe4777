package netflow5

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestObserveSequenceAdvancesByCount covers spec.md §8 scenario 3: two
// packets, both count=10, sequences 100 then 130. The gap is measured
// against expectedNext (which itself advances by count, not by one flow
// per packet), so missing += 20 and expectedNext lands on 140.
func TestObserveSequenceAdvancesByCount(t *testing.T) {
	s := &Session{}

	late := s.observeSequence(100, 10)
	assert.False(t, late)
	assert.EqualValues(t, 110, s.expectedNext)

	late = s.observeSequence(130, 10)
	assert.False(t, late)
	assert.EqualValues(t, 140, s.expectedNext)
	assert.EqualValues(t, 20, s.lostRecords)
	assert.EqualValues(t, 1, s.sequenceGaps)
}

func TestObserveSequenceNoLossInOrder(t *testing.T) {
	s := &Session{}
	for i := 0; i < 5; i++ {
		late := s.observeSequence(uint32(i*10), 10)
		assert.False(t, late)
	}
	assert.EqualValues(t, 0, s.lostRecords)
	assert.EqualValues(t, 0, s.sequenceGaps)
}

func TestObserveSequenceLateArrivalDoesNotAdvance(t *testing.T) {
	s := &Session{}
	s.observeSequence(1000, 10) // baseline: expectedNext = 1010
	s.observeSequence(1100, 10) // forward gap: expectedNext = 1110, missing += 90

	before := s.expectedNext
	late := s.observeSequence(1010, 10) // a late packet filling part of the gap
	assert.True(t, late)
	assert.Equal(t, before, s.expectedNext, "a late arrival must not advance expectedNext")
}

func TestObserveSequenceWrapWithGap(t *testing.T) {
	// expectedNext is still near the top of the 32-bit space; the
	// exporter's counter has already wrapped around to a small value by
	// the time this packet arrives, with a few records lost across the
	// boundary.
	s := &Session{haveSeq: true, expectedNext: (1 << 32) - 6}

	late := s.observeSequence(10, 10)
	assert.False(t, late)
	assert.EqualValues(t, 1, s.sequenceGaps)
	assert.EqualValues(t, 16, s.lostRecords)
	assert.EqualValues(t, 20, s.expectedNext)
}
