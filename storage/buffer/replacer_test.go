package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUReplacerVictimOrder(t *testing.T) {
	r := NewLRUReplacer(7)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	r.Unpin(4)
	r.Unpin(5)
	r.Unpin(6)
	// a second unpin keeps the original position
	r.Unpin(1)
	assert.Equal(t, 6, r.Size())

	// victims come least-recently-unpinned first
	for _, want := range []FrameID{1, 2, 3} {
		fid, ok := r.Victim()
		assert.True(t, ok)
		assert.Equal(t, want, fid)
	}
	assert.Equal(t, 3, r.Size())
}

func TestLRUReplacerPin(t *testing.T) {
	r := NewLRUReplacer(7)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)

	r.Pin(1)
	// pinning a frame the replacer does not track is a no-op
	r.Pin(99)
	assert.Equal(t, 2, r.Size())

	fid, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, FrameID(2), fid)
}

func TestLRUReplacerEmpty(t *testing.T) {
	r := NewLRUReplacer(3)
	_, ok := r.Victim()
	assert.False(t, ok)

	r.Unpin(1)
	fid, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, FrameID(1), fid)
	_, ok = r.Victim()
	assert.False(t, ok)
}

func TestLRUReplacerCapacity(t *testing.T) {
	r := NewLRUReplacer(2)
	r.Unpin(1)
	r.Unpin(2)
	// beyond capacity the unpin is a no-op
	r.Unpin(3)
	assert.Equal(t, 2, r.Size())

	fid, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, FrameID(1), fid)
}
