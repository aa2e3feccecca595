/*
Bucket page of the extendible hash index.

A bucket is a fixed-capacity array of (key, RID) pairs plus two bitmaps:
occupied (the slot has ever been written) and readable (the slot currently
holds a live entry). A slot that is occupied but not readable is a tombstone.
Scans stop at the first non-occupied slot: the prefix up to there is the only
region that has ever held data.

layout:
  [occupied u8 x ceil(C/8)][readable u8 x ceil(C/8)][(key int64, value RID) x C]
*/
package page

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/karashiro/minibase/common"
)

// hashBucketPairSize is the byte size of one (key, value) pair
const hashBucketPairSize = 8 + common.RIDSize

// HashBucketCapacity is the largest capacity whose bitmaps and pair array
// fit in one page; the default for production buckets.
const HashBucketCapacity = (PageSize * 8) / (hashBucketPairSize*8 + 2)

// HashBucketPage is the accessor view over a bucket page's bytes.
// capacity is a view parameter so tests can use tiny buckets; the layout of
// a page is only meaningful under the capacity it was written with.
// the caller must hold the appropriate page latch while using it.
type HashBucketPage struct {
	data     PagePtr
	capacity uint32
}

// NewHashBucketPage returns the bucket view of p with the given capacity
func NewHashBucketPage(p PagePtr, capacity uint32) *HashBucketPage {
	if capacity == 0 || capacity > HashBucketCapacity {
		log.Panicf("bucket capacity %d out of range (max %d)", capacity, HashBucketCapacity)
	}
	return &HashBucketPage{data: p, capacity: capacity}
}

// Capacity returns the number of slots in the bucket
func (b *HashBucketPage) Capacity() uint32 {
	return b.capacity
}

// bitmapBytes is the byte size of each bitmap
func (b *HashBucketPage) bitmapBytes() uint32 {
	return (b.capacity + 7) / 8
}

func (b *HashBucketPage) occupiedOffset() uint32 {
	return 0
}

func (b *HashBucketPage) readableOffset() uint32 {
	return b.bitmapBytes()
}

func (b *HashBucketPage) pairOffset(i uint32) uint32 {
	return 2*b.bitmapBytes() + i*hashBucketPairSize
}

// IsOccupied checks whether slot i has ever been written
func (b *HashBucketPage) IsOccupied(i uint32) bool {
	return b.data[b.occupiedOffset()+i/8]&(1<<(i%8)) != 0
}

// SetOccupied marks slot i as written
func (b *HashBucketPage) SetOccupied(i uint32) {
	b.data[b.occupiedOffset()+i/8] |= 1 << (i % 8)
}

// IsReadable checks whether slot i holds a live entry
func (b *HashBucketPage) IsReadable(i uint32) bool {
	return b.data[b.readableOffset()+i/8]&(1<<(i%8)) != 0
}

// SetReadable marks slot i as live
func (b *HashBucketPage) SetReadable(i uint32) {
	b.data[b.readableOffset()+i/8] |= 1 << (i % 8)
}

// RemoveAt clears the readable bit of slot i, leaving a tombstone
func (b *HashBucketPage) RemoveAt(i uint32) {
	b.data[b.readableOffset()+i/8] &^= 1 << (i % 8)
}

// KeyAt returns the key stored at slot i
func (b *HashBucketPage) KeyAt(i uint32) int64 {
	off := b.pairOffset(i)
	return int64(binary.LittleEndian.Uint64(b.data[off : off+8]))
}

// ValueAt returns the value stored at slot i
func (b *HashBucketPage) ValueAt(i uint32) common.RID {
	off := b.pairOffset(i) + 8
	return common.DeserializeRID(b.data[off : off+common.RIDSize])
}

func (b *HashBucketPage) setPairAt(i uint32, key int64, value common.RID) {
	off := b.pairOffset(i)
	binary.LittleEndian.PutUint64(b.data[off:off+8], uint64(key))
	value.Serialize(b.data[off+8 : off+8+common.RIDSize])
}

// GetValue collects into result the values of every live pair whose key
// equals key. returns whether anything was found.
func (b *HashBucketPage) GetValue(key int64, result *[]common.RID) bool {
	found := false
	for i := uint32(0); i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			break
		}
		if b.IsReadable(i) && b.KeyAt(i) == key {
			*result = append(*result, b.ValueAt(i))
			found = true
		}
	}
	return found
}

// IsExist checks whether the exact (key, value) pair is live in the bucket
func (b *HashBucketPage) IsExist(key int64, value common.RID) bool {
	for i := uint32(0); i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			break
		}
		if b.IsReadable(i) && b.KeyAt(i) == key && b.ValueAt(i) == value {
			return true
		}
	}
	return false
}

// Insert writes (key, value) into the first free slot.
// returns false when the bucket is full. duplicate detection is the
// caller's job (IsExist), because the bucket allows equal keys.
func (b *HashBucketPage) Insert(key int64, value common.RID) bool {
	for i := uint32(0); i < b.capacity; i++ {
		if !b.IsReadable(i) {
			b.setPairAt(i, key, value)
			b.SetOccupied(i)
			b.SetReadable(i)
			return true
		}
	}
	return false
}

// Remove removes the exact (key, value) pair. returns whether it was found.
func (b *HashBucketPage) Remove(key int64, value common.RID) bool {
	for i := uint32(0); i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			break
		}
		if b.IsReadable(i) && b.KeyAt(i) == key && b.ValueAt(i) == value {
			b.RemoveAt(i)
			return true
		}
	}
	return false
}

// IsFull checks whether every slot is live
func (b *HashBucketPage) IsFull() bool {
	return b.NumReadable() == b.capacity
}

// IsEmpty checks whether no slot is live
func (b *HashBucketPage) IsEmpty() bool {
	n := b.bitmapBytes()
	for i := uint32(0); i < n; i++ {
		if b.data[b.readableOffset()+i] != 0 {
			return false
		}
	}
	return true
}

// NumReadable counts the live slots
func (b *HashBucketPage) NumReadable() uint32 {
	var cnt uint32
	n := b.bitmapBytes()
	for i := uint32(0); i < n; i++ {
		cur := uint32(b.data[b.readableOffset()+i])
		cur = ((cur >> 1) & 0x55) + (cur & 0x55)
		cur = ((cur >> 2) & 0x33) + (cur & 0x33)
		cur = (cur >> 4) + (cur & 0x0F)
		cnt += cur
	}
	return cnt
}

// Pair is a (key, value) element extracted from a bucket
type Pair struct {
	Key   int64
	Value common.RID
}

// GetAllPairs collects every live pair, in slot order
func (b *HashBucketPage) GetAllPairs() []Pair {
	var pairs []Pair
	for i := uint32(0); i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			break
		}
		if b.IsReadable(i) {
			pairs = append(pairs, Pair{Key: b.KeyAt(i), Value: b.ValueAt(i)})
		}
	}
	return pairs
}

// Clear resets both bitmaps, emptying the bucket
func (b *HashBucketPage) Clear() {
	n := b.bitmapBytes()
	for i := uint32(0); i < n; i++ {
		b.data[b.occupiedOffset()+i] = 0
		b.data[b.readableOffset()+i] = 0
	}
}

// PrintBucket logs the bucket occupancy at debug level
func (b *HashBucketPage) PrintBucket() {
	var size, taken uint32
	for i := uint32(0); i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			break
		}
		size++
		if b.IsReadable(i) {
			taken++
		}
	}
	log.Debugf("bucket capacity: %d, size: %d, taken: %d, free: %d", b.capacity, size, taken, size-taken)
}
