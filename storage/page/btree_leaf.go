/*
Leaf node of the B+ tree.

A leaf stores a sorted array of (key, RID) pairs plus the page id of its
right sibling, so that range scans can walk the leaf chain without touching
internal nodes.

layout:
  [common header 20B][next page id i32][(key int64, value RID) x max size]
*/
package page

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/karashiro/minibase/common"
)

// btreeLeafPairSize is the byte size of one leaf (key, value) pair
const btreeLeafPairSize = 8 + common.RIDSize

// BTreeLeafMaxCapacity is the largest leaf max size that fits in one page
const BTreeLeafMaxCapacity = (PageSize - btreeLeafPairsOffset) / btreeLeafPairSize

// BTreeLeafPage is the accessor view over a leaf node's bytes.
// the caller must hold the appropriate page latch while using it.
type BTreeLeafPage struct {
	BTreePage
}

// NewBTreeLeafPage returns the leaf view of p
func NewBTreeLeafPage(p PagePtr) *BTreeLeafPage {
	return &BTreeLeafPage{BTreePage{data: p}}
}

// InitBTreeLeafPage initializes a zero-filled page as an empty leaf.
// one physical slot beyond max size stays reserved: a node briefly holds
// max size + 1 pairs between an insert and the split it triggers.
func InitBTreeLeafPage(p PagePtr, pageID, parentID PageID, maxSize int32) *BTreeLeafPage {
	if maxSize < 2 || maxSize >= BTreeLeafMaxCapacity {
		log.Panicf("leaf max size %d out of range (max %d)", maxSize, BTreeLeafMaxCapacity-1)
	}
	leaf := NewBTreeLeafPage(p)
	leaf.SetPageType(BTreePageTypeLeaf)
	leaf.SetSize(0)
	leaf.SetMaxSize(maxSize)
	leaf.SetParentPageID(parentID)
	leaf.SetPageID(pageID)
	leaf.SetNextPageID(InvalidPageID)
	return leaf
}

// NextPageID returns the right sibling's page id, or InvalidPageID
func (l *BTreeLeafPage) NextPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(l.data[btreeLeafNextOffset : btreeLeafNextOffset+4])))
}

// SetNextPageID points the leaf at its right sibling
func (l *BTreeLeafPage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(l.data[btreeLeafNextOffset:btreeLeafNextOffset+4], uint32(id))
}

func leafPairOffset(i int32) int32 {
	return btreeLeafPairsOffset + i*btreeLeafPairSize
}

// KeyAt returns the key stored at index i
func (l *BTreeLeafPage) KeyAt(i int32) int64 {
	off := leafPairOffset(i)
	return int64(binary.LittleEndian.Uint64(l.data[off : off+8]))
}

// ValueAt returns the value stored at index i
func (l *BTreeLeafPage) ValueAt(i int32) common.RID {
	off := leafPairOffset(i) + 8
	return common.DeserializeRID(l.data[off : off+common.RIDSize])
}

func (l *BTreeLeafPage) setPairAt(i int32, key int64, value common.RID) {
	off := leafPairOffset(i)
	binary.LittleEndian.PutUint64(l.data[off:off+8], uint64(key))
	value.Serialize(l.data[off+8 : off+8+common.RIDSize])
}

// copyPair copies the pair at from to index to
func (l *BTreeLeafPage) copyPair(to, from int32) {
	copy(l.data[leafPairOffset(to):leafPairOffset(to+1)], l.data[leafPairOffset(from):leafPairOffset(from+1)])
}

// KeyIndex returns the index of the first key >= key, or Size() when all
// keys are smaller
func (l *BTreeLeafPage) KeyIndex(key int64) int32 {
	lo, hi := int32(0), l.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if l.KeyAt(mid) < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup returns the value stored under key
func (l *BTreeLeafPage) Lookup(key int64) (common.RID, bool) {
	i := l.KeyIndex(key)
	if i < l.Size() && l.KeyAt(i) == key {
		return l.ValueAt(i), true
	}
	return common.RID{}, false
}

// Insert inserts (key, value) keeping the pairs sorted.
// returns false on a duplicate key.
func (l *BTreeLeafPage) Insert(key int64, value common.RID) bool {
	i := l.KeyIndex(key)
	if i < l.Size() && l.KeyAt(i) == key {
		return false
	}
	for j := l.Size(); j > i; j-- {
		l.copyPair(j, j-1)
	}
	l.setPairAt(i, key, value)
	l.IncSize(1)
	return true
}

// RemoveAndDeleteRecord removes the pair stored under key.
// returns whether the key was present.
func (l *BTreeLeafPage) RemoveAndDeleteRecord(key int64) bool {
	i := l.KeyIndex(key)
	if i >= l.Size() || l.KeyAt(i) != key {
		return false
	}
	for j := i; j < l.Size()-1; j++ {
		l.copyPair(j, j+1)
	}
	l.IncSize(-1)
	return true
}

// MoveHalfTo moves the right half of the pairs to recipient, which must be
// an empty leaf. ceil(size/2) pairs remain here.
func (l *BTreeLeafPage) MoveHalfTo(recipient *BTreeLeafPage) {
	total := l.Size()
	keep := (total + 1) / 2
	for i := keep; i < total; i++ {
		recipient.setPairAt(i-keep, l.KeyAt(i), l.ValueAt(i))
	}
	recipient.SetSize(total - keep)
	l.SetSize(keep)
}

// MoveAllTo appends every pair to recipient, the left sibling.
// the caller re-links the leaf chain.
func (l *BTreeLeafPage) MoveAllTo(recipient *BTreeLeafPage) {
	base := recipient.Size()
	for i := int32(0); i < l.Size(); i++ {
		recipient.setPairAt(base+i, l.KeyAt(i), l.ValueAt(i))
	}
	recipient.IncSize(l.Size())
	l.SetSize(0)
}

// MoveLastToFrontOf moves this leaf's last pair to the front of recipient,
// the right sibling
func (l *BTreeLeafPage) MoveLastToFrontOf(recipient *BTreeLeafPage) {
	last := l.Size() - 1
	key, value := l.KeyAt(last), l.ValueAt(last)
	l.IncSize(-1)
	for j := recipient.Size(); j > 0; j-- {
		recipient.copyPair(j, j-1)
	}
	recipient.setPairAt(0, key, value)
	recipient.IncSize(1)
}

// MoveFirstToEndOf moves this leaf's first pair to the end of recipient,
// the left sibling
func (l *BTreeLeafPage) MoveFirstToEndOf(recipient *BTreeLeafPage) {
	key, value := l.KeyAt(0), l.ValueAt(0)
	for j := int32(0); j < l.Size()-1; j++ {
		l.copyPair(j, j+1)
	}
	l.IncSize(-1)
	recipient.setPairAt(recipient.Size(), key, value)
	recipient.IncSize(1)
}
