/*
Internal node of the B+ tree.

An internal node stores a sorted array of (key, child page id) pairs. The key
in slot 0 is unused: the node routes a lookup to the child left of the first
strictly greater key in slots [1, size). Slot 0's key doubles as scratch
space during redistribution, where it briefly holds the key that moves up
into the parent.

Pair moves between nodes change the parent of the moved children; the
functions here only move bytes and return the child page ids whose parent
pointer the caller must rewrite, because the page layer sits below the
buffer pool.

layout:
  [common header 20B][(key int64, child page id i32) x max size]
*/
package page

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// btreeInternalPairSize is the byte size of one (key, child) pair
const btreeInternalPairSize = 8 + 4

// BTreeInternalMaxCapacity is the largest internal max size that fits in one page
const BTreeInternalMaxCapacity = (PageSize - btreeInternalKVOffset) / btreeInternalPairSize

// BTreeInternalPage is the accessor view over an internal node's bytes.
// the caller must hold the appropriate page latch while using it.
type BTreeInternalPage struct {
	BTreePage
}

// NewBTreeInternalPage returns the internal-node view of p
func NewBTreeInternalPage(p PagePtr) *BTreeInternalPage {
	return &BTreeInternalPage{BTreePage{data: p}}
}

// InitBTreeInternalPage initializes a zero-filled page as an empty internal
// node. one physical slot beyond max size stays reserved: a node briefly
// holds max size + 1 pairs between an insert and the split it triggers.
func InitBTreeInternalPage(p PagePtr, pageID, parentID PageID, maxSize int32) *BTreeInternalPage {
	if maxSize < 3 || maxSize >= BTreeInternalMaxCapacity {
		log.Panicf("internal max size %d out of range (max %d)", maxSize, BTreeInternalMaxCapacity-1)
	}
	node := NewBTreeInternalPage(p)
	node.SetPageType(BTreePageTypeInternal)
	node.SetSize(0)
	node.SetMaxSize(maxSize)
	node.SetParentPageID(parentID)
	node.SetPageID(pageID)
	return node
}

func internalPairOffset(i int32) int32 {
	return btreeInternalKVOffset + i*btreeInternalPairSize
}

// KeyAt returns the key stored at index i. index 0 is unused for routing.
func (n *BTreeInternalPage) KeyAt(i int32) int64 {
	off := internalPairOffset(i)
	return int64(binary.LittleEndian.Uint64(n.data[off : off+8]))
}

// SetKeyAt sets the key stored at index i
func (n *BTreeInternalPage) SetKeyAt(i int32, key int64) {
	off := internalPairOffset(i)
	binary.LittleEndian.PutUint64(n.data[off:off+8], uint64(key))
}

// ValueAt returns the child page id stored at index i
func (n *BTreeInternalPage) ValueAt(i int32) PageID {
	off := internalPairOffset(i) + 8
	return PageID(int32(binary.LittleEndian.Uint32(n.data[off : off+4])))
}

// SetValueAt sets the child page id stored at index i
func (n *BTreeInternalPage) SetValueAt(i int32, id PageID) {
	off := internalPairOffset(i) + 8
	binary.LittleEndian.PutUint32(n.data[off:off+4], uint32(id))
}

func (n *BTreeInternalPage) copyPair(to, from int32) {
	copy(n.data[internalPairOffset(to):internalPairOffset(to+1)],
		n.data[internalPairOffset(from):internalPairOffset(from+1)])
}

// ChildIndex returns the index of the child to descend into for key:
// the child left of the first strictly greater key in slots [1, size)
func (n *BTreeInternalPage) ChildIndex(key int64) int32 {
	lo, hi := int32(1), n.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.KeyAt(mid) <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// Lookup returns the page id of the child to descend into for key
func (n *BTreeInternalPage) Lookup(key int64) PageID {
	return n.ValueAt(n.ChildIndex(key))
}

// ValueIndex returns the index holding the given child page id, or -1
func (n *BTreeInternalPage) ValueIndex(id PageID) int32 {
	for i := int32(0); i < n.Size(); i++ {
		if n.ValueAt(i) == id {
			return i
		}
	}
	return -1
}

// PopulateNewRoot makes this node the root over a freshly split pair of children
func (n *BTreeInternalPage) PopulateNewRoot(left PageID, key int64, right PageID) {
	n.SetValueAt(0, left)
	n.SetKeyAt(1, key)
	n.SetValueAt(1, right)
	n.SetSize(2)
}

// InsertNodeAfter inserts (key, newChild) immediately after the pair whose
// child is oldChild. returns the new size.
func (n *BTreeInternalPage) InsertNodeAfter(oldChild PageID, key int64, newChild PageID) int32 {
	idx := n.ValueIndex(oldChild) + 1
	for j := n.Size(); j > idx; j-- {
		n.copyPair(j, j-1)
	}
	n.SetKeyAt(idx, key)
	n.SetValueAt(idx, newChild)
	n.IncSize(1)
	return n.Size()
}

// Remove deletes the pair at index, shifting the rest left
func (n *BTreeInternalPage) Remove(index int32) {
	for j := index; j < n.Size()-1; j++ {
		n.copyPair(j, j+1)
	}
	n.IncSize(-1)
}

// RemoveAndReturnOnlyChild empties the node and returns its single child.
// used when collapsing a root of size 1.
func (n *BTreeInternalPage) RemoveAndReturnOnlyChild() PageID {
	child := n.ValueAt(0)
	n.SetSize(0)
	return child
}

// MoveHalfTo moves the right half of the pairs to recipient, an empty
// internal node. floor(size/2) pairs remain here; the first moved key ends
// up in recipient's slot 0, where the caller reads it as the push-up
// separator. returns the moved children's page ids for parent rewriting.
func (n *BTreeInternalPage) MoveHalfTo(recipient *BTreeInternalPage) []PageID {
	total := n.Size()
	keep := total / 2
	moved := make([]PageID, 0, total-keep)
	for i := keep; i < total; i++ {
		recipient.SetKeyAt(i-keep, n.KeyAt(i))
		recipient.SetValueAt(i-keep, n.ValueAt(i))
		moved = append(moved, n.ValueAt(i))
	}
	recipient.SetSize(total - keep)
	n.SetSize(keep)
	return moved
}

// MoveAllTo appends every pair to recipient, the left sibling. middleKey is
// the separator pulled down from the parent; it becomes the routing key of
// this node's first child. returns the moved children's page ids.
func (n *BTreeInternalPage) MoveAllTo(recipient *BTreeInternalPage, middleKey int64) []PageID {
	base := recipient.Size()
	recipient.SetKeyAt(base, middleKey)
	recipient.SetValueAt(base, n.ValueAt(0))
	moved := make([]PageID, 0, n.Size())
	moved = append(moved, n.ValueAt(0))
	for i := int32(1); i < n.Size(); i++ {
		recipient.SetKeyAt(base+i, n.KeyAt(i))
		recipient.SetValueAt(base+i, n.ValueAt(i))
		moved = append(moved, n.ValueAt(i))
	}
	recipient.IncSize(n.Size())
	n.SetSize(0)
	return moved
}

// MoveLastToFrontOf moves this node's last pair to the front of recipient,
// the right sibling. middleKey (the parent separator) becomes recipient's
// first routing key, and the moved key is left in recipient's slot 0 for
// the caller to push up. returns the moved child's page id.
func (n *BTreeInternalPage) MoveLastToFrontOf(recipient *BTreeInternalPage, middleKey int64) PageID {
	last := n.Size() - 1
	key, child := n.KeyAt(last), n.ValueAt(last)
	n.IncSize(-1)
	for j := recipient.Size(); j > 0; j-- {
		recipient.copyPair(j, j-1)
	}
	recipient.SetKeyAt(1, middleKey)
	recipient.SetValueAt(0, child)
	recipient.SetKeyAt(0, key)
	recipient.IncSize(1)
	return child
}

// MoveFirstToEndOf moves this node's first child to the end of recipient,
// the left sibling, under middleKey (the parent separator). after the shift
// this node's slot-0 key holds the key the caller pushes up. returns the
// moved child's page id.
func (n *BTreeInternalPage) MoveFirstToEndOf(recipient *BTreeInternalPage, middleKey int64) PageID {
	child := n.ValueAt(0)
	recipient.SetKeyAt(recipient.Size(), middleKey)
	recipient.SetValueAt(recipient.Size(), child)
	recipient.IncSize(1)
	for j := int32(0); j < n.Size()-1; j++ {
		n.copyPair(j, j+1)
	}
	n.IncSize(-1)
	return child
}
