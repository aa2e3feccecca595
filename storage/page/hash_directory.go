/*
Directory page of the extendible hash index.

The directory holds the global depth G and, for each of the 2^G directory
slots, the local depth of the bucket the slot points at and the bucket's page
id. Slots i and j point at the same bucket iff their low local-depth bits are
equal.

layout:
  [page id u32][global depth u32]
  [local depth u8  x DirectoryArraySize]
  [bucket page id u32 x DirectoryArraySize]
*/
package page

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxDirectoryDepth is the ceiling on the global depth.
	// the directory array is sized for the worst case up front.
	MaxDirectoryDepth = 9
	// DirectoryArraySize is the directory capacity ceiling
	DirectoryArraySize = 1 << MaxDirectoryDepth
)

// byte offsets within the directory page
const (
	dirPageIDOffset       = 0
	dirGlobalDepthOffset  = 4
	dirLocalDepthsOffset  = 8
	dirBucketPageIDOffset = dirLocalDepthsOffset + DirectoryArraySize
)

// HashDirectoryPage is the accessor view over a directory page's bytes.
// the caller must hold the appropriate page latch while using it.
type HashDirectoryPage struct {
	data PagePtr
}

// NewHashDirectoryPage returns the directory view of p
func NewHashDirectoryPage(p PagePtr) *HashDirectoryPage {
	return &HashDirectoryPage{data: p}
}

// InitHashDirectoryPage initializes a zero-filled page as an empty directory
// with global depth 0 and every slot invalid
func InitHashDirectoryPage(p PagePtr, pageID PageID) *HashDirectoryPage {
	dir := NewHashDirectoryPage(p)
	dir.SetPageID(pageID)
	dir.setGlobalDepth(0)
	for i := uint32(0); i < DirectoryArraySize; i++ {
		dir.SetLocalDepth(i, 0)
		dir.SetBucketPageID(i, InvalidPageID)
	}
	return dir
}

// PageID returns the directory's own page id
func (d *HashDirectoryPage) PageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(d.data[dirPageIDOffset : dirPageIDOffset+4])))
}

// SetPageID records the directory's own page id
func (d *HashDirectoryPage) SetPageID(id PageID) {
	binary.LittleEndian.PutUint32(d.data[dirPageIDOffset:dirPageIDOffset+4], uint32(id))
}

// GlobalDepth returns the number of low-order hash bits used to index the directory
func (d *HashDirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirGlobalDepthOffset : dirGlobalDepthOffset+4])
}

func (d *HashDirectoryPage) setGlobalDepth(depth uint32) {
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:dirGlobalDepthOffset+4], depth)
}

// GlobalDepthMask masks a hash down to the directory index
func (d *HashDirectoryPage) GlobalDepthMask() uint32 {
	return (1 << d.GlobalDepth()) - 1
}

// IncrGlobalDepth increments the global depth.
// exceeding MaxDirectoryDepth is an invariant violation.
func (d *HashDirectoryPage) IncrGlobalDepth() {
	depth := d.GlobalDepth()
	if depth >= MaxDirectoryDepth {
		log.Panicf("directory global depth exceeds the ceiling %d", MaxDirectoryDepth)
	}
	d.setGlobalDepth(depth + 1)
}

// DecrGlobalDepth decrements the global depth
func (d *HashDirectoryPage) DecrGlobalDepth() {
	depth := d.GlobalDepth()
	if depth == 0 {
		log.Panic("directory global depth underflow")
	}
	d.setGlobalDepth(depth - 1)
}

// Size returns the current number of directory slots, 2^G
func (d *HashDirectoryPage) Size() uint32 {
	return 1 << d.GlobalDepth()
}

// LocalDepth returns the local depth of the bucket slot idx points at
func (d *HashDirectoryPage) LocalDepth(idx uint32) uint32 {
	return uint32(d.data[dirLocalDepthsOffset+idx])
}

// SetLocalDepth sets the local depth recorded at slot idx
func (d *HashDirectoryPage) SetLocalDepth(idx uint32, depth uint32) {
	d.data[dirLocalDepthsOffset+idx] = byte(depth)
}

// IncrLocalDepth increments the local depth recorded at slot idx
func (d *HashDirectoryPage) IncrLocalDepth(idx uint32) {
	d.SetLocalDepth(idx, d.LocalDepth(idx)+1)
}

// DecrLocalDepth decrements the local depth recorded at slot idx
func (d *HashDirectoryPage) DecrLocalDepth(idx uint32) {
	d.SetLocalDepth(idx, d.LocalDepth(idx)-1)
}

// LocalDepthMask masks a hash down to the low local-depth bits of slot idx
func (d *HashDirectoryPage) LocalDepthMask(idx uint32) uint32 {
	return (1 << d.LocalDepth(idx)) - 1
}

// BucketPageID returns the page id of the bucket slot idx points at
func (d *HashDirectoryPage) BucketPageID(idx uint32) PageID {
	off := dirBucketPageIDOffset + idx*4
	return PageID(int32(binary.LittleEndian.Uint32(d.data[off : off+4])))
}

// SetBucketPageID points slot idx at the given bucket page
func (d *HashDirectoryPage) SetBucketPageID(idx uint32, id PageID) {
	off := dirBucketPageIDOffset + idx*4
	binary.LittleEndian.PutUint32(d.data[off:off+4], uint32(id))
}

// CanShrink checks whether halving the directory is legal:
// every slot's local depth must be strictly below the global depth
func (d *HashDirectoryPage) CanShrink() bool {
	depth := d.GlobalDepth()
	if depth == 0 {
		return false
	}
	for i := uint32(0); i < d.Size(); i++ {
		if d.LocalDepth(i) >= depth {
			return false
		}
	}
	return true
}

// Shrink halves the directory while doing so is legal
func (d *HashDirectoryPage) Shrink() {
	for d.CanShrink() {
		d.DecrGlobalDepth()
	}
}

// VerifyIntegrity checks the directory invariants and panics on violation:
// every local depth is at most the global depth, all slots pointing at the
// same bucket carry the same local depth, and exactly 2^(G-L) slots point at
// each bucket.
func (d *HashDirectoryPage) VerifyIntegrity() {
	depthOf := make(map[PageID]uint32)
	countOf := make(map[PageID]uint32)
	size := d.Size()
	for i := uint32(0); i < size; i++ {
		ld := d.LocalDepth(i)
		if ld > d.GlobalDepth() {
			log.Panicf("slot %d: local depth %d exceeds global depth %d", i, ld, d.GlobalDepth())
		}
		id := d.BucketPageID(i)
		if prev, ok := depthOf[id]; ok && prev != ld {
			log.Panicf("bucket %d: inconsistent local depths %d and %d", id, prev, ld)
		}
		depthOf[id] = ld
		countOf[id]++
	}
	for id, ld := range depthOf {
		if want := size >> ld; countOf[id] != want {
			log.Panicf("bucket %d: %d slots point at it, want %d", id, countOf[id], want)
		}
	}
}

// PrintDirectory dumps the directory at debug level
func (d *HashDirectoryPage) PrintDirectory() {
	log.Debugf("directory: global depth %d, %d slots", d.GlobalDepth(), d.Size())
	for i := uint32(0); i < d.Size(); i++ {
		log.Debugf("  slot %3d -> bucket page %3d (local depth %d)", i, d.BucketPageID(i), d.LocalDepth(i))
	}
}
