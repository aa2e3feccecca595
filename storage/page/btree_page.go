/*
B+ tree node pages.

Leaf and internal nodes share a common header; the page type field tags which
variant the rest of the page is. The polymorphism is this tag, not deep
inheritance: callers check IsLeaf and construct the matching view.

common header layout (20 bytes):
  [page type u32][size i32][max size i32][parent page id i32][page id i32]
*/
package page

import "encoding/binary"

// BTreePageType tags a node page as internal or leaf
type BTreePageType uint32

const (
	BTreePageTypeInvalid BTreePageType = iota
	BTreePageTypeInternal
	BTreePageTypeLeaf
)

// byte offsets within the common node header
const (
	btreePageTypeOffset   = 0
	btreeSizeOffset       = 4
	btreeMaxSizeOffset    = 8
	btreeParentOffset     = 12
	btreePageIDOffset     = 16
	btreeHeaderSize       = 20
	btreeLeafNextOffset   = btreeHeaderSize
	btreeLeafPairsOffset  = btreeHeaderSize + 4
	btreeInternalKVOffset = btreeHeaderSize
)

// BTreePage is the accessor view over the common node header.
// the caller must hold the appropriate page latch while using it.
type BTreePage struct {
	data PagePtr
}

// NewBTreePage returns the header view of p
func NewBTreePage(p PagePtr) *BTreePage {
	return &BTreePage{data: p}
}

// PageType returns the node variant tag
func (n *BTreePage) PageType() BTreePageType {
	return BTreePageType(binary.LittleEndian.Uint32(n.data[btreePageTypeOffset : btreePageTypeOffset+4]))
}

// SetPageType sets the node variant tag
func (n *BTreePage) SetPageType(t BTreePageType) {
	binary.LittleEndian.PutUint32(n.data[btreePageTypeOffset:btreePageTypeOffset+4], uint32(t))
}

// IsLeaf checks whether this node is a leaf
func (n *BTreePage) IsLeaf() bool {
	return n.PageType() == BTreePageTypeLeaf
}

// Size returns the number of entries currently stored
func (n *BTreePage) Size() int32 {
	return int32(binary.LittleEndian.Uint32(n.data[btreeSizeOffset : btreeSizeOffset+4]))
}

// SetSize sets the number of entries currently stored
func (n *BTreePage) SetSize(size int32) {
	binary.LittleEndian.PutUint32(n.data[btreeSizeOffset:btreeSizeOffset+4], uint32(size))
}

// IncSize adjusts the entry count by delta
func (n *BTreePage) IncSize(delta int32) {
	n.SetSize(n.Size() + delta)
}

// MaxSize returns the node's entry capacity
func (n *BTreePage) MaxSize() int32 {
	return int32(binary.LittleEndian.Uint32(n.data[btreeMaxSizeOffset : btreeMaxSizeOffset+4]))
}

// SetMaxSize sets the node's entry capacity
func (n *BTreePage) SetMaxSize(size int32) {
	binary.LittleEndian.PutUint32(n.data[btreeMaxSizeOffset:btreeMaxSizeOffset+4], uint32(size))
}

// MinSize returns the entry count every non-root node must keep
func (n *BTreePage) MinSize() int32 {
	return (n.MaxSize() + 1) / 2
}

// ParentPageID returns the parent node's page id, or InvalidPageID at the root
func (n *BTreePage) ParentPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(n.data[btreeParentOffset : btreeParentOffset+4])))
}

// SetParentPageID records the parent node's page id
func (n *BTreePage) SetParentPageID(id PageID) {
	binary.LittleEndian.PutUint32(n.data[btreeParentOffset:btreeParentOffset+4], uint32(id))
}

// PageID returns the node's own page id
func (n *BTreePage) PageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(n.data[btreePageIDOffset : btreePageIDOffset+4])))
}

// SetPageID records the node's own page id
func (n *BTreePage) SetPageID(id PageID) {
	binary.LittleEndian.PutUint32(n.data[btreePageIDOffset:btreePageIDOffset+4], uint32(id))
}

// IsRoot checks whether this node has no parent
func (n *BTreePage) IsRoot() bool {
	return n.ParentPageID() == InvalidPageID
}
