/*
Forward cursor over the B+ tree's leaf chain.

The iterator holds one pinned, read-latched leaf and an index into it.
Advancing past the last entry of a leaf hops to the right sibling through
next page id, releasing the previous leaf. Writers that would restructure a
leaf block on its latch, so the iterator always sees consistent leaves; it
does not pin the whole range, so entries inserted or removed ahead of the
cursor may or may not be visited.

The caller must Close the iterator when done with it; draining it does not
release the final leaf. Close is idempotent.
*/
package index

import (
	"github.com/karashiro/minibase/common"
	"github.com/karashiro/minibase/storage/buffer"
	"github.com/karashiro/minibase/storage/page"
)

// Iterator is a forward cursor over leaf entries
type Iterator struct {
	pool  buffer.Pool
	page  *page.Page
	leaf  *page.BTreeLeafPage
	index int32
}

// newIterator wraps a pinned, read-latched leaf
func newIterator(pool buffer.Pool, p *page.Page, index int32) *Iterator {
	it := &Iterator{
		pool:  pool,
		page:  p,
		leaf:  page.NewBTreeLeafPage(p.Data()),
		index: index,
	}
	// a start position past the leaf's last entry belongs on the next leaf
	it.skipExhausted()
	return it
}

// newEndIterator is the iterator of an empty tree
func newEndIterator(pool buffer.Pool) *Iterator {
	return &Iterator{pool: pool}
}

// skipExhausted hops to the next leaf while the cursor sits past the
// current leaf's entries
func (it *Iterator) skipExhausted() {
	for it.index >= it.leaf.Size() && it.leaf.NextPageID() != page.InvalidPageID {
		nextPID := it.leaf.NextPageID()

		next, err := it.pool.FetchPage(nextPID)
		if err != nil {
			// the chain is pinned beyond recovery; stop where we are
			return
		}
		next.RLatch()

		it.page.RUnlatch()
		it.pool.UnpinPage(it.page.ID(), false)

		it.page = next
		it.leaf = page.NewBTreeLeafPage(next.Data())
		it.index = 0
	}
}

// IsEnd checks whether the cursor is past the last entry of the last leaf
func (it *Iterator) IsEnd() bool {
	if it.page == nil {
		return true
	}
	return it.leaf.NextPageID() == page.InvalidPageID && it.index >= it.leaf.Size()
}

// Key returns the key under the cursor
func (it *Iterator) Key() int64 {
	return it.leaf.KeyAt(it.index)
}

// Value returns the value under the cursor
func (it *Iterator) Value() common.RID {
	return it.leaf.ValueAt(it.index)
}

// Next advances the cursor, hopping to the right sibling when the current
// leaf is exhausted
func (it *Iterator) Next() {
	if it.page == nil {
		return
	}
	it.index++
	it.skipExhausted()
}

// Equal checks whether two iterators point at the same position
func (it *Iterator) Equal(other *Iterator) bool {
	if it.page == nil || other.page == nil {
		return it.IsEnd() && other.IsEnd()
	}
	return it.page.ID() == other.page.ID() && it.index == other.index
}

// Close releases the leaf the iterator holds. idempotent.
func (it *Iterator) Close() {
	if it.page == nil {
		return
	}
	it.page.RUnlatch()
	it.pool.UnpinPage(it.page.ID(), false)
	it.page = nil
	it.leaf = nil
}
