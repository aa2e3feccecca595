/*
B+ tree index built on the buffer pool.

Unique int64 keys map to RIDs. Leaves are chained left to right so range
scans never touch internal nodes after descending once.

Concurrency is two-level: a tree-wide reader/writer lock plus per-page
latches, taken hand-over-hand from the root.

Reads latch shared: the child is latched before the parent is released, so
a reader can never observe a half-applied structural change.

Writes start under the tree-wide exclusive lock and latch the path
exclusively. After latching each child the writer checks whether the child
is safe, meaning its mutation cannot propagate upward (an insert fits
without splitting; a delete keeps the node above min size). At the first
safe node the tree lock and every ancestor latch are released: those
ancestors cannot be structurally affected anymore. The pages still held are
recorded in the transaction's page set and drained when the operation
releases them.

Pages emptied by coalescing are not deallocated inline: their ids go into
the transaction's deleted page set and are handed to the buffer pool only
after every latch is dropped, so no still-latched ancestor can reference a
freed page.
*/
package index

import (
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/karashiro/minibase/common"
	"github.com/karashiro/minibase/storage/buffer"
	"github.com/karashiro/minibase/storage/page"
	"github.com/karashiro/minibase/transaction"
)

// BTree is a B+ tree index
type BTree struct {
	name string
	pool buffer.Pool
	// header records the root page id under the index name
	header HeaderStore
	// mu is the tree-wide lock; see the comment at the head of this file
	mu sync.RWMutex
	// rootPageID is InvalidPageID while the tree is empty. guarded by mu.
	rootPageID page.PageID
	// headerRecorded tracks whether the header store already has our record
	headerRecorded  bool
	leafMaxSize     int32
	internalMaxSize int32
}

// NewBTree initializes the index, resuming from the header store's record
// when one exists
func NewBTree(name string, pool buffer.Pool, header HeaderStore, leafMaxSize, internalMaxSize int32) *BTree {
	t := &BTree{
		name:            name,
		pool:            pool,
		header:          header,
		rootPageID:      page.InvalidPageID,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}
	if rootID, ok := header.Lookup(name); ok {
		t.rootPageID = rootID
		t.headerRecorded = true
	}
	return t
}

// IsEmpty checks whether the tree holds no entries
func (t *BTree) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID == page.InvalidPageID
}

// fetchPage pins a page the tree cannot make progress without
func (t *BTree) fetchPage(pid page.PageID) *page.Page {
	p, err := t.pool.FetchPage(pid)
	if err != nil {
		log.Panicf("fetch of page %d failed: %v", pid, err)
	}
	return p
}

// newPage allocates a page the tree cannot make progress without
func (t *BTree) newPage() *page.Page {
	p, err := t.pool.NewPage()
	if err != nil {
		log.Panicf("page allocation failed: %v", err)
	}
	return p
}

// updateRootPageID records the current root in the header store
func (t *BTree) updateRootPageID() {
	var err error
	if t.headerRecorded {
		err = t.header.Update(t.name, t.rootPageID)
	} else {
		err = t.header.Insert(t.name, t.rootPageID)
		t.headerRecorded = err == nil
	}
	if err != nil {
		log.Errorf("recording root of index %q failed: %v", t.name, err)
	}
}

/*****************************************************************************
 * SEARCH
 *****************************************************************************/

// leaf search modes for findLeafPage
const (
	searchKey = iota
	searchLeftmost
	searchRightmost
)

// findLeafPage descends to a leaf with hand-over-hand read latches and
// returns it pinned and read-latched.
// the caller must hold t.mu shared; it is released once the root is latched.
func (t *BTree) findLeafPage(key int64, mode int) *page.Page {
	p := t.fetchPage(t.rootPageID)
	p.RLatch()
	t.mu.RUnlock()

	for {
		node := page.NewBTreePage(p.Data())
		if node.IsLeaf() {
			return p
		}
		internal := page.NewBTreeInternalPage(p.Data())
		var childPID page.PageID
		switch mode {
		case searchLeftmost:
			childPID = internal.ValueAt(0)
		case searchRightmost:
			childPID = internal.ValueAt(internal.Size() - 1)
		default:
			childPID = internal.Lookup(key)
		}

		child := t.fetchPage(childPID)
		child.RLatch()
		p.RUnlatch()
		t.pool.UnpinPage(p.ID(), false)
		p = child
	}
}

// GetValue collects into result the value stored under key.
// returns whether the key exists.
func (t *BTree) GetValue(key int64, result *[]common.RID, tx transaction.Transaction) bool {
	t.mu.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.mu.RUnlock()
		return false
	}

	leafPage := t.findLeafPage(key, searchKey)
	leaf := page.NewBTreeLeafPage(leafPage.Data())
	value, found := leaf.Lookup(key)

	leafPage.RUnlatch()
	t.pool.UnpinPage(leafPage.ID(), false)

	if found {
		*result = append(*result, value)
	}
	return found
}

/*****************************************************************************
 * INSERTION
 *****************************************************************************/

// Insert inserts the (key, value) pair.
// returns false when the key already exists: keys are unique.
func (t *BTree) Insert(key int64, value common.RID, tx transaction.Transaction) bool {
	t.mu.Lock()
	if t.rootPageID == page.InvalidPageID {
		t.startNewTree(key, value)
		t.mu.Unlock()
		return true
	}
	return t.insertIntoLeaf(key, value, tx)
}

// startNewTree plants a single-leaf tree holding the first pair.
// the caller must hold t.mu exclusive.
func (t *BTree) startNewTree(key int64, value common.RID) {
	p := t.newPage()
	leaf := page.InitBTreeLeafPage(p.Data(), p.ID(), page.InvalidPageID, t.leafMaxSize)
	leaf.Insert(key, value)

	t.rootPageID = p.ID()
	t.updateRootPageID()
	t.pool.UnpinPage(p.ID(), true)
}

// releaseAncestors unlocks the tree lock when still held and drains the
// transaction's page set, unlatching and unpinning every recorded ancestor
func (t *BTree) releaseAncestors(tx transaction.Transaction, rootLocked *bool) {
	if *rootLocked {
		*rootLocked = false
		t.mu.Unlock()
	}
	for _, pg := range tx.PageSet() {
		pg.WUnlatch()
		t.pool.UnpinPage(pg.ID(), false)
	}
	tx.ClearPageSet()
}

// insertSafe checks whether an insert into the node cannot propagate upward
func insertSafe(node *page.BTreePage) bool {
	if node.IsLeaf() {
		return node.Size()+1 < node.MaxSize()
	}
	return node.Size() < node.MaxSize()
}

// insertIntoLeaf write-crabs down to the leaf and inserts there, splitting
// upward as needed. the caller must hold t.mu exclusive; it is released at
// the first safe node or before returning.
func (t *BTree) insertIntoLeaf(key int64, value common.RID, tx transaction.Transaction) bool {
	rootLocked := true

	p := t.fetchPage(t.rootPageID)
	p.WLatch()
	node := page.NewBTreePage(p.Data())

	for !node.IsLeaf() {
		internal := page.NewBTreeInternalPage(p.Data())
		childPID := internal.Lookup(key)

		tx.AddIntoPageSet(p)
		p = t.fetchPage(childPID)
		p.WLatch()
		node = page.NewBTreePage(p.Data())

		if insertSafe(node) {
			t.releaseAncestors(tx, &rootLocked)
		}
	}

	leaf := page.NewBTreeLeafPage(p.Data())
	if !leaf.Insert(key, value) {
		t.releaseAncestors(tx, &rootLocked)
		p.WUnlatch()
		t.pool.UnpinPage(p.ID(), false)
		return false
	}

	// a coalesce can leave a node exactly at max size, so the post-insert
	// size may overshoot by one; both cases split
	if leaf.Size() >= leaf.MaxSize() {
		rightPage, right := t.splitLeaf(leaf)
		if leaf.IsRoot() {
			t.startNewRoot(&leaf.BTreePage, right.KeyAt(0), &right.BTreePage)
		} else {
			t.insertIntoParent(&leaf.BTreePage, right.KeyAt(0), &right.BTreePage, tx)
		}
		t.pool.UnpinPage(rightPage.ID(), true)
	}

	t.releaseAncestors(tx, &rootLocked)
	p.WUnlatch()
	t.pool.UnpinPage(p.ID(), true)
	return true
}

// splitLeaf moves the right half of the leaf to a fresh right sibling and
// splices it into the leaf chain. the new page is returned pinned; it is
// invisible to other operations until the parent references it.
func (t *BTree) splitLeaf(leaf *page.BTreeLeafPage) (*page.Page, *page.BTreeLeafPage) {
	p := t.newPage()
	right := page.InitBTreeLeafPage(p.Data(), p.ID(), leaf.ParentPageID(), t.leafMaxSize)
	leaf.MoveHalfTo(right)
	right.SetNextPageID(leaf.NextPageID())
	leaf.SetNextPageID(right.PageID())
	log.Debugf("split leaf %d, new right sibling %d", leaf.PageID(), right.PageID())
	return p, right
}

// splitInternal moves the right half of the node to a fresh sibling and
// rewrites the moved children's parent pointers
func (t *BTree) splitInternal(node *page.BTreeInternalPage) (*page.Page, *page.BTreeInternalPage) {
	p := t.newPage()
	right := page.InitBTreeInternalPage(p.Data(), p.ID(), node.ParentPageID(), t.internalMaxSize)
	moved := node.MoveHalfTo(right)
	for _, childPID := range moved {
		t.setParentOf(childPID, right.PageID())
	}
	log.Debugf("split internal node %d, new right sibling %d", node.PageID(), right.PageID())
	return p, right
}

// setParentOf rewrites the parent pointer of the node stored at childPID
func (t *BTree) setParentOf(childPID, parentPID page.PageID) {
	p := t.fetchPage(childPID)
	page.NewBTreePage(p.Data()).SetParentPageID(parentPID)
	t.pool.UnpinPage(childPID, true)
}

// startNewRoot grows the tree by one level: a fresh internal root over the
// two halves of a root split. the caller must hold t.mu exclusive.
func (t *BTree) startNewRoot(left *page.BTreePage, key int64, right *page.BTreePage) {
	p := t.newPage()
	root := page.InitBTreeInternalPage(p.Data(), p.ID(), page.InvalidPageID, t.internalMaxSize)
	root.PopulateNewRoot(left.PageID(), key, right.PageID())
	left.SetParentPageID(p.ID())
	right.SetParentPageID(p.ID())

	t.rootPageID = p.ID()
	t.updateRootPageID()
	t.pool.UnpinPage(p.ID(), true)
}

// insertIntoParent inserts the separator for a freshly split pair of
// siblings into their parent, splitting the parent recursively when it
// overflows. the parent is write-latched by the crab already, so it is only
// re-pinned here.
func (t *BTree) insertIntoParent(oldNode *page.BTreePage, key int64, newNode *page.BTreePage, tx transaction.Transaction) {
	parentPage := t.fetchPage(oldNode.ParentPageID())
	parent := page.NewBTreeInternalPage(parentPage.Data())
	parent.InsertNodeAfter(oldNode.PageID(), key, newNode.PageID())

	if parent.Size() >= parent.MaxSize() {
		rightPage, right := t.splitInternal(parent)
		if parent.IsRoot() {
			t.startNewRoot(&parent.BTreePage, right.KeyAt(0), &right.BTreePage)
		} else {
			t.insertIntoParent(&parent.BTreePage, right.KeyAt(0), &right.BTreePage, tx)
		}
		t.pool.UnpinPage(rightPage.ID(), true)
	}

	t.pool.UnpinPage(parentPage.ID(), true)
}

/*****************************************************************************
 * REMOVE
 *****************************************************************************/

// deleteSafe checks whether a removal from the node cannot propagate upward
func deleteSafe(node *page.BTreePage) bool {
	return node.Size() > node.MinSize()
}

// Remove removes the pair stored under key, if present
func (t *BTree) Remove(key int64, tx transaction.Transaction) {
	t.mu.Lock()
	rootLocked := true

	if t.rootPageID == page.InvalidPageID {
		t.mu.Unlock()
		return
	}

	p := t.fetchPage(t.rootPageID)
	p.WLatch()
	node := page.NewBTreePage(p.Data())

	for !node.IsLeaf() {
		internal := page.NewBTreeInternalPage(p.Data())
		childPID := internal.Lookup(key)

		tx.AddIntoPageSet(p)
		p = t.fetchPage(childPID)
		p.WLatch()
		node = page.NewBTreePage(p.Data())

		if deleteSafe(node) {
			t.releaseAncestors(tx, &rootLocked)
		}
	}

	leaf := page.NewBTreeLeafPage(p.Data())
	if !leaf.RemoveAndDeleteRecord(key) {
		t.releaseAncestors(tx, &rootLocked)
		p.WUnlatch()
		t.pool.UnpinPage(p.ID(), false)
		return
	}

	if leaf.Size() < leaf.MinSize() {
		t.adjustLeafNode(leaf, key, tx)
	}

	t.releaseAncestors(tx, &rootLocked)
	p.WUnlatch()
	t.pool.UnpinPage(p.ID(), true)

	// latches are gone; the deferred deallocations are safe now
	for pid := range tx.DeletedPageSet() {
		t.pool.DeletePage(pid)
	}
	tx.ClearDeletedPageSet()
}

// adjustLeafNode restores the min-size invariant of an underflowing leaf by
// borrowing from a neighbor or coalescing into one. the left neighbor is
// preferred; the right is consulted only when the leaf is its parent's
// first child.
func (t *BTree) adjustLeafNode(leaf *page.BTreeLeafPage, key int64, tx transaction.Transaction) {
	if leaf.IsRoot() {
		// a root leaf may hold any number of entries; the tree empties when
		// the last one goes
		if leaf.Size() == 0 {
			t.rootPageID = page.InvalidPageID
			t.updateRootPageID()
			tx.AddIntoDeletedPageSet(leaf.PageID())
		}
		return
	}

	parentPage := t.fetchPage(leaf.ParentPageID())
	parent := page.NewBTreeInternalPage(parentPage.Data())
	index := parent.ChildIndex(key)

	if index >= 1 {
		neighborPage := t.fetchPage(parent.ValueAt(index - 1))
		neighborPage.WLatch()
		neighbor := page.NewBTreeLeafPage(neighborPage.Data())

		if neighbor.Size() > neighbor.MinSize() {
			neighbor.MoveLastToFrontOf(leaf)
			parent.SetKeyAt(index, leaf.KeyAt(0))
		} else {
			leaf.MoveAllTo(neighbor)
			neighbor.SetNextPageID(leaf.NextPageID())
			parent.Remove(index)
			tx.AddIntoDeletedPageSet(leaf.PageID())
		}

		neighborPage.WUnlatch()
		t.pool.UnpinPage(neighborPage.ID(), true)
	} else if index+1 < parent.Size() {
		neighborPage := t.fetchPage(parent.ValueAt(index + 1))
		neighborPage.WLatch()
		neighbor := page.NewBTreeLeafPage(neighborPage.Data())

		if neighbor.Size() > neighbor.MinSize() {
			neighbor.MoveFirstToEndOf(leaf)
			parent.SetKeyAt(index+1, neighbor.KeyAt(0))
		} else {
			neighbor.MoveAllTo(leaf)
			leaf.SetNextPageID(neighbor.NextPageID())
			parent.Remove(index + 1)
			tx.AddIntoDeletedPageSet(neighborPage.ID())
		}

		neighborPage.WUnlatch()
		t.pool.UnpinPage(neighborPage.ID(), true)
	}

	if parent.Size() < parent.MinSize() {
		t.adjustInternalNode(parent, key, tx)
	}
	t.pool.UnpinPage(parentPage.ID(), true)
}

// adjustInternalNode mirrors adjustLeafNode for internal nodes. the parent
// separator takes part in the moves: redistribution rotates it through the
// parent, and coalescing pulls it down into the merged node.
func (t *BTree) adjustInternalNode(node *page.BTreeInternalPage, key int64, tx transaction.Transaction) {
	if node.IsRoot() {
		// an internal root of size 1 routes everything to one child;
		// collapse the level
		if node.Size() == 1 {
			childPID := node.RemoveAndReturnOnlyChild()
			t.setParentOf(childPID, page.InvalidPageID)

			t.rootPageID = childPID
			t.updateRootPageID()
			tx.AddIntoDeletedPageSet(node.PageID())
			log.Debugf("collapsed root into node %d", childPID)
		}
		return
	}

	parentPage := t.fetchPage(node.ParentPageID())
	parent := page.NewBTreeInternalPage(parentPage.Data())
	index := parent.ChildIndex(key)

	if index >= 1 {
		neighborPage := t.fetchPage(parent.ValueAt(index - 1))
		neighborPage.WLatch()
		neighbor := page.NewBTreeInternalPage(neighborPage.Data())

		if neighbor.Size() > neighbor.MinSize() {
			movedChild := neighbor.MoveLastToFrontOf(node, parent.KeyAt(index))
			t.setParentOf(movedChild, node.PageID())
			parent.SetKeyAt(index, node.KeyAt(0))
		} else {
			moved := node.MoveAllTo(neighbor, parent.KeyAt(index))
			for _, childPID := range moved {
				t.setParentOf(childPID, neighbor.PageID())
			}
			parent.Remove(index)
			tx.AddIntoDeletedPageSet(node.PageID())
		}

		neighborPage.WUnlatch()
		t.pool.UnpinPage(neighborPage.ID(), true)
	} else if index+1 < parent.Size() {
		neighborPage := t.fetchPage(parent.ValueAt(index + 1))
		neighborPage.WLatch()
		neighbor := page.NewBTreeInternalPage(neighborPage.Data())

		if neighbor.Size() > neighbor.MinSize() {
			movedChild := neighbor.MoveFirstToEndOf(node, parent.KeyAt(index+1))
			t.setParentOf(movedChild, node.PageID())
			parent.SetKeyAt(index+1, neighbor.KeyAt(0))
		} else {
			moved := neighbor.MoveAllTo(node, parent.KeyAt(index+1))
			for _, childPID := range moved {
				t.setParentOf(childPID, node.PageID())
			}
			parent.Remove(index + 1)
			tx.AddIntoDeletedPageSet(neighborPage.ID())
		}

		neighborPage.WUnlatch()
		t.pool.UnpinPage(neighborPage.ID(), true)
	}

	if parent.Size() < parent.MinSize() {
		t.adjustInternalNode(parent, key, tx)
	}
	t.pool.UnpinPage(parentPage.ID(), true)
}

/*****************************************************************************
 * ITERATORS
 *****************************************************************************/

// Begin returns an iterator positioned at the first entry
func (t *BTree) Begin() *Iterator {
	t.mu.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.mu.RUnlock()
		return newEndIterator(t.pool)
	}
	p := t.findLeafPage(0, searchLeftmost)
	return newIterator(t.pool, p, 0)
}

// BeginAt returns an iterator positioned at the first entry with a key >= key
func (t *BTree) BeginAt(key int64) *Iterator {
	t.mu.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.mu.RUnlock()
		return newEndIterator(t.pool)
	}
	p := t.findLeafPage(key, searchKey)
	leaf := page.NewBTreeLeafPage(p.Data())
	return newIterator(t.pool, p, leaf.KeyIndex(key))
}

// End returns the past-the-end iterator
func (t *BTree) End() *Iterator {
	t.mu.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.mu.RUnlock()
		return newEndIterator(t.pool)
	}
	p := t.findLeafPage(0, searchRightmost)
	leaf := page.NewBTreeLeafPage(p.Data())
	return newIterator(t.pool, p, leaf.Size())
}

/*****************************************************************************
 * UTILITIES AND DEBUG
 *****************************************************************************/

// InsertFromFile reads whitespace-separated int64 keys from a file and
// inserts them one by one. test helper.
func (t *BTree) InsertFromFile(fileName string, tx transaction.Transaction) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	for {
		var key int64
		if _, err := fmt.Fscan(f, &key); err != nil {
			break
		}
		t.Insert(key, common.NewRID(int32(key>>32), uint32(key)), tx)
	}
	return nil
}

// RemoveFromFile reads whitespace-separated int64 keys from a file and
// removes them one by one. test helper.
func (t *BTree) RemoveFromFile(fileName string, tx transaction.Transaction) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	for {
		var key int64
		if _, err := fmt.Fscan(f, &key); err != nil {
			break
		}
		t.Remove(key, tx)
	}
	return nil
}

// Draw writes the tree as a graphviz dot file. debug helper.
func (t *BTree) Draw(outFile string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidPageID {
		log.Warn("draw an empty tree")
		return nil
	}
	var sb strings.Builder
	sb.WriteString("digraph G {\n")
	t.toGraph(t.rootPageID, &sb)
	sb.WriteString("}\n")
	return os.WriteFile(outFile, []byte(sb.String()), 0600)
}

func (t *BTree) toGraph(pid page.PageID, sb *strings.Builder) {
	p := t.fetchPage(pid)
	node := page.NewBTreePage(p.Data())
	if node.IsLeaf() {
		leaf := page.NewBTreeLeafPage(p.Data())
		keys := make([]string, 0, leaf.Size())
		for i := int32(0); i < leaf.Size(); i++ {
			keys = append(keys, fmt.Sprintf("%d", leaf.KeyAt(i)))
		}
		fmt.Fprintf(sb, "  LEAF_%d [shape=box label=\"P=%d | %s\"];\n", pid, pid, strings.Join(keys, ","))
		if next := leaf.NextPageID(); next != page.InvalidPageID {
			fmt.Fprintf(sb, "  LEAF_%d -> LEAF_%d;\n", pid, next)
			fmt.Fprintf(sb, "  {rank=same LEAF_%d LEAF_%d};\n", pid, next)
		}
	} else {
		internal := page.NewBTreeInternalPage(p.Data())
		keys := make([]string, 0, internal.Size())
		for i := int32(0); i < internal.Size(); i++ {
			if i == 0 {
				keys = append(keys, "_")
			} else {
				keys = append(keys, fmt.Sprintf("%d", internal.KeyAt(i)))
			}
		}
		fmt.Fprintf(sb, "  INT_%d [shape=box label=\"P=%d | %s\"];\n", pid, pid, strings.Join(keys, ","))
		for i := int32(0); i < internal.Size(); i++ {
			child := internal.ValueAt(i)
			childNode := "INT_"
			cp := t.fetchPage(child)
			if page.NewBTreePage(cp.Data()).IsLeaf() {
				childNode = "LEAF_"
			}
			t.pool.UnpinPage(child, false)
			fmt.Fprintf(sb, "  INT_%d -> %s%d;\n", pid, childNode, child)
			t.toGraph(child, sb)
		}
	}
	t.pool.UnpinPage(pid, false)
}

// Print logs the tree structure. debug helper.
func (t *BTree) Print() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidPageID {
		log.Warn("print an empty tree")
		return
	}
	t.printNode(t.rootPageID)
}

func (t *BTree) printNode(pid page.PageID) {
	p := t.fetchPage(pid)
	node := page.NewBTreePage(p.Data())
	if node.IsLeaf() {
		leaf := page.NewBTreeLeafPage(p.Data())
		keys := make([]string, 0, leaf.Size())
		for i := int32(0); i < leaf.Size(); i++ {
			keys = append(keys, fmt.Sprintf("%d", leaf.KeyAt(i)))
		}
		log.Infof("leaf page %d (parent %d, next %d): %s",
			pid, leaf.ParentPageID(), leaf.NextPageID(), strings.Join(keys, ","))
	} else {
		internal := page.NewBTreeInternalPage(p.Data())
		entries := make([]string, 0, internal.Size())
		for i := int32(0); i < internal.Size(); i++ {
			entries = append(entries, fmt.Sprintf("%d:%d", internal.KeyAt(i), internal.ValueAt(i)))
		}
		log.Infof("internal page %d (parent %d): %s", pid, internal.ParentPageID(), strings.Join(entries, ","))
		for i := int32(0); i < internal.Size(); i++ {
			t.printNode(internal.ValueAt(i))
		}
	}
	t.pool.UnpinPage(pid, false)
}
