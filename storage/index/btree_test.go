package index

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karashiro/minibase/common"
	"github.com/karashiro/minibase/storage/buffer"
	"github.com/karashiro/minibase/storage/page"
	"github.com/karashiro/minibase/transaction"
)

func testingNewTree(t *testing.T, leafMaxSize, internalMaxSize int32) (*BTree, *buffer.Manager) {
	pool := buffer.TestingNewManager()
	header, err := NewHeaderPageStore(pool)
	assert.Nil(t, err)
	return NewBTree("test_index", pool, header, leafMaxSize, internalMaxSize), pool
}

func rid(key int64) common.RID {
	return common.NewRID(int32(key), 0)
}

// treeChecker walks the whole tree and checks the structural invariants:
// sorted keys, consistent parent pointers, min sizes on non-root nodes,
// equal leaf depths, and a leaf chain that visits every leaf in key order.
type treeChecker struct {
	t         *testing.T
	tree      *BTree
	leafDepth int
	leaves    []page.PageID
	keys      []int64
}

func verifyTree(t *testing.T, tree *BTree) []int64 {
	if tree.rootPageID == page.InvalidPageID {
		return nil
	}
	c := &treeChecker{t: t, tree: tree, leafDepth: -1}
	c.walk(tree.rootPageID, page.InvalidPageID, 0)

	for i := 1; i < len(c.keys); i++ {
		assert.Less(t, c.keys[i-1], c.keys[i])
	}

	// the next-pointer chain must visit exactly the in-order leaves
	chain := make([]page.PageID, 0, len(c.leaves))
	pid := c.leaves[0]
	for pid != page.InvalidPageID {
		chain = append(chain, pid)
		p := tree.fetchPage(pid)
		next := page.NewBTreeLeafPage(p.Data()).NextPageID()
		tree.pool.UnpinPage(pid, false)
		pid = next
	}
	assert.Equal(t, c.leaves, chain)
	return c.keys
}

func (c *treeChecker) walk(pid, parent page.PageID, depth int) {
	p := c.tree.fetchPage(pid)
	node := page.NewBTreePage(p.Data())
	assert.Equal(c.t, parent, node.ParentPageID())
	if parent != page.InvalidPageID {
		assert.GreaterOrEqual(c.t, node.Size(), node.MinSize())
	}
	if node.IsLeaf() {
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else {
			assert.Equal(c.t, c.leafDepth, depth)
		}
		leaf := page.NewBTreeLeafPage(p.Data())
		for i := int32(0); i < leaf.Size(); i++ {
			c.keys = append(c.keys, leaf.KeyAt(i))
		}
		c.leaves = append(c.leaves, pid)
	} else {
		internal := page.NewBTreeInternalPage(p.Data())
		for i := int32(2); i < internal.Size(); i++ {
			assert.Less(c.t, internal.KeyAt(i-1), internal.KeyAt(i))
		}
		for i := int32(0); i < internal.Size(); i++ {
			c.walk(internal.ValueAt(i), pid, depth+1)
		}
	}
	c.tree.pool.UnpinPage(pid, false)
}

func TestBTreeEmpty(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	assert.True(t, tree.IsEmpty())
	var result []common.RID
	assert.False(t, tree.GetValue(1, &result, tx))
	tree.Remove(1, tx)

	it := tree.Begin()
	assert.True(t, it.IsEnd())
	it.Close()

	assert.Empty(t, pool.TestingPinnedPageIDs())
}

func TestBTreeInsertAndGetValue(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	for key := int64(1); key <= 10; key++ {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}
	assert.False(t, tree.IsEmpty())

	for key := int64(1); key <= 10; key++ {
		var result []common.RID
		assert.True(t, tree.GetValue(key, &result, tx))
		assert.Equal(t, []common.RID{rid(key)}, result)
	}
	var result []common.RID
	assert.False(t, tree.GetValue(42, &result, tx))

	// keys are unique
	assert.False(t, tree.Insert(5, rid(5), tx))

	verifyTree(t, tree)
	assert.Empty(t, pool.TestingPinnedPageIDs())
}

// with leaf max size 4 the fourth insert splits the root
// leaf into {1,2} and {3,4} under a new internal root with separator 3
func TestBTreeLeafSplit(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	for key := int64(1); key <= 3; key++ {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}
	// still a single root leaf
	rootPage := tree.fetchPage(tree.rootPageID)
	assert.True(t, page.NewBTreePage(rootPage.Data()).IsLeaf())
	assert.Equal(t, int32(3), page.NewBTreePage(rootPage.Data()).Size())
	tree.pool.UnpinPage(tree.rootPageID, false)

	assert.True(t, tree.Insert(4, rid(4), tx))

	rootPage = tree.fetchPage(tree.rootPageID)
	root := page.NewBTreeInternalPage(rootPage.Data())
	assert.False(t, root.IsLeaf())
	assert.Equal(t, int32(2), root.Size())
	assert.Equal(t, int64(3), root.KeyAt(1))

	leftPage := tree.fetchPage(root.ValueAt(0))
	left := page.NewBTreeLeafPage(leftPage.Data())
	assert.Equal(t, int32(2), left.Size())
	assert.Equal(t, int64(1), left.KeyAt(0))
	assert.Equal(t, int64(2), left.KeyAt(1))

	rightPage := tree.fetchPage(root.ValueAt(1))
	right := page.NewBTreeLeafPage(rightPage.Data())
	assert.Equal(t, int32(2), right.Size())
	assert.Equal(t, int64(3), right.KeyAt(0))
	assert.Equal(t, int64(4), right.KeyAt(1))
	assert.Equal(t, right.PageID(), left.NextPageID())

	tree.pool.UnpinPage(leftPage.ID(), false)
	tree.pool.UnpinPage(rightPage.ID(), false)
	tree.pool.UnpinPage(rootPage.ID(), false)

	verifyTree(t, tree)
	assert.Empty(t, pool.TestingPinnedPageIDs())
}

// insert 1..5 with max sizes 3, then delete 5, 4, 3; the
// tree collapses back to a single leaf holding {1,2}
func TestBTreeRootCollapse(t *testing.T) {
	tree, pool := testingNewTree(t, 3, 3)
	tx := transaction.New()

	for key := int64(1); key <= 5; key++ {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}
	for _, key := range []int64{5, 4, 3} {
		tree.Remove(key, tx)
	}

	rootPage := tree.fetchPage(tree.rootPageID)
	root := page.NewBTreeLeafPage(rootPage.Data())
	assert.True(t, root.IsLeaf())
	assert.True(t, root.IsRoot())
	assert.Equal(t, int32(2), root.Size())
	assert.Equal(t, int64(1), root.KeyAt(0))
	assert.Equal(t, int64(2), root.KeyAt(1))
	assert.Equal(t, page.InvalidPageID, root.NextPageID())
	tree.pool.UnpinPage(rootPage.ID(), false)

	var result []common.RID
	assert.True(t, tree.GetValue(1, &result, tx))
	assert.True(t, tree.GetValue(2, &result, tx))
	assert.False(t, tree.GetValue(3, &result, tx))
	assert.False(t, tree.GetValue(4, &result, tx))
	assert.False(t, tree.GetValue(5, &result, tx))

	assert.Empty(t, pool.TestingPinnedPageIDs())
}

func TestBTreeDeleteAll(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	for key := int64(1); key <= 50; key++ {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}
	for key := int64(1); key <= 50; key++ {
		tree.Remove(key, tx)
	}
	assert.True(t, tree.IsEmpty())

	var result []common.RID
	assert.False(t, tree.GetValue(25, &result, tx))

	// the tree grows again after emptying
	assert.True(t, tree.Insert(7, rid(7), tx))
	assert.True(t, tree.GetValue(7, &result, tx))

	assert.Empty(t, pool.TestingPinnedPageIDs())
}

func TestBTreeRandomWorkload(t *testing.T) {
	tree, pool := testingNewTree(t, 6, 6)
	tx := transaction.New()
	rng := rand.New(rand.NewSource(42))

	keys := rng.Perm(200)
	for _, k := range keys {
		key := int64(k + 1)
		assert.True(t, tree.Insert(key, rid(key), tx))
	}
	got := verifyTree(t, tree)
	assert.Equal(t, 200, len(got))

	// delete a random half
	deleted := make(map[int64]bool)
	for _, k := range keys[:100] {
		key := int64(k + 1)
		tree.Remove(key, tx)
		deleted[key] = true
	}
	got = verifyTree(t, tree)
	assert.Equal(t, 100, len(got))

	for k := 1; k <= 200; k++ {
		key := int64(k)
		var result []common.RID
		found := tree.GetValue(key, &result, tx)
		assert.Equal(t, !deleted[key], found)
	}

	assert.Empty(t, pool.TestingPinnedPageIDs())
}

func TestBTreeReopenFromHeader(t *testing.T) {
	pool := buffer.TestingNewManager()
	header, err := NewHeaderPageStore(pool)
	assert.Nil(t, err)
	tx := transaction.New()

	tree := NewBTree("accounts_pk", pool, header, 4, 4)
	for key := int64(1); key <= 20; key++ {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}

	// a re-created index object resumes from the recorded root
	reopened := NewBTree("accounts_pk", pool, header, 4, 4)
	assert.False(t, reopened.IsEmpty())
	assert.Equal(t, tree.rootPageID, reopened.rootPageID)

	var result []common.RID
	assert.True(t, reopened.GetValue(13, &result, tx))
	assert.Equal(t, []common.RID{rid(13)}, result)
}

func TestBTreeInsertFromFile(t *testing.T) {
	tree, _ := testingNewTree(t, 4, 4)
	tx := transaction.New()

	path := filepath.Join(t.TempDir(), "keys.txt")
	assert.Nil(t, os.WriteFile(path, []byte("5 3 1 4 2"), 0600))
	assert.Nil(t, tree.InsertFromFile(path, tx))

	it := tree.Begin()
	for want := int64(1); want <= 5; want++ {
		assert.False(t, it.IsEnd())
		assert.Equal(t, want, it.Key())
		it.Next()
	}
	assert.True(t, it.IsEnd())
	it.Close()

	removePath := filepath.Join(t.TempDir(), "remove.txt")
	assert.Nil(t, os.WriteFile(removePath, []byte("2 4"), 0600))
	assert.Nil(t, tree.RemoveFromFile(removePath, tx))

	var result []common.RID
	assert.False(t, tree.GetValue(2, &result, tx))
	assert.True(t, tree.GetValue(3, &result, tx))
}

func TestBTreeDraw(t *testing.T) {
	tree, _ := testingNewTree(t, 4, 4)
	tx := transaction.New()

	// drawing an empty tree only warns
	path := filepath.Join(t.TempDir(), "tree.dot")
	assert.Nil(t, tree.Draw(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	for key := int64(1); key <= 10; key++ {
		tree.Insert(key, rid(key), tx)
	}
	assert.Nil(t, tree.Draw(path))
	content, err := os.ReadFile(path)
	assert.Nil(t, err)
	assert.Contains(t, string(content), "digraph G {")
	assert.Contains(t, string(content), "LEAF_")

	tree.Print()
}

func TestBTreeConcurrentOperations(t *testing.T) {
	tree, pool := testingNewTree(t, 16, 16)

	const goroutines = 4
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			tx := transaction.New()
			for i := int64(0); i < perGoroutine; i++ {
				key := base*perGoroutine + i + 1
				assert.True(t, tree.Insert(key, rid(key), tx))
			}
		}(int64(g))
	}
	wg.Wait()

	wg = sync.WaitGroup{}
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			tx := transaction.New()
			for i := int64(0); i < perGoroutine; i++ {
				key := base*perGoroutine + i + 1
				var result []common.RID
				assert.True(t, tree.GetValue(key, &result, tx))
				assert.Equal(t, []common.RID{rid(key)}, result)
			}
		}(int64(g))
	}
	wg.Wait()

	got := verifyTree(t, tree)
	assert.Equal(t, goroutines*perGoroutine, len(got))
	assert.Empty(t, pool.TestingPinnedPageIDs())
}
