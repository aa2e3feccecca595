package index

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karashiro/minibase/transaction"
)

// insert 1..100, then a full forward scan yields the keys in
// strict order
func TestIteratorFullScan(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	for key := int64(1); key <= 100; key++ {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}

	end := tree.End()
	it := tree.Begin()
	want := int64(1)
	for !it.IsEnd() {
		assert.Equal(t, want, it.Key())
		assert.Equal(t, rid(want), it.Value())
		it.Next()
		want++
	}
	assert.Equal(t, int64(101), want)
	assert.True(t, it.Equal(end))
	it.Close()
	end.Close()

	assert.Empty(t, pool.TestingPinnedPageIDs())
}

func TestIteratorBeginAt(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	for key := int64(10); key <= 100; key += 10 {
		assert.True(t, tree.Insert(key, rid(key), tx))
	}

	t.Run("key present", func(t *testing.T) {
		it := tree.BeginAt(50)
		assert.False(t, it.IsEnd())
		assert.Equal(t, int64(50), it.Key())
		it.Close()
	})
	t.Run("between keys the scan starts at the next greater", func(t *testing.T) {
		it := tree.BeginAt(35)
		assert.False(t, it.IsEnd())
		assert.Equal(t, int64(40), it.Key())
		it.Close()
	})
	t.Run("past the last key the scan is empty", func(t *testing.T) {
		it := tree.BeginAt(999)
		assert.True(t, it.IsEnd())
		it.Close()
	})

	assert.Empty(t, pool.TestingPinnedPageIDs())
}

func TestIteratorEmptyTree(t *testing.T) {
	tree, _ := testingNewTree(t, 4, 4)

	it := tree.Begin()
	end := tree.End()
	assert.True(t, it.IsEnd())
	assert.True(t, it.Equal(end))
	it.Close()
	end.Close()
	// closing twice is fine
	it.Close()
}

func TestIteratorSingleLeaf(t *testing.T) {
	tree, pool := testingNewTree(t, 4, 4)
	tx := transaction.New()

	tree.Insert(2, rid(2), tx)
	tree.Insert(1, rid(1), tx)

	it := tree.Begin()
	assert.Equal(t, int64(1), it.Key())
	it.Next()
	assert.Equal(t, int64(2), it.Key())
	assert.False(t, it.IsEnd())
	it.Next()
	assert.True(t, it.IsEnd())
	it.Close()

	assert.Empty(t, pool.TestingPinnedPageIDs())
}
