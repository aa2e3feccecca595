package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karashiro/minibase/storage/page"
)

func TestTxPageSet(t *testing.T) {
	tx := New()
	assert.Empty(t, tx.PageSet())

	p1 := page.NewPage()
	p2 := page.NewPage()
	tx.AddIntoPageSet(p1)
	tx.AddIntoPageSet(p2)

	// acquisition order is preserved
	assert.Equal(t, []*page.Page{p1, p2}, tx.PageSet())

	tx.ClearPageSet()
	assert.Empty(t, tx.PageSet())
}

func TestTxDeletedPageSet(t *testing.T) {
	tx := New()
	tx.AddIntoDeletedPageSet(page.PageID(3))
	tx.AddIntoDeletedPageSet(page.PageID(7))
	tx.AddIntoDeletedPageSet(page.PageID(3))

	set := tx.DeletedPageSet()
	assert.Equal(t, 2, len(set))
	_, ok := set[page.PageID(3)]
	assert.True(t, ok)

	tx.ClearDeletedPageSet()
	assert.Empty(t, tx.DeletedPageSet())
}

func TestTxIDs(t *testing.T) {
	tx1 := New()
	tx2 := New()
	assert.NotEqual(t, tx1.ID(), tx2.ID())
}
