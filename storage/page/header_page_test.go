package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderPageRecords(t *testing.T) {
	t.Run("insert and lookup", func(t *testing.T) {
		p := NewPagePtr()
		err := InsertRecord(p, "orders_pk", PageID(3))
		assert.Nil(t, err)
		err = InsertRecord(p, "orders_by_user", PageID(9))
		assert.Nil(t, err)
		assert.Equal(t, uint32(2), GetRecordCount(p))

		id, ok := LookupRecord(p, "orders_pk")
		assert.True(t, ok)
		assert.Equal(t, PageID(3), id)
		id, ok = LookupRecord(p, "orders_by_user")
		assert.True(t, ok)
		assert.Equal(t, PageID(9), id)

		_, ok = LookupRecord(p, "missing")
		assert.False(t, ok)
	})
	t.Run("duplicate insert fails", func(t *testing.T) {
		p := NewPagePtr()
		err := InsertRecord(p, "orders_pk", PageID(3))
		assert.Nil(t, err)
		err = InsertRecord(p, "orders_pk", PageID(4))
		assert.NotNil(t, err)
	})
	t.Run("update", func(t *testing.T) {
		p := NewPagePtr()
		err := InsertRecord(p, "orders_pk", PageID(3))
		assert.Nil(t, err)
		err = UpdateRecord(p, "orders_pk", PageID(17))
		assert.Nil(t, err)
		id, ok := LookupRecord(p, "orders_pk")
		assert.True(t, ok)
		assert.Equal(t, PageID(17), id)

		// updating a missing record fails
		err = UpdateRecord(p, "missing", PageID(1))
		assert.NotNil(t, err)
	})
	t.Run("delete compacts", func(t *testing.T) {
		p := NewPagePtr()
		assert.Nil(t, InsertRecord(p, "a", PageID(1)))
		assert.Nil(t, InsertRecord(p, "b", PageID(2)))
		assert.Nil(t, InsertRecord(p, "c", PageID(3)))

		err := DeleteRecord(p, "b")
		assert.Nil(t, err)
		assert.Equal(t, uint32(2), GetRecordCount(p))
		_, ok := LookupRecord(p, "b")
		assert.False(t, ok)
		id, ok := LookupRecord(p, "c")
		assert.True(t, ok)
		assert.Equal(t, PageID(3), id)
	})
	t.Run("name too long fails", func(t *testing.T) {
		p := NewPagePtr()
		err := InsertRecord(p, "an_index_name_well_beyond_thirty_two_bytes", PageID(1))
		assert.NotNil(t, err)
	})
}
