package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karashiro/minibase/storage/page"
)

func TestFileManagerReadWrite(t *testing.T) {
	m, err := NewFileManager(filepath.Join(t.TempDir(), "minibase.db"))
	assert.Nil(t, err)
	defer m.Close()

	pid := m.AllocatePage()
	written := page.NewPagePtr()
	for i := range written {
		written[i] = byte(i % 251)
	}
	err = m.WritePage(pid, written)
	assert.Nil(t, err)

	read := page.NewPagePtr()
	err = m.ReadPage(pid, read)
	assert.Nil(t, err)
	assert.Equal(t, written, read)
}

func TestFileManagerReadUnwrittenPage(t *testing.T) {
	m, err := NewFileManager(filepath.Join(t.TempDir(), "minibase.db"))
	assert.Nil(t, err)
	defer m.Close()

	pid := m.AllocatePage()
	read := page.NewPagePtr()
	read[0] = 0xFF
	err = m.ReadPage(pid, read)
	assert.Nil(t, err)
	assert.Equal(t, page.NewPagePtr(), read)
}

func TestFileManagerAllocate(t *testing.T) {
	m, err := NewFileManager(filepath.Join(t.TempDir(), "minibase.db"))
	assert.Nil(t, err)
	defer m.Close()

	assert.Equal(t, page.PageID(0), m.AllocatePage())
	assert.Equal(t, page.PageID(1), m.AllocatePage())
	assert.Equal(t, page.PageID(2), m.AllocatePage())
}

func TestFileManagerReopenResumesIDSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minibase.db")

	m, err := NewFileManager(path)
	assert.Nil(t, err)
	pid0 := m.AllocatePage()
	pid1 := m.AllocatePage()
	assert.Nil(t, m.WritePage(pid0, page.NewPagePtr()))
	p := page.NewPagePtr()
	p[0] = 0xAB
	assert.Nil(t, m.WritePage(pid1, p))
	assert.Nil(t, m.Close())

	// a reopened file must not hand out ids of pages already on disk
	m, err = NewFileManager(path)
	assert.Nil(t, err)
	defer m.Close()
	assert.Equal(t, page.PageID(2), m.AllocatePage())

	read := page.NewPagePtr()
	assert.Nil(t, m.ReadPage(pid1, read))
	assert.Equal(t, byte(0xAB), read[0])
}

func TestTestingManagerRoundTrip(t *testing.T) {
	m := TestingNewManager()
	pid := m.AllocatePage()
	p := page.NewPagePtr()
	p[100] = 42
	assert.Nil(t, m.WritePage(pid, p))

	read := page.NewPagePtr()
	assert.Nil(t, m.ReadPage(pid, read))
	assert.Equal(t, byte(42), read[100])

	m.DeallocatePage(pid)
	assert.Nil(t, m.ReadPage(pid, read))
	assert.Equal(t, byte(0), read[100])
}
