/*
Disk manager reads and writes fixed-size pages at page-id offsets within a
single backing file, and hands out fresh page ids.

minibase does not divide files into per-relation forks: the indexed storage
core manages one file. Deallocated page ids are not recycled; the id space
is append-only and DeallocatePage only exists so that the buffer pool can
tell the disk layer a page is gone.
*/
package disk

import (
	"io"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/karashiro/minibase/storage/page"
)

// Manager is the disk interface the buffer pool consumes
type Manager interface {
	// ReadPage reads the page into p. a page that was allocated but never
	// written reads back zero-filled.
	ReadPage(pid page.PageID, p page.PagePtr) error
	// WritePage writes p at the page's offset
	WritePage(pid page.PageID, p page.PagePtr) error
	// AllocatePage returns a fresh page id
	AllocatePage() page.PageID
	// DeallocatePage releases the page id
	DeallocatePage(pid page.PageID)
}

// FileManager is the file-backed disk manager
type FileManager struct {
	file *os.File
	// nPageID is the next page id to hand out
	nPageID int32
}

var _ Manager = (*FileManager)(nil)

// NewFileManager opens (or creates) the backing file
func NewFileManager(path string) (*FileManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "f.Stat failed")
	}
	// resume the id space after the last page in the file
	nPages := int32((fi.Size() + page.PageSize - 1) / page.PageSize)
	return &FileManager{
		file:    f,
		nPageID: nPages,
	}, nil
}

// ReadPage reads the page stored at pid into p
func (m *FileManager) ReadPage(pid page.PageID, p page.PagePtr) error {
	n, err := m.file.ReadAt(p[:], pageOffset(pid))
	if err == io.EOF {
		// allocated but never flushed; the page content is all zeros
		for i := n; i < page.PageSize; i++ {
			p[i] = 0
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "file.ReadAt failed")
	}
	return nil
}

// WritePage writes p at the page's offset
func (m *FileManager) WritePage(pid page.PageID, p page.PagePtr) error {
	if _, err := m.file.WriteAt(p[:], pageOffset(pid)); err != nil {
		return errors.Wrap(err, "file.WriteAt failed")
	}
	return nil
}

// AllocatePage returns a fresh page id
func (m *FileManager) AllocatePage() page.PageID {
	return page.PageID(atomic.AddInt32(&m.nPageID, 1) - 1)
}

// DeallocatePage releases the page id. ids are not recycled.
func (m *FileManager) DeallocatePage(pid page.PageID) {
	log.Debugf("deallocate page %d", pid)
}

// Close closes the backing file
func (m *FileManager) Close() error {
	if err := m.file.Close(); err != nil {
		return errors.Wrap(err, "file.Close failed")
	}
	return nil
}

// pageOffset calculates the page's byte offset within the file
func pageOffset(pid page.PageID) int64 {
	return int64(pid) * page.PageSize
}
