/*
Buffer pool manager.

Disk IO is expensive, so pages are cached in a fixed set of frames and the
manager decides what stays resident. A single mutex protects the page table,
the free list, frame metadata and the replacer; page contents are read and
written under per-page latches acquired after pinning, outside this mutex.

access rules for a resident page:
- pin the page (FetchPage/NewPage) -> acquire the content latch
- -> read/write -> release the latch -> UnpinPage
Every Fetch/New must be matched by exactly one Unpin, with isDirty true iff
the caller mutated the content. An unmatched pin shows up later as a frame
that refuses eviction and, eventually, pool exhaustion.

When several instances are sharded behind the parallel front-end, each
instance allocates page ids congruent to its own index so that the front-end
routing function (pid mod N) finds the page again.
*/
package buffer

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/karashiro/minibase/storage/disk"
	"github.com/karashiro/minibase/storage/page"
)

// ErrNoEvictableFrame is returned when every frame is pinned and the pool
// cannot make room for another page
var ErrNoEvictableFrame = errors.New("all frames are pinned")

// Pool is the buffer pool interface the indexes consume.
// both the single instance and the parallel front-end implement it.
type Pool interface {
	// FetchPage pins and returns the page, reading it from disk if absent
	FetchPage(pid page.PageID) (*page.Page, error)
	// NewPage allocates a fresh page id and pins a zeroed page for it
	NewPage() (*page.Page, error)
	// UnpinPage drops one pin, recording whether the caller dirtied the page
	UnpinPage(pid page.PageID, isDirty bool) bool
	// FlushPage writes the page to disk if resident
	FlushPage(pid page.PageID) bool
	// DeletePage evicts the page and deallocates its id; fails while pinned
	DeletePage(pid page.PageID) bool
	// FlushAllPages writes every dirty resident page
	FlushAllPages()
	// PoolSize returns the number of frames
	PoolSize() int
}

// Manager is one buffer pool instance
type Manager struct {
	dm disk.Manager
	// mu protects everything below; see the comment at the head of this file
	mu sync.Mutex
	// frames holds the pool's page slots
	frames []*page.Page
	// freeList holds the indices of frames with no resident page
	freeList []FrameID
	// pageTable maps a resident page id to its frame
	pageTable map[page.PageID]FrameID
	replacer  *LRUReplacer
	// sharding parameters; see allocatePage
	numInstances  uint32
	instanceIndex uint32
	nextPageID    page.PageID
}

var _ Pool = (*Manager)(nil)

// NewManager initializes a stand-alone buffer pool instance
func NewManager(dm disk.Manager, poolSize int) *Manager {
	return NewManagerInstance(dm, poolSize, 1, 0)
}

// NewManagerInstance initializes one instance of a sharded buffer pool.
// instanceIndex must be below numInstances.
func NewManagerInstance(dm disk.Manager, poolSize int, numInstances, instanceIndex uint32) *Manager {
	if instanceIndex >= numInstances {
		log.Panicf("instance index %d out of range (%d instances)", instanceIndex, numInstances)
	}
	frames := make([]*page.Page, poolSize)
	freeList := make([]FrameID, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = page.NewPage()
		freeList[i] = FrameID(i)
	}
	return &Manager{
		dm:            dm,
		frames:        frames,
		freeList:      freeList,
		pageTable:     make(map[page.PageID]FrameID, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    page.PageID(instanceIndex),
	}
}

// allocatePage hands out a fresh page id.
// with a single instance the disk manager's allocator is authoritative;
// under sharding the instance strides the id space so that pid mod N routes
// back here.
func (m *Manager) allocatePage() page.PageID {
	if m.numInstances == 1 {
		return m.dm.AllocatePage()
	}
	pid := m.nextPageID
	m.nextPageID += page.PageID(m.numInstances)
	return pid
}

// FetchPage returns the pinned page, reading it from disk when not resident.
// fails with ErrNoEvictableFrame when the pool cannot make room.
func (m *Manager) FetchPage(pid page.PageID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fid, ok := m.pageTable[pid]; ok {
		frame := m.frames[fid]
		frame.Pin()
		m.replacer.Pin(fid)
		return frame, nil
	}

	fid, err := m.acquireFrame()
	if err != nil {
		return nil, err
	}
	frame := m.frames[fid]
	if err := m.dm.ReadPage(pid, frame.Data()); err != nil {
		// put the frame back; nothing resides in it
		frame.Reset()
		m.freeList = append(m.freeList, fid)
		return nil, errors.Wrap(err, "dm.ReadPage failed")
	}
	frame.SetID(pid)
	frame.Pin()
	m.pageTable[pid] = fid
	return frame, nil
}

// NewPage allocates a fresh page id and returns the pinned, zeroed, dirty
// page. fails with ErrNoEvictableFrame when the pool cannot make room.
func (m *Manager) NewPage() (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, err := m.acquireFrame()
	if err != nil {
		return nil, err
	}
	pid := m.allocatePage()
	frame := m.frames[fid]
	frame.SetID(pid)
	frame.Pin()
	frame.SetDirty(true)
	m.pageTable[pid] = fid
	return frame, nil
}

// acquireFrame obtains an empty frame: from the free list when possible,
// otherwise by evicting the LRU victim, flushing it first when dirty.
// the caller must hold m.mu. the returned frame is reset.
func (m *Manager) acquireFrame() (FrameID, error) {
	if n := len(m.freeList); n > 0 {
		fid := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return fid, nil
	}
	fid, ok := m.replacer.Victim()
	if !ok {
		return 0, ErrNoEvictableFrame
	}
	victim := m.frames[fid]
	if victim.IsDirty() {
		log.Debugf("evicting dirty page %d", victim.ID())
		if err := m.dm.WritePage(victim.ID(), victim.Data()); err != nil {
			return 0, errors.Wrap(err, "dm.WritePage failed")
		}
	}
	delete(m.pageTable, victim.ID())
	victim.Reset()
	return fid, nil
}

// UnpinPage drops one pin. isDirty is ORed into the frame's dirty flag and
// never clears it. fails when the page is not resident or not pinned.
func (m *Manager) UnpinPage(pid page.PageID, isDirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable[pid]
	if !ok {
		return false
	}
	frame := m.frames[fid]
	if frame.PinCount() <= 0 {
		return false
	}
	if isDirty {
		frame.SetDirty(true)
	}
	if frame.Unpin() == 0 {
		m.replacer.Unpin(fid)
	}
	return true
}

// FlushPage writes the page to disk and clears its dirty flag
func (m *Manager) FlushPage(pid page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushPage(pid)
}

// the caller must hold m.mu
func (m *Manager) flushPage(pid page.PageID) bool {
	fid, ok := m.pageTable[pid]
	if !ok {
		return false
	}
	frame := m.frames[fid]
	if err := m.dm.WritePage(pid, frame.Data()); err != nil {
		log.Errorf("flush of page %d failed: %v", pid, err)
		return false
	}
	frame.SetDirty(false)
	return true
}

// FlushAllPages writes every dirty resident page
func (m *Manager) FlushAllPages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, fid := range m.pageTable {
		if m.frames[fid].IsDirty() {
			m.flushPage(pid)
		}
	}
}

// DeletePage evicts the page and deallocates its id on disk.
// fails while the page is pinned; deleting a non-resident page succeeds.
func (m *Manager) DeletePage(pid page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable[pid]
	if !ok {
		m.dm.DeallocatePage(pid)
		return true
	}
	frame := m.frames[fid]
	if frame.PinCount() > 0 {
		return false
	}
	// the frame is unpinned, so the replacer is tracking it
	m.replacer.Pin(fid)
	delete(m.pageTable, pid)
	frame.Reset()
	m.freeList = append(m.freeList, fid)
	m.dm.DeallocatePage(pid)
	return true
}

// PoolSize returns the number of frames
func (m *Manager) PoolSize() int {
	return len(m.frames)
}
