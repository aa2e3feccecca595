package disk

import (
	"sync"

	"github.com/karashiro/minibase/storage/page"
)

// TestingManager is an in-memory disk manager for tests
type TestingManager struct {
	mu      sync.Mutex
	pages   map[page.PageID]page.PagePtr
	nPageID page.PageID
}

var _ Manager = (*TestingManager)(nil)

// TestingNewManager initializes the in-memory disk manager
func TestingNewManager() *TestingManager {
	return &TestingManager{
		pages: make(map[page.PageID]page.PagePtr),
	}
}

// ReadPage reads the page stored at pid into p
func (m *TestingManager) ReadPage(pid page.PageID, p page.PagePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pages[pid]
	if !ok {
		// never flushed; reads back zero-filled
		for i := range p {
			p[i] = 0
		}
		return nil
	}
	copy(p[:], stored[:])
	return nil
}

// WritePage stores a copy of p under pid
func (m *TestingManager) WritePage(pid page.PageID, p page.PagePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pages[pid]
	if !ok {
		stored = page.NewPagePtr()
		m.pages[pid] = stored
	}
	copy(stored[:], p[:])
	return nil
}

// AllocatePage returns a fresh page id
func (m *TestingManager) AllocatePage() page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.nPageID
	m.nPageID++
	return pid
}

// DeallocatePage releases the page id
func (m *TestingManager) DeallocatePage(pid page.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, pid)
}
