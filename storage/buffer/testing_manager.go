package buffer

import (
	"github.com/karashiro/minibase/storage/disk"
	"github.com/karashiro/minibase/storage/page"
)

// testingPoolSize is large enough that index tests never exhaust the pool
const testingPoolSize = 64

// TestingNewManager initializes a buffer pool instance over an in-memory
// disk manager
func TestingNewManager() *Manager {
	return NewManager(disk.TestingNewManager(), testingPoolSize)
}

// TestingNewManagerWithPoolSize initializes a buffer pool instance with the
// given number of frames over an in-memory disk manager
func TestingNewManagerWithPoolSize(poolSize int) *Manager {
	return NewManager(disk.TestingNewManager(), poolSize)
}

// TestingNewParallelManager initializes a sharded pool over an in-memory
// disk manager
func TestingNewParallelManager(numInstances uint32, poolSize int) *ParallelManager {
	return NewParallelManager(disk.TestingNewManager(), numInstances, poolSize)
}

// TestingPinnedPageIDs returns the ids of resident pages with a nonzero pin
// count. at rest, with no outstanding handles, it must be empty.
func (m *Manager) TestingPinnedPageIDs() []page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pinned []page.PageID
	for pid, fid := range m.pageTable {
		if m.frames[fid].PinCount() > 0 {
			pinned = append(pinned, pid)
		}
	}
	return pinned
}
