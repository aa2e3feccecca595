/*
Parallel buffer pool manager.

One global pool mutex serializes every page operation; sharding the pool
into N independent instances keyed by pid mod N lets unrelated operations
proceed in parallel. NewPage has no page id to route by, so allocation asks
the instances round-robin, starting from a cursor that rotates on every
call to spread the load.
*/
package buffer

import (
	"sync"

	"github.com/karashiro/minibase/storage/disk"
	"github.com/karashiro/minibase/storage/page"
)

// ParallelManager shards a buffer pool across independent instances
type ParallelManager struct {
	instances []*Manager
	// mu protects startIndex
	mu         sync.Mutex
	startIndex uint32
}

var _ Pool = (*ParallelManager)(nil)

// NewParallelManager initializes numInstances pool instances of poolSize
// frames each, sharing one disk manager
func NewParallelManager(dm disk.Manager, numInstances uint32, poolSize int) *ParallelManager {
	instances := make([]*Manager, numInstances)
	for i := uint32(0); i < numInstances; i++ {
		instances[i] = NewManagerInstance(dm, poolSize, numInstances, i)
	}
	return &ParallelManager{instances: instances}
}

// instanceFor returns the instance responsible for the page id
func (m *ParallelManager) instanceFor(pid page.PageID) *Manager {
	return m.instances[uint32(pid)%uint32(len(m.instances))]
}

// FetchPage fetches the page from the responsible instance
func (m *ParallelManager) FetchPage(pid page.PageID) (*page.Page, error) {
	return m.instanceFor(pid).FetchPage(pid)
}

// UnpinPage unpins the page at the responsible instance
func (m *ParallelManager) UnpinPage(pid page.PageID, isDirty bool) bool {
	return m.instanceFor(pid).UnpinPage(pid, isDirty)
}

// FlushPage flushes the page at the responsible instance
func (m *ParallelManager) FlushPage(pid page.PageID) bool {
	return m.instanceFor(pid).FlushPage(pid)
}

// DeletePage deletes the page at the responsible instance
func (m *ParallelManager) DeletePage(pid page.PageID) bool {
	return m.instanceFor(pid).DeletePage(pid)
}

// NewPage asks the instances round-robin for a fresh page, starting at the
// rotating cursor. returns the first successful allocation, or the last
// instance's error when every instance refuses.
func (m *ParallelManager) NewPage() (*page.Page, error) {
	m.mu.Lock()
	start := m.startIndex
	m.startIndex = (m.startIndex + 1) % uint32(len(m.instances))
	m.mu.Unlock()

	var err error
	for i := 0; i < len(m.instances); i++ {
		var p *page.Page
		p, err = m.instances[(start+uint32(i))%uint32(len(m.instances))].NewPage()
		if err == nil {
			return p, nil
		}
	}
	return nil, err
}

// FlushAllPages flushes every instance
func (m *ParallelManager) FlushAllPages() {
	for _, inst := range m.instances {
		inst.FlushAllPages()
	}
}

// PoolSize returns the total number of frames across instances
func (m *ParallelManager) PoolSize() int {
	size := 0
	for _, inst := range m.instances {
		size += inst.PoolSize()
	}
	return size
}
