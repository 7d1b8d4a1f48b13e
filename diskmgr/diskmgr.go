// Package diskmgr is the Disk Space Manager collaborator: it owns the
// mapping from page to partition and the on-disk lifecycle of pages and
// partitions. The recovery core only ever calls it through a narrow
// surface: GetPartNum, plus the allocation primitives that page and
// partition ALLOC/FREE records (and their CLRs) replay against.
package diskmgr

import (
	"fmt"
	"sync"

	"github.com/luigitni/ariesdb/storage"
)

// Manager is a minimal in-memory disk space manager. Partition 0 is always
// the log partition; forward operations against it are no-ops by contract
// of the recovery manager, never of this collaborator.
type Manager struct {
	mu         sync.Mutex
	partOf     map[storage.PageID]storage.PartID
	livePages  map[storage.PageID]bool
	liveParts  map[storage.PartID]bool
	nextPageID storage.PageID
}

func New() *Manager {
	return &Manager{
		partOf:    make(map[storage.PageID]storage.PartID),
		livePages: make(map[storage.PageID]bool),
		liveParts: map[storage.PartID]bool{storage.LogPartition: true},
	}
}

// GetPartNum returns the partition a page belongs to. Unknown pages are
// reported as belonging to the log partition, so that speculative redo
// against an already-freed page is a safe no-op rather than a panic.
func (m *Manager) GetPartNum(page storage.PageID) storage.PartID {
	m.mu.Lock()
	defer m.mu.Unlock()
	part, ok := m.partOf[page]
	if !ok {
		return storage.LogPartition
	}
	return part
}

// Assign records that page belongs to part, for callers that allocate pages
// outside of the recovery log (e.g. test setup).
func (m *Manager) Assign(page storage.PageID, part storage.PartID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partOf[page] = part
}

func (m *Manager) AllocPage(page storage.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.livePages[page] = true
	return nil
}

func (m *Manager) FreePage(page storage.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.livePages, page)
	return nil
}

func (m *Manager) AllocPart(part storage.PartID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if part == storage.LogPartition {
		return fmt.Errorf("diskmgr: cannot allocate the log partition")
	}
	m.liveParts[part] = true
	return nil
}

func (m *Manager) FreePart(part storage.PartID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.liveParts, part)
	return nil
}

// IsLivePage reports whether a page is currently allocated, for tests.
func (m *Manager) IsLivePage(page storage.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.livePages[page]
}
