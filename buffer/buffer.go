// Package buffer is the Buffer Manager collaborator. It owns the page
// cache and is the thing the recovery manager leans on through three narrow
// hooks: fetch a page (pinning it), iterate known page numbers with their
// dirty bit, and learn EffectivePageSize. In the other direction, the
// buffer manager calls back into the recovery manager before evicting a
// dirty page (PageFlushHook) and after writing one out (DiskIOHook) to
// keep the write-ahead invariant and the dirty page table honest.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/semaphore"

	"github.com/luigitni/ariesdb/storage"
)

// Hooks is the half of the Recovery Manager interface the buffer manager
// calls into. It is satisfied by *recovery.Manager.
type Hooks interface {
	PageFlushHook(pageLSN storage.LSN) error
	DiskIOHook(page storage.PageID)
}

// Manager is an in-memory page cache sized to a fixed pool of buffer
// frames: FetchPage blocks (via the semaphore) once every frame is pinned,
// the way a real buffer pool blocks a client waiting for a free frame.
type Manager struct {
	mu    sync.Mutex
	pages map[storage.PageID]*storage.Page
	pins  map[storage.PageID]int
	dirty *bitset.BitSet

	sem   *semaphore.Weighted
	hooks Hooks
}

func New(capacity int) *Manager {
	return &Manager{
		pages: make(map[storage.PageID]*storage.Page),
		pins:  make(map[storage.PageID]int),
		dirty: bitset.New(1024),
		sem:   semaphore.NewWeighted(int64(capacity)),
	}
}

// SetManagers completes the cyclic wiring between buffer manager and
// recovery manager: both are constructed independently, then linked. This
// breaks the construction cycle the design notes call out.
func (m *Manager) SetManagers(hooks Hooks) {
	m.hooks = hooks
}

const EffectivePageSize = storage.EffectivePageSize

// FetchPage pins and returns the page, creating it on first access.
func (m *Manager) FetchPage(ctx context.Context, id storage.PageID) (*storage.Page, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("buffer: acquiring frame for page %d: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[id]
	if !ok {
		p = storage.NewPage(id)
		m.pages[id] = p
	}
	m.pins[id]++
	return p, nil
}

// UnpinPage releases the pin taken by FetchPage. If dirty, the page is
// marked in the dirty bitmap; eviction/flush of dirty pages is driven by
// FlushPage, which enforces the WAL hook ordering.
func (m *Manager) UnpinPage(id storage.PageID, dirty bool) {
	m.mu.Lock()
	if dirty && id >= 0 {
		m.dirty.Set(uint(id))
	}
	if m.pins[id] > 0 {
		m.pins[id]--
	}
	m.mu.Unlock()

	m.sem.Release(1)
}

// IterPageNums calls fn once per page known to the buffer manager, with its
// current dirty bit. The recovery manager's DPT-cleanup pass uses this to
// purge phantom entries left by conservative analysis.
func (m *Manager) IterPageNums(fn func(id storage.PageID, dirty bool)) {
	m.mu.Lock()
	ids := make([]storage.PageID, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	dirtyOf := func(id storage.PageID) bool {
		return id >= 0 && m.dirty.Test(uint(id))
	}
	m.mu.Unlock()

	for _, id := range ids {
		fn(id, dirtyOf(id))
	}
}

// FlushPage writes a dirty page out to disk, honoring WAL: the recovery
// manager's PageFlushHook is called first to push the log to at least the
// page's LSN, then DiskIOHook lets it drop the page from the DPT.
func (m *Manager) FlushPage(id storage.PageID) error {
	m.mu.Lock()
	p, ok := m.pages[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.hooks != nil {
		if err := m.hooks.PageFlushHook(p.PageLSN); err != nil {
			return fmt.Errorf("buffer: page flush hook for page %d: %w", id, err)
		}
	}

	// The actual disk write lives in the collaborator that owns the file
	// descriptor; only the WAL-ordering side effects matter to the recovery
	// core.
	m.mu.Lock()
	if id >= 0 {
		m.dirty.Clear(uint(id))
	}
	m.mu.Unlock()

	if m.hooks != nil {
		m.hooks.DiskIOHook(id)
	}
	return nil
}

// FlushAll flushes every currently-dirty page through FlushPage. Neither
// checkpoint nor shutdown calls it.
func (m *Manager) FlushAll() error {
	var dirtyIDs []storage.PageID
	m.mu.Lock()
	for id := range m.pages {
		if id >= 0 && m.dirty.Test(uint(id)) {
			dirtyIDs = append(dirtyIDs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dirtyIDs {
		if err := m.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}
