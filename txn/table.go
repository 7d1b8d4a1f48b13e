package txn

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/luigitni/ariesdb/storage"
)

// Entry is one Transaction Table row: the handle, the LSN of its most
// recent log record, its named savepoints, and the pages it has touched.
type Entry struct {
	Handle       *Handle
	LastLSN      storage.LSN
	Savepoints   map[string]storage.LSN
	TouchedPages map[storage.PageID]struct{}
}

func newEntry(h *Handle) *Entry {
	return &Entry{
		Handle:       h,
		LastLSN:      storage.InvalidLSN,
		Savepoints:   make(map[string]storage.LSN),
		TouchedPages: make(map[storage.PageID]struct{}),
	}
}

const tableShardCount = 16

type tableShard struct {
	mu      sync.Mutex
	entries map[storage.TxID]*Entry
}

// Table is the in-memory Transaction Table. It is a striped concurrent map:
// page-flush and disk-I/O hooks can fire from buffer manager goroutines at
// the same time forward logging is mutating another transaction's entry,
// so each shard gets its own mutex rather than one table-wide lock.
type Table struct {
	shards [tableShardCount]*tableShard
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &tableShard{entries: make(map[storage.TxID]*Entry)}
	}
	return t
}

func (t *Table) shardFor(id storage.TxID) *tableShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := xxhash.Sum64(buf[:])
	return t.shards[h%tableShardCount]
}

// Put registers a fresh entry for the given handle, returning it.
func (t *Table) Put(h *Handle) *Entry {
	s := t.shardFor(h.ID())
	s.mu.Lock()
	defer s.mu.Unlock()
	e := newEntry(h)
	s.entries[h.ID()] = e
	return e
}

// Get returns the entry for id, if the transaction is still live.
func (t *Table) Get(id storage.TxID) (*Entry, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// GetOrCreate returns the existing entry for id, or creates one via
// newHandle (used by analysis when it encounters a record for a
// transaction it hasn't seen yet).
func (t *Table) GetOrCreate(id storage.TxID, newHandle func(storage.TxID) *Handle) *Entry {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := newEntry(newHandle(id))
	s.entries[id] = e
	return e
}

// Remove deletes the entry for id, e.g. once a transaction reaches COMPLETE.
func (t *Table) Remove(id storage.TxID) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Snapshot returns every live entry, for checkpoint streaming. The order is
// unspecified; callers that need determinism should sort it themselves.
func (t *Table) Snapshot() []*Entry {
	var out []*Entry
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.Unlock()
	}
	return out
}

// Len reports the number of live transactions, for tests.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
