package recovery

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/luigitni/ariesdb/logrecord"
	"github.com/luigitni/ariesdb/storage"
)

const dptShardCount = 16

type dptShard struct {
	mu sync.Mutex
	m  map[storage.PageID]storage.LSN
}

// DPT is the Dirty Page Table: page -> earliest LSN that dirtied it since
// it was last clean. Like the Transaction Table, it is a striped concurrent
// map because page-flush and disk-I/O hooks race with forward logging.
type DPT struct {
	shards [dptShardCount]*dptShard
}

func NewDPT() *DPT {
	d := &DPT{}
	for i := range d.shards {
		d.shards[i] = &dptShard{m: make(map[storage.PageID]storage.LSN)}
	}
	return d
}

func (d *DPT) shardFor(page storage.PageID) *dptShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(page))
	h := xxhash.Sum64(buf[:])
	return d.shards[h%dptShardCount]
}

// InsertIfAbsent adds page with rec_lsn lsn only if it isn't already tracked.
func (d *DPT) InsertIfAbsent(page storage.PageID, lsn storage.LSN) {
	s := d.shardFor(page)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[page]; !ok {
		s.m[page] = lsn
	}
}

// DirtyPage implements the race-tolerant insert-if-absent-else-min update:
// concurrent loggers may race to dirty the same page, and the table must
// always keep the earliest LSN, regardless of arrival order.
func (d *DPT) DirtyPage(page storage.PageID, lsn storage.LSN) {
	s := d.shardFor(page)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[page]; !ok || lsn < existing {
		s.m[page] = lsn
	}
}

// Overwrite installs lsn unconditionally, used when a checkpoint's DPT
// snapshot is authoritative during analysis.
func (d *DPT) Overwrite(page storage.PageID, lsn storage.LSN) {
	s := d.shardFor(page)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[page] = lsn
}

func (d *DPT) Remove(page storage.PageID) {
	s := d.shardFor(page)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, page)
}

func (d *DPT) Get(page storage.PageID) (storage.LSN, bool) {
	s := d.shardFor(page)
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, ok := s.m[page]
	return lsn, ok
}

// Min returns the smallest rec_lsn across the whole table, the starting
// point for the redo scan.
func (d *DPT) Min() (storage.LSN, bool) {
	found := false
	var min storage.LSN
	for _, s := range d.shards {
		s.mu.Lock()
		for _, lsn := range s.m {
			if !found || lsn < min {
				min = lsn
				found = true
			}
		}
		s.mu.Unlock()
	}
	return min, found
}

// Snapshot returns every (page, rec_lsn) pair, for checkpoint streaming.
func (d *DPT) Snapshot() []logrecord.DirtyPageSnapshot {
	var out []logrecord.DirtyPageSnapshot
	for _, s := range d.shards {
		s.mu.Lock()
		for page, lsn := range s.m {
			out = append(out, logrecord.DirtyPageSnapshot{PageID: page, RecLSN: lsn})
		}
		s.mu.Unlock()
	}
	return out
}

// RetainOnly keeps only the pages for which keep returns true, purging
// phantom entries left by conservative analysis (the DPT-cleanup pass).
func (d *DPT) RetainOnly(keep func(storage.PageID) bool) {
	for _, s := range d.shards {
		s.mu.Lock()
		for page := range s.m {
			if !keep(page) {
				delete(s.m, page)
			}
		}
		s.mu.Unlock()
	}
}

func (d *DPT) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
