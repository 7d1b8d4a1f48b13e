// Package storage defines the identifiers and fixed-size page type shared by
// the write-ahead log, buffer manager, disk space manager and recovery core.
// Byte-level layout of pages is deliberately minimal here: the encoding of
// user data within a page is a collaborator concern, not part of the
// transactional core.
package storage

import "fmt"

// LSN is a Log Sequence Number: a total order over log records.
// LSN 0 is reserved for the master record.
type LSN int64

// InvalidLSN marks the absence of a LSN (no previous record, no undo-next).
const InvalidLSN LSN = -1

// MasterLSN is the reserved LSN of the master record.
const MasterLSN LSN = 0

func (l LSN) String() string {
	if l == InvalidLSN {
		return "<none>"
	}
	return fmt.Sprintf("%d", int64(l))
}

// TxID identifies a transaction. NoTxID marks a record that carries no
// transaction (e.g. BEGIN_CHECKPOINT, END_CHECKPOINT).
type TxID int64

const NoTxID TxID = -1

// PageID identifies a page across the whole database, independent of which
// partition it lives in.
type PageID int64

// PartID identifies a disk partition. Partition 0 is always the log
// partition: forward operations against it are no-ops.
type PartID int64

const LogPartition PartID = 0

// EffectivePageSize bounds how large a single UPDATE_PAGE before/after image
// pair may be: the recovery manager rejects writes larger than half of it.
const EffectivePageSize = 4096

// Page is a fixed-size unit of buffer-managed data. PageLSN is the LSN of
// the most recent log record whose effect is reflected in Data.
type Page struct {
	ID      PageID
	PageLSN LSN
	Data    []byte
}

func NewPage(id PageID) *Page {
	return &Page{
		ID:      id,
		PageLSN: InvalidLSN,
		Data:    make([]byte, EffectivePageSize),
	}
}

// ApplyAt overwrites Data[offset:offset+len(b)] and bumps PageLSN. Callers
// are responsible for holding whatever pin/latch the buffer manager requires.
func (p *Page) ApplyAt(offset int, b []byte, lsn LSN) {
	copy(p.Data[offset:], b)
	p.PageLSN = lsn
}

// Snapshot copies out the bytes at offset..offset+n, used to build before
// images ahead of a write.
func (p *Page) Snapshot(offset, n int) []byte {
	out := make([]byte, n)
	copy(out, p.Data[offset:offset+n])
	return out
}

// SetLSN bumps PageLSN without touching Data, for records (page alloc/free)
// whose effect lives in the disk space manager rather than the page bytes.
func (p *Page) SetLSN(lsn LSN) {
	p.PageLSN = lsn
}

// TxStatus is the transaction lifecycle state shared by the recovery core
// and (nominally) the transaction object itself.
type TxStatus int

const (
	StatusRunning TxStatus = iota
	StatusCommitting
	StatusAborting
	StatusRecoveryAborting
	StatusComplete
)

func (s TxStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusAborting:
		return "ABORTING"
	case StatusRecoveryAborting:
		return "RECOVERY_ABORTING"
	case StatusComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions enumerates the only status changes the core will ever
// perform on a transaction handle.
var legalTransitions = map[TxStatus][]TxStatus{
	StatusRunning:          {StatusCommitting, StatusAborting, StatusRecoveryAborting},
	StatusCommitting:       {StatusComplete},
	StatusAborting:         {StatusComplete},
	StatusRecoveryAborting: {StatusComplete},
}

// CanTransition reports whether from -> to is one of the legal transitions,
// or the trivial to == to case used by idempotent upgrades during analysis.
func CanTransition(from, to TxStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
