// Package logrecord defines the logical shapes of the records the recovery
// core appends to the write-ahead log. It deliberately says nothing about
// byte layout: the Manager in package wal is free to serialize a Record
// however it likes (it currently uses line-delimited JSON). This package
// only carries the tagged-variant semantics that analysis, redo and undo
// reason about: is a record redoable, is it undoable, does it chain to an
// undo-next LSN or a previous LSN for its transaction.
package logrecord

import "github.com/luigitni/ariesdb/storage"

// Kind discriminates the log record variants.
type Kind string

const (
	KindMaster          Kind = "MASTER"
	KindUpdatePage      Kind = "UPDATE_PAGE"
	KindUndoUpdatePage  Kind = "UNDO_UPDATE_PAGE"
	KindAllocPage       Kind = "ALLOC_PAGE"
	KindFreePage        Kind = "FREE_PAGE"
	KindUndoAllocPage   Kind = "UNDO_ALLOC_PAGE"
	KindUndoFreePage    Kind = "UNDO_FREE_PAGE"
	KindAllocPart       Kind = "ALLOC_PART"
	KindFreePart        Kind = "FREE_PART"
	KindUndoAllocPart   Kind = "UNDO_ALLOC_PART"
	KindUndoFreePart    Kind = "UNDO_FREE_PART"
	KindCommit          Kind = "COMMIT_TXN"
	KindAbort           Kind = "ABORT_TXN"
	KindEnd             Kind = "END_TXN"
	KindBeginCheckpoint Kind = "BEGIN_CHECKPOINT"
	KindEndCheckpoint   Kind = "END_CHECKPOINT"
)

// Iterator is a forward, non-restartable view over a sequence of records.
// Both the Log Manager's scan and the recovery core's consumption of it
// share this shape, so it lives alongside the record definition itself
// rather than in either collaborator's package.
type Iterator interface {
	HasNext() bool
	Next() Record
}

// TxnSnapshot is one entry of an END_CHECKPOINT's transaction-table stream.
type TxnSnapshot struct {
	TxID    storage.TxID
	Status  storage.TxStatus
	LastLSN storage.LSN
}

// DirtyPageSnapshot is one entry of an END_CHECKPOINT's DPT stream.
type DirtyPageSnapshot struct {
	PageID storage.PageID
	RecLSN storage.LSN
}

// Record is a tagged union over every log record variant. Only the fields
// relevant to Kind are populated; every variant is reached through
// exhaustive switches on Kind rather than through per-kind dispatch.
type Record struct {
	LSN     storage.LSN
	Kind    Kind
	TxID    storage.TxID
	PrevLSN storage.LSN

	// CLR-only: where undo should resume after this compensation record.
	UndoNextLSN storage.LSN

	// Page lifecycle / update fields.
	PageID storage.PageID
	Offset int
	Before []byte
	After  []byte

	// Partition lifecycle fields.
	PartID storage.PartID

	// MASTER.
	LastCheckpointLSN storage.LSN

	// END_CHECKPOINT.
	DPTSnapshot []DirtyPageSnapshot
	TxnSnapshot []TxnSnapshot
}

// IsRedoable reports whether redo() ever needs to replay this record.
func (r Record) IsRedoable() bool {
	switch r.Kind {
	case KindUpdatePage, KindUndoUpdatePage,
		KindAllocPage, KindFreePage, KindUndoAllocPage, KindUndoFreePage,
		KindAllocPart, KindFreePart, KindUndoAllocPart, KindUndoFreePart:
		return true
	default:
		return false
	}
}

// IsUndoable reports whether this record can itself be undone (CLRs cannot:
// they describe an undo, they are not undoable themselves).
func (r Record) IsUndoable() bool {
	switch r.Kind {
	case KindUpdatePage, KindAllocPage, KindFreePage, KindAllocPart, KindFreePart:
		return true
	default:
		return false
	}
}

// GetUndoNextLSN returns the CLR's undo-next-lsn, if this record is a CLR.
func (r Record) GetUndoNextLSN() (storage.LSN, bool) {
	switch r.Kind {
	case KindUndoUpdatePage, KindUndoAllocPage, KindUndoFreePage, KindUndoAllocPart, KindUndoFreePart:
		return r.UndoNextLSN, true
	default:
		return storage.InvalidLSN, false
	}
}

// GetPrevLSN returns the previous LSN for this record's transaction, if any.
func (r Record) GetPrevLSN() (storage.LSN, bool) {
	if r.TxID == storage.NoTxID {
		return storage.InvalidLSN, false
	}
	if r.PrevLSN == storage.InvalidLSN {
		return storage.InvalidLSN, false
	}
	return r.PrevLSN, true
}

// HasPageID reports whether this record carries a page identity, for the
// analysis phase's DPT bookkeeping.
func (r Record) HasPageID() bool {
	switch r.Kind {
	case KindUpdatePage, KindUndoUpdatePage,
		KindAllocPage, KindFreePage, KindUndoAllocPage, KindUndoFreePage:
		return true
	default:
		return false
	}
}

// BuildCLR produces the compensation log record that undoes r, chained to
// clrPrevLSN as its own prev-LSN. Only undoable records can produce one.
func (r Record) BuildCLR(clrPrevLSN storage.LSN) Record {
	clr := Record{
		TxID:        r.TxID,
		PrevLSN:     clrPrevLSN,
		UndoNextLSN: r.PrevLSN,
		PageID:      r.PageID,
		Offset:      r.Offset,
		PartID:      r.PartID,
	}
	switch r.Kind {
	case KindUpdatePage:
		clr.Kind = KindUndoUpdatePage
		clr.After = r.Before
	case KindAllocPage:
		clr.Kind = KindUndoAllocPage
	case KindFreePage:
		clr.Kind = KindUndoFreePage
	case KindAllocPart:
		clr.Kind = KindUndoAllocPart
	case KindFreePart:
		clr.Kind = KindUndoFreePart
	}
	return clr
}
