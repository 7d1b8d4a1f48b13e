// Package recovery implements the ARIES-style write-ahead logging and
// crash-recovery core: the forward path that every page write,
// allocation, commit, abort and checkpoint routes through, and the
// three-phase restart that reconstructs durable state after a crash.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/luigitni/ariesdb/logrecord"
	"github.com/luigitni/ariesdb/storage"
	"github.com/luigitni/ariesdb/txn"
)

// endCheckpointCapacity bounds how many DPT/transaction-table entries a
// single END_CHECKPOINT record may carry before the checkpoint routine
// rolls over to a new one - a fuzzy checkpoint is a begin record followed
// by one or more end records, never a single unbounded snapshot.
const endCheckpointCapacity = 64

// Manager is the Recovery Manager. It serializes commit/end/checkpoint
// against each other and against itself at coarse grain; individual log
// appends are serialized by the Log Manager, and the DPT
// and Transaction Table are independently concurrent so that page-flush
// and disk-I/O hooks firing from buffer manager goroutines do not wait on
// this mutex for their table updates (DiskIOHook takes it only briefly, to
// read whether redo has completed).
type Manager struct {
	mu sync.Mutex

	lm  LogManager
	bm  BufferManager
	dsm DiskSpaceManager

	newTransaction func(storage.TxID) *txn.Handle

	txTable *txn.Table
	dpt     *DPT

	redoComplete bool
}

// New constructs a Recovery Manager. SetManagers must be called once the
// buffer manager also exists, to complete the cyclic wiring between them.
func New(lm LogManager, dsm DiskSpaceManager, newTransaction func(storage.TxID) *txn.Handle) *Manager {
	return &Manager{
		lm:             lm,
		dsm:            dsm,
		newTransaction: newTransaction,
		txTable:        txn.NewTable(),
		dpt:            NewDPT(),
	}
}

// SetManagers injects the buffer manager once both sides of the
// buffer-manager/recovery-manager cycle have been constructed.
func (m *Manager) SetManagers(bm BufferManager) {
	m.bm = bm
}

// Initialize appends the master record's counterpart (nothing - the master
// record is section of the Log Manager itself) and takes a first,
// necessarily-empty checkpoint so that a restart against a brand-new
// database has a well-defined starting point.
func (m *Manager) Initialize() error {
	return m.Checkpoint()
}

// Close takes a final checkpoint and closes the log.
func (m *Manager) Close() error {
	if err := m.Checkpoint(); err != nil {
		return err
	}
	return m.lm.Close()
}

// StartTransaction registers handle in the transaction table with
// last_lsn = storage.InvalidLSN, which marks "no prior record"; the value 0
// is not used as that marker here.
func (m *Manager) StartTransaction(handle *txn.Handle) *txn.Entry {
	return m.txTable.Put(handle)
}

func (m *Manager) entry(id storage.TxID) (*txn.Entry, error) {
	e, ok := m.txTable.Get(id)
	if !ok {
		return nil, fmt.Errorf("recovery: unknown transaction %d", id)
	}
	return e, nil
}

// LogPageWrite appends an UPDATE_PAGE record for a before/after image pair
// at offset within page, linked to the transaction's current last_lsn.
func (m *Manager) LogPageWrite(txID storage.TxID, page storage.PageID, offset int, before, after []byte) (storage.LSN, error) {
	if len(before) != len(after) {
		return storage.InvalidLSN, fmt.Errorf("recovery: before/after image length mismatch (%d vs %d)", len(before), len(after))
	}
	if len(after) > storage.EffectivePageSize/2 {
		return storage.InvalidLSN, fmt.Errorf("recovery: update of %d bytes exceeds half the effective page size", len(after))
	}
	if m.dsm.GetPartNum(page) == storage.LogPartition {
		return -1, nil
	}

	e, err := m.entry(txID)
	if err != nil {
		return storage.InvalidLSN, err
	}

	rec := logrecord.Record{
		Kind:    logrecord.KindUpdatePage,
		TxID:    txID,
		PrevLSN: e.LastLSN,
		PageID:  page,
		Offset:  offset,
		Before:  before,
		After:   after,
	}
	lsn := m.lm.Append(rec)
	e.LastLSN = lsn
	e.TouchedPages[page] = struct{}{}
	m.dpt.InsertIfAbsent(page, lsn)
	return lsn, nil
}

// logAndFlush appends a page/partition lifecycle record and flushes the
// log through its LSN, because these operations land on disk immediately
// via the collaborator and so must already be recoverable when they return.
func (m *Manager) logAndFlush(rec logrecord.Record) (storage.LSN, error) {
	e, err := m.entry(rec.TxID)
	if err != nil {
		return storage.InvalidLSN, err
	}
	rec.PrevLSN = e.LastLSN
	lsn := m.lm.Append(rec)
	e.LastLSN = lsn
	if err := m.lm.FlushTo(lsn); err != nil {
		return storage.InvalidLSN, err
	}
	return lsn, nil
}

func (m *Manager) LogAllocPage(txID storage.TxID, page storage.PageID) (storage.LSN, error) {
	if m.dsm.GetPartNum(page) == storage.LogPartition {
		return -1, nil
	}
	return m.logAndFlush(logrecord.Record{Kind: logrecord.KindAllocPage, TxID: txID, PageID: page})
}

// LogFreePage additionally drops the page from the DPT: once freed, its
// on-disk state no longer needs to be recovered.
func (m *Manager) LogFreePage(txID storage.TxID, page storage.PageID) (storage.LSN, error) {
	if m.dsm.GetPartNum(page) == storage.LogPartition {
		return -1, nil
	}
	lsn, err := m.logAndFlush(logrecord.Record{Kind: logrecord.KindFreePage, TxID: txID, PageID: page})
	if err != nil {
		return storage.InvalidLSN, err
	}
	m.dpt.Remove(page)
	return lsn, nil
}

func (m *Manager) LogAllocPart(txID storage.TxID, part storage.PartID) (storage.LSN, error) {
	if part == storage.LogPartition {
		return -1, nil
	}
	return m.logAndFlush(logrecord.Record{Kind: logrecord.KindAllocPart, TxID: txID, PartID: part})
}

func (m *Manager) LogFreePart(txID storage.TxID, part storage.PartID) (storage.LSN, error) {
	if part == storage.LogPartition {
		return -1, nil
	}
	return m.logAndFlush(logrecord.Record{Kind: logrecord.KindFreePart, TxID: txID, PartID: part})
}

// Commit appends COMMIT_TXN and flushes the log to that LSN: after this
// returns, the commit record is durable.
func (m *Manager) Commit(txID storage.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.entry(txID)
	if err != nil {
		return err
	}
	if err := e.Handle.SetStatus(storage.StatusCommitting); err != nil {
		return err
	}
	rec := logrecord.Record{Kind: logrecord.KindCommit, TxID: txID, PrevLSN: e.LastLSN}
	lsn := m.lm.Append(rec)
	e.LastLSN = lsn
	return m.lm.FlushTo(lsn)
}

// Abort appends ABORT_TXN and sets status ABORTING. Rollback happens in
// End, not here.
func (m *Manager) Abort(txID storage.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.entry(txID)
	if err != nil {
		return err
	}
	if err := e.Handle.SetStatus(storage.StatusAborting); err != nil {
		return err
	}
	rec := logrecord.Record{Kind: logrecord.KindAbort, TxID: txID, PrevLSN: e.LastLSN}
	lsn := m.lm.Append(rec)
	e.LastLSN = lsn
	return nil
}

// End rolls back an aborting transaction in full, then removes its
// transaction-table entry, marks it COMPLETE, and appends END_TXN.
//
// Open question resolved per the design notes: the END record's prev_lsn
// is the transaction's pre-rollback last_lsn when the transaction was not
// aborting, not the LSN of the last CLR written during rollback. This must
// be preserved bit-for-bit for log replay to line up with the original.
func (m *Manager) End(txID storage.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.entry(txID)
	if err != nil {
		return err
	}

	preRollbackLastLSN := e.LastLSN
	endPrevLSN := preRollbackLastLSN

	if e.Handle.Status() == storage.StatusAborting {
		clrPrev, err := m.rollbackToLSN(e, storage.MasterLSN)
		if err != nil {
			return err
		}
		endPrevLSN = clrPrev
	}

	if err := e.Handle.SetStatus(storage.StatusComplete); err != nil {
		return err
	}
	rec := logrecord.Record{Kind: logrecord.KindEnd, TxID: txID, PrevLSN: endPrevLSN}
	m.lm.Append(rec)
	m.txTable.Remove(txID)
	return nil
}

// Savepoint records the transaction's current last_lsn under name,
// overwriting any prior entry with that name.
func (m *Manager) Savepoint(txID storage.TxID, name string) (storage.LSN, error) {
	e, err := m.entry(txID)
	if err != nil {
		return storage.InvalidLSN, err
	}
	e.Savepoints[name] = e.LastLSN
	return e.LastLSN, nil
}

func (m *Manager) ReleaseSavepoint(txID storage.TxID, name string) error {
	e, err := m.entry(txID)
	if err != nil {
		return err
	}
	delete(e.Savepoints, name)
	return nil
}

// RollbackToSavepoint undoes everything after the named savepoint, using
// it as the *exclusive* lower bound: an update logged immediately before
// the savepoint was taken is correctly left alone.
func (m *Manager) RollbackToSavepoint(txID storage.TxID, name string) error {
	e, err := m.entry(txID)
	if err != nil {
		return err
	}
	target, ok := e.Savepoints[name]
	if !ok {
		return fmt.Errorf("recovery: unknown savepoint %q for txn %d", name, txID)
	}
	_, err = m.rollbackToLSN(e, target)
	return err
}

// rollbackToLSN is the canonical partial-undo loop shared by End and
// RollbackToSavepoint. target is an exclusive lower bound: the loop stops
// as soon as current <= target. It returns the LSN of the last CLR
// appended (or the transaction's last_lsn unchanged if nothing was undone),
// used to chain a subsequent END_TXN record.
func (m *Manager) rollbackToLSN(e *txn.Entry, target storage.LSN) (storage.LSN, error) {
	if e.LastLSN == storage.InvalidLSN || e.LastLSN == 0 {
		return e.LastLSN, nil
	}

	lastRec, err := m.lm.Fetch(e.LastLSN)
	if err != nil {
		return storage.InvalidLSN, err
	}

	var current storage.LSN
	if undoNext, ok := lastRec.GetUndoNextLSN(); ok {
		current = undoNext
	} else {
		current = lastRec.LSN
	}

	clrPrev := e.LastLSN

	for current > target {
		rec, err := m.lm.Fetch(current)
		if err != nil {
			return storage.InvalidLSN, err
		}

		if rec.IsUndoable() {
			clr := rec.BuildCLR(clrPrev)
			lsn := m.lm.Append(clr)
			clrPrev = lsn
			if err := m.replay(clr); err != nil {
				return storage.InvalidLSN, err
			}
		}

		if undoNext, ok := rec.GetUndoNextLSN(); ok {
			current = undoNext
		} else if prev, ok := rec.GetPrevLSN(); ok {
			current = prev
		} else {
			break
		}
	}

	e.LastLSN = clrPrev
	return clrPrev, nil
}

// replay applies a redoable record's effect against the buffer manager (for
// page updates) or the disk space manager (for page and partition
// lifecycle records). It is used by rollback and by restart's undo pass to
// apply a freshly minted CLR, fetching and unpinning the page itself for
// page updates; redo does not go through it.
func (m *Manager) replay(rec logrecord.Record) error {
	if rec.Kind == logrecord.KindUpdatePage || rec.Kind == logrecord.KindUndoUpdatePage {
		p, err := m.bm.FetchPage(context.Background(), rec.PageID)
		if err != nil {
			return err
		}
		m.applyPageRecord(p, rec)
		m.bm.UnpinPage(rec.PageID, true)
		return nil
	}
	return m.replayNonPage(rec)
}

// applyPageRecord mutates an already-fetched, already-pinned page. Callers
// that already hold the page (redo's guard check) use this directly instead
// of going through replay, which would otherwise fetch it a second time.
func (m *Manager) applyPageRecord(p *storage.Page, rec logrecord.Record) {
	p.ApplyAt(rec.Offset, rec.After, rec.LSN)
	m.dpt.InsertIfAbsent(rec.PageID, rec.LSN)
}

func (m *Manager) replayNonPage(rec logrecord.Record) error {
	switch rec.Kind {
	case logrecord.KindAllocPage, logrecord.KindUndoFreePage:
		return m.dsm.AllocPage(rec.PageID)
	case logrecord.KindFreePage, logrecord.KindUndoAllocPage:
		if err := m.dsm.FreePage(rec.PageID); err != nil {
			return err
		}
		m.dpt.Remove(rec.PageID)
		return nil
	case logrecord.KindAllocPart, logrecord.KindUndoFreePart:
		return m.dsm.AllocPart(rec.PartID)
	case logrecord.KindFreePart, logrecord.KindUndoAllocPart:
		return m.dsm.FreePart(rec.PartID)
	default:
		return nil
	}
}

// Checkpoint takes a fuzzy checkpoint: BEGIN_CHECKPOINT, then one or more
// END_CHECKPOINT records streaming the DPT and transaction table, flushed
// through the last end record, followed by rewriting the master record.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID := uuid.New()

	beginLSN := m.lm.Append(logrecord.Record{Kind: logrecord.KindBeginCheckpoint, TxID: storage.NoTxID})
	log.Printf("checkpoint %s: begin_lsn=%s", runID, beginLSN)

	dptEntries := m.dpt.Snapshot()
	txnEntries := snapshotTxns(m.txTable.Snapshot())

	lastEndLSN := m.streamCheckpoint(dptEntries, txnEntries)

	if err := m.lm.FlushTo(lastEndLSN); err != nil {
		return err
	}
	if err := m.lm.RewriteMaster(beginLSN); err != nil {
		return err
	}
	log.Printf("checkpoint %s: complete, dpt_entries=%d txn_entries=%d", runID, len(dptEntries), len(txnEntries))
	return nil
}

func snapshotTxns(entries []*txn.Entry) []logrecord.TxnSnapshot {
	out := make([]logrecord.TxnSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, logrecord.TxnSnapshot{
			TxID:    e.Handle.ID(),
			Status:  e.Handle.Status(),
			LastLSN: e.LastLSN,
		})
	}
	return out
}

// streamCheckpoint emits END_CHECKPOINT records, rolling over to a new one
// whenever the next entry would overflow endCheckpointCapacity, and always
// emitting a final record even if it carries nothing.
func (m *Manager) streamCheckpoint(dpts []logrecord.DirtyPageSnapshot, txns []logrecord.TxnSnapshot) storage.LSN {
	var lastLSN storage.LSN
	di, ti := 0, 0

	for {
		var rec logrecord.Record
		rec.Kind = logrecord.KindEndCheckpoint
		rec.TxID = storage.NoTxID

		for len(rec.DPTSnapshot)+len(rec.TxnSnapshot) < endCheckpointCapacity && di < len(dpts) {
			rec.DPTSnapshot = append(rec.DPTSnapshot, dpts[di])
			di++
		}
		for len(rec.DPTSnapshot)+len(rec.TxnSnapshot) < endCheckpointCapacity && ti < len(txns) {
			rec.TxnSnapshot = append(rec.TxnSnapshot, txns[ti])
			ti++
		}

		lastLSN = m.lm.Append(rec)

		if di >= len(dpts) && ti >= len(txns) {
			return lastLSN
		}
	}
}

// PageFlushHook enforces write-ahead logging: the buffer manager must call
// this before writing a dirty page out, so the log is flushed to at least
// that page's LSN first.
func (m *Manager) PageFlushHook(pageLSN storage.LSN) error {
	return m.lm.FlushTo(pageLSN)
}

// DiskIOHook drops a page from the DPT once it has reached disk - but only
// once redo has completed, so that analysis/redo never lose DPT state they
// just reconstructed to an in-flight flush from before the crash.
func (m *Manager) DiskIOHook(page storage.PageID) {
	m.mu.Lock()
	complete := m.redoComplete
	m.mu.Unlock()
	if complete {
		m.dpt.Remove(page)
	}
}

// DirtyPage implements the forward-path dirty_page hook directly, for
// collaborators that dirty a page outside of LogPageWrite's bookkeeping.
func (m *Manager) DirtyPage(page storage.PageID, lsn storage.LSN) {
	m.dpt.DirtyPage(page, lsn)
}
