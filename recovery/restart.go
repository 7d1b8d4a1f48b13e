package recovery

import (
	"container/heap"
	"context"

	"github.com/luigitni/ariesdb/logrecord"
	"github.com/luigitni/ariesdb/storage"
	"github.com/luigitni/ariesdb/txn"
)

// Restart runs the full three-phase recovery protocol: analysis
// reconstructs the Transaction Table and DPT as of the crash, redo
// replays every logged effect from the DPT's minimum rec_lsn forward
// (idempotently, so it is safe even for effects already on disk), and
// undo rolls back every transaction that was active (or aborting) at
// crash time.
func (m *Manager) Restart() error {
	lastCheckpointLSN := m.lm.LastCheckpointLSN()

	if err := m.analysis(lastCheckpointLSN); err != nil {
		return err
	}
	if err := m.redo(); err != nil {
		return err
	}

	m.mu.Lock()
	m.redoComplete = true
	m.mu.Unlock()

	m.cleanDPT()

	if err := m.undo(); err != nil {
		return err
	}

	return m.Checkpoint()
}

// analysis scans forward from the last completed checkpoint's
// BEGIN_CHECKPOINT record, reconstructing the Transaction Table and DPT
// exactly as they stood at the moment of the crash.
func (m *Manager) analysis(lastCheckpointLSN storage.LSN) error {
	it := m.lm.ScanFrom(lastCheckpointLSN)
	ended := make(map[storage.TxID]bool)

	for it.HasNext() {
		rec := it.Next()

		if rec.TxID != storage.NoTxID && rec.Kind != logrecord.KindEnd {
			e := m.txTable.GetOrCreate(rec.TxID, m.newTransaction)
			if rec.LSN > e.LastLSN {
				e.LastLSN = rec.LSN
			}
		}

		switch rec.Kind {
		case logrecord.KindBeginCheckpoint:
			// No table state to reconstruct from a begin record alone.

		case logrecord.KindEndCheckpoint:
			for _, dpt := range rec.DPTSnapshot {
				m.dpt.Overwrite(dpt.PageID, dpt.RecLSN)
			}
			for _, tx := range rec.TxnSnapshot {
				if ended[tx.TxID] {
					continue
				}
				e := m.txTable.GetOrCreate(tx.TxID, m.newTransaction)
				if tx.LastLSN > e.LastLSN {
					e.LastLSN = tx.LastLSN
				}
				if e.Handle.Status() == storage.StatusRunning {
					switch tx.Status {
					case storage.StatusAborting:
						e.Handle.ForceStatus(storage.StatusRecoveryAborting)
					case storage.StatusCommitting:
						e.Handle.ForceStatus(storage.StatusCommitting)
					}
				}
			}

		case logrecord.KindUpdatePage, logrecord.KindUndoUpdatePage:
			m.dpt.InsertIfAbsent(rec.PageID, rec.LSN)

		case logrecord.KindFreePage, logrecord.KindUndoAllocPage:
			m.dpt.Remove(rec.PageID)

		case logrecord.KindAllocPage, logrecord.KindUndoFreePage:
			// No DPT action: these are always redone unconditionally
			// regardless of dirty-page tracking (see redo's own handling).

		case logrecord.KindCommit:
			if e, ok := m.txTable.Get(rec.TxID); ok {
				e.Handle.ForceStatus(storage.StatusCommitting)
			}

		case logrecord.KindAbort:
			if e, ok := m.txTable.Get(rec.TxID); ok {
				e.Handle.ForceStatus(storage.StatusRecoveryAborting)
			}

		case logrecord.KindEnd:
			if e, ok := m.txTable.Get(rec.TxID); ok {
				e.Handle.Cleanup()
				e.Handle.ForceStatus(storage.StatusComplete)
			}
			m.txTable.Remove(rec.TxID)
			ended[rec.TxID] = true
		}
	}

	// Every transaction still in the table after the scan was active (or
	// mid-commit) at crash time: a COMMITTING transaction whose END_TXN
	// never made it to the log is finished outright, and a RUNNING one is
	// switched onto the rollback path exactly as if it had just aborted.
	for _, e := range m.txTable.Snapshot() {
		switch e.Handle.Status() {
		case storage.StatusCommitting:
			e.Handle.Cleanup()
			e.Handle.ForceStatus(storage.StatusComplete)
			m.lm.Append(logrecord.Record{Kind: logrecord.KindEnd, TxID: e.Handle.ID(), PrevLSN: e.LastLSN})
			m.txTable.Remove(e.Handle.ID())

		case storage.StatusRunning:
			e.Handle.ForceStatus(storage.StatusRecoveryAborting)
			lsn := m.lm.Append(logrecord.Record{Kind: logrecord.KindAbort, TxID: e.Handle.ID(), PrevLSN: e.LastLSN})
			e.LastLSN = lsn
		}
	}

	return nil
}

// redo replays every redoable record from the DPT's minimum rec_lsn
// forward. Partition records and page allocations are always redone
// unconditionally; page-modifying records (updates, undo-updates, frees,
// undo-allocs) are gated on DPT membership and the idempotence check
// page_lsn < record.lsn, so a page whose on-disk LSN already covers the
// record's effect is left untouched.
func (m *Manager) redo() error {
	start, ok := m.dpt.Min()
	if !ok {
		return nil
	}

	it := m.lm.ScanFrom(start)
	for it.HasNext() {
		rec := it.Next()
		if !rec.IsRedoable() {
			continue
		}

		switch rec.Kind {
		case logrecord.KindAllocPart, logrecord.KindFreePart,
			logrecord.KindUndoAllocPart, logrecord.KindUndoFreePart:
			if err := m.replayNonPage(rec); err != nil {
				return err
			}

		case logrecord.KindAllocPage, logrecord.KindUndoFreePage:
			if err := m.dsm.AllocPage(rec.PageID); err != nil {
				return err
			}

		default: // UpdatePage, UndoUpdatePage, FreePage, UndoAllocPage
			recLSN, tracked := m.dpt.Get(rec.PageID)
			if !tracked || rec.LSN < recLSN {
				continue
			}
			p, err := m.bm.FetchPage(context.Background(), rec.PageID)
			if err != nil {
				return err
			}
			if p.PageLSN >= rec.LSN {
				m.bm.UnpinPage(rec.PageID, false)
				continue
			}
			switch rec.Kind {
			case logrecord.KindUpdatePage, logrecord.KindUndoUpdatePage:
				m.applyPageRecord(p, rec)
			case logrecord.KindFreePage, logrecord.KindUndoAllocPage:
				if err := m.dsm.FreePage(rec.PageID); err != nil {
					m.bm.UnpinPage(rec.PageID, false)
					return err
				}
				m.dpt.Remove(rec.PageID)
				p.SetLSN(rec.LSN)
			}
			m.bm.UnpinPage(rec.PageID, true)
		}
	}
	return nil
}

// cleanDPT purges DPT entries for pages the buffer manager no longer
// considers dirty: analysis is conservative and can retain phantom entries
// for pages that redo already caught up to, or that were never actually
// dirtied in this buffer pool incarnation.
func (m *Manager) cleanDPT() {
	dirty := make(map[storage.PageID]bool)
	m.bm.IterPageNums(func(id storage.PageID, isDirty bool) {
		if isDirty {
			dirty[id] = true
		}
	})
	m.dpt.RetainOnly(func(page storage.PageID) bool {
		return dirty[page]
	})
}

// undoItem orders RECOVERY_ABORTING transactions by cursor, descending, so
// the ARIES undo pass always processes the log record with the largest LSN
// across every transaction still needing rollback. cursor is the next LSN
// to fetch in the undo chain - distinct from entry.LastLSN, which is the
// transaction's true last-written LSN (only advanced when a CLR is
// appended) and which the terminal END_TXN chains to.
type undoItem struct {
	entry  *txn.Entry
	cursor storage.LSN
}

type undoQueue []undoItem

func (q undoQueue) Len() int            { return len(q) }
func (q undoQueue) Less(i, j int) bool  { return q[i].cursor > q[j].cursor }
func (q undoQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *undoQueue) Push(x interface{}) { *q = append(*q, x.(undoItem)) }
func (q *undoQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// undo rolls every RECOVERY_ABORTING transaction back to the start of the
// log, one CLR at a time, always choosing the globally largest pending
// cursor next - this is what lets undo correctly interleave the rollback
// of several transactions whose updates are themselves interleaved in the
// log.
func (m *Manager) undo() error {
	q := &undoQueue{}
	heap.Init(q)

	for _, e := range m.txTable.Snapshot() {
		if e.Handle.Status() == storage.StatusRecoveryAborting && e.LastLSN > 0 {
			heap.Push(q, undoItem{entry: e, cursor: e.LastLSN})
		}
	}

	for q.Len() > 0 {
		item := heap.Pop(q).(undoItem)
		e := item.entry
		cursor := item.cursor

		if cursor <= storage.MasterLSN {
			if err := m.finishRecoveredAbort(e); err != nil {
				return err
			}
			continue
		}

		rec, err := m.lm.Fetch(cursor)
		if err != nil {
			return err
		}

		var next storage.LSN
		if rec.IsUndoable() {
			clr := rec.BuildCLR(e.LastLSN)
			lsn := m.lm.Append(clr)
			if err := m.replay(clr); err != nil {
				return err
			}
			e.LastLSN = lsn
			if undoNext, ok := clr.GetUndoNextLSN(); ok {
				next = undoNext
			} else {
				next = rec.PrevLSN
			}
		} else if undoNext, ok := rec.GetUndoNextLSN(); ok {
			next = undoNext
		} else if prev, ok := rec.GetPrevLSN(); ok {
			next = prev
		} else {
			next = storage.MasterLSN
		}

		if next <= storage.MasterLSN {
			if err := m.finishRecoveredAbort(e); err != nil {
				return err
			}
			continue
		}
		heap.Push(q, undoItem{entry: e, cursor: next})
	}

	return nil
}

// finishRecoveredAbort appends the terminal END_TXN for a transaction that
// undo has fully rolled back, and removes it from the Transaction Table.
func (m *Manager) finishRecoveredAbort(e *txn.Entry) error {
	if err := e.Handle.SetStatus(storage.StatusComplete); err != nil {
		return err
	}
	m.lm.Append(logrecord.Record{Kind: logrecord.KindEnd, TxID: e.Handle.ID(), PrevLSN: e.LastLSN})
	m.txTable.Remove(e.Handle.ID())
	return nil
}
