package recovery_test

import (
	"context"
	"path/filepath"
	"testing"

	copydir "github.com/otiai10/copy"

	"github.com/luigitni/ariesdb/buffer"
	"github.com/luigitni/ariesdb/diskmgr"
	"github.com/luigitni/ariesdb/logrecord"
	"github.com/luigitni/ariesdb/recovery"
	"github.com/luigitni/ariesdb/txn"
	"github.com/luigitni/ariesdb/wal"
)

// TestCrashMidRollbackRestart covers a crash mid-rollback: a transaction writes page 7
// twice, aborts, and the log captures exactly one CLR before the process
// is taken down. Restart must classify it RECOVERY_ABORTING, emit the
// second CLR during undo, and leave page 7 back at its original content.
func TestCrashMidRollbackRestart(t *testing.T) {
	dir := t.TempDir()

	lm, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	dsm := diskmgr.New()
	bm := buffer.New(16)
	rm := recovery.New(lm, dsm, txn.NewHandle)
	rm.SetManagers(bm)
	bm.SetManagers(rm)

	if err := dsm.AllocPart(1); err != nil {
		t.Fatalf("alloc part: %v", err)
	}
	dsm.Assign(7, 1)

	h := txn.NewHandle(1)
	rm.StartTransaction(h)

	ctx := context.Background()
	page, err := bm.FetchPage(ctx, 7)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}

	l1, err := rm.LogPageWrite(1, 7, 0, []byte{0x00}, []byte{0x42})
	if err != nil {
		t.Fatalf("write 1: %v", err)
	}
	page.ApplyAt(0, []byte{0x42}, l1)

	l2, err := rm.LogPageWrite(1, 7, 0, []byte{0x42}, []byte{0x55})
	if err != nil {
		t.Fatalf("write 2: %v", err)
	}
	page.ApplyAt(0, []byte{0x55}, l2)
	bm.UnpinPage(7, true)

	if err := rm.Abort(1); err != nil {
		t.Fatalf("abort: %v", err)
	}

	// Manually perform exactly one step of rollback, the way a crash mid-
	// rollback would leave the log: undo only the second write.
	secondWrite, err := lm.Fetch(l2)
	if err != nil {
		t.Fatalf("fetch second write: %v", err)
	}
	clr1 := secondWrite.BuildCLR(l2 + 1)
	clr1LSN := lm.Append(clr1)
	if err := lm.FlushTo(clr1LSN); err != nil {
		t.Fatalf("flush clr1: %v", err)
	}

	snapshot := filepath.Join(t.TempDir(), "crash-snapshot")
	if err := copydir.Copy(dir, snapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	lm.Close()

	// Fresh session against the snapshot: everything in-memory (buffer
	// pool, DPT, transaction table) is gone, exactly as after a crash.
	lm2, err := wal.Open(snapshot)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer lm2.Close()
	dsm2 := diskmgr.New()
	bm2 := buffer.New(16)
	rm2 := recovery.New(lm2, dsm2, txn.NewHandle)
	rm2.SetManagers(bm2)
	bm2.SetManagers(rm2)

	if err := rm2.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	page2, err := bm2.FetchPage(ctx, 7)
	if err != nil {
		t.Fatalf("fetch page after restart: %v", err)
	}
	if got := page2.Snapshot(0, 1); got[0] != 0x00 {
		t.Fatalf("expected page restored to 0x00 after restart, got %#x", got[0])
	}
	bm2.UnpinPage(7, false)

	clr2LSN := clr1LSN + 1
	clr2, err := lm2.Fetch(clr2LSN)
	if err != nil || clr2.Kind != logrecord.KindUndoUpdatePage {
		t.Fatalf("expected a second CLR appended during undo, got %+v, err %v", clr2, err)
	}

	endRec, err := lm2.Fetch(clr2LSN + 1)
	if err != nil {
		t.Fatalf("fetch end record: %v", err)
	}
	if endRec.Kind != logrecord.KindEnd || endRec.PrevLSN != clr2LSN {
		t.Fatalf("expected restart's end record to chain to the second clr %s, got %+v", clr2LSN, endRec)
	}
}

// TestRedoIsIdempotentAcrossRepeatedRestart covers P2 (redo idempotence):
// running the whole recovery protocol a second time over a log and DPT
// state redo has already fully caught up to must leave page content and
// page_lsn unchanged, since redo's page_lsn < record.lsn guard must skip
// every record it already applied.
func TestRedoIsIdempotentAcrossRepeatedRestart(t *testing.T) {
	dir := t.TempDir()

	lm, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	dsm := diskmgr.New()
	bm := buffer.New(16)
	rm := recovery.New(lm, dsm, txn.NewHandle)
	rm.SetManagers(bm)
	bm.SetManagers(rm)

	if err := dsm.AllocPart(1); err != nil {
		t.Fatalf("alloc part: %v", err)
	}
	dsm.Assign(7, 1)

	h := txn.NewHandle(1)
	rm.StartTransaction(h)

	ctx := context.Background()
	page, err := bm.FetchPage(ctx, 7)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	l1, err := rm.LogPageWrite(1, 7, 0, []byte{0x00}, []byte{0x42})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	page.ApplyAt(0, []byte{0x42}, l1)
	bm.UnpinPage(7, true)

	if err := rm.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Crash before End: the page write never made it to stable storage, so
	// a fresh process must redo it from the log.
	snapshot := filepath.Join(t.TempDir(), "crash-snapshot")
	if err := copydir.Copy(dir, snapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	lm.Close()

	lm2, err := wal.Open(snapshot)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer lm2.Close()
	dsm2 := diskmgr.New()
	bm2 := buffer.New(16)
	rm2 := recovery.New(lm2, dsm2, txn.NewHandle)
	rm2.SetManagers(bm2)
	bm2.SetManagers(rm2)

	if err := rm2.Restart(); err != nil {
		t.Fatalf("first restart: %v", err)
	}

	page2, err := bm2.FetchPage(ctx, 7)
	if err != nil {
		t.Fatalf("fetch page after first restart: %v", err)
	}
	if got := page2.Snapshot(0, 1); got[0] != 0x42 {
		t.Fatalf("expected page redone to 0x42, got %#x", got[0])
	}
	firstPageLSN := page2.PageLSN
	bm2.UnpinPage(7, false)

	// Run the whole protocol again over the same already-redone state: the
	// DPT the second restart's analysis reconstructs still points at the
	// same rec_lsn, so redo walks the same records a second time and must
	// recognize every one of them as already applied.
	if err := rm2.Restart(); err != nil {
		t.Fatalf("second restart: %v", err)
	}

	page3, err := bm2.FetchPage(ctx, 7)
	if err != nil {
		t.Fatalf("fetch page after second restart: %v", err)
	}
	defer bm2.UnpinPage(7, false)
	if got := page3.Snapshot(0, 1); got[0] != 0x42 {
		t.Fatalf("expected page to remain 0x42 after redundant redo, got %#x", got[0])
	}
	if page3.PageLSN != firstPageLSN {
		t.Fatalf("expected page_lsn unchanged by redundant redo (%s), got %s", firstPageLSN, page3.PageLSN)
	}
}

// TestCheckpointDuringLiveTransactions covers a checkpoint taken
// while a transaction is still running captures the DPT and transaction
// table, and a subsequent restart's analysis reproduces the same state
// starting from the checkpoint's begin record. The transaction is known to
// the restart only through the checkpoint, and since it was still running
// at the crash, restart's undo rolls its write back to the original 0x00.
func TestCheckpointDuringLiveTransactions(t *testing.T) {
	dir := t.TempDir()

	lm, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	dsm := diskmgr.New()
	bm := buffer.New(16)
	rm := recovery.New(lm, dsm, txn.NewHandle)
	rm.SetManagers(bm)
	bm.SetManagers(rm)

	if err := dsm.AllocPart(1); err != nil {
		t.Fatalf("alloc part: %v", err)
	}
	dsm.Assign(1, 1)

	h := txn.NewHandle(1)
	rm.StartTransaction(h)

	ctx := context.Background()
	page, err := bm.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	l1, err := rm.LogPageWrite(1, 1, 0, []byte{0x00}, []byte{0x99})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	page.ApplyAt(0, []byte{0x99}, l1)
	bm.UnpinPage(1, true)

	if err := rm.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	beginLSN := lm.LastCheckpointLSN()
	beginRec, err := lm.Fetch(beginLSN)
	if err != nil || beginRec.Kind != logrecord.KindBeginCheckpoint {
		t.Fatalf("expected begin checkpoint at master lsn, got %+v, err %v", beginRec, err)
	}

	snapshot := filepath.Join(t.TempDir(), "crash-snapshot")
	if err := copydir.Copy(dir, snapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	lm.Close()

	lm2, err := wal.Open(snapshot)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer lm2.Close()
	dsm2 := diskmgr.New()
	bm2 := buffer.New(16)
	rm2 := recovery.New(lm2, dsm2, txn.NewHandle)
	rm2.SetManagers(bm2)
	bm2.SetManagers(rm2)

	if got := lm2.LastCheckpointLSN(); got != beginLSN {
		t.Fatalf("expected recovered master to point at %s, got %s", beginLSN, got)
	}

	if err := rm2.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	page2, err := bm2.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("fetch page after restart: %v", err)
	}
	defer bm2.UnpinPage(1, false)
	if got := page2.Snapshot(0, 1); got[0] != 0x00 {
		t.Fatalf("expected the uncommitted write undone to 0x00, got %#x", got[0])
	}
}
