// Command ariesdb is a minimal demonstration harness for the recovery core
// and lock manager: it wires every collaborator together, runs restart
// against the on-disk log directory, runs one transaction through the
// forward path, and shuts down with a final checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/luigitni/ariesdb/buffer"
	"github.com/luigitni/ariesdb/diskmgr"
	"github.com/luigitni/ariesdb/lockmgr"
	"github.com/luigitni/ariesdb/recovery"
	"github.com/luigitni/ariesdb/storage"
	"github.com/luigitni/ariesdb/txn"
	"github.com/luigitni/ariesdb/wal"
)

func main() {
	dir := flag.String("dir", "./ariesdb-data", "log directory")
	capacity := flag.Int("buffer-capacity", 64, "buffer pool frame count")
	flag.Parse()

	if err := run(*dir, *capacity); err != nil {
		log.Fatalf("ariesdb: %v", err)
	}
}

func run(dir string, capacity int) error {
	lm, err := wal.Open(dir)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer lm.Close()

	dsm := diskmgr.New()
	bm := buffer.New(capacity)
	lkm := lockmgr.New()

	newTransaction := func(id storage.TxID) *txn.Handle {
		return txn.NewHandle(id)
	}

	rm := recovery.New(lm, dsm, newTransaction)
	rm.SetManagers(bm)
	bm.SetManagers(rm)

	if err := rm.Restart(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	const partID storage.PartID = 1
	const pageID storage.PageID = 7

	if err := dsm.AllocPart(partID); err != nil {
		return fmt.Errorf("alloc partition: %w", err)
	}
	dsm.Assign(pageID, partID)

	handle := newTransaction(1)
	rm.StartTransaction(handle)

	if _, err := rm.LogAllocPage(1, pageID); err != nil {
		return fmt.Errorf("alloc page: %w", err)
	}
	if err := lkm.Acquire(handle, lockmgr.Resource("database/1/7"), lockmgr.X); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}

	ctx := context.Background()
	page, err := bm.FetchPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("fetch page: %w", err)
	}
	before := page.Snapshot(0, 1)
	after := []byte{0x42}

	lsn, err := rm.LogPageWrite(1, pageID, 0, before, after)
	if err != nil {
		bm.UnpinPage(pageID, false)
		return fmt.Errorf("log page write: %w", err)
	}
	page.ApplyAt(0, after, lsn)
	rm.DirtyPage(pageID, lsn)
	bm.UnpinPage(pageID, true)

	if err := rm.Commit(1); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := rm.End(1); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if err := lkm.Release(handle, lockmgr.Resource("database/1/7")); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	log.Printf("committed transaction 1, last flushed lsn=%s", lm.FlushedLSN())
	return rm.Close()
}
