package buffer_test

import (
	"context"
	"testing"

	"github.com/luigitni/ariesdb/buffer"
	"github.com/luigitni/ariesdb/storage"
)

type fakeHooks struct {
	flushed   []storage.LSN
	diskIOed  []storage.PageID
	flushErr  error
}

func (f *fakeHooks) PageFlushHook(lsn storage.LSN) error {
	f.flushed = append(f.flushed, lsn)
	return f.flushErr
}

func (f *fakeHooks) DiskIOHook(id storage.PageID) {
	f.diskIOed = append(f.diskIOed, id)
}

func TestFetchPageCreatesOnFirstAccess(t *testing.T) {
	bm := buffer.New(4)
	p, err := bm.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if p.ID != 1 {
		t.Fatalf("expected page id 1, got %d", p.ID)
	}
	if p.PageLSN != storage.InvalidLSN {
		t.Fatalf("expected a fresh page to have no lsn, got %s", p.PageLSN)
	}
	bm.UnpinPage(1, false)
}

func TestFlushPageCallsBothHooks(t *testing.T) {
	bm := buffer.New(4)
	hooks := &fakeHooks{}
	bm.SetManagers(hooks)

	ctx := context.Background()
	p, err := bm.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	p.ApplyAt(0, []byte{0x42}, 5)
	bm.UnpinPage(1, true)

	if err := bm.FlushPage(1); err != nil {
		t.Fatalf("flush page: %v", err)
	}

	if len(hooks.flushed) != 1 || hooks.flushed[0] != 5 {
		t.Fatalf("expected page_flush_hook called with lsn 5, got %v", hooks.flushed)
	}
	if len(hooks.diskIOed) != 1 || hooks.diskIOed[0] != 1 {
		t.Fatalf("expected disk_io_hook called with page 1, got %v", hooks.diskIOed)
	}
}

func TestIterPageNumsReportsDirtyBit(t *testing.T) {
	bm := buffer.New(4)
	ctx := context.Background()

	if _, err := bm.FetchPage(ctx, 1); err != nil {
		t.Fatalf("fetch page 1: %v", err)
	}
	bm.UnpinPage(1, true)

	if _, err := bm.FetchPage(ctx, 2); err != nil {
		t.Fatalf("fetch page 2: %v", err)
	}
	bm.UnpinPage(2, false)

	dirtyOf := map[storage.PageID]bool{}
	bm.IterPageNums(func(id storage.PageID, dirty bool) {
		dirtyOf[id] = dirty
	})

	if !dirtyOf[1] {
		t.Fatal("expected page 1 to be reported dirty")
	}
	if dirtyOf[2] {
		t.Fatal("expected page 2 to be reported clean")
	}
}

func TestFlushAllClearsDirtyBit(t *testing.T) {
	bm := buffer.New(4)
	hooks := &fakeHooks{}
	bm.SetManagers(hooks)
	ctx := context.Background()

	if _, err := bm.FetchPage(ctx, 1); err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	bm.UnpinPage(1, true)

	if err := bm.FlushAll(); err != nil {
		t.Fatalf("flush all: %v", err)
	}

	var sawDirty bool
	bm.IterPageNums(func(id storage.PageID, dirty bool) {
		if id == 1 && dirty {
			sawDirty = true
		}
	})
	if sawDirty {
		t.Fatal("expected page 1 to be clean after FlushAll")
	}
}
