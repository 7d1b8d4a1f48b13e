package diskmgr_test

import (
	"testing"

	"github.com/luigitni/ariesdb/diskmgr"
	"github.com/luigitni/ariesdb/storage"
)

func TestUnknownPageReportsLogPartition(t *testing.T) {
	dsm := diskmgr.New()
	if got := dsm.GetPartNum(99); got != storage.LogPartition {
		t.Fatalf("expected unassigned page to report the log partition, got %d", got)
	}
}

func TestAllocPartRejectsLogPartition(t *testing.T) {
	dsm := diskmgr.New()
	if err := dsm.AllocPart(storage.LogPartition); err == nil {
		t.Fatal("expected allocating partition 0 to fail")
	}
}

func TestAllocAndFreePageTracksLiveness(t *testing.T) {
	dsm := diskmgr.New()
	if err := dsm.AllocPart(1); err != nil {
		t.Fatalf("alloc part: %v", err)
	}
	dsm.Assign(7, 1)

	if err := dsm.AllocPage(7); err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	if !dsm.IsLivePage(7) {
		t.Fatal("expected page 7 to be live after AllocPage")
	}
	if got := dsm.GetPartNum(7); got != 1 {
		t.Fatalf("expected page 7 to belong to partition 1, got %d", got)
	}

	if err := dsm.FreePage(7); err != nil {
		t.Fatalf("free page: %v", err)
	}
	if dsm.IsLivePage(7) {
		t.Fatal("expected page 7 to no longer be live after FreePage")
	}
}
