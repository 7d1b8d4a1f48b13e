package recovery

import (
	"context"

	"github.com/luigitni/ariesdb/logrecord"
	"github.com/luigitni/ariesdb/storage"
)

// LogManager is the collaborator interface consumed from package wal.
type LogManager interface {
	Append(rec logrecord.Record) storage.LSN
	Fetch(lsn storage.LSN) (logrecord.Record, error)
	ScanFrom(lsn storage.LSN) logrecord.Iterator
	FlushTo(lsn storage.LSN) error
	RewriteMaster(lastCheckpointLSN storage.LSN) error
	FlushedLSN() storage.LSN
	LastCheckpointLSN() storage.LSN
	Close() error
}

// BufferManager is the collaborator interface consumed from package buffer.
type BufferManager interface {
	FetchPage(ctx context.Context, id storage.PageID) (*storage.Page, error)
	UnpinPage(id storage.PageID, dirty bool)
	IterPageNums(fn func(id storage.PageID, dirty bool))
}

// DiskSpaceManager is the collaborator interface consumed from package
// diskmgr.
type DiskSpaceManager interface {
	GetPartNum(page storage.PageID) storage.PartID
	AllocPage(page storage.PageID) error
	FreePage(page storage.PageID) error
	AllocPart(part storage.PartID) error
	FreePart(part storage.PartID) error
}
