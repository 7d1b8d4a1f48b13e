package wal

import "github.com/luigitni/ariesdb/logrecord"

// Iterator is a forward-only, non-restartable, pull-based view over a
// snapshot of log records, bounded by the log's end at the moment the
// scan started.
type Iterator struct {
	records []logrecord.Record
	pos     int
}

func (it *Iterator) HasNext() bool {
	return it.pos < len(it.records)
}

func (it *Iterator) Next() logrecord.Record {
	rec := it.records[it.pos]
	it.pos++
	return rec
}

func (it *Iterator) Close() {
	it.records = nil
}
