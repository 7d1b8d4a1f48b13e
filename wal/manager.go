// Package wal is the Log Manager collaborator: an append-only sequence of
// log records addressed by monotonically increasing LSN, plus the single
// master record at LSN 0. Byte layout is this package's own business (the
// recovery core only deals in logrecord.Record values); it serializes each
// record as one line of JSON and writes flushed lines to an O_DIRECT file
// in 4KiB-aligned blocks, so flush ordering survives a crash regardless of
// what the OS page cache happens to be holding onto.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/icza/backscanner"
	"github.com/ncw/directio"

	"github.com/luigitni/ariesdb/logrecord"
	"github.com/luigitni/ariesdb/storage"
)

const masterFileName = "master.dat"
const logFileName = "log.dat"

// Manager is the concrete Log Manager. Appended records live only in memory
// until FlushTo durably writes them; this is deliberate, since it is exactly
// what lets a crash-test discard a fresh Manager's unflushed tail and
// faithfully reopen only what made it to stable storage.
type Manager struct {
	mu  sync.Mutex
	dir string

	logFile *os.File

	records      []logrecord.Record // records[i] has LSN i+1
	flushedCount int                // records[:flushedCount] are durable
	writeOffset  int64              // next aligned write offset in logFile

	lastCheckpointLSN storage.LSN
}

// Open creates or reopens the log at dir. On reopen, only records that were
// durably flushed before the process last exited are recovered: this is the
// WAL's crash model.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating log directory: %w", err)
	}

	m := &Manager{dir: dir, lastCheckpointLSN: storage.MasterLSN}

	masterPath := filepath.Join(dir, masterFileName)
	if raw, err := os.ReadFile(masterPath); err == nil && len(raw) >= 8 {
		m.lastCheckpointLSN = storage.LSN(decodeInt64(raw))
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("wal: reading master record: %w", err)
	}

	logPath := filepath.Join(dir, logFileName)
	f, err := directio.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening log file: %w", err)
	}
	m.logFile = f

	if err := m.loadFlushedRecords(); err != nil {
		f.Close()
		return nil, err
	}

	return m, nil
}

// loadFlushedRecords rebuilds the in-memory record slice from whatever was
// durably written. It first uses backscanner to find the last well-formed
// line from the tail: a crash mid-flush can leave a torn, zero-padded
// partial line that a naive forward scan would choke on.
func (m *Manager) loadFlushedRecords() error {
	info, err := m.logFile.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat log file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	lastGoodEnd, err := findLastCompleteLineEnd(m.logFile, size)
	if err != nil {
		return err
	}

	buf := make([]byte, lastGoodEnd)
	if _, err := m.logFile.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("wal: reading flushed records: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.Trim(scanner.Bytes(), "\x00")
		if len(line) == 0 {
			continue
		}
		var rec logrecord.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("wal: corrupt log record: %w", err)
		}
		m.records = append(m.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("wal: scanning log file: %w", err)
	}
	m.flushedCount = len(m.records)
	m.writeOffset = alignUp(lastGoodEnd)
	return nil
}

// findLastCompleteLineEnd walks the file backward with backscanner looking
// for the last line that parses as a complete JSON record, and returns the
// byte offset one past its terminating newline. Anything after that offset
// is treated as a torn write left by a crash mid-flush and ignored.
func findLastCompleteLineEnd(f *os.File, size int64) (int64, error) {
	scanner := backscanner.New(f, int(size))
	for {
		line, pos, err := scanner.LineBytes()
		if err != nil {
			return 0, nil
		}
		trimmed := bytes.Trim(line, "\x00")
		if len(trimmed) == 0 {
			continue
		}
		var rec logrecord.Record
		if json.Unmarshal(trimmed, &rec) == nil {
			return int64(pos) + int64(len(line)) + 1, nil
		}
		// Torn line: keep scanning backward for the previous complete one.
		_ = pos
	}
}

// Append assigns the next LSN to rec and holds it in memory. It is not
// durable until FlushTo covers its LSN.
func (m *Manager) Append(rec logrecord.Record) storage.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	lsn := storage.LSN(len(m.records) + 1)
	rec.LSN = lsn
	m.records = append(m.records, rec)
	return lsn
}

// Fetch returns the record at lsn. LSN 0 (the master record) is not
// retrievable this way; use RewriteMaster's counterpart, LastCheckpointLSN.
func (m *Manager) Fetch(lsn storage.LSN) (logrecord.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(lsn) - 1
	if idx < 0 || idx >= len(m.records) {
		return logrecord.Record{}, fmt.Errorf("wal: no record at LSN %s", lsn)
	}
	return m.records[idx], nil
}

// ScanFrom returns a forward, non-restartable iterator starting at lsn
// (inclusive). It is a point-in-time snapshot of the records appended so
// far, consistent with the "lazy, forward-only, finite" scan the recovery
// passes expect.
func (m *Manager) ScanFrom(lsn storage.LSN) logrecord.Iterator {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := int(lsn) - 1
	if start < 0 {
		start = 0
	}
	if start > len(m.records) {
		start = len(m.records)
	}
	snapshot := make([]logrecord.Record, len(m.records)-start)
	copy(snapshot, m.records[start:])
	return &Iterator{records: snapshot}
}

// FlushTo makes every record up to and including lsn durable.
func (m *Manager) FlushTo(lsn storage.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushToLocked(lsn)
}

func (m *Manager) flushToLocked(lsn storage.LSN) error {
	target := int(lsn)
	if target <= m.flushedCount {
		return nil
	}
	if target > len(m.records) {
		target = len(m.records)
	}

	var buf bytes.Buffer
	for _, rec := range m.records[m.flushedCount:target] {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("wal: encoding record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	payload := buf.Bytes()
	aligned := directio.AlignedBlock(alignBlockSize(len(payload)))
	copy(aligned, payload)

	if _, err := m.logFile.WriteAt(aligned, m.writeOffset); err != nil {
		return fmt.Errorf("wal: writing log block: %w", err)
	}
	if err := m.logFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsyncing log file: %w", err)
	}

	m.writeOffset += int64(len(aligned))
	m.flushedCount = target
	return nil
}

// FlushedLSN returns the highest LSN guaranteed durable.
func (m *Manager) FlushedLSN() storage.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.LSN(m.flushedCount)
}

// RewriteMaster overwrites LSN 0 in place to point at the most recent
// completed checkpoint's begin record.
func (m *Manager) RewriteMaster(lastCheckpointLSN storage.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCheckpointLSN = lastCheckpointLSN
	raw := encodeInt64(int64(lastCheckpointLSN))
	path := filepath.Join(m.dir, masterFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("wal: writing master record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wal: installing master record: %w", err)
	}
	return nil
}

// LastCheckpointLSN returns the master record's single field.
func (m *Manager) LastCheckpointLSN() storage.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointLSN
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logFile.Close()
}

func alignBlockSize(n int) int {
	return int(alignUp(int64(n)))
}

func alignUp(n int64) int64 {
	const block = int64(directio.BlockSize)
	if n%block == 0 {
		return n
	}
	return (n/block + 1) * block
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}
