// Package txn models the transaction identity and status the recovery core
// and the lock manager share. Everything beyond status and identity - the
// transaction object's own bookkeeping of cursors, scans, and so on - is a
// collaborator concern the core never touches.
package txn

import (
	"fmt"
	"sync"

	"github.com/luigitni/ariesdb/storage"
)

// Handle is a transaction's identity plus its mutable status. The recovery
// manager and lock manager both reference the same *Handle for a given
// transaction so that a status change made by one is visible to the other.
type Handle struct {
	id storage.TxID

	mu     sync.Mutex
	status storage.TxStatus

	// Blocking hooks the lock manager uses: PrepareBlock is called inside
	// the manager's critical section, Block/Unblock outside it.
	prepareBlock func()
	block        func()
	unblock      func()
	cleanup      func()
}

// Option configures the blocking/cleanup hooks a Handle exposes to the
// lock manager and recovery manager. Tests typically supply channel-backed
// hooks; production callers wire these to real goroutine parking.
type Option func(*Handle)

func WithBlockHooks(prepareBlock, block, unblock func()) Option {
	return func(h *Handle) {
		h.prepareBlock = prepareBlock
		h.block = block
		h.unblock = unblock
	}
}

func WithCleanup(cleanup func()) Option {
	return func(h *Handle) { h.cleanup = cleanup }
}

func NewHandle(id storage.TxID, opts ...Option) *Handle {
	h := &Handle{
		id:           id,
		status:       storage.StatusRunning,
		prepareBlock: func() {},
		block:        func() {},
		unblock:      func() {},
		cleanup:      func() {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) ID() storage.TxID { return h.id }

func (h *Handle) Status() storage.TxStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus enforces the legal transition table from the data model: any
// attempt to skip a state (e.g. RUNNING straight to COMPLETE without an
// intervening COMMITTING/ABORTING/RECOVERY_ABORTING) is a programming error.
func (h *Handle) SetStatus(s storage.TxStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !storage.CanTransition(h.status, s) {
		return fmt.Errorf("txn: illegal status transition %s -> %s for txn %d", h.status, s, h.id)
	}
	h.status = s
	return nil
}

// ForceStatus installs s directly, bypassing the legal-transition check.
// Only the analysis phase of restart should call this: it is
// reconstructing a transaction's status from the log, not transitioning a
// live transaction through the state machine, so the ordinary guard rails
// do not apply.
func (h *Handle) ForceStatus(s storage.TxStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

func (h *Handle) PrepareBlock() { h.prepareBlock() }
func (h *Handle) Block()        { h.block() }
func (h *Handle) Unblock()      { h.unblock() }
func (h *Handle) Cleanup()      { h.cleanup() }
