// Package lockmgr implements a multi-granularity lock manager: resources
// form a hierarchy (database -> partition -> page, in this engine), and a
// transaction may hold intention locks on an ancestor to signal a finer
// lock held somewhere beneath it. The manager itself is a single monitor:
// every mutator runs inside one critical section, generalized from two
// lock types (S/X) to the full NL/IS/IX/S/SIX/X lattice and from a single
// resource keyspace to hierarchical resource names with FIFO per-resource
// wait queues.
package lockmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luigitni/ariesdb/storage"
)

// Resource is a hierarchical resource name, e.g. "database",
// "database/7" (partition 7), "database/7/42" (page 42 of partition 7).
type Resource string

// Root is the coarsest resource: the whole database.
const Root Resource = "database"

// LockType is one node of the multi-granularity lock lattice.
type LockType int

const (
	NL LockType = iota
	IS
	IX
	S
	SIX
	X
)

func (t LockType) String() string {
	switch t {
	case NL:
		return "NL"
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrDuplicateLockRequest = errors.New("lockmgr: transaction already holds a lock on this resource")
	ErrNoLockHeld           = errors.New("lockmgr: transaction holds no lock on this resource")
	ErrInvalidLock          = errors.New("lockmgr: invalid lock type for this operation")
)

// compatible[a][b] reports whether a lock of type a held by one transaction
// is compatible with a concurrently-held lock of type b held by another.
var compatible = [6][6]bool{
	NL:  {true, true, true, true, true, true},
	IS:  {true, true, true, true, true, false},
	IX:  {true, true, true, false, false, false},
	S:   {true, true, false, true, false, false},
	SIX: {true, true, false, false, false, false},
	X:   {true, false, false, false, false, false},
}

// Compatible reports whether a and b may be held simultaneously on the same
// resource by two different transactions.
func Compatible(a, b LockType) bool {
	return compatible[a][b]
}

// substitutes[held][requested] reports whether a transaction already
// holding `held` on a resource satisfies a request for `requested`,
// without needing to wait - the basis for lock promotion.
var substitutes = [6][6]bool{
	NL:  {true, false, false, false, false, false},
	IS:  {true, true, false, false, false, false},
	IX:  {true, true, true, false, false, false},
	S:   {true, true, false, true, false, false},
	SIX: {true, true, true, true, true, false},
	X:   {true, true, true, true, true, true},
}

// Substitutes reports whether held already satisfies a request for
// requested, i.e. requested is the same or weaker than held.
func Substitutes(held, requested LockType) bool {
	return substitutes[held][requested]
}

// blocker abstracts the transaction-side hooks a lock request blocks
// through: PrepareBlock runs inside the manager's critical section (it
// must not block), Block and Unblock run outside it.
type blocker interface {
	ID() storage.TxID
	PrepareBlock()
	Block()
	Unblock()
}

type request struct {
	txn     blocker
	lock    LockType
	granted bool
}

type resourceState struct {
	holders map[storage.TxID]LockType
	queue   []*request
}

func newResourceState() *resourceState {
	return &resourceState{holders: make(map[storage.TxID]LockType)}
}

// txnLocks tracks one transaction's held locks in acquisition order (I4):
// promotion updates a resource's type in place and never moves it, so the
// order a transaction's locks were first acquired in is always recoverable.
type txnLocks struct {
	order []Resource
	types map[Resource]LockType
}

func newTxnLocks() *txnLocks {
	return &txnLocks{types: make(map[Resource]LockType)}
}

func (l *txnLocks) set(res Resource, lock LockType) {
	if _, ok := l.types[res]; !ok {
		l.order = append(l.order, res)
	}
	l.types[res] = lock
}

func (l *txnLocks) remove(res Resource) {
	if _, ok := l.types[res]; !ok {
		return
	}
	delete(l.types, res)
	for i, r := range l.order {
		if r == res {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Manager is the multi-granularity lock manager. All bookkeeping mutation
// happens under mu; Block/Unblock are always called with mu released, so
// that a parked goroutine never holds the monitor.
type Manager struct {
	mu        sync.Mutex
	resources map[Resource]*resourceState
	byTxn     map[storage.TxID]*txnLocks
}

func New() *Manager {
	return &Manager{
		resources: make(map[Resource]*resourceState),
		byTxn:     make(map[storage.TxID]*txnLocks),
	}
}

func (m *Manager) stateFor(res Resource) *resourceState {
	s, ok := m.resources[res]
	if !ok {
		s = newResourceState()
		m.resources[res] = s
	}
	return s
}

// grantable reports whether req can be granted given every other currently
// granted holder on res, ignoring req's own transaction (a transaction is
// never incompatible with its own held lock - that case is promotion).
func grantable(s *resourceState, txID storage.TxID, lock LockType) bool {
	for holderID, holderType := range s.holders {
		if holderID == txID {
			continue
		}
		if !Compatible(lock, holderType) {
			return false
		}
	}
	return true
}

// Acquire blocks until lock is granted on res for txn, or returns
// ErrDuplicateLockRequest if txn already holds a lock there (use Promote
// instead).
func (m *Manager) Acquire(txn blocker, res Resource, lock LockType) error {
	return m.acquire(txn, res, lock, false)
}

func (m *Manager) acquire(txn blocker, res Resource, lock LockType, front bool) error {
	txID := txn.ID()

	m.mu.Lock()
	if locks, ok := m.byTxn[txID]; ok {
		if held, ok := locks.types[res]; ok {
			m.mu.Unlock()
			if held == lock {
				return fmt.Errorf("%w: resource %s", ErrDuplicateLockRequest, res)
			}
			return fmt.Errorf("%w: resource %s (use Promote)", ErrDuplicateLockRequest, res)
		}
	}

	s := m.stateFor(res)
	req := &request{txn: txn, lock: lock}
	if front {
		s.queue = append([]*request{req}, s.queue...)
	} else {
		s.queue = append(s.queue, req)
	}

	for {
		if s.queue[0] == req && grantable(s, txID, lock) {
			break
		}
		txn.PrepareBlock()
		m.mu.Unlock()
		txn.Block()
		m.mu.Lock()
	}

	req.granted = true
	s.queue = s.queue[1:]
	s.holders[txID] = lock
	m.recordHeld(txID, res, lock)
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordHeld(txID storage.TxID, res Resource, lock LockType) {
	locks, ok := m.byTxn[txID]
	if !ok {
		locks = newTxnLocks()
		m.byTxn[txID] = locks
	}
	locks.set(res, lock)
}

// releaseHeld removes res from txID's held-lock bookkeeping, pruning the
// per-transaction entry entirely once it holds nothing.
func (m *Manager) releaseHeld(txID storage.TxID, res Resource) {
	locks, ok := m.byTxn[txID]
	if !ok {
		return
	}
	locks.remove(res)
	if len(locks.order) == 0 {
		delete(m.byTxn, txID)
	}
}

// heldType returns the lock txID currently holds on res, if any.
func (m *Manager) heldType(txID storage.TxID, res Resource) (LockType, bool) {
	locks, ok := m.byTxn[txID]
	if !ok {
		return NL, false
	}
	lt, ok := locks.types[res]
	return lt, ok
}

// Release drops txn's lock on res and wakes every now-grantable request at
// the front of the queue, stopping at the first request that still isn't
// grantable (FIFO: a later, weaker request must not jump an earlier one).
func (m *Manager) Release(txn blocker, res Resource) error {
	txID := txn.ID()

	m.mu.Lock()
	if _, ok := m.heldType(txID, res); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: resource %s", ErrNoLockHeld, res)
	}

	s := m.stateFor(res)
	delete(s.holders, txID)
	m.releaseHeld(txID, res)

	woken := m.wakeQueue(s)
	m.mu.Unlock()

	for _, w := range woken {
		w.Unblock()
	}
	return nil
}

// wakeQueue must be called with mu held. It does not grant locks itself
// (the blocked acquire loop re-checks and grants under its own lock
// acquisition); it only identifies which parked transactions to wake.
func (m *Manager) wakeQueue(s *resourceState) []blocker {
	var woken []blocker
	for _, req := range s.queue {
		if req.granted {
			continue
		}
		if !grantable(s, req.txn.ID(), req.lock) {
			break
		}
		woken = append(woken, req.txn)
	}
	return woken
}

// Promote upgrades txn's existing lock on res to a stronger lock, blocking
// if the stronger lock is not yet compatible with other holders. It
// enqueues at the front of the wait queue, since a transaction already
// holding a weaker lock should not be starved behind later arrivals.
func (m *Manager) Promote(txn blocker, res Resource, lock LockType) error {
	txID := txn.ID()

	m.mu.Lock()
	held, ok := m.heldType(txID, res)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: resource %s", ErrNoLockHeld, res)
	}
	if held == lock {
		m.mu.Unlock()
		return nil
	}
	if !Substitutes(lock, held) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s does not dominate %s", ErrInvalidLock, lock, held)
	}

	s := m.stateFor(res)
	req := &request{txn: txn, lock: lock}
	s.queue = append([]*request{req}, s.queue...)

	for {
		if s.queue[0] == req && grantable(s, txID, lock) {
			break
		}
		txn.PrepareBlock()
		m.mu.Unlock()
		txn.Block()
		m.mu.Lock()
	}

	req.granted = true
	s.queue = s.queue[1:]
	s.holders[txID] = lock
	m.recordHeld(txID, res, lock)
	m.mu.Unlock()
	return nil
}

// AcquireAndRelease atomically acquires lock on acquireRes and releases
// every resource in releaseList, as one indivisible step - used by the
// canonical pattern of upgrading to a page's X lock while dropping its IX
// ancestor lock without ever exposing a window where neither is held.
// acquireRes may itself appear in releaseList: that is the ordinary
// "replace my own weaker lock" upgrade, and is not a duplicate request.
func (m *Manager) AcquireAndRelease(txn blocker, acquireRes Resource, lock LockType, releaseList []Resource) error {
	txID := txn.ID()

	m.mu.Lock()

	releasingAcquireRes := false
	for _, res := range releaseList {
		if _, ok := m.heldType(txID, res); !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: resource %s", ErrNoLockHeld, res)
		}
		if res == acquireRes {
			releasingAcquireRes = true
		}
	}
	if _, ok := m.heldType(txID, acquireRes); ok && !releasingAcquireRes {
		m.mu.Unlock()
		return fmt.Errorf("%w: resource %s", ErrDuplicateLockRequest, acquireRes)
	}

	s := m.stateFor(acquireRes)
	req := &request{txn: txn, lock: lock}
	s.queue = append([]*request{req}, s.queue...)

	for {
		if s.queue[0] == req && grantable(s, txID, lock) {
			break
		}
		txn.PrepareBlock()
		m.mu.Unlock()
		txn.Block()
		m.mu.Lock()
	}

	req.granted = true
	s.queue = s.queue[1:]
	s.holders[txID] = lock
	m.recordHeld(txID, acquireRes, lock)

	var woken []blocker
	for _, res := range releaseList {
		if res == acquireRes {
			continue
		}
		rs := m.stateFor(res)
		delete(rs.holders, txID)
		m.releaseHeld(txID, res)
		woken = append(woken, m.wakeQueue(rs)...)
	}
	m.mu.Unlock()

	for _, w := range woken {
		w.Unblock()
	}
	return nil
}

// GetLockType returns the strongest lock currently granted on res, or NL
// if none is held by anyone.
func (m *Manager) GetLockType(res Resource) LockType {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.resources[res]
	if !ok {
		return NL
	}
	max := NL
	for _, lt := range s.holders {
		if lt > max {
			max = lt
		}
	}
	return max
}

// GetLocks returns every (transaction, lock type) pair currently granted
// on res.
func (m *Manager) GetLocks(res Resource) map[storage.TxID]LockType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[storage.TxID]LockType)
	s, ok := m.resources[res]
	if !ok {
		return out
	}
	for id, lt := range s.holders {
		out[id] = lt
	}
	return out
}

// GetLocksByTxn returns every resource txn holds a lock on, and its type.
func (m *Manager) GetLocksByTxn(txID storage.TxID) map[Resource]LockType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Resource]LockType)
	locks, ok := m.byTxn[txID]
	if !ok {
		return out
	}
	for res, lt := range locks.types {
		out[res] = lt
	}
	return out
}

// LockOrder returns the resources txn holds locks on in acquisition order
// (I4): promotion updates a resource's type in place and never changes its
// position, so this order is stable across promotions.
func (m *Manager) LockOrder(txID storage.TxID) []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	locks, ok := m.byTxn[txID]
	if !ok {
		return nil
	}
	out := make([]Resource, len(locks.order))
	copy(out, locks.order)
	return out
}
