package txn_test

import (
	"testing"

	"github.com/luigitni/ariesdb/storage"
	"github.com/luigitni/ariesdb/txn"
)

func TestLegalTransitionsSucceed(t *testing.T) {
	cases := []struct {
		name string
		path []storage.TxStatus
	}{
		{"commit", []storage.TxStatus{storage.StatusCommitting, storage.StatusComplete}},
		{"abort", []storage.TxStatus{storage.StatusAborting, storage.StatusComplete}},
		{"recovery abort", []storage.TxStatus{storage.StatusRecoveryAborting, storage.StatusComplete}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := txn.NewHandle(1)
			for _, s := range c.path {
				if err := h.SetStatus(s); err != nil {
					t.Fatalf("transition to %s: %v", s, err)
				}
			}
			if got := h.Status(); got != storage.StatusComplete {
				t.Fatalf("expected final status COMPLETE, got %s", got)
			}
		})
	}
}

func TestIllegalTransitionFails(t *testing.T) {
	h := txn.NewHandle(1)
	if err := h.SetStatus(storage.StatusComplete); err == nil {
		t.Fatal("expected RUNNING -> COMPLETE to be rejected")
	}
	if got := h.Status(); got != storage.StatusRunning {
		t.Fatalf("status should be unchanged after a rejected transition, got %s", got)
	}
}

func TestForceStatusBypassesGuard(t *testing.T) {
	h := txn.NewHandle(1)
	h.ForceStatus(storage.StatusRecoveryAborting)
	if got := h.Status(); got != storage.StatusRecoveryAborting {
		t.Fatalf("expected forced status RECOVERY_ABORTING, got %s", got)
	}
	h.ForceStatus(storage.StatusComplete)
	if got := h.Status(); got != storage.StatusComplete {
		t.Fatalf("expected forced status COMPLETE, got %s", got)
	}
}

func TestBlockHooksAndCleanupFireThroughOptions(t *testing.T) {
	var prepared, blocked, unblocked, cleaned bool
	h := txn.NewHandle(1,
		txn.WithBlockHooks(
			func() { prepared = true },
			func() { blocked = true },
			func() { unblocked = true },
		),
		txn.WithCleanup(func() { cleaned = true }),
	)

	h.PrepareBlock()
	h.Block()
	h.Unblock()
	h.Cleanup()

	if !prepared || !blocked || !unblocked || !cleaned {
		t.Fatalf("expected all hooks to fire: prepared=%v blocked=%v unblocked=%v cleaned=%v",
			prepared, blocked, unblocked, cleaned)
	}
}
