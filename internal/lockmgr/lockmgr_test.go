package lockmgr

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	f, err := osshim.Default.Open(filepath.Join(dir, "db"), true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return New(f)
}

func TestSharedIsReentrantAcrossConnsInProcess(t *testing.T) {
	mgr := newTestManager(t)
	a := mgr.NewConn()
	b := mgr.NewConn()

	if err := a.Lock(SlotReaderBase, osshim.LockShared); err != nil {
		t.Fatalf("a shared: %v", err)
	}
	if err := b.Lock(SlotReaderBase, osshim.LockShared); err != nil {
		t.Fatalf("b shared should not block on a's shared: %v", err)
	}
	if err := a.Unlock(SlotReaderBase); err != nil {
		t.Fatalf("a unlock: %v", err)
	}
	// b still holds the slot; the kernel lock must not have been
	// dropped by a's unlock.
	if err := mgr.holdersCheck(SlotReaderBase, b); err != nil {
		t.Fatal(err)
	}
}

func (m *Manager) holdersCheck(slot int, want *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holders[slot][want]; !ok {
		return errNotHeld
	}
	return nil
}

var errNotHeld = simpleErr("expected connection to still hold slot")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func TestExclusiveExcludesOtherConn(t *testing.T) {
	mgr := newTestManager(t)
	a := mgr.NewConn()
	b := mgr.NewConn()

	if err := a.TryLock(SlotWriter, osshim.LockExclusive); err != nil {
		t.Fatalf("a excl: %v", err)
	}
	if err := b.TryLock(SlotWriter, osshim.LockExclusive); err == nil {
		t.Fatalf("expected b to be denied while a holds EXCL")
	}
	if err := a.Unlock(SlotWriter); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := b.TryLock(SlotWriter, osshim.LockExclusive); err != nil {
		t.Fatalf("b should now succeed: %v", err)
	}
}

func TestConnectDisconnectRunsRecoveryAndCheckpointOnce(t *testing.T) {
	mgr := newTestManager(t)
	a := mgr.NewConn()

	recovered := 0
	if err := a.Connect(RoleReadWrite, func() error { recovered++; return nil }); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected recovery to run once for first writer, got %d", recovered)
	}

	b := mgr.NewConn()
	recoveredB := 0
	if err := b.Connect(RoleReadWrite, func() error { recoveredB++; return nil }); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if recoveredB != 0 {
		t.Fatalf("second writer connection must not re-run recovery")
	}

	checkpointed := 0
	if err := a.Disconnect(RoleReadWrite, func() error { checkpointed++; return nil }, nil); err != nil {
		t.Fatalf("disconnect a: %v", err)
	}
	if checkpointed != 0 {
		t.Fatalf("checkpoint must not run while b is still connected")
	}

	if err := b.Disconnect(RoleReadWrite, func() error { checkpointed++; return nil }, nil); err != nil {
		t.Fatalf("disconnect b: %v", err)
	}
	if checkpointed != 1 {
		t.Fatalf("expected checkpoint exactly once on last disconnect, got %d", checkpointed)
	}
}
