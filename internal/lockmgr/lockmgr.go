// Package lockmgr implements the DMS (dead-man-switch) handshake and
// reader-slot protocol of spec.md §4.2: a fixed table of advisory
// byte-range lock slots mapped onto osshim.File, shared by every process
// and connection that has the same canonical database path open.
//
// Locks are tracked per connection *and* per process (spec.md §4.2): the
// Manager counts in-process SHARED holders per slot under its mutex before
// delegating an unlock to osshim, so that one connection releasing a
// SHARED lock does not drop the kernel-level lock out from under a sibling
// connection in the same process.
package lockmgr

import (
	"sync"
	"time"

	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

// Slot assignment, fixed by spec.md §4.2.
const (
	SlotDMS1 = iota
	SlotDMS2RW
	SlotDMS2RO
	SlotWriter
	SlotCheckpointer
	SlotReaderDBOnly
	SlotReaderBase // SlotReaderBase..SlotReaderBase+NReaders-1
)

// NReaders is N in spec.md §4.2 (reader slots 6..6+N-1).
const NReaders = 4

// NSlots is the total number of fixed lock slots.
const NSlots = SlotReaderBase + NReaders

// RetryInterval is the sleep between non-blocking lock retries (spec.md
// §5 "Suspension points": "the sleep is the only wait primitive").
const RetryInterval = 10 * time.Millisecond

// Manager owns the fixed lock table for one canonical database path. It is
// created by pager.Open, one per pager.Pager (internal/engine keeps one
// Pager per canonical path in a process), and guarded by mu for its
// in-process bookkeeping.
type Manager struct {
	mu      sync.Mutex
	file    osshim.File
	holders [NSlots]map[*Conn]osshim.LockMode
}

// New wraps file (already open on the canonical lock-table path) with a
// Manager. file is typically the database file itself; slots live in a
// byte range far past any real page (see osshim.lockRegionBase).
func New(file osshim.File) *Manager {
	m := &Manager{file: file}
	for i := range m.holders {
		m.holders[i] = make(map[*Conn]osshim.LockMode)
	}
	return m
}

// Conn is one connection's view of the lock table; it remembers which
// slots it holds so Disconnect/Close can release exactly those.
type Conn struct {
	mgr  *Manager
	held map[int]osshim.LockMode
}

// NewConn creates a per-connection lock handle.
func (m *Manager) NewConn() *Conn {
	return &Conn{mgr: m, held: make(map[int]osshim.LockMode)}
}

// TryLock attempts a single non-blocking transition of slot to mode, for
// this connection. Returns ferr.ErrBusy if another process (or another
// connection in this process, for EXCL requests) already holds an
// incompatible lock.
func (c *Conn) TryLock(slot int, mode osshim.LockMode) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	return c.mgr.tryLockLocked(c, slot, mode)
}

func (m *Manager) tryLockLocked(c *Conn, slot int, mode osshim.LockMode) error {
	holders := m.holders[slot]

	switch mode {
	case osshim.LockUnlock:
		delete(holders, c)
		delete(c.held, slot)
		if m.sharedCount(slot) == 0 {
			if err := m.file.Lock(slot, osshim.LockUnlock); err != nil {
				return err
			}
		}
		return nil

	case osshim.LockShared:
		// Any EXCL in-process holder blocks a new SHARED request.
		for other, om := range holders {
			if other != c && om == osshim.LockExclusive {
				return ferr.ErrBusy
			}
		}
		wasShared := m.sharedCount(slot) > 0
		if !wasShared {
			if err := m.file.Lock(slot, osshim.LockShared); err != nil {
				return err
			}
		}
		holders[c] = osshim.LockShared
		c.held[slot] = osshim.LockShared
		return nil

	case osshim.LockExclusive:
		for other := range holders {
			if other != c {
				return ferr.ErrBusy
			}
		}
		if err := m.file.Lock(slot, osshim.LockExclusive); err != nil {
			return err
		}
		holders[c] = osshim.LockExclusive
		c.held[slot] = osshim.LockExclusive
		return nil
	}
	return nil
}

// sharedCount returns the number of distinct in-process SHARED holders of
// slot (not counting the caller's own pending transition).
func (m *Manager) sharedCount(slot int) int {
	n := 0
	for _, mode := range m.holders[slot] {
		if mode == osshim.LockShared {
			n++
		}
	}
	return n
}

// Lock blocks (via RetryInterval polling, spec.md §5) until slot can be
// taken in mode, or ctx-equivalent give-up is left to the caller — the
// storage core never cancels blocking lock waits mid-flight (spec.md §5
// "Cancellation").
func (c *Conn) Lock(slot int, mode osshim.LockMode) error {
	for {
		err := c.TryLock(slot, mode)
		if err == nil {
			return err
		}
		if err != ferr.ErrBusy {
			return err
		}
		time.Sleep(RetryInterval)
	}
}

// Unlock releases slot for this connection.
func (c *Conn) Unlock(slot int) error {
	return c.TryLock(slot, osshim.LockUnlock)
}

// Close releases every slot still held by this connection (used when a
// connection aborts without a clean Disconnect).
func (c *Conn) Close() error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	for slot := range c.held {
		_ = c.mgr.tryLockLocked(c, slot, osshim.LockUnlock)
	}
	return nil
}

// ReaderSlot returns the fixed slot number for reader index i.
func ReaderSlot(i int) int { return SlotReaderBase + i }
