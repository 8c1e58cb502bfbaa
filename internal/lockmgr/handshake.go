package lockmgr

import "github.com/SimonWaldherr/fitreedb/internal/osshim"

// RecoveryFunc runs WAL recovery; it is invoked by Connect exactly when
// this connection wins the race to upgrade DMS2/rw to EXCL (spec.md §4.2:
// "try DMS2/rw EXCL (no block) — if granted, run recovery").
type RecoveryFunc func() error

// CheckpointFunc runs a full checkpoint; invoked by Disconnect when this
// connection is the last read/write connection out (spec.md §4.2
// "Disconnect protocol symmetric").
type CheckpointFunc func() error

// DeleteWALFunc removes the WAL and shared-memory files; invoked by
// Disconnect only when both DMS2/rw and DMS2/ro could be upgraded EXCL,
// i.e. this connection is the very last one of any kind.
type DeleteWALFunc func() error

// Role says whether a connection is read-only, which determines whether
// it contends for DMS2/rw or DMS2/ro.
type Role bool

const (
	RoleReader    Role = true
	RoleReadWrite Role = false
)

// Connect runs the spec.md §4.2 connect protocol:
//
//  1. take DMS1 EXCL (blocking)
//  2. try DMS2/rw (or /ro) EXCL, non-blocking
//  3. if granted, run recovery, then downgrade to SHARED
//  4. if not granted, just take SHARED
//  5. release DMS1
func (c *Conn) Connect(role Role, recover RecoveryFunc) error {
	dms2 := SlotDMS2RW
	if role == RoleReader {
		dms2 = SlotDMS2RO
	}

	if err := c.Lock(SlotDMS1, osshim.LockExclusive); err != nil {
		return err
	}
	defer c.Unlock(SlotDMS1)

	if err := c.TryLock(dms2, osshim.LockExclusive); err == nil {
		// We are the first connection of this role: run recovery,
		// then downgrade so others can join.
		if recover != nil {
			if rerr := recover(); rerr != nil {
				c.Unlock(dms2)
				return rerr
			}
		}
		if err := c.TryLock(dms2, osshim.LockUnlock); err != nil {
			return err
		}
	}
	return c.Lock(dms2, osshim.LockShared)
}

// Disconnect runs the spec.md §4.2 disconnect protocol: release the
// connection's DMS2 share, and if that makes this connection able to take
// DMS2/rw EXCL, run a checkpoint; if DMS2/ro can *also* be taken EXCL
// (meaning no reader of any kind remains either), delete the WAL and shm.
func (c *Conn) Disconnect(role Role, checkpoint CheckpointFunc, deleteWAL DeleteWALFunc) error {
	dms2 := SlotDMS2RW
	if role == RoleReader {
		dms2 = SlotDMS2RO
	}
	if err := c.Unlock(dms2); err != nil {
		return err
	}

	if err := c.TryLock(SlotDMS2RW, osshim.LockExclusive); err != nil {
		return nil // someone else is still connected read-write; nothing to do
	}
	defer c.Unlock(SlotDMS2RW)

	if checkpoint != nil {
		if err := checkpoint(); err != nil {
			return err
		}
	}

	if err := c.TryLock(SlotDMS2RO, osshim.LockExclusive); err == nil {
		defer c.Unlock(SlotDMS2RO)
		if deleteWAL != nil {
			return deleteWAL()
		}
	}
	return nil
}
