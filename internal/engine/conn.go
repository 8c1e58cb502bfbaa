package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/fitree"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// Conn is one connection's handle onto a BtShared (spec.md §3
// "Ownership and lifecycle": "each connection owns a BtLock that links
// into the shared object"). Its ID is assigned with google/uuid so
// logs and metrics can correlate a connection across a request's
// lifetime without exposing the underlying *pager.Pager pointer.
type Conn struct {
	id     uuid.UUID
	shared *Shared
	closed bool
}

// ID returns this connection's process-unique identifier.
func (c *Conn) ID() uuid.UUID { return c.id }

// Pager returns the shared connection's underlying page cache. Callers
// across Conns on the same path observe the same Pager instance.
func (c *Conn) Pager() *pager.Pager { return c.shared.pgr }

// MainTree opens (creating on first use) the authoritative main B-tree.
func (c *Conn) MainTree() (*btree.BTree, error) { return c.shared.mainTree() }

// FastInsert returns this connection's fast-insert tree handle.
func (c *Conn) FastInsert() *fitree.Tree { return c.shared.fi }

// RunMerge drives one fast-insert merge cycle to completion (schedule,
// execute, integrate) if one is eligible, timing it for
// fitreedb_engine_merge_duration_seconds.
func (c *Conn) RunMerge() (bool, error) {
	start := time.Now()
	scheduled, err := c.shared.fi.MaybeScheduleMerge()
	if err != nil || !scheduled {
		return scheduled, err
	}
	if err := c.shared.fi.RunScheduledMerge(); err != nil {
		return true, err
	}
	if err := c.shared.fi.IntegrateMerge(); err != nil {
		return true, err
	}
	mergeDuration.Observe(time.Since(start).Seconds())
	return true, nil
}

// Close releases this connection's reference on the BtShared, closing
// the underlying Pager once the last connection has disconnected
// (spec.md §4.2 disconnect protocol).
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return closeShared(c.shared)
}
