package btree

import (
	"bytes"
	"fmt"

	"github.com/SimonWaldherr/fitreedb/internal/ferr"
)

// SeekMode selects how Seek resolves a key that is not present exactly
// (spec.md §4.5 "seek(cursor, key, mode ∈ {LE, LEFAST, EQ, GE})").
type SeekMode int

const (
	// SeekEQ requires an exact match; the cursor is left invalid otherwise.
	SeekEQ SeekMode = iota
	// SeekGE lands on key, or the smallest key greater than it.
	SeekGE
	// SeekLE lands on key, or the largest key less than it.
	SeekLE
	// SeekLEFast is SeekLE restricted to the leaf the descent lands on: it
	// never crosses a leaf boundary to find a closer match, trading exactness
	// for avoiding an extra page read (spec.md's "INEXACT" seek contract).
	SeekLEFast
)

// frame is one level of the path from root to the cursor's current leaf.
type frame struct {
	pgno uint32
	pg   *page
	idx  int // child/cell index taken (or about to be taken) at this level
}

// Cursor is a single-tree traversal/mutation handle (spec.md §4.5). A
// Cursor is not safe for concurrent use.
type Cursor struct {
	tree  *BTree
	path  []frame
	valid bool
}

// NewCursor opens a cursor over tree, initially invalid until a seek or
// First/Last call positions it (spec.md's `open(root) → cursor`).
func NewCursor(tree *BTree) *Cursor { return &Cursor{tree: tree} }

func (t *BTree) descendTo(key []byte, path []frame) ([]frame, error) {
	pgno := t.root
	for {
		pg, err := t.readPage(pgno)
		if err != nil {
			return nil, err
		}
		if pg.isLeaf() {
			idx, _ := searchLeaf(t.store, pg, key)
			path = append(path, frame{pgno: pgno, pg: pg, idx: idx})
			return path, nil
		}
		children, keys := decodeInternal(pg)
		idx := 0
		for idx < len(keys) && bytes.Compare(key, keys[idx]) >= 0 {
			idx++
		}
		path = append(path, frame{pgno: pgno, pg: pg, idx: idx})
		pgno = children[idx]
	}
}

// searchLeaf returns the index of the first cell whose key is >= target,
// and whether that cell's key equals target exactly.
func searchLeaf(store Store, pg *page, target []byte) (int, bool) {
	lo, hi := 0, pg.cellCount()
	for lo < hi {
		mid := (lo + hi) / 2
		c := unmarshalLeafCell(pg.cellBytes(mid))
		k, err := c.fullKey(store)
		if err != nil {
			// A corrupt overflow chain degrades to a local-bytes compare;
			// the mismatch will simply bias the search, never panic.
			k = c.localKey
		}
		if bytes.Compare(k, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < pg.cellCount() {
		c := unmarshalLeafCell(pg.cellBytes(lo))
		k, _ := c.fullKey(store)
		if bytes.Equal(k, target) {
			return lo, true
		}
	}
	return lo, false
}

// Seek positions the cursor per mode (spec.md §4.5). It returns whether
// the cursor landed on a usable position.
func (c *Cursor) Seek(key []byte, mode SeekMode) (bool, error) {
	path, err := c.tree.descendTo(key, nil)
	if err != nil {
		return false, err
	}
	c.path = path
	leaf := &c.path[len(c.path)-1]
	idx, exact := leaf.idx, false
	if idx < leaf.pg.cellCount() {
		cell := unmarshalLeafCell(leaf.pg.cellBytes(idx))
		k, _ := cell.fullKey(c.tree.store)
		exact = bytes.Equal(k, key)
	}

	switch mode {
	case SeekEQ:
		if !exact {
			c.valid = false
			return false, fmt.Errorf("%w: key not present", ferr.ErrNotFound)
		}
		c.valid = true
		return true, nil
	case SeekGE:
		if idx < leaf.pg.cellCount() {
			c.valid = true
			return true, nil
		}
		c.valid = false
		return c.Next()
	case SeekLEFast:
		if exact {
			c.valid = true
			return true, nil
		}
		if idx > 0 {
			leaf.idx = idx - 1
			c.valid = true
			return true, nil
		}
		c.valid = false
		return false, fmt.Errorf("%w: seek landed off-key", ferr.ErrInexact)
	case SeekLE:
		if exact {
			c.valid = true
			return true, nil
		}
		if idx > 0 {
			leaf.idx = idx - 1
			c.valid = true
			return true, nil
		}
		c.valid = false
		ok, err := c.Prev()
		if err == nil && !ok {
			return false, fmt.Errorf("%w: no key at or before target", ferr.ErrNotFound)
		}
		return ok, err
	default:
		return false, fmt.Errorf("btree: unknown seek mode %d", mode)
	}
}

// First positions the cursor at the smallest key in the tree.
func (c *Cursor) First() (bool, error) {
	pgno := c.tree.root
	var path []frame
	for {
		pg, err := c.tree.readPage(pgno)
		if err != nil {
			return false, err
		}
		if pg.isLeaf() {
			path = append(path, frame{pgno: pgno, pg: pg, idx: 0})
			c.path = path
			c.valid = pg.cellCount() > 0
			if !c.valid {
				return c.Next()
			}
			return true, nil
		}
		children, _ := decodeInternal(pg)
		path = append(path, frame{pgno: pgno, pg: pg, idx: 0})
		pgno = children[0]
	}
}

// Last positions the cursor at the greatest key in the tree.
func (c *Cursor) Last() (bool, error) {
	pgno := c.tree.root
	var path []frame
	for {
		pg, err := c.tree.readPage(pgno)
		if err != nil {
			return false, err
		}
		if pg.isLeaf() {
			idx := pg.cellCount() - 1
			path = append(path, frame{pgno: pgno, pg: pg, idx: idx})
			c.path = path
			c.valid = idx >= 0
			return c.valid, nil
		}
		children, _ := decodeInternal(pg)
		last := len(children) - 1
		path = append(path, frame{pgno: pgno, pg: pg, idx: last})
		pgno = children[last]
	}
}

// Next advances to the next key in order, crossing leaf boundaries via
// the leaf chain's forward link.
func (c *Cursor) Next() (bool, error) {
	if len(c.path) == 0 {
		return c.First()
	}
	leaf := &c.path[len(c.path)-1]
	if leaf.idx+1 < leaf.pg.cellCount() {
		leaf.idx++
		c.valid = true
		return true, nil
	}
	next := leaf.pg.nextLeaf()
	for next != InvalidPgno {
		pg, err := c.tree.readPage(next)
		if err != nil {
			return false, err
		}
		if pg.cellCount() > 0 {
			c.path = []frame{{pgno: next, pg: pg, idx: 0}}
			c.valid = true
			return true, nil
		}
		next = pg.nextLeaf()
	}
	c.valid = false
	return false, nil
}

// Prev retreats to the previous key in order via the leaf chain's
// backward link.
func (c *Cursor) Prev() (bool, error) {
	if len(c.path) == 0 {
		return c.Last()
	}
	leaf := &c.path[len(c.path)-1]
	if leaf.idx > 0 {
		leaf.idx--
		c.valid = true
		return true, nil
	}
	prev := leaf.pg.prevLeaf()
	for prev != InvalidPgno {
		pg, err := c.tree.readPage(prev)
		if err != nil {
			return false, err
		}
		if pg.cellCount() > 0 {
			c.path = []frame{{pgno: prev, pg: pg, idx: pg.cellCount() - 1}}
			c.valid = true
			return true, nil
		}
		prev = pg.prevLeaf()
	}
	c.valid = false
	return false, nil
}

// Key returns the current cell's full key (spec.md §4.5 `key`).
func (c *Cursor) Key() ([]byte, error) {
	if !c.valid {
		return nil, fmt.Errorf("%w: cursor not positioned", ferr.ErrNotFound)
	}
	leaf := c.path[len(c.path)-1]
	cell := unmarshalLeafCell(leaf.pg.cellBytes(leaf.idx))
	return cell.fullKey(c.tree.store)
}

// Data returns the current cell's full value (spec.md §4.5 `data`),
// descending into overflow pages on demand.
func (c *Cursor) Data() ([]byte, error) {
	if !c.valid {
		return nil, fmt.Errorf("%w: cursor not positioned", ferr.ErrNotFound)
	}
	leaf := c.path[len(c.path)-1]
	cell := unmarshalLeafCell(leaf.pg.cellBytes(leaf.idx))
	return cell.fullValue(c.tree.store)
}

// Insert adds key→value, or Replace's it in place if key is already
// present (spec.md §4.5 `insert/replace`). It always re-seeks key first
// so callers may call Insert without a prior Seek.
func (t *BTree) Insert(key, value []byte) error {
	path, err := t.descendTo(key, nil)
	if err != nil {
		return fmtErr("insert", err)
	}
	leaf := &path[len(path)-1]
	idx, exact := leaf.idx, false
	if idx < leaf.pg.cellCount() {
		old := unmarshalLeafCell(leaf.pg.cellBytes(idx))
		ok, _ := old.fullKey(t.store)
		exact = bytes.Equal(ok, key)
	}

	if exact {
		old := unmarshalLeafCell(leaf.pg.cellBytes(idx))
		if old.shape == shapeSplit {
			if err := freeOverflow(t.store, old.overflowHead, overflowLen(old)); err != nil {
				return fmtErr("insert: free old overflow", err)
			}
		}
		leaf.pg.removePointerAt(idx)
	}

	cell, tail := classifyLeaf(t.store.PageSize(), key, value)
	if tail != nil {
		head, err := writeOverflow(t.store, tail)
		if err != nil {
			return fmtErr("insert: write overflow", err)
		}
		cell.overflowHead = head
	}
	data := marshalLeafCell(cell)

	if leaf.pg.insertCellAt(idx, data) {
		return t.writePath(path)
	}
	leaf.pg.defragment()
	if leaf.pg.insertCellAt(idx, data) {
		return t.writePath(path)
	}

	return t.splitAndInsert(path, idx, data)
}

// Delete removes key if present (spec.md §4.5 `delete`). Deletion of a
// cell first trims any overflow pages the cell referenced.
func (t *BTree) Delete(key []byte) (bool, error) {
	path, err := t.descendTo(key, nil)
	if err != nil {
		return false, fmtErr("delete", err)
	}
	leaf := &path[len(path)-1]
	idx, found := searchLeaf(t.store, leaf.pg, key)
	if !found {
		return false, nil
	}
	cell := unmarshalLeafCell(leaf.pg.cellBytes(idx))
	if cell.shape == shapeSplit {
		if err := freeOverflow(t.store, cell.overflowHead, overflowLen(cell)); err != nil {
			return false, fmtErr("delete: free overflow", err)
		}
	}
	leaf.pg.removePointerAt(idx)
	if err := t.writePath(path); err != nil {
		return false, err
	}
	if leaf.pg.cellCount() == 0 && len(path) > 1 {
		if err := t.collapseEmptyLeaf(path); err != nil {
			return false, err
		}
	}
	return true, nil
}

func overflowLen(c leafCell) int {
	return (int(c.totalKeyLen) - len(c.localKey)) + (int(c.totalValueLen) - len(c.localValue))
}

func (t *BTree) writePath(path []frame) error {
	for _, f := range path {
		if err := t.store.WritePage(f.pgno, f.pg.buf); err != nil {
			return err
		}
	}
	return nil
}
