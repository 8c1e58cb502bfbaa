// Package btree implements the spec.md §4.5 cursor API: a disk-resident
// B+tree with an overflow-pointer tree for large payloads, built directly
// on top of internal/pager's page store. Balancing splits an overflowing
// page into two and removes emptied leaves from their parent; cells are
// not redistributed across a window of sibling pages.
//
// Layout and cell-shape choices are grounded on the teacher's
// internal/storage/pager (btree.go, btree_page.go, slotted_page.go,
// overflow.go) but rewritten to the spec's own page footer, cell-pointer
// direction and overflow-classification rules rather than copied.
package btree

import (
	"errors"
	"fmt"
)

// errTooBig reports a rebuild that could not fit even after a split; it
// indicates a single cell larger than a whole page made it past
// classifyLeaf/shortestSeparator, which should never happen.
var errTooBig = errors.New("btree: cell too large for a single page")

// errBadTree reports an internal-page child pointer that does not match
// any page found while walking down to it — a corruption signal.
var errBadTree = errors.New("btree: child pointer not found in parent")

// Store is the page-storage surface the tree needs; internal/pager.Pager
// satisfies it directly.
type Store interface {
	PageSize() int
	ReadPage(pgno uint32) ([]byte, error)
	WritePage(pgno uint32, data []byte) error
	AllocPage() (uint32, error)
	FreePage(pgno uint32) error
}

// InvalidPgno marks the absence of a page reference (right-child of a leaf,
// overflow head of an inline cell, sibling pointer at a chain end).
const InvalidPgno uint32 = 0

// MaxInternalKey is the spec.md §4.5 "internal-cell 200-byte key cap":
// divider keys pushed into internal pages are truncated to the shortest
// prefix that still strictly separates the two subtrees, capped here.
const MaxInternalKey = 200

// MaxDirectOverflow is the spec.md §4.5 cap on directly-chained overflow
// pages before the remainder moves into an overflow-pointer tree.
const MaxDirectOverflow = 8

// OverflowFanout is the fan-out of the overflow-pointer tree (pgsz/4 per
// spec.md §4.5; callers pass the page size actually in use).
func OverflowFanout(pageSize int) int { return pageSize / 4 }

// BTree is a handle to one tree identified by its root page number. The
// root page number can change (root grow/shrink on overflow/underflow);
// callers must persist Root() back into whatever catalog entry named it.
type BTree struct {
	store Store
	root  uint32
}

// Create allocates a fresh, empty leaf root page and returns a handle to it.
func Create(store Store) (*BTree, error) {
	root, err := store.AllocPage()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, store.PageSize())
	initPage(buf, true)
	if err := store.WritePage(root, buf); err != nil {
		return nil, err
	}
	return &BTree{store: store, root: root}, nil
}

// Open returns a handle to an existing tree rooted at root.
func Open(store Store, root uint32) *BTree {
	return &BTree{store: store, root: root}
}

// Root returns the tree's current root page number.
func (t *BTree) Root() uint32 { return t.root }

func (t *BTree) readPage(pgno uint32) (*page, error) {
	buf, err := t.store.ReadPage(pgno)
	if err != nil {
		return nil, err
	}
	return wrapPage(buf), nil
}

func (t *BTree) allocPage() (uint32, *page, error) {
	pgno, err := t.store.AllocPage()
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, t.store.PageSize())
	return pgno, wrapPage(buf), nil
}

// Count walks the leftmost path down to the first leaf, then follows the
// leaf chain, summing cell counts. Used by tests and operator inspection,
// not on any hot path.
func (t *BTree) Count() (int, error) {
	c := &Cursor{tree: t}
	ok, err := c.First()
	if err != nil || !ok {
		return 0, err
	}
	n := 0
	for ok {
		n++
		ok, err = c.Next()
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

func fmtErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("btree: %s: %w", op, err)
}
