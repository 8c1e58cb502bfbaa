package pager

import "encoding/binary"

// Store is the minimal page-level read/write surface FreeList needs; the
// Pager satisfies it.
type Store interface {
	ReadPage(pgno uint32) ([]byte, error)
	WritePage(pgno uint32, data []byte) error
	PageSize() int
}

// trunkCapacity returns how many uint32 entries fit after a trunk page's
// {nFree, next} header (spec.md §3 "Free lists": "a trunk page stores
// {nFree, next, entry[]} big-endian 32-bit fields").
func trunkCapacity(pageSize int) int {
	return (pageSize - 8) / 4
}

// FreeList is one of the two independent trunk-and-leaf free lists
// (spec.md §3/§4.4): one tracks free pages, the other free blocks (whose
// "pages" are actually block numbers). Both share this same on-disk shape.
type FreeList struct {
	store Store
	head  uint32
}

// NewFreeList wraps an existing trunk chain head (0 = empty list).
func NewFreeList(store Store, head uint32) *FreeList {
	return &FreeList{store: store, head: head}
}

// Head returns the current trunk head, for persisting into the database
// header.
func (fl *FreeList) Head() uint32 { return fl.head }

func (fl *FreeList) readTrunk(pgno uint32) (nFree uint32, next uint32, buf []byte, err error) {
	buf, err = fl.store.ReadPage(pgno)
	if err != nil {
		return 0, 0, nil, err
	}
	nFree = binary.BigEndian.Uint32(buf[0:])
	next = binary.BigEndian.Uint32(buf[4:])
	return nFree, next, buf, nil
}

func (fl *FreeList) entry(buf []byte, i int) uint32 {
	return binary.BigEndian.Uint32(buf[8+i*4:])
}

func (fl *FreeList) setEntry(buf []byte, i int, v uint32) {
	binary.BigEndian.PutUint32(buf[8+i*4:], v)
}

// Add pushes pgno onto the free list (spec.md §4.4 freelistAdd): if the
// current head trunk has room, pgno becomes a leaf entry there; otherwise
// pgno itself is repurposed as the new trunk page, chained ahead of the
// old head.
func (fl *FreeList) Add(pgno uint32) error {
	cap := trunkCapacity(fl.store.PageSize())
	if fl.head != 0 {
		nFree, _, buf, err := fl.readTrunk(fl.head)
		if err != nil {
			return err
		}
		if int(nFree) < cap {
			fl.setEntry(buf, int(nFree), pgno)
			binary.BigEndian.PutUint32(buf[0:], nFree+1)
			return fl.store.WritePage(fl.head, buf)
		}
	}
	// Mint pgno as a fresh, empty trunk chained ahead of the old head.
	buf := make([]byte, fl.store.PageSize())
	binary.BigEndian.PutUint32(buf[0:], 0)
	binary.BigEndian.PutUint32(buf[4:], fl.head)
	if err := fl.store.WritePage(pgno, buf); err != nil {
		return err
	}
	fl.head = pgno
	return nil
}

// Alloc pops a page from the free list (spec.md §4.4 freelistAlloc):
// prefer a leaf entry in the head trunk; if the trunk empties, the trunk
// page itself becomes the allocation and the chain advances to its
// successor. Returns (0, false, nil) when the list is empty.
func (fl *FreeList) Alloc() (uint32, bool, error) {
	if fl.head == 0 {
		return 0, false, nil
	}
	nFree, next, buf, err := fl.readTrunk(fl.head)
	if err != nil {
		return 0, false, err
	}
	if nFree > 0 {
		pgno := fl.entry(buf, int(nFree)-1)
		binary.BigEndian.PutUint32(buf[0:], nFree-1)
		if err := fl.store.WritePage(fl.head, buf); err != nil {
			return 0, false, err
		}
		return pgno, true, nil
	}
	pgno := fl.head
	fl.head = next
	return pgno, true, nil
}
