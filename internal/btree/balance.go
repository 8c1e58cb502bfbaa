package btree

// decodeInternal flattens an internal page into its children and
// separator keys: children has len(keys)+1 entries, children[i] is
// followed by keys[i] (i < len(keys)), and children[len(keys)] is
// reached by any key >= keys[len(keys)-1].
func decodeInternal(pg *page) (children []uint32, keys [][]byte) {
	n := pg.cellCount()
	children = make([]uint32, 0, n+1)
	keys = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		c := unmarshalInternalCell(pg.cellBytes(i))
		children = append(children, c.child)
		keys = append(keys, c.key)
	}
	children = append(children, pg.rightChild())
	return children, keys
}

// rebuildInternal resets pg in place to hold children/keys, returning
// false if they do not fit (the caller must then split).
func rebuildInternal(pg *page, children []uint32, keys [][]byte) bool {
	initPage(pg.buf, false)
	for i, k := range keys {
		data := marshalInternalCell(internalCell{child: children[i], key: k})
		if !pg.insertCellAt(i, data) {
			return false
		}
	}
	pg.setRightChild(children[len(children)-1])
	return true
}

func decodeLeafCells(pg *page) []leafCell {
	n := pg.cellCount()
	cells := make([]leafCell, n)
	for i := 0; i < n; i++ {
		cells[i] = unmarshalLeafCell(pg.cellBytes(i))
	}
	return cells
}

// rebuildLeaf resets pg in place to hold cells in order, preserving the
// sibling links the caller sets afterward.
func rebuildLeaf(pg *page, cells []leafCell) bool {
	next, prev := pg.nextLeaf(), pg.prevLeaf()
	initPage(pg.buf, true)
	pg.setNextLeaf(next)
	pg.setPrevLeaf(prev)
	for i, c := range cells {
		data := marshalLeafCell(c)
		if !pg.insertCellAt(i, data) {
			return false
		}
	}
	return true
}

func leafCellKey(store Store, c leafCell) []byte {
	k, err := c.fullKey(store)
	if err != nil {
		return c.localKey
	}
	return k
}

// splitAndInsert is reached when leaf.pg (the deepest frame in path) has
// no room for data even after defragmenting: it implements the
// spec.md §4.5 balancing rule's split case — the overflowing page is
// divided into two, the new divider is pushed into the parent, and the
// parent is in turn split if it overflows, up to and including growing
// the root.
func (t *BTree) splitAndInsert(path []frame, idx int, data []byte) error {
	leafIdx := len(path) - 1
	leaf := path[leafIdx]

	cells := decodeLeafCells(leaf.pg)
	newCell := unmarshalLeafCell(data)
	merged := make([]leafCell, 0, len(cells)+1)
	merged = append(merged, cells[:idx]...)
	merged = append(merged, newCell)
	merged = append(merged, cells[idx:]...)

	mid := len(merged) / 2
	leftCells, rightCells := merged[:mid], merged[mid:]

	oldNext := leaf.pg.nextLeaf()
	origPrev := leaf.pg.prevLeaf()

	rightPgno, rightPg, err := t.allocPage()
	if err != nil {
		return err
	}
	rightPg.setNextLeaf(oldNext)
	rightPg.setPrevLeaf(leaf.pgno)
	if !rebuildLeaf(rightPg, rightCells) {
		return fmtErr("split", errTooBig)
	}

	leaf.pg.setNextLeaf(rightPgno)
	leaf.pg.setPrevLeaf(origPrev)
	if !rebuildLeaf(leaf.pg, leftCells) {
		return fmtErr("split", errTooBig)
	}

	if err := t.store.WritePage(leaf.pgno, leaf.pg.buf); err != nil {
		return err
	}
	if err := t.store.WritePage(rightPgno, rightPg.buf); err != nil {
		return err
	}
	if oldNext != InvalidPgno {
		nextPg, err := t.readPage(oldNext)
		if err != nil {
			return err
		}
		nextPg.setPrevLeaf(rightPgno)
		if err := t.store.WritePage(oldNext, nextPg.buf); err != nil {
			return err
		}
	}

	sepKey := shortestSeparator(leafCellKey(t.store, leftCells[len(leftCells)-1]), leafCellKey(t.store, rightCells[0]))
	return t.insertIntoParent(path[:leafIdx], leaf.pgno, sepKey, rightPgno)
}

// insertIntoParent pushes (leftPgno, key, rightPgno) into the parent
// named by the last frame of path, splitting the parent (and
// recursively its own parent) if it overflows, or growing a new root if
// path is empty.
func (t *BTree) insertIntoParent(path []frame, leftPgno uint32, key []byte, rightPgno uint32) error {
	if len(path) == 0 {
		return t.growRoot(leftPgno, key, rightPgno)
	}

	parent := path[len(path)-1]
	children, keys := decodeInternal(parent.pg)

	pos := -1
	for i, c := range children {
		if c == leftPgno {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmtErr("insertIntoParent", errBadTree)
	}

	newChildren := make([]uint32, 0, len(children)+1)
	newChildren = append(newChildren, children[:pos+1]...)
	newChildren = append(newChildren, rightPgno)
	newChildren = append(newChildren, children[pos+1:]...)

	newKeys := make([][]byte, 0, len(keys)+1)
	newKeys = append(newKeys, keys[:pos]...)
	newKeys = append(newKeys, key)
	newKeys = append(newKeys, keys[pos:]...)

	if rebuildInternal(parent.pg, newChildren, newKeys) {
		return t.store.WritePage(parent.pgno, parent.pg.buf)
	}

	mid := len(newKeys) / 2
	leftChildren := append(append([]uint32{}, newChildren[:mid+1]...))
	leftKeys := newKeys[:mid]
	rightChildren := newChildren[mid+1:]
	rightKeys := newKeys[mid+1:]
	pushKey := newKeys[mid]

	rightPgnoNew, rightPg, err := t.allocPage()
	if err != nil {
		return err
	}
	if !rebuildInternal(rightPg, rightChildren, rightKeys) {
		return fmtErr("insertIntoParent split", errTooBig)
	}
	if !rebuildInternal(parent.pg, leftChildren, leftKeys) {
		return fmtErr("insertIntoParent split", errTooBig)
	}
	if err := t.store.WritePage(parent.pgno, parent.pg.buf); err != nil {
		return err
	}
	if err := t.store.WritePage(rightPgnoNew, rightPg.buf); err != nil {
		return err
	}

	return t.insertIntoParent(path[:len(path)-1], parent.pgno, pushKey, rightPgnoNew)
}

func (t *BTree) growRoot(leftPgno uint32, key []byte, rightPgno uint32) error {
	newRoot, pg, err := t.allocPage()
	if err != nil {
		return err
	}
	if !rebuildInternal(pg, []uint32{leftPgno, rightPgno}, [][]byte{key}) {
		return fmtErr("growRoot", errTooBig)
	}
	if err := t.store.WritePage(newRoot, pg.buf); err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// collapseEmptyLeaf removes an emptied leaf from its parent, merging
// with a sibling or shrinking the root as needed (spec.md §4.5
// "Root-underflow shrinks the tree by copying the single remaining
// child into the root page").
func (t *BTree) collapseEmptyLeaf(path []frame) error {
	leafIdx := len(path) - 1
	leaf := path[leafIdx]

	prev, next := leaf.pg.prevLeaf(), leaf.pg.nextLeaf()
	if prev != InvalidPgno {
		prevPg, err := t.readPage(prev)
		if err == nil {
			prevPg.setNextLeaf(next)
			_ = t.store.WritePage(prev, prevPg.buf)
		}
	}
	if next != InvalidPgno {
		nextPg, err := t.readPage(next)
		if err == nil {
			nextPg.setPrevLeaf(prev)
			_ = t.store.WritePage(next, nextPg.buf)
		}
	}
	if err := t.store.FreePage(leaf.pgno); err != nil {
		return err
	}
	return t.removeChildFromParent(path[:leafIdx], leaf.pgno)
}

// removeChildFromParent deletes the reference to a freed child from its
// parent, collapsing the parent too if it becomes childless (beyond the
// trailing rightChild, which happens only at the root), and shrinking
// the root if it is left with exactly one child.
func (t *BTree) removeChildFromParent(path []frame, childPgno uint32) error {
	if len(path) == 0 {
		return nil
	}
	parent := path[len(path)-1]
	children, keys := decodeInternal(parent.pg)

	pos := -1
	for i, c := range children {
		if c == childPgno {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}
	if len(children) == 1 && len(path) > 1 {
		// The page's only child is gone: free the now childless page and
		// remove it from its own parent in turn.
		if err := t.store.FreePage(parent.pgno); err != nil {
			return err
		}
		return t.removeChildFromParent(path[:len(path)-1], parent.pgno)
	}

	var newChildren []uint32
	var newKeys [][]byte
	switch {
	case pos == len(children)-1:
		newChildren = append(append([]uint32{}, children[:pos]...))
		newKeys = keys[:len(keys)-1]
	default:
		newChildren = append(append([]uint32{}, children[:pos]...), children[pos+1:]...)
		if pos < len(keys) {
			newKeys = append(append([][]byte{}, keys[:pos]...), keys[pos+1:]...)
		} else {
			newKeys = keys[:len(keys)-1]
		}
	}

	if len(newChildren) == 1 {
		if len(path) == 1 {
			// Root underflow: fold the one remaining child's page into
			// the root page itself and free the child (spec.md §4.5).
			soleChild := newChildren[0]
			buf, err := t.store.ReadPage(soleChild)
			if err != nil {
				return err
			}
			copy(parent.pg.buf, buf)
			if err := t.store.WritePage(parent.pgno, parent.pg.buf); err != nil {
				return err
			}
			return t.store.FreePage(soleChild)
		}
		// Non-root page with a single remaining child: keep it as a
		// degenerate internal page (zero separators, one rightChild);
		// it will be folded further up only if it empties out too.
	}

	if !rebuildInternal(parent.pg, newChildren, newKeys) {
		return fmtErr("removeChildFromParent", errTooBig)
	}
	return t.store.WritePage(parent.pgno, parent.pg.buf)
}
