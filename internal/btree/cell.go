package btree

import "encoding/binary"

// cellShape is the spec.md §4.5 "overflow assignment" classification:
// (a) inline, (b) key inline / value split, (c) key split too. We encode
// (b) and (c) identically on the wire — both are "shapeSplit" with a
// local-byte prefix and an overflow chain for the remainder — and tell
// them apart only by whether the local prefix covers the whole key.
type cellShape uint8

const (
	shapeInline cellShape = iota
	shapeSplit
)

// leafCellFixedHdr is the byte cost of every field in a leaf cell's wire
// encoding other than the local key/value bytes themselves:
// shape(1) + totalKeyLen(4) + totalValueLen(4) + overflowHead(4) +
// localKeyLen(2) + localValueLen(2).
const leafCellFixedHdr = 17

type leafCell struct {
	totalKeyLen   uint32
	totalValueLen uint32
	shape         cellShape
	overflowHead  uint32
	localKey      []byte
	localValue    []byte
}

// classifyLeaf implements spec.md §4.5 "overflow assignment": type (a)
// inline if key+value fit with header within the page's cell budget;
// otherwise the key is kept inline and the value is split (type b); if
// even the key alone does not fit in the remaining budget, the key is
// split too (type c). The split remainder (tail of key, if any, then the
// whole tail of value) is handed to the caller to write as an overflow
// chain; classifyLeaf itself does no I/O.
func classifyLeaf(pageSize int, key, value []byte) (cell leafCell, overflowTail []byte) {
	// On the page each cell also costs its length prefix and pointer slot.
	budget := capacity(pageSize) - leafCellFixedHdr - cellLenPrefix - pointerEntSize
	if len(key)+len(value) <= budget {
		return leafCell{
			totalKeyLen:   uint32(len(key)),
			totalValueLen: uint32(len(value)),
			shape:         shapeInline,
			localKey:      key,
			localValue:    value,
		}, nil
	}

	localKeyLen := len(key)
	if localKeyLen > budget {
		localKeyLen = budget
	}
	remaining := budget - localKeyLen
	localValueLen := len(value)
	if localValueLen > remaining {
		localValueLen = remaining
	}

	tail := make([]byte, 0, (len(key)-localKeyLen)+(len(value)-localValueLen))
	tail = append(tail, key[localKeyLen:]...)
	tail = append(tail, value[localValueLen:]...)

	return leafCell{
		totalKeyLen:   uint32(len(key)),
		totalValueLen: uint32(len(value)),
		shape:         shapeSplit,
		localKey:      key[:localKeyLen],
		localValue:    value[:localValueLen],
	}, tail
}

func marshalLeafCell(c leafCell) []byte {
	buf := make([]byte, leafCellFixedHdr+len(c.localKey)+len(c.localValue))
	buf[0] = byte(c.shape)
	binary.BigEndian.PutUint32(buf[1:], c.totalKeyLen)
	binary.BigEndian.PutUint32(buf[5:], c.totalValueLen)
	binary.BigEndian.PutUint32(buf[9:], c.overflowHead)
	binary.BigEndian.PutUint16(buf[13:], uint16(len(c.localKey)))
	off := 15
	copy(buf[off:], c.localKey)
	off += len(c.localKey)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(c.localValue)))
	off += 2
	copy(buf[off:], c.localValue)
	return buf
}

func unmarshalLeafCell(raw []byte) leafCell {
	var c leafCell
	c.shape = cellShape(raw[0])
	c.totalKeyLen = binary.BigEndian.Uint32(raw[1:])
	c.totalValueLen = binary.BigEndian.Uint32(raw[5:])
	c.overflowHead = binary.BigEndian.Uint32(raw[9:])
	kl := int(binary.BigEndian.Uint16(raw[13:]))
	off := 15
	c.localKey = raw[off : off+kl]
	off += kl
	vl := int(binary.BigEndian.Uint16(raw[off:]))
	off += 2
	c.localValue = raw[off : off+vl]
	return c
}

// fullKey reassembles the logical key, reading the overflow chain's
// leading bytes when the key itself was split (shape c).
func (c leafCell) fullKey(store Store) ([]byte, error) {
	if uint32(len(c.localKey)) == c.totalKeyLen {
		return c.localKey, nil
	}
	need := int(c.totalKeyLen) - len(c.localKey)
	tail, err := readOverflow(store, c.overflowHead, need)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.totalKeyLen)
	out = append(out, c.localKey...)
	out = append(out, tail...)
	return out, nil
}

// fullValue reassembles the logical value, skipping whatever key bytes
// precede it in the overflow chain.
func (c leafCell) fullValue(store Store) ([]byte, error) {
	if uint32(len(c.localValue)) == c.totalValueLen {
		return c.localValue, nil
	}
	keyTailLen := int(c.totalKeyLen) - len(c.localKey)
	need := keyTailLen + (int(c.totalValueLen) - len(c.localValue))
	chain, err := readOverflow(store, c.overflowHead, need)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.totalValueLen)
	out = append(out, c.localValue...)
	out = append(out, chain[keyTailLen:]...)
	return out, nil
}

// internalCell is a separator key plus the left-child pointer it divides
// from its successor's left-child (the page's trailing rightChild field
// holds the divider past the last cell).
type internalCell struct {
	child uint32
	key   []byte // ≤ MaxInternalKey bytes
}

func marshalInternalCell(c internalCell) []byte {
	buf := make([]byte, 4+2+len(c.key))
	binary.BigEndian.PutUint32(buf[0:], c.child)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(c.key)))
	copy(buf[6:], c.key)
	return buf
}

func unmarshalInternalCell(raw []byte) internalCell {
	child := binary.BigEndian.Uint32(raw[0:])
	kl := int(binary.BigEndian.Uint16(raw[4:]))
	return internalCell{child: child, key: raw[6 : 6+kl]}
}

// shortestSeparator returns the shortest prefix of hi that strictly
// exceeds lo, capped at MaxInternalKey (spec.md §4.5 "Parent divider
// keys... shortest prefix of the first key of the right sibling that
// strictly exceeds the last key of the left sibling, capped at 200
// bytes").
func shortestSeparator(lo, hi []byte) []byte {
	n := 0
	for n < len(lo) && n < len(hi) && n < MaxInternalKey && lo[n] == hi[n] {
		n++
	}
	cut := n + 1
	if cut > len(hi) {
		cut = len(hi)
	}
	if cut > MaxInternalKey {
		cut = MaxInternalKey
	}
	return hi[:cut]
}
