// Package fitree implements the spec.md §4.6 fast-insert tree: a
// log-structured layer in front of the main B-tree that absorbs writes
// into small, linearly-allocated sub-trees and folds them together in
// the background, plus the meta-tree that tracks which sub-trees exist
// at which age/level.
//
// The sub-tree and merge-output mechanics are grounded on internal/btree
// (this module's own B-tree, itself grounded on the teacher's
// internal/storage/pager); the background scheduling shape is grounded
// on the teacher's internal/storage/scheduler.go, which drives periodic
// work with github.com/robfig/cron/v3.
package fitree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// nMinMerge is the spec.md §4.6 default: an age becomes merge-eligible
// once it holds at least this many sealed levels.
const nMinMerge = 2

// nScheduleAlloc is the spec.md §4.6 default number of output blocks
// reserved for a merge before it runs.
const nScheduleAlloc = 4

// summaryKey is the meta-tree's reserved key (spec.md "Meta-tree" §3):
// shorter than any real entry (which is always ≥8 bytes, age+~level),
// and lexicographically last since no real age reaches 0xFFFFFFFF.
var summaryKey = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// levelSummary is one age's row of the meta-tree summary triple
// (spec.md "Meta-tree": "{minLevel, nLevel, mergeLevel}").
type levelSummary struct {
	minLevel, nLevel, mergeLevel uint32
}

// LevelStats is the public view of levelSummary returned by Stats.
type LevelStats struct {
	MinLevel   uint32
	NLevel     uint32
	MergeLevel uint32
}

// Tree is a fast-insert meta-tree handle over one database file. The
// database header (spec.md §3) carries the meta-tree root, the schedule
// page number, and the in-progress sub-block — all mutated in place on
// *pager.Header and persisted by the next Commit, the same pattern the
// pager itself uses for its free-list trunks.
type Tree struct {
	p    *pager.Pager
	meta *btree.BTree
}

// Create initializes a fresh, empty meta-tree and records its root in
// the database header.
func Create(p *pager.Pager) (*Tree, error) {
	meta, err := btree.Create(p)
	if err != nil {
		return nil, err
	}
	p.Header().MetaRoot = meta.Root()
	t := &Tree{p: p, meta: meta}
	if err := t.storeSummary(map[uint32]levelSummary{}); err != nil {
		return nil, err
	}
	return t, p.Commit()
}

// Open returns a handle to the meta-tree rooted at the header's current
// MetaRoot (spec.md §3 database header field).
func Open(p *pager.Pager) *Tree {
	return &Tree{p: p, meta: btree.Open(p, p.Header().MetaRoot)}
}

func (t *Tree) pagesPerBlock() uint32 {
	h := t.p.Header()
	return h.BlockSize / h.PageSize
}

// metaKey encodes {age, ~level, prefix} so that younger ages sort first
// and, within an age, larger level numbers sort first (spec.md
// "Meta-tree").
func metaKey(age, level uint32, prefix []byte) []byte {
	buf := make([]byte, 8+len(prefix))
	binary.BigEndian.PutUint32(buf[0:], age)
	binary.BigEndian.PutUint32(buf[4:], ^level)
	copy(buf[8:], prefix)
	return buf
}

func (t *Tree) loadSummary() (map[uint32]levelSummary, error) {
	c := btree.NewCursor(t.meta)
	ok, err := c.Seek(summaryKey, btree.SeekEQ)
	if err != nil {
		if errors.Is(err, ferr.ErrNotFound) {
			return map[uint32]levelSummary{}, nil
		}
		return nil, err
	}
	if !ok {
		return map[uint32]levelSummary{}, nil
	}
	raw, err := c.Data()
	if err != nil {
		return nil, err
	}
	return unmarshalSummary(raw), nil
}

func (t *Tree) storeSummary(m map[uint32]levelSummary) error {
	return t.meta.Insert(summaryKey, marshalSummary(m))
}

func marshalSummary(m map[uint32]levelSummary) []byte {
	ages := make([]uint32, 0, len(m))
	for age := range m {
		ages = append(ages, age)
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })

	buf := make([]byte, 4+len(ages)*16)
	binary.BigEndian.PutUint32(buf, uint32(len(ages)))
	off := 4
	for _, age := range ages {
		s := m[age]
		binary.BigEndian.PutUint32(buf[off:], age)
		binary.BigEndian.PutUint32(buf[off+4:], s.minLevel)
		binary.BigEndian.PutUint32(buf[off+8:], s.nLevel)
		binary.BigEndian.PutUint32(buf[off+12:], s.mergeLevel)
		off += 16
	}
	return buf
}

func unmarshalSummary(buf []byte) map[uint32]levelSummary {
	n := int(binary.BigEndian.Uint32(buf))
	m := make(map[uint32]levelSummary, n)
	off := 4
	for i := 0; i < n; i++ {
		age := binary.BigEndian.Uint32(buf[off:])
		var s levelSummary
		s.minLevel = binary.BigEndian.Uint32(buf[off+4:])
		s.nLevel = binary.BigEndian.Uint32(buf[off+8:])
		s.mergeLevel = binary.BigEndian.Uint32(buf[off+12:])
		m[age] = s
		off += 16
	}
	return m
}

// Stats dumps the age→summary table for operator inspection (SPEC_FULL.md
// §4 "fitree additionally exposes a Stats() call").
func (t *Tree) Stats() (map[uint32]LevelStats, error) {
	raw, err := t.loadSummary()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]LevelStats, len(raw))
	for age, s := range raw {
		out[age] = LevelStats{MinLevel: s.minLevel, NLevel: s.nLevel, MergeLevel: s.mergeLevel}
	}
	return out, nil
}

// Get looks up key, checking the in-progress fast-insert sub-tree first
// and then every sealed sub-tree in meta-tree order (youngest age and
// largest level first), so a more recent write always shadows an older
// one (spec.md §4.6's log-structured layering).
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	h := t.p.Header()
	if h.SubBlock != pager.InvalidPgno {
		sub := btree.Open(t.p, h.SubBlock)
		c := btree.NewCursor(sub)
		ok, err := c.Seek(key, btree.SeekEQ)
		if err != nil && !errors.Is(err, ferr.ErrNotFound) {
			return nil, false, err
		}
		if ok {
			v, err := c.Data()
			return v, true, err
		}
	}

	trees, err := t.allSealedTrees()
	if err != nil {
		return nil, false, err
	}
	for _, tr := range trees {
		c := btree.NewCursor(tr)
		ok, err := c.Seek(key, btree.SeekEQ)
		if err != nil && !errors.Is(err, ferr.ErrNotFound) {
			return nil, false, err
		}
		if ok {
			v, err := c.Data()
			return v, true, err
		}
	}
	return nil, false, nil
}

// allSealedTrees returns every registered sub-tree in meta-tree key
// order (skipping the reserved summary entry).
func (t *Tree) allSealedTrees() ([]*btree.BTree, error) {
	var trees []*btree.BTree
	c := btree.NewCursor(t.meta)
	ok, err := c.First()
	if err != nil {
		return nil, err
	}
	for ok {
		k, err := c.Key()
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(k, summaryKey) {
			v, err := c.Data()
			if err != nil {
				return nil, err
			}
			root := binary.BigEndian.Uint32(v)
			trees = append(trees, btree.Open(t.p, root))
		}
		ok, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return trees, nil
}
