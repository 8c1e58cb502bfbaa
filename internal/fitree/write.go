package fitree

import (
	"encoding/binary"
	"errors"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// blockStore adapts *pager.Pager into a btree.Store whose AllocPage is
// restricted to linear allocation within one pre-reserved block (spec.md
// §4.6 "Non-overflow page allocations during fast insert are strictly
// linear within that block"), returning ferr.ErrBlockFull once the block
// is exhausted rather than extending the file.
type blockStore struct {
	*pager.Pager
	first         uint32
	pagesPerBlock uint32
	used          *uint32
}

func (b *blockStore) AllocPage() (uint32, error) {
	if *b.used >= b.pagesPerBlock {
		return 0, ferr.ErrBlockFull
	}
	pgno := b.first + *b.used
	*b.used++
	return pgno, nil
}

func (t *Tree) currentBlockStore() *blockStore {
	h := t.p.Header()
	return &blockStore{
		Pager:         t.p,
		first:         h.SubBlock,
		pagesPerBlock: t.pagesPerBlock(),
		used:          &h.SubBlockNPg,
	}
}

// Insert writes key→value into the current fast-insert sub-tree
// (spec.md §4.6). When the current block reports BLOCKFULL it seals the
// sub-tree into the meta-tree, attempts to schedule a merge, and opens a
// fresh block transparently.
func (t *Tree) Insert(key, value []byte) error {
	h := t.p.Header()
	if h.SubBlock == pager.InvalidPgno {
		first, err := t.p.AllocBlock()
		if err != nil {
			return err
		}
		h.SubBlock = first
		h.SubBlockNPg = 0
	}

	bs := t.currentBlockStore()
	var sub *btree.BTree
	var err error
	if h.SubBlockNPg == 0 {
		sub, err = btree.Create(bs)
	} else {
		sub = btree.Open(bs, h.SubBlock)
	}
	if err != nil {
		return err
	}

	if err := sub.Insert(key, value); err != nil {
		if errors.Is(err, ferr.ErrBlockFull) {
			if sealErr := t.sealCurrentBlock(); sealErr != nil {
				return sealErr
			}
			if _, schedErr := t.MaybeScheduleMerge(); schedErr != nil {
				return schedErr
			}
			return t.Insert(key, value)
		}
		return err
	}
	return t.p.Commit()
}

// sealCurrentBlock registers the current sub-tree in the meta-tree under
// {age=0, ~level=newLevel} and clears the header's in-progress block so
// the next Insert starts a fresh one (spec.md §4.6 "A sub-tree is then
// sealed and registered in the meta-tree..."; "Summary maintenance").
func (t *Tree) sealCurrentBlock() error {
	h := t.p.Header()
	summary, err := t.loadSummary()
	if err != nil {
		return err
	}
	s := summary[0]
	level := s.minLevel + s.nLevel
	s.nLevel++
	summary[0] = s
	if err := t.storeSummary(summary); err != nil {
		return err
	}

	key := metaKey(0, level, nil)
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, h.SubBlock)
	if err := t.meta.Insert(key, val); err != nil {
		return err
	}

	h.MetaRoot = t.meta.Root()
	h.SubBlock = pager.InvalidPgno
	h.SubBlockNPg = 0
	return nil
}
