package fitree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// MaybeScheduleMerge inspects the summary and, per spec.md §4.6 "merge
// scheduling", either extends an age already in progress or starts a new
// merge over the age with the largest number of sealed levels (at least
// nMinMerge). It reports whether a schedule is now busy and ready for
// RunScheduledMerge.
func (t *Tree) MaybeScheduleMerge() (bool, error) {
	sched, err := t.readSchedule()
	if err != nil {
		return false, err
	}
	if sched.busy == scheduleBusy {
		return true, nil
	}

	summary, err := t.loadSummary()
	if err != nil {
		return false, err
	}

	ages := make([]uint32, 0, len(summary))
	for age := range summary {
		ages = append(ages, age)
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })

	chosenAge, found := uint32(0), false
	for _, age := range ages {
		if summary[age].mergeLevel != 0 {
			chosenAge, found = age, true
			break
		}
	}
	if !found {
		var bestN uint32
		for _, age := range ages {
			s := summary[age]
			if s.nLevel >= nMinMerge && s.nLevel > bestN {
				chosenAge, bestN, found = age, s.nLevel, true
			}
		}
	}
	if !found {
		return false, nil
	}

	s := summary[chosenAge]
	newSched := schedule{
		busy:     scheduleBusy,
		age:      chosenAge,
		minLevel: s.minLevel,
		maxLevel: s.minLevel + s.nLevel - 1,
		outLevel: summary[chosenAge+1].minLevel + summary[chosenAge+1].nLevel,
	}
	for i := 0; i < nScheduleAlloc && i < maxScheduleBlocks; i++ {
		first, err := t.p.AllocBlock()
		if err != nil {
			return false, err
		}
		newSched.block[i] = first
	}

	s.mergeLevel = newSched.maxLevel
	summary[chosenAge] = s
	if err := t.storeSummary(summary); err != nil {
		return false, err
	}
	if err := t.writeSchedule(newSched); err != nil {
		return false, err
	}
	return true, t.p.Commit()
}

// subTreesForRange returns the sub-trees registered at age for levels
// [minLevel, maxLevel], ordered oldest level first. sealCurrentBlock
// numbers each new sub-tree minLevel+nLevel, so within an age a larger
// level is newer (the order Get relies on too); walking from minLevel up
// to maxLevel lets a newer level's value shadow an older one when keys
// collide.
func (t *Tree) subTreesForRange(age, minLevel, maxLevel uint32) ([]*btree.BTree, error) {
	var trees []*btree.BTree
	for level := minLevel; ; level++ {
		key := metaKey(age, level, nil)
		c := btree.NewCursor(t.meta)
		ok, err := c.Seek(key, btree.SeekEQ)
		if err != nil && !errors.Is(err, ferr.ErrNotFound) {
			return nil, err
		}
		if ok {
			v, err := c.Data()
			if err != nil {
				return nil, err
			}
			root := binary.BigEndian.Uint32(v)
			trees = append(trees, btree.Open(t.p, root))
		}
		if level == maxLevel {
			break
		}
	}
	return trees, nil
}

type mergedKV struct{ key, value []byte }

// flattenMerge walks every input tree oldest-first, so a key present in
// more than one input level ends up with the newest level's value.
func flattenMerge(trees []*btree.BTree) ([]mergedKV, error) {
	seen := map[string][]byte{}
	var order []string
	for _, tr := range trees {
		c := btree.NewCursor(tr)
		ok, err := c.First()
		if err != nil {
			return nil, err
		}
		for ok {
			k, err := c.Key()
			if err != nil {
				return nil, err
			}
			v, err := c.Data()
			if err != nil {
				return nil, err
			}
			ks := string(k)
			if _, exists := seen[ks]; !exists {
				order = append(order, ks)
			}
			seen[ks] = v
			ok, err = c.Next()
			if err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(order)
	out := make([]mergedKV, len(order))
	for i, k := range order {
		out[i] = mergedKV{key: []byte(k), value: seen[k]}
	}
	return out, nil
}

// RunScheduledMerge executes a busy schedule (spec.md §4.6 "merge
// execution", run by the checkpointer): every input sub-tree is merged
// in key order and re-inserted into a fresh output sub-tree, rotating
// through the schedule's reserved blocks on BLOCKFULL. The merge reuses
// internal/btree.Insert as the streamed writer rather than a hand-rolled
// hierarchy-building FiWriter — internal/btree already implements
// correct page-filling and splitting, and re-deriving the same
// algorithm as a second writer would only risk diverging from it (see
// DESIGN.md for this simplification).
func (t *Tree) RunScheduledMerge() error {
	sched, err := t.readSchedule()
	if err != nil {
		return err
	}
	if sched.busy != scheduleBusy {
		return nil
	}

	inputs, err := t.subTreesForRange(sched.age, sched.minLevel, sched.maxLevel)
	if err != nil {
		return err
	}
	merged, err := flattenMerge(inputs)
	if err != nil {
		return err
	}

	pagesPerBlock := t.pagesPerBlock()
	blockIdx := 0
	used := uint32(0)
	outBS := &blockStore{Pager: t.p, first: sched.block[0], pagesPerBlock: pagesPerBlock, used: &used}
	out, err := btree.Create(outBS)
	if err != nil {
		return err
	}

	for _, kv := range merged {
		if err := out.Insert(kv.key, kv.value); err != nil {
			if !errors.Is(err, ferr.ErrBlockFull) {
				return err
			}
			sched.root[blockIdx] = out.Root()
			blockIdx++
			if blockIdx >= len(sched.block) || sched.block[blockIdx] == pager.InvalidPgno {
				return fmt.Errorf("fitree: merge exhausted its %d scheduled blocks", nScheduleAlloc)
			}
			used = 0
			outBS = &blockStore{Pager: t.p, first: sched.block[blockIdx], pagesPerBlock: pagesPerBlock, used: &used}
			out, err = btree.Create(outBS)
			if err != nil {
				return err
			}
			if err := out.Insert(kv.key, kv.value); err != nil {
				return err
			}
		}
	}
	sched.root[blockIdx] = out.Root()
	sched.busy = scheduleDone
	if err := t.writeSchedule(sched); err != nil {
		return err
	}
	return t.p.Commit()
}

// IntegrateMerge performs spec.md §4.6 "merge integration": called by a
// writer at commit time once the checkpointer has marked the schedule
// done, it retires the consumed input levels, registers each populated
// output root under {age+1, outLevel+i}, frees unused reserved blocks,
// updates the summary, and resets the schedule to empty.
func (t *Tree) IntegrateMerge() error {
	sched, err := t.readSchedule()
	if err != nil {
		return err
	}
	if sched.busy != scheduleDone {
		return nil
	}

	for level := sched.minLevel; ; level++ {
		key := metaKey(sched.age, level, nil)
		if _, err := t.meta.Delete(key); err != nil {
			return err
		}
		if level == sched.maxLevel {
			break
		}
	}

	outAge := sched.age + 1
	var outIdx uint32
	usedBlocks := map[uint32]bool{}
	for i, root := range sched.root {
		if root == pager.InvalidPgno {
			continue
		}
		usedBlocks[sched.block[i]] = true
		key := metaKey(outAge, sched.outLevel+outIdx, nil)
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, root)
		if err := t.meta.Insert(key, val); err != nil {
			return err
		}
		outIdx++
	}
	for _, first := range sched.block {
		if first != pager.InvalidPgno && !usedBlocks[first] {
			if err := t.p.FreeBlock(first); err != nil {
				return err
			}
		}
	}

	summary, err := t.loadSummary()
	if err != nil {
		return err
	}
	in := summary[sched.age]
	in.nLevel -= sched.maxLevel - sched.minLevel + 1
	in.minLevel = sched.maxLevel + 1
	in.mergeLevel = 0
	summary[sched.age] = in

	outS := summary[outAge]
	outS.nLevel += outIdx
	summary[outAge] = outS
	if err := t.storeSummary(summary); err != nil {
		return err
	}

	t.p.Header().MetaRoot = t.meta.Root()
	if err := t.writeSchedule(schedule{}); err != nil {
		return err
	}
	return t.p.Commit()
}
