package fitree

import (
	"encoding/binary"

	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// Schedule states (spec.md "Schedule object": "States: empty / busy / done").
const (
	scheduleEmpty = 0
	scheduleBusy  = 1
	scheduleDone  = 2
)

// maxScheduleBlocks is the fixed array size of aBlock[]/aRoot[] (spec.md
// "Schedule object": "aBlock[32]... aRoot[32]").
const maxScheduleBlocks = 32

// schedule is the spec.md "Schedule object": "{eBusy, iAge, iMinLevel,
// iMaxLevel, iOutLevel, aBlock[32], iNextPg, iNextCell, iFreeList,
// aRoot[32]} all u32 big-endian; stored on exactly one database page."
type schedule struct {
	busy     uint32
	age      uint32
	minLevel uint32
	maxLevel uint32
	outLevel uint32
	block    [maxScheduleBlocks]uint32
	nextPg   uint32
	nextCell uint32
	freeList uint32
	root     [maxScheduleBlocks]uint32
}

const scheduleWireSize = (5 + maxScheduleBlocks + 3 + maxScheduleBlocks) * 4

func marshalSchedule(s schedule) []byte {
	buf := make([]byte, scheduleWireSize)
	off := 0
	put := func(v uint32) { binary.BigEndian.PutUint32(buf[off:], v); off += 4 }
	put(s.busy)
	put(s.age)
	put(s.minLevel)
	put(s.maxLevel)
	put(s.outLevel)
	for _, b := range s.block {
		put(b)
	}
	put(s.nextPg)
	put(s.nextCell)
	put(s.freeList)
	for _, r := range s.root {
		put(r)
	}
	return buf
}

func unmarshalSchedule(buf []byte) schedule {
	off := 0
	get := func() uint32 { v := binary.BigEndian.Uint32(buf[off:]); off += 4; return v }
	var s schedule
	s.busy = get()
	s.age = get()
	s.minLevel = get()
	s.maxLevel = get()
	s.outLevel = get()
	for i := range s.block {
		s.block[i] = get()
	}
	s.nextPg = get()
	s.nextCell = get()
	s.freeList = get()
	for i := range s.root {
		s.root[i] = get()
	}
	return s
}

func (t *Tree) readSchedule() (schedule, error) {
	h := t.p.Header()
	if h.SchedulePg == pager.InvalidPgno {
		return schedule{}, nil
	}
	buf, err := t.p.ReadPage(h.SchedulePg)
	if err != nil {
		return schedule{}, err
	}
	return unmarshalSchedule(buf[:scheduleWireSize]), nil
}

func (t *Tree) writeSchedule(s schedule) error {
	h := t.p.Header()
	if h.SchedulePg == pager.InvalidPgno {
		pgno, err := t.p.AllocPage()
		if err != nil {
			return err
		}
		h.SchedulePg = pgno
	}
	buf := make([]byte, t.p.PageSize())
	copy(buf, marshalSchedule(s))
	return t.p.WritePage(h.SchedulePg, buf)
}
