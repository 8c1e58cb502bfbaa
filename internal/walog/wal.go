package walog

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
	"github.com/SimonWaldherr/fitreedb/internal/shm"
)

// ReaderSlots abstracts the shared-memory reader-slot table so walog
// depends only on the shm package's typed accessors, not on lockmgr.
type ReaderSlots interface {
	ReadReaderSlot(i int) (shm.ReaderSlot, error)
}

// WAL is one open write-ahead log: the on-disk frame stream plus its
// shared-memory hash index (spec.md §3/§4.3).
type WAL struct {
	mu  sync.Mutex
	log zerolog.Logger

	file     osshim.File
	shmRegio *shm.Region
	pageSize int
	nSector  int

	topo     Topology
	lastSlot uint32 // monotonically increasing physical frame slot counter
	hashSide uint32 // flips on every Wrap (spec.md §4.3 "Wrapping to frame 1 flips iHashSide")
	cksum0   uint32
	cksum1   uint32
	salt1    uint32
	salt2    uint32
	iCnt     uint32 // mod-3 header counter, spec.md §4.3 iWalHdr
	curSlot  int    // 0 or 1: which on-disk header slot is current
}

// Open opens (or initializes) a WAL file and its shm companion region.
func Open(file osshim.File, region *shm.Region, pageSize int, log zerolog.Logger) (*WAL, error) {
	w := &WAL{
		file:     file,
		shmRegio: region,
		pageSize: pageSize,
		nSector:  sectorSizeOf(file),
		log:      log,
	}
	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		if err := w.initFresh(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func sectorSizeOf(f osshim.File) int {
	n := f.SectorSize()
	if n < osshim.DefaultSectorSize {
		n = osshim.DefaultSectorSize
	}
	return n
}

func (w *WAL) initFresh() error {
	w.salt1, w.salt2 = 0x9e3779b9, 0x85ebca6b
	hdr := WalHdr{Magic: walMagic, PageSize: uint32(w.pageSize), ICnt: 0, Salt1: w.salt1, Salt2: w.salt2}
	if err := w.writeHeaderSlot(0, hdr); err != nil {
		return err
	}
	w.curSlot = 0
	w.iCnt = 0
	w.topo.Reset()
	w.cksum0, w.cksum1 = w.salt1, w.salt2
	return w.shmRegio.WriteCheckpoint(shm.CheckpointHeader{
		IFirstRead:    0,
		IWalHdr:       shm.PackWalHdr(0, 0),
		IFirstRecover: 0,
	})
}

func (w *WAL) writeHeaderSlot(slot int, hdr WalHdr) error {
	buf := marshalWalHdr(hdr)
	off := int64(slot) * int64(w.nSector)
	if _, err := w.file.WriteAt(buf, off); err != nil {
		return err
	}
	return w.file.Sync(osshim.SyncFull)
}

// WriteFrame implements spec.md §4.3 "Writing a frame" steps 1-7.
// safety controls whether a commit frame pads/syncs/publishes (step 7).
func (w *WAL) WriteFrame(pgno uint32, page []byte, commit bool, newDBSize uint32, safety osshim.SyncMode, readers ReaderSlots) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	iFrame := w.nextFrame()

	chunkIdx, frameOff := w.chunkFor(iFrame)
	hc, err := w.shmRegio.HashChunkAt(chunkIdx)
	if err != nil {
		return 0, err
	}
	if frameOff == 0 {
		hc.Clear()
	}

	hdr := FrameHdr{Pgno: pgno, NPg: 0}
	if commit {
		hdr.NPg = newDBSize
	}
	s0, s1 := chainChecksum(w.cksum0, w.cksum1, headerChecksumBytes(hdr))
	s0, s1 = chainChecksum(s0, s1, page)
	hdr.Cksum = [2]uint32{s0, s1}

	buf := make([]byte, FrameHdrSize+len(page))
	marshalFrameHdr(hdr, buf)
	copy(buf[FrameHdrSize:], page)

	off := frameByteOffset(w.nSector, w.pageSize, iFrame)
	if _, err := w.file.WriteAt(buf, off); err != nil {
		return 0, err
	}

	w.cksum0, w.cksum1 = s0, s1
	hc.SetPgno(frameOff, pgno)
	hc.Insert(int(w.hashSide), frameOff, pgno)

	if commit {
		if safety >= osshim.SyncNormal {
			if err := w.file.Sync(safety); err != nil {
				return 0, err
			}
		}
		if err := w.publishCommit(iFrame); err != nil {
			return 0, err
		}
	}

	return iFrame, nil
}

// headerChecksumBytes returns the frame header bytes sans the checksum
// field itself, for chaining (spec.md §3).
func headerChecksumBytes(h FrameHdr) []byte {
	full := make([]byte, FrameHdrSize)
	marshalFrameHdr(h, full)
	return full[:12]
}

// nextFrame allocates the next physical slot (monotonically increasing —
// see Topology.Wrap's doc comment) and folds it into the topology,
// performing a region wrap first when warranted (spec.md §4.3 step 2).
func (w *WAL) nextFrame() uint32 {
	if w.topo.CanWrap() {
		w.topo.Wrap()
		w.hashSide ^= 1
	}
	w.lastSlot++
	w.topo.Extend(w.lastSlot)
	return w.lastSlot
}

// chunkFor maps a physical frame slot onto (chunkIndex, offsetWithinChunk).
func (w *WAL) chunkFor(frame uint32) (int, int) {
	remaining := int(frame) - 1
	chunk := 0
	for {
		cap := shm.FrameCapacity(chunk)
		if remaining < cap {
			return chunk, remaining
		}
		remaining -= cap
		chunk++
	}
}

// chunkBase returns the frame number (1-based) that offset 0 of chunk
// idx corresponds to, the inverse of chunkFor.
func chunkBase(idx int) uint32 {
	base := uint32(1)
	for c := 0; c < idx; c++ {
		base += uint32(shm.FrameCapacity(c))
	}
	return base
}

// publishCommit writes the next on-disk WAL header and the shm snapshot
// header, completing spec.md §4.3 step 7.
func (w *WAL) publishCommit(lastFrame uint32) error {
	w.curSlot = 1 - w.curSlot
	w.iCnt = (w.iCnt + 1) % 3
	hdr := WalHdr{
		Magic: walMagic, PageSize: uint32(w.pageSize), ICnt: w.iCnt,
		Salt1: w.salt1, Salt2: w.salt2, Cksum1: w.cksum0, Cksum2: w.cksum1,
		FirstFrame: w.topo.InOrder()[0].Lo,
	}
	if err := w.writeHeaderSlot(w.curSlot, hdr); err != nil {
		return err
	}

	snap := shm.SnapshotHeader{
		ALog:        [6]uint32{w.topo.A.Lo, w.topo.A.Hi, w.topo.B.Lo, w.topo.B.Hi, w.topo.C.Lo, w.topo.C.Hi},
		NSector:     uint32(w.nSector),
		IHashSide:   w.hashSide,
		AFrameCksum: [2]uint32{w.cksum0, w.cksum1},
		INextFrame:  lastFrame + 1,
	}
	return w.shmRegio.PublishSnapshot(snap)
}

// CurrentFrame returns the most recently allocated physical frame slot,
// the horizon a writer uses to see its own just-written frames.
func (w *WAL) CurrentFrame() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSlot
}

// ReadPage finds the newest frame image of pgno visible at or before
// logical horizon iSafe, scanning regions c,b,a in that order (spec.md
// §4.3 "Reading a page at frame-horizon iSafe"). ok=false means no frame
// in the log holds pgno at or before iSafe; the caller must fall back to
// the database file.
func (w *WAL) ReadPage(pgno uint32, iSafe uint32) (page []byte, frame uint32, ok bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	safeIdx, _ := w.topo.Idx(iSafe)
	order := w.topo.InOrder()
	var best uint32
	for i := len(order) - 1; i >= 0; i-- {
		r := order[i]
		if r.Empty() {
			continue
		}
		side := int(w.hashSide)
		if i == 0 {
			// Region A was indexed before the last wrap flipped the side.
			side ^= 1
		}
		chunk0, _ := w.chunkFor(r.Lo)
		chunkLast, _ := w.chunkFor(r.Hi)
		for c := chunkLast; c >= chunk0; c-- {
			hc, herr := w.shmRegio.HashChunkAt(c)
			if herr != nil {
				return nil, 0, false, herr
			}
			hc.Probe(side, pgno, func(frameOff int) bool {
				candidate := chunkBase(c) + uint32(frameOff)
				if !r.Contains(candidate) {
					return true
				}
				idx, isIn := w.topo.Idx(candidate)
				if isIn && idx <= safeIdx && candidate > best {
					best = candidate
				}
				return true
			})
		}
	}
	if best == 0 {
		return nil, 0, false, nil
	}
	buf := make([]byte, FrameHdrSize+w.pageSize)
	off := frameByteOffset(w.nSector, w.pageSize, best)
	if err := readExact(w.file, buf, off); err != nil {
		return nil, 0, false, err
	}
	return buf[FrameHdrSize:], best, true, nil
}

// SafeFrame computes the checkpoint horizon: the earliest frame pinned by
// any reader slot, optionally bounded by leaveUnchecked frames left
// unpublished at the tail (spec.md §4.3 "Checkpoint" step i).
func (w *WAL) SafeFrame(readers ReaderSlots, nReaderSlots int, leaveUnchecked uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	last := w.topo.C.Hi
	if last == 0 {
		return 0
	}
	safe := last
	if leaveUnchecked > 0 && safe > leaveUnchecked {
		safe -= leaveUnchecked
	}
	for i := 0; i < nReaderSlots; i++ {
		s, err := readers.ReadReaderSlot(i)
		if err != nil || s.IFirst == 0 {
			continue
		}
		if idx, ok := w.topo.Idx(s.IFirst); ok {
			if safeIdx, _ := w.topo.Idx(safe); idx < safeIdx {
				safe = s.IFirst
			}
		}
	}
	return safe
}
