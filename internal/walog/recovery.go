package walog

import (
	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/shm"
)

// Recover implements spec.md §4.3 "Recovery": pick the freshest valid
// on-disk WAL header, walk frames from frame 1 (the header's FirstFrame
// field is not consulted), verifying the chained checksum, stopping at the
// last checksum match; remember the last commit frame and discard anything
// after it from the topology. The salt chain is
// reseeded from the chosen header and then re-adopted from the last
// commit frame found, and the shared-memory hash index is rebuilt from
// scratch so a stale or absent shm region never leaks post-crash state.
//
// Returns the new database page count from the last commit frame (0 if
// the WAL held no committed frames and the database file's own size
// should be trusted instead).
func (w *WAL) Recover() (newDBSize uint32, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hdr, slot, err := w.pickFreshestHeader()
	if err != nil {
		return 0, err
	}
	w.curSlot = slot
	w.iCnt = hdr.ICnt
	w.salt1, w.salt2 = hdr.Salt1, hdr.Salt2
	s0, s1 := hdr.Salt1, hdr.Salt2

	// Clear every hash chunk we are about to rebuild.
	for c := 0; ; c++ {
		hc, herr := w.shmRegio.HashChunkAt(c)
		if herr != nil {
			return 0, herr
		}
		hc.Clear()
		if c >= 4 { // bound the eager-clear pass; later chunks clear lazily on first write
			break
		}
	}

	var lastCommitSize uint32
	var lastCommitS0, lastCommitS1 uint32
	var lastCommitFrame uint32

	buf := make([]byte, FrameHdrSize+w.pageSize)
	for frame := uint32(1); ; frame++ {
		off := frameByteOffset(w.nSector, w.pageSize, frame)
		size, serr := w.file.Size()
		if serr != nil {
			return 0, serr
		}
		if off+int64(len(buf)) > size {
			break
		}
		if rerr := readExact(w.file, buf, off); rerr != nil {
			break
		}
		fh := unmarshalFrameHdr(buf[:FrameHdrSize])
		if fh.Pgno == 0 {
			break // never-written slot
		}
		cs0, cs1 := chainChecksum(s0, s1, buf[:12])
		cs0, cs1 = chainChecksum(cs0, cs1, buf[FrameHdrSize:])
		if cs0 != fh.Cksum[0] || cs1 != fh.Cksum[1] {
			break
		}
		s0, s1 = cs0, cs1

		chunkIdx, frameOff := w.chunkFor(frame)
		hc, herr := w.shmRegio.HashChunkAt(chunkIdx)
		if herr != nil {
			return 0, herr
		}
		hc.SetPgno(frameOff, fh.Pgno)
		hc.Insert(int(w.hashSide), frameOff, fh.Pgno)

		if fh.IsCommit() {
			lastCommitSize = fh.NPg
			lastCommitS0, lastCommitS1 = s0, s1
			lastCommitFrame = frame
		}
	}

	w.topo = Topology{C: Region{}}
	if lastCommitFrame > 0 {
		w.topo.C = Region{Lo: 1, Hi: lastCommitFrame}
	}
	w.lastSlot = lastCommitFrame
	w.hashSide = 0
	if lastCommitSize > 0 {
		w.cksum0, w.cksum1 = lastCommitS0, lastCommitS1
	} else {
		w.cksum0, w.cksum1 = hdr.Salt1, hdr.Salt2
	}

	firstFrame := uint32(0)
	if lastCommitFrame > 0 {
		firstFrame = 1
	}
	if err := w.shmRegio.WriteCheckpoint(shm.CheckpointHeader{
		IFirstRead:    firstFrame,
		IWalHdr:       shm.PackWalHdr(w.curSlot, int(w.iCnt)),
		IFirstRecover: firstFrame,
	}); err != nil {
		return 0, err
	}

	snap := shm.SnapshotHeader{
		ALog:        [6]uint32{w.topo.A.Lo, w.topo.A.Hi, w.topo.B.Lo, w.topo.B.Hi, w.topo.C.Lo, w.topo.C.Hi},
		NSector:     uint32(w.nSector),
		IHashSide:   w.hashSide,
		AFrameCksum: [2]uint32{w.cksum0, w.cksum1},
		INextFrame:  lastCommitFrame + 1,
	}
	if err := w.shmRegio.PublishSnapshot(snap); err != nil {
		return 0, err
	}

	return lastCommitSize, nil
}

// pickFreshestHeader implements spec.md §4.3's header-selection rule:
// prefer whichever of the two candidate headers (offset 0 and offset
// nSector) has the later iCnt mod 3, falling back to offset 0 if the
// second is invalid, or scanning power-of-two offsets if offset 0 itself
// is invalid.
func (w *WAL) pickFreshestHeader() (WalHdr, int, error) {
	buf0 := make([]byte, WalHdrSize)
	h0err := readExact(w.file, buf0, 0)
	h0, parseErr0 := unmarshalWalHdr(buf0)
	valid0 := h0err == nil && parseErr0 == nil

	buf1 := make([]byte, WalHdrSize)
	h1err := readExact(w.file, buf1, int64(w.nSector))
	h1, parseErr1 := unmarshalWalHdr(buf1)
	valid1 := h1err == nil && parseErr1 == nil

	switch {
	case valid0 && valid1:
		if laterCnt(h1.ICnt, h0.ICnt) {
			return h1, 1, nil
		}
		return h0, 0, nil
	case valid0:
		return h0, 0, nil
	case valid1:
		return h1, 1, nil
	}

	// Both candidate offsets are invalid: scan powers-of-two offsets for
	// a recoverable header, per spec.md §4.3.
	for shift := 9; shift <= 20; shift++ {
		off := int64(1) << uint(shift)
		buf := make([]byte, WalHdrSize)
		if err := readExact(w.file, buf, off); err != nil {
			continue
		}
		if h, err := unmarshalWalHdr(buf); err == nil {
			return h, 0, nil
		}
	}
	return WalHdr{}, 0, ferr.ErrCorrupt
}

// laterCnt reports whether a is "later" than b under mod-3 wraparound
// (spec.md §4.3 iWalHdr's 3-counter 0→1→2→0).
func laterCnt(a, b uint32) bool {
	return (a+3-b)%3 == 1
}
