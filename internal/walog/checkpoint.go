package walog

import "github.com/SimonWaldherr/fitreedb/internal/shm"

// PageWriter is the narrow callback the pager package satisfies so
// walog can write checkpointed pages back to the database file without
// walog importing pager (spec.md §4.3 "Checkpoint" step iii).
type PageWriter interface {
	WritePage(pgno uint32, data []byte) error
	Sync() error
}

// Checkpoint implements spec.md §4.3 "Checkpoint": find the frame
// horizon no reader still needs, write the latest version of every page
// touched at or before that horizon back to the database file, then
// advance iFirstRead/iFirstRecover in the shared-memory checkpoint header.
// The on-disk WAL headers are not rewritten here, so a later recovery
// still walks the checkpointed frames.
//
// Returns the frame horizon actually checkpointed (0 if there was
// nothing new to checkpoint).
func (w *WAL) Checkpoint(writer PageWriter, readers ReaderSlots, nReaderSlots int, leaveUnchecked uint32) (uint32, error) {
	safe := w.SafeFrame(readers, nReaderSlots, leaveUnchecked)
	if safe == 0 {
		return 0, nil
	}

	w.mu.Lock()
	order := w.topo.InOrder()
	var first uint32
	for _, r := range order {
		if !r.Empty() {
			first = r.Lo
			break
		}
	}
	w.mu.Unlock()
	if first == 0 || safe < first {
		return 0, nil
	}

	// Ascending walk: later frames overwrite earlier ones in the map, so
	// each pgno ends up mapped to its newest version at-or-before safe.
	latest := make(map[uint32]uint32)
	for frame := first; frame <= safe; frame++ {
		w.mu.Lock()
		inTopo, ok := w.topo.Idx(frame)
		_ = inTopo
		if !ok {
			w.mu.Unlock()
			continue
		}
		buf := make([]byte, FrameHdrSize+w.pageSize)
		off := frameByteOffset(w.nSector, w.pageSize, frame)
		err := readExact(w.file, buf, off)
		w.mu.Unlock()
		if err != nil {
			continue // slot was never written (can happen past a gap); skip
		}
		fh := unmarshalFrameHdr(buf[:FrameHdrSize])
		if fh.Pgno == 0 {
			continue
		}
		latest[fh.Pgno] = frame
	}

	for pgno, frame := range latest {
		buf := make([]byte, FrameHdrSize+w.pageSize)
		off := frameByteOffset(w.nSector, w.pageSize, frame)
		if err := readExact(w.file, buf, off); err != nil {
			return 0, err
		}
		if err := writer.WritePage(pgno, buf[FrameHdrSize:]); err != nil {
			return 0, err
		}
	}
	if err := writer.Sync(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.topo.TrimThrough(safe)

	if err := w.shmRegio.WriteCheckpoint(shm.CheckpointHeader{
		IFirstRead:    safe + 1,
		IWalHdr:       shm.PackWalHdr(w.curSlot, int(w.iCnt)),
		IFirstRecover: safe + 1,
	}); err != nil {
		return 0, err
	}

	snap := shm.SnapshotHeader{
		ALog:        [6]uint32{w.topo.A.Lo, w.topo.A.Hi, w.topo.B.Lo, w.topo.B.Hi, w.topo.C.Lo, w.topo.C.Hi},
		NSector:     uint32(w.nSector),
		IHashSide:   w.hashSide,
		AFrameCksum: [2]uint32{w.cksum0, w.cksum1},
		INextFrame:  w.lastSlot + 1,
	}
	if err := w.shmRegio.PublishSnapshot(snap); err != nil {
		return 0, err
	}

	return safe, nil
}
