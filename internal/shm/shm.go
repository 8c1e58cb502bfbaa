// Package shm implements the shared-memory layout of spec.md §3/§4.3/§6:
// two copies of a snapshot header, a checkpoint header, N reader slots,
// and a growing array of hash chunks, all living inside osshim.ShmRegion
// chunks of ChunkSize bytes (spec.md §6 "Chunked in 48 KiB regions").
package shm

import (
	"encoding/binary"

	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/lockmgr"
	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

// ChunkSize is the shared-memory allocation granularity (spec.md §6).
const ChunkSize = 48 * 1024

// NFrame is the number of page numbers indexed by one hash chunk
// (HASHTABLE_NFRAME in spec.md §3/§4.3). NSlot is sized at 2x per the
// spec's open-addressing load factor.
const (
	NFrame = 4096
	NSlot  = 2 * NFrame
)

// NReaders mirrors lockmgr.NReaders: one reader-slot window per reader
// lock slot.
const NReaders = lockmgr.NReaders

// Header sizes, in bytes, of the fixed part of chunk 0 (spec.md §6 "Chunk
// 0 begins with the BtShm ... immediately followed by the first hash
// chunk's aPgno[NFrameOne] and two aHash[NSlot] arrays").
const (
	snapshotHdrSize   = 6*4 + 4 + 4 + 2*4 + 4 + dbHeaderCacheSize + 8 // aLog,nSector,iHashSide,aFrameCksum,iNextFrame,dbhdr,cksum
	dbHeaderCacheSize = 64
	checkpointHdrSize = 4 * 3
	readerSlotSize    = 4 * 2
	btShmSize         = 2*snapshotHdrSize + checkpointHdrSize + NReaders*readerSlotSize
	hashChunkHdrSize  = NFrame*4 + 2*NSlot*2
)

// NFrameOne is how many frame slots fit in chunk 0 after the BtShm header;
// later chunks are homogeneous hash chunks with NFrame each.
var NFrameOne = func() int {
	// Both hash-slot sides keep their full NSlot entries in every chunk;
	// only the page-number array shrinks in chunk 0.
	remaining := ChunkSize - btShmSize - 2*NSlot*2
	n := remaining / 4
	if n > NFrame {
		n = NFrame
	}
	if n < 0 {
		n = 0
	}
	return n
}()

// SnapshotHeader is the in-memory-native-order header written twice with a
// barrier between (spec.md §3 "Stored with a two-word additive checksum",
// §5 "Ordering guarantees").
type SnapshotHeader struct {
	ALog        [6]uint32
	NSector     uint32
	IHashSide   uint32
	AFrameCksum [2]uint32
	INextFrame  uint32
	DBHeader    [dbHeaderCacheSize]byte
}

// CheckpointHeader tracks the read/recovery frame horizons (spec.md §4.3).
// IWalHdr encodes (slot<<2 | cnt): which of the two on-disk WAL headers is
// current, and its mod-3 counter.
type CheckpointHeader struct {
	IFirstRead    uint32
	IWalHdr       uint32
	IFirstRecover uint32
}

func (h IWalHdr) Slot() int { return int(h >> 2) }
func (h IWalHdr) Cnt() int  { return int(h & 3) }

// IWalHdr is the packed (slot, counter) representation of
// CheckpointHeader.IWalHdr.
type IWalHdr uint32

func PackWalHdr(slot, cnt int) uint32 { return uint32(slot<<2) | uint32(cnt&3) }

// ReaderSlot is a reader's pinned frame window (spec.md §5).
type ReaderSlot struct {
	IFirst uint32
	ILast  uint32
}

// Region wraps an osshim.ShmRegion with typed accessors for the fixed
// header and the growing hash-chunk array.
type Region struct {
	shm osshim.ShmRegion
}

func Open(shmRegion osshim.ShmRegion) *Region { return &Region{shm: shmRegion} }

func (r *Region) chunk0() ([]byte, error) { return r.shm.Chunk(0) }

// ReadSnapshot reads copy `side` (0 or 1) of the snapshot header.
func (r *Region) ReadSnapshot(side int) (SnapshotHeader, error) {
	var h SnapshotHeader
	c0, err := r.chunk0()
	if err != nil {
		return h, err
	}
	off := side * snapshotHdrSize
	buf := c0[off : off+snapshotHdrSize]
	for i := range h.ALog {
		h.ALog[i] = nativeOrder.Uint32(buf[i*4:])
	}
	p := 24
	h.NSector = nativeOrder.Uint32(buf[p:])
	h.IHashSide = nativeOrder.Uint32(buf[p+4:])
	h.AFrameCksum[0] = nativeOrder.Uint32(buf[p+8:])
	h.AFrameCksum[1] = nativeOrder.Uint32(buf[p+12:])
	h.INextFrame = nativeOrder.Uint32(buf[p+16:])
	copy(h.DBHeader[:], buf[p+20:p+20+dbHeaderCacheSize])
	stored := nativeOrder.Uint64(buf[snapshotHdrSize-8:])
	if stored != checksum(buf[:snapshotHdrSize-8]) {
		return h, ferr.ErrProtocol
	}
	return h, nil
}

// WriteSnapshot writes copy `side`, computing the checksum over the
// preceding bytes (spec.md §6 "Multi-byte integers ... in-memory snapshot
// headers (native byte order, with checksum computed with an
// endian-aware routine)").
func (r *Region) WriteSnapshot(side int, h SnapshotHeader) error {
	c0, err := r.chunk0()
	if err != nil {
		return err
	}
	off := side * snapshotHdrSize
	buf := c0[off : off+snapshotHdrSize]
	for i, v := range h.ALog {
		nativeOrder.PutUint32(buf[i*4:], v)
	}
	p := 24
	nativeOrder.PutUint32(buf[p:], h.NSector)
	nativeOrder.PutUint32(buf[p+4:], h.IHashSide)
	nativeOrder.PutUint32(buf[p+8:], h.AFrameCksum[0])
	nativeOrder.PutUint32(buf[p+12:], h.AFrameCksum[1])
	nativeOrder.PutUint32(buf[p+16:], h.INextFrame)
	copy(buf[p+20:p+20+dbHeaderCacheSize], h.DBHeader[:])
	nativeOrder.PutUint64(buf[snapshotHdrSize-8:], checksum(buf[:snapshotHdrSize-8]))
	return nil
}

// ReadSnapshotConsistent loops reading both copies until they agree,
// implementing spec.md §5's lock-free linearisable-visibility protocol.
func (r *Region) ReadSnapshotConsistent() (SnapshotHeader, error) {
	for {
		a, errA := r.ReadSnapshot(0)
		r.shm.Barrier()
		b, errB := r.ReadSnapshot(1)
		if errA == nil && errB == nil && a == b {
			return a, nil
		}
		if errA != nil && errB != nil {
			return SnapshotHeader{}, ferr.ErrProtocol
		}
		// Retry: a writer may be mid-publish.
	}
}

// PublishSnapshot writes both copies with a barrier between them (spec.md
// §4.3 step 7, §5 "Ordering guarantees").
func (r *Region) PublishSnapshot(h SnapshotHeader) error {
	if err := r.WriteSnapshot(0, h); err != nil {
		return err
	}
	r.shm.Barrier()
	return r.WriteSnapshot(1, h)
}

func (r *Region) checkpointOff() int { return 2 * snapshotHdrSize }

func (r *Region) ReadCheckpoint() (CheckpointHeader, error) {
	var ck CheckpointHeader
	c0, err := r.chunk0()
	if err != nil {
		return ck, err
	}
	off := r.checkpointOff()
	ck.IFirstRead = nativeOrder.Uint32(c0[off:])
	ck.IWalHdr = nativeOrder.Uint32(c0[off+4:])
	ck.IFirstRecover = nativeOrder.Uint32(c0[off+8:])
	return ck, nil
}

func (r *Region) WriteCheckpoint(ck CheckpointHeader) error {
	c0, err := r.chunk0()
	if err != nil {
		return err
	}
	off := r.checkpointOff()
	nativeOrder.PutUint32(c0[off:], ck.IFirstRead)
	nativeOrder.PutUint32(c0[off+4:], ck.IWalHdr)
	nativeOrder.PutUint32(c0[off+8:], ck.IFirstRecover)
	return nil
}

func (r *Region) readerSlotOff(i int) int {
	return r.checkpointOff() + checkpointHdrSize + i*readerSlotSize
}

func (r *Region) ReadReaderSlot(i int) (ReaderSlot, error) {
	var s ReaderSlot
	c0, err := r.chunk0()
	if err != nil {
		return s, err
	}
	off := r.readerSlotOff(i)
	s.IFirst = nativeOrder.Uint32(c0[off:])
	s.ILast = nativeOrder.Uint32(c0[off+4:])
	return s, nil
}

func (r *Region) WriteReaderSlot(i int, s ReaderSlot) error {
	c0, err := r.chunk0()
	if err != nil {
		return err
	}
	off := r.readerSlotOff(i)
	nativeOrder.PutUint32(c0[off:], s.IFirst)
	nativeOrder.PutUint32(c0[off+4:], s.ILast)
	return nil
}

func checksum(buf []byte) uint64 {
	var s0, s1 uint32
	for i := 0; i+8 <= len(buf); i += 8 {
		s0 += nativeOrder.Uint32(buf[i:])
		s1 += nativeOrder.Uint32(buf[i+4:])
	}
	return uint64(s0)<<32 | uint64(s1)
}

// nativeOrder is the endian-aware routine of spec.md §6/§9: shared-memory
// headers are native byte order, but the checksum itself is computed the
// same way regardless of host endianness, so two processes of differing
// endianness detect a mismatch (via ErrProtocol) instead of corrupting
// state.
var nativeOrder = binary.NativeEndian
