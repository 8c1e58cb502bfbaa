// Package walog implements the write-ahead log of spec.md §3/§4.3: frame
// format, the shared-memory hash index (via internal/shm), recovery, and
// checkpoint. Frames are written through osshim.File without buffering —
// durability is the caller's responsibility via Sync.
package walog

import (
	"encoding/binary"
	"io"

	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

// FrameHdrSize is sizeof(BtFrameHdr) in spec.md §3/§6:
// {pgno:u32, iNext:u32, nPg:u32, cksum[2]:u32}, big-endian on disk.
const FrameHdrSize = 4 * 5

// FrameHdr is one WAL frame header.
type FrameHdr struct {
	Pgno  uint32
	INext uint32 // logical-chain link (spec.md §3 "permits non-contiguous frame layout")
	NPg   uint32 // 0 = non-commit frame; >0 = commit frame, new DB size
	Cksum [2]uint32
}

func (h FrameHdr) IsCommit() bool { return h.NPg > 0 }

func marshalFrameHdr(h FrameHdr, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:], h.Pgno)
	binary.BigEndian.PutUint32(buf[4:], h.INext)
	binary.BigEndian.PutUint32(buf[8:], h.NPg)
	binary.BigEndian.PutUint32(buf[12:], h.Cksum[0])
	binary.BigEndian.PutUint32(buf[16:], h.Cksum[1])
}

func unmarshalFrameHdr(buf []byte) FrameHdr {
	return FrameHdr{
		Pgno:  binary.BigEndian.Uint32(buf[0:]),
		INext: binary.BigEndian.Uint32(buf[4:]),
		NPg:   binary.BigEndian.Uint32(buf[8:]),
		Cksum: [2]uint32{binary.BigEndian.Uint32(buf[12:]), binary.BigEndian.Uint32(buf[16:])},
	}
}

// WalHdrSize is the on-disk WAL header size; two copies live at offset 0
// and offset nSector (spec.md §4.3/§6).
const WalHdrSize = 32

const walMagic = uint32(0x46695741) // "FiWA"

// WalHdr is one of the two candidate on-disk WAL headers.
type WalHdr struct {
	Magic        uint32
	PageSize     uint32
	ICnt         uint32 // 0,1,2 mod-3 counter (spec.md §4.3 iWalHdr)
	Salt1, Salt2 uint32
	Cksum1       uint32
	Cksum2       uint32
	FirstFrame   uint32
}

func marshalWalHdr(h WalHdr) []byte {
	buf := make([]byte, WalHdrSize)
	binary.BigEndian.PutUint32(buf[0:], h.Magic)
	binary.BigEndian.PutUint32(buf[4:], h.PageSize)
	binary.BigEndian.PutUint32(buf[8:], h.ICnt)
	binary.BigEndian.PutUint32(buf[12:], h.Salt1)
	binary.BigEndian.PutUint32(buf[16:], h.Salt2)
	binary.BigEndian.PutUint32(buf[20:], h.Cksum1)
	binary.BigEndian.PutUint32(buf[24:], h.Cksum2)
	binary.BigEndian.PutUint32(buf[28:], h.FirstFrame)
	return buf
}

func unmarshalWalHdr(buf []byte) (WalHdr, error) {
	var h WalHdr
	if len(buf) < WalHdrSize {
		return h, ferr.ErrCorrupt
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:])
	if h.Magic != walMagic {
		return h, ferr.ErrNotADB
	}
	h.PageSize = binary.BigEndian.Uint32(buf[4:])
	h.ICnt = binary.BigEndian.Uint32(buf[8:])
	h.Salt1 = binary.BigEndian.Uint32(buf[12:])
	h.Salt2 = binary.BigEndian.Uint32(buf[16:])
	h.Cksum1 = binary.BigEndian.Uint32(buf[20:])
	h.Cksum2 = binary.BigEndian.Uint32(buf[24:])
	h.FirstFrame = binary.BigEndian.Uint32(buf[28:])
	return h, nil
}

// chainChecksum folds buf into the running salts s0,s1 eight bytes at a
// time, plus a trailing 4-byte word into s0, the same way over every frame
// header (sans its own checksum field) and page image (spec.md §3 "Frame checksum seeds from
// the WAL header salts and chains through the header and page image of
// every frame").
func chainChecksum(s0, s1 uint32, buf []byte) (uint32, uint32) {
	for i := 0; i+8 <= len(buf); i += 8 {
		s0 += binary.BigEndian.Uint32(buf[i:]) + s1
		s1 += binary.BigEndian.Uint32(buf[i+4:]) + s0
	}
	if tail := len(buf) % 8; tail >= 4 {
		s0 += binary.BigEndian.Uint32(buf[len(buf)-tail:]) + s1
		s1 += s0
	}
	return s0, s1
}

// frameByteOffset returns the on-disk byte offset of frame index iFrame
// (1-based) given sector size and page size.
func frameByteOffset(nSector int, pageSize int, iFrame uint32) int64 {
	return int64(2*nSector) + int64(iFrame-1)*int64(FrameHdrSize+pageSize)
}

func readExact(f osshim.File, buf []byte, off int64) error {
	n, err := f.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}
