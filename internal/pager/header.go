// Package pager implements the transactional page cache of spec.md §3/§4.4:
// the persistent database header, the two trunk-and-leaf free lists, the
// page cache/LRU/dirty-list/savepoint stack, and the glue between the
// B-tree layer and internal/walog.
package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/SimonWaldherr/fitreedb/internal/ferr"
)

const (
	// DefaultPageSize matches spec.md §3 "default 1024 bytes".
	DefaultPageSize = 1024
	MinPageSize     = 512
	MaxPageSize     = 32768

	// DefaultBlockSize matches spec.md §3 "default 512 KiB".
	DefaultBlockSize = 512 * 1024

	// HeaderPgno is page 1, "the canonical database header".
	HeaderPgno = 1

	// InvalidPgno marks a null page pointer (0 is never allocated).
	InvalidPgno = 0
)

const headerMagic = "FiTreeDB"

// The constants below give the byte layout of the persistent database header
// (spec.md §3 "Database header"), big-endian, sans the trailing two-word
// additive checksum which is appended by Marshal/verified by Unmarshal.
const (
	hMagicOff        = 0
	hPageSizeOff      = hMagicOff + 8   // 8
	hBlockSizeOff     = hPageSizeOff + 4 // 12
	hPageCountOff     = hBlockSizeOff + 4 // 16
	hMainRootOff      = hPageCountOff + 4 // 20
	hMetaRootOff      = hMainRootOff + 4 // 24
	hSchedulePgOff    = hMetaRootOff + 4 // 28
	hSubBlockOff      = hSchedulePgOff + 4 // 32
	hSubBlockNPgOff   = hSubBlockOff + 4 // 36
	hSchemaCookieOff  = hSubBlockNPgOff + 4 // 40
	hFreePageTrunkOff = hSchemaCookieOff + 4 // 44
	hFreeBlockTrunkOff = hFreePageTrunkOff + 4 // 48
	headerBodySize    = hFreeBlockTrunkOff + 4 // 52
	headerChecksumLen = 8
	headerTotalSize   = headerBodySize + headerChecksumLen
)

// Header is the parsed contents of page 1 (spec.md §3).
type Header struct {
	PageSize       uint32
	BlockSize      uint32
	PageCount      uint32
	MainRoot       uint32
	MetaRoot       uint32
	SchedulePg     uint32
	SubBlock       uint32 // current sub-block for fast inserts
	SubBlockNPg    uint32 // pages used inside that sub-block
	SchemaCookie   uint32
	FreePageTrunk  uint32
	FreeBlockTrunk uint32
}

// NewHeader creates a fresh header for a brand-new database file.
func NewHeader(pageSize, blockSize uint32) *Header {
	return &Header{
		PageSize:  pageSize,
		BlockSize: blockSize,
		PageCount: 1, // the header page itself
	}
}

// Marshal serializes h into a pageSize-byte buffer with a trailing
// two-word additive checksum (spec.md §3 "stored with a two-word
// additive checksum").
func Marshal(h *Header, pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[hMagicOff:hMagicOff+8], headerMagic)
	binary.BigEndian.PutUint32(buf[hPageSizeOff:], h.PageSize)
	binary.BigEndian.PutUint32(buf[hBlockSizeOff:], h.BlockSize)
	binary.BigEndian.PutUint32(buf[hPageCountOff:], h.PageCount)
	binary.BigEndian.PutUint32(buf[hMainRootOff:], h.MainRoot)
	binary.BigEndian.PutUint32(buf[hMetaRootOff:], h.MetaRoot)
	binary.BigEndian.PutUint32(buf[hSchedulePgOff:], h.SchedulePg)
	binary.BigEndian.PutUint32(buf[hSubBlockOff:], h.SubBlock)
	binary.BigEndian.PutUint32(buf[hSubBlockNPgOff:], h.SubBlockNPg)
	binary.BigEndian.PutUint32(buf[hSchemaCookieOff:], h.SchemaCookie)
	binary.BigEndian.PutUint32(buf[hFreePageTrunkOff:], h.FreePageTrunk)
	binary.BigEndian.PutUint32(buf[hFreeBlockTrunkOff:], h.FreeBlockTrunk)

	c0, c1 := additiveChecksum(buf[:headerBodySize])
	binary.BigEndian.PutUint32(buf[headerBodySize:], c0)
	binary.BigEndian.PutUint32(buf[headerBodySize+4:], c1)
	return buf
}

// Unmarshal parses and validates page 1.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < headerTotalSize {
		return nil, fmt.Errorf("%w: header page too small (%d bytes)", ferr.ErrCorrupt, len(buf))
	}
	if string(buf[hMagicOff:hMagicOff+8]) != headerMagic {
		return nil, ferr.ErrNotADB
	}
	c0, c1 := additiveChecksum(buf[:headerBodySize])
	wantC0 := binary.BigEndian.Uint32(buf[headerBodySize:])
	wantC1 := binary.BigEndian.Uint32(buf[headerBodySize+4:])
	if c0 != wantC0 || c1 != wantC1 {
		return nil, fmt.Errorf("%w: header checksum mismatch", ferr.ErrCorrupt)
	}

	h := &Header{
		PageSize:       binary.BigEndian.Uint32(buf[hPageSizeOff:]),
		BlockSize:      binary.BigEndian.Uint32(buf[hBlockSizeOff:]),
		PageCount:      binary.BigEndian.Uint32(buf[hPageCountOff:]),
		MainRoot:       binary.BigEndian.Uint32(buf[hMainRootOff:]),
		MetaRoot:       binary.BigEndian.Uint32(buf[hMetaRootOff:]),
		SchedulePg:     binary.BigEndian.Uint32(buf[hSchedulePgOff:]),
		SubBlock:       binary.BigEndian.Uint32(buf[hSubBlockOff:]),
		SubBlockNPg:    binary.BigEndian.Uint32(buf[hSubBlockNPgOff:]),
		SchemaCookie:   binary.BigEndian.Uint32(buf[hSchemaCookieOff:]),
		FreePageTrunk:  binary.BigEndian.Uint32(buf[hFreePageTrunkOff:]),
		FreeBlockTrunk: binary.BigEndian.Uint32(buf[hFreeBlockTrunkOff:]),
	}
	if h.PageSize < MinPageSize || h.PageSize > MaxPageSize || h.PageSize&(h.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d invalid", ferr.ErrCorrupt, h.PageSize)
	}
	if h.BlockSize == 0 || h.BlockSize%h.PageSize != 0 {
		return nil, fmt.Errorf("%w: block size %d not a multiple of page size %d", ferr.ErrCorrupt, h.BlockSize, h.PageSize)
	}
	return h, nil
}

// additiveChecksum is the two-word rolling-add checksum used by both the
// database header and (independently) the WAL frame chain; this variant is
// unseeded (spec.md §3 database header "two-word additive checksum").
func additiveChecksum(buf []byte) (uint32, uint32) {
	var s0, s1 uint32
	for i := 0; i+8 <= len(buf); i += 8 {
		s0 += binary.BigEndian.Uint32(buf[i:])
		s1 += binary.BigEndian.Uint32(buf[i+4:])
	}
	return s0, s1
}
