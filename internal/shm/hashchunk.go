package shm

// HashChunk is a typed view over one physical shm chunk's hash-index
// region: a page-number array plus two NSlot hash-slot arrays ("sides"),
// used alternately across wrap generations (spec.md §3/§4.3).
type HashChunk struct {
	r     *Region
	idx   int // logical hash-chunk index (0 == physical chunk 0)
	nFr   int
	base  []byte
	pgnoO int
	hashO [2]int
}

// FrameCapacity returns how many frames chunk idx can index: chunk 0 has
// fewer slots than later chunks because it shares physical chunk 0 with
// the BtShm header (spec.md §6).
func FrameCapacity(idx int) int {
	if idx == 0 {
		return NFrameOne
	}
	return NFrame
}

// HashChunkAt maps logical hash-chunk idx onto its physical shm chunk.
func (r *Region) HashChunkAt(idx int) (*HashChunk, error) {
	buf, err := r.shm.Chunk(idx)
	if err != nil {
		return nil, err
	}
	base := 0
	if idx == 0 {
		base = btShmSize
	}
	n := FrameCapacity(idx)
	hc := &HashChunk{
		r:     r,
		idx:   idx,
		nFr:   n,
		base:  buf,
		pgnoO: base,
	}
	hc.hashO[0] = base + n*4
	hc.hashO[1] = hc.hashO[0] + NSlot*2
	return hc, nil
}

// Pgno returns the page number stored at frame offset i (0-based within
// this chunk).
func (hc *HashChunk) Pgno(i int) uint32 {
	return nativeOrder.Uint32(hc.base[hc.pgnoO+i*4:])
}

func (hc *HashChunk) SetPgno(i int, pgno uint32) {
	nativeOrder.PutUint32(hc.base[hc.pgnoO+i*4:], pgno)
}

// Slot reads hash slot i of side (0 or 1): the stored value is
// (frameOffset+1), 0 meaning empty (spec.md §4.3 step 6).
func (hc *HashChunk) Slot(side, i int) uint16 {
	off := hc.hashO[side] + i*2
	return uint16(hc.base[off]) | uint16(hc.base[off+1])<<8
}

func (hc *HashChunk) SetSlot(side, i int, v uint16) {
	off := hc.hashO[side] + i*2
	hc.base[off] = byte(v)
	hc.base[off+1] = byte(v >> 8)
}

// Clear zeroes this chunk's page-number array and both hash-slot sides
// (spec.md §4.3 step 3: "If the new frame changes hash
// chunk, zero the new chunk").
func (hc *HashChunk) Clear() {
	for i := 0; i < hc.nFr; i++ {
		hc.SetPgno(i, 0)
	}
	for side := 0; side < 2; side++ {
		for i := 0; i < NSlot; i++ {
			hc.SetSlot(side, i, 0)
		}
	}
}

// Capacity is how many frames this chunk holds.
func (hc *HashChunk) Capacity() int { return hc.nFr }

// Insert probes for a free slot starting at (pgno*383)%NSlot with linear
// probing and stores frameOffset+1 (spec.md §4.3 step 6).
func (hc *HashChunk) Insert(side int, frameOffset int, pgno uint32) {
	slot := int((uint64(pgno) * 383) % uint64(NSlot))
	for {
		if hc.Slot(side, slot) == 0 {
			hc.SetSlot(side, slot, uint16(frameOffset+1))
			return
		}
		slot = (slot + 1) % NSlot
	}
}

// Probe walks the open-addressing chain for pgno on side starting from the
// canonical slot, calling visit for every occupied slot (candidate frame
// offsets), stopping when visit returns false or an empty slot is hit.
func (hc *HashChunk) Probe(side int, pgno uint32, visit func(frameOffset int) bool) {
	slot := int((uint64(pgno) * 383) % uint64(NSlot))
	for {
		v := hc.Slot(side, slot)
		if v == 0 {
			return
		}
		if hc.Pgno(int(v)-1) == pgno {
			if !visit(int(v) - 1) {
				return
			}
		}
		slot = (slot + 1) % NSlot
	}
}
