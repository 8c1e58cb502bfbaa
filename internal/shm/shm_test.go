package shm

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	dir := t.TempDir()
	raw, err := osshim.Default.ShmOpen(filepath.Join(dir, "test-shm"), ChunkSize, false)
	if err != nil {
		t.Fatalf("shmopen: %v", err)
	}
	t.Cleanup(func() { raw.Delete() })
	return Open(raw)
}

func TestSnapshotRoundTripAndChecksum(t *testing.T) {
	r := newTestRegion(t)
	h := SnapshotHeader{
		ALog:        [6]uint32{1, 2, 3, 4, 5, 6},
		NSector:     512,
		IHashSide:   1,
		AFrameCksum: [2]uint32{0xdead, 0xbeef},
		INextFrame:  42,
	}
	copy(h.DBHeader[:], []byte("hdr-cache"))

	if err := r.PublishSnapshot(h); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := r.ReadSnapshotConsistent()
	if err != nil {
		t.Fatalf("read consistent: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestCheckpointAndReaderSlotRoundTrip(t *testing.T) {
	r := newTestRegion(t)
	ck := CheckpointHeader{IFirstRead: 1, IWalHdr: PackWalHdr(1, 2), IFirstRecover: 3}
	if err := r.WriteCheckpoint(ck); err != nil {
		t.Fatalf("write ckpt: %v", err)
	}
	got, err := r.ReadCheckpoint()
	if err != nil {
		t.Fatalf("read ckpt: %v", err)
	}
	if got != ck {
		t.Fatalf("checkpoint mismatch: got %+v want %+v", got, ck)
	}
	if IWalHdr(got.IWalHdr).Slot() != 1 || IWalHdr(got.IWalHdr).Cnt() != 2 {
		t.Fatalf("packed wal hdr decode wrong: %+v", got)
	}

	slot := ReaderSlot{IFirst: 10, ILast: 20}
	if err := r.WriteReaderSlot(2, slot); err != nil {
		t.Fatalf("write slot: %v", err)
	}
	gotSlot, err := r.ReadReaderSlot(2)
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	if gotSlot != slot {
		t.Fatalf("reader slot mismatch: got %+v want %+v", gotSlot, slot)
	}
}

func TestHashChunkInsertAndProbe(t *testing.T) {
	r := newTestRegion(t)
	hc, err := r.HashChunkAt(0)
	if err != nil {
		t.Fatalf("hash chunk 0: %v", err)
	}
	hc.Clear()

	hc.SetPgno(0, 7)
	hc.Insert(0, 0, 7)
	hc.SetPgno(1, 7) // collision on same pgno, different frame
	hc.Insert(0, 1, 7)

	var got []int
	hc.Probe(0, 7, func(frameOffset int) bool {
		got = append(got, frameOffset)
		return true
	})
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("probe returned %v, want [0 1]", got)
	}
}
