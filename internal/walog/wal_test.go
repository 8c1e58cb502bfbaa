package walog

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
	"github.com/SimonWaldherr/fitreedb/internal/shm"
)

type noReaders struct{}

func (noReaders) ReadReaderSlot(i int) (shm.ReaderSlot, error) { return shm.ReaderSlot{}, nil }

type fakePageWriter struct {
	pages map[uint32][]byte
	synced bool
}

func newFakePageWriter() *fakePageWriter { return &fakePageWriter{pages: map[uint32][]byte{}} }

func (w *fakePageWriter) WritePage(pgno uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	w.pages[pgno] = cp
	return nil
}

func (w *fakePageWriter) Sync() error { w.synced = true; return nil }

func openTestWAL(t *testing.T, pageSize int) *WAL {
	t.Helper()
	dir := t.TempDir()
	f, err := osshim.Default.Open(filepath.Join(dir, "test.wal"), true)
	if err != nil {
		t.Fatalf("open wal file: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	raw, err := osshim.Default.ShmOpen(filepath.Join(dir, "test-shm"), shm.ChunkSize, false)
	if err != nil {
		t.Fatalf("shmopen: %v", err)
	}
	t.Cleanup(func() { raw.Delete() })
	region := shm.Open(raw)

	w, err := Open(f, region, pageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("walog.Open: %v", err)
	}
	return w
}

func TestWriteFrameCommitVisibleViaReadPage(t *testing.T) {
	w := openTestWAL(t, 64)

	page1 := make([]byte, 64)
	copy(page1, []byte("page-one-v1"))
	frame1, err := w.WriteFrame(1, page1, false, 0, osshim.SyncOff, noReaders{})
	if err != nil {
		t.Fatalf("write frame1: %v", err)
	}
	if frame1 != 1 {
		t.Fatalf("expected first frame slot 1, got %d", frame1)
	}

	page1v2 := make([]byte, 64)
	copy(page1v2, []byte("page-one-v2"))
	frame2, err := w.WriteFrame(1, page1v2, true, 10, osshim.SyncFull, noReaders{})
	if err != nil {
		t.Fatalf("write commit frame: %v", err)
	}

	got, frame, ok, err := w.ReadPage(1, frame2)
	if err != nil {
		t.Fatalf("readpage: %v", err)
	}
	if !ok {
		t.Fatalf("expected page 1 to be visible")
	}
	if frame != frame2 {
		t.Fatalf("expected newest version (frame %d), got frame %d", frame2, frame)
	}
	if string(got[:11]) != "page-one-v2" {
		t.Fatalf("got stale/garbled page content: %q", got[:11])
	}

	_, _, ok, err = w.ReadPage(2, frame2)
	if err != nil {
		t.Fatalf("readpage missing: %v", err)
	}
	if ok {
		t.Fatalf("expected page 2 to be absent from the log")
	}
}

func TestWrapSucceedsPastNWrapLogAndNeverCollidesPhysicalSlots(t *testing.T) {
	w := openTestWAL(t, 32)
	page := make([]byte, 32)

	seen := map[uint32]bool{}
	var lastSlot uint32
	for i := 0; i < NWrapLog+1; i++ {
		frame, err := w.WriteFrame(1, page, i%7 == 6, uint32(i+1), osshim.SyncOff, noReaders{})
		if err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("physical frame slot %d reused: collision", frame)
		}
		seen[frame] = true
		if frame <= lastSlot {
			t.Fatalf("frame slots must be strictly monotonically increasing: %d after %d", frame, lastSlot)
		}
		lastSlot = frame
	}

	if !w.topo.CanWrap() {
		// Force a wrap by writing enough more frames that C grows past NWrapLog
		// with A,B still clear (true here since no wrap has happened yet).
		for i := 0; i < NWrapLog; i++ {
			if _, err := w.WriteFrame(1, page, false, 0, osshim.SyncOff, noReaders{}); err != nil {
				t.Fatalf("write frame: %v", err)
			}
		}
	}

	beforeWrapHash := w.hashSide
	// One more allocation should trigger Topology.Wrap via nextFrame.
	frame, err := w.WriteFrame(1, page, false, 0, osshim.SyncOff, noReaders{})
	if err != nil {
		t.Fatalf("write frame triggering wrap: %v", err)
	}
	if seen[frame] {
		t.Fatalf("post-wrap frame slot %d collides with a pre-wrap slot", frame)
	}
	if w.topo.A.Empty() {
		t.Fatalf("expected wrap to promote region C into A")
	}
	if w.hashSide == beforeWrapHash {
		t.Fatalf("expected hash side to flip across a wrap")
	}
}

func TestRecoverReplaysCommittedFrames(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "recover.wal")
	shmPath := filepath.Join(dir, "recover-shm")

	f, err := osshim.Default.Open(walPath, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	raw, err := osshim.Default.ShmOpen(shmPath, shm.ChunkSize, false)
	if err != nil {
		t.Fatalf("shmopen: %v", err)
	}
	region := shm.Open(raw)

	w, err := Open(f, region, 48, zerolog.Nop())
	if err != nil {
		t.Fatalf("walog.Open: %v", err)
	}

	page := make([]byte, 48)
	copy(page, []byte("committed-page"))
	if _, err := w.WriteFrame(5, page, false, 0, osshim.SyncOff, noReaders{}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if _, err := w.WriteFrame(5, page, true, 9, osshim.SyncFull, noReaders{}); err != nil {
		t.Fatalf("write commit frame: %v", err)
	}
	f.Close()

	// Re-open the same file fresh (as if after a crash/restart) and recover.
	f2, err := osshim.Default.Open(walPath, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	raw2, err := osshim.Default.ShmOpen(shmPath, shm.ChunkSize, false)
	if err != nil {
		t.Fatalf("reopen shm: %v", err)
	}
	defer raw2.Delete()
	region2 := shm.Open(raw2)

	w2, err := Open(f2, region2, 48, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen walog: %v", err)
	}
	newSize, err := w2.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if newSize != 9 {
		t.Fatalf("expected recovered db size 9, got %d", newSize)
	}

	got, _, ok, err := w2.ReadPage(5, w2.topo.C.Hi)
	if err != nil {
		t.Fatalf("readpage after recover: %v", err)
	}
	if !ok {
		t.Fatalf("expected page 5 visible after recovery")
	}
	if string(got[:14]) != "committed-page" {
		t.Fatalf("got %q after recovery", got[:14])
	}
}

func TestCheckpointWritesLatestPagesAndAdvancesHorizon(t *testing.T) {
	w := openTestWAL(t, 32)
	pageA := make([]byte, 32)
	copy(pageA, []byte("page-A-v1"))
	pageAv2 := make([]byte, 32)
	copy(pageAv2, []byte("page-A-v2"))
	pageB := make([]byte, 32)
	copy(pageB, []byte("page-B-v1"))

	if _, err := w.WriteFrame(1, pageA, false, 0, osshim.SyncOff, noReaders{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.WriteFrame(2, pageB, false, 0, osshim.SyncOff, noReaders{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.WriteFrame(1, pageAv2, true, 2, osshim.SyncFull, noReaders{}); err != nil {
		t.Fatalf("write commit: %v", err)
	}

	fw := newFakePageWriter()
	safe, err := w.Checkpoint(fw, noReaders{}, 0, 0)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if safe == 0 {
		t.Fatalf("expected a non-zero checkpoint horizon")
	}
	if !fw.synced {
		t.Fatalf("expected checkpoint to sync the page writer")
	}
	if string(fw.pages[1][:9]) != "page-A-v2" {
		t.Fatalf("checkpoint wrote stale version of page 1: %q", fw.pages[1][:9])
	}
	if string(fw.pages[2][:9]) != "page-B-v1" {
		t.Fatalf("checkpoint missing page 2: %v", fw.pages[2])
	}

	ck, err := w.shmRegio.ReadCheckpoint()
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if ck.IFirstRead != safe+1 {
		t.Fatalf("expected iFirstRead to advance past %d, got %d", safe, ck.IFirstRead)
	}
}
