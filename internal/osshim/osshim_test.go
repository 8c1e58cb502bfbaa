package osshim

import (
	"path/filepath"
	"testing"
)

func TestFileReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	f, err := Default.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	payload := []byte("hello fitreedb")
	if _, err := f.WriteAt(payload, 0); err != nil {
		t.Fatalf("writeat: %v", err)
	}
	if err := f.Sync(SyncFull); err != nil {
		t.Fatalf("sync: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q want %q", buf, payload)
	}
}

func TestReadAtZeroFillsShortRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.db")
	f, err := Default.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("writeat: %v", err)
	}

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("readat: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected zero-filled read of full buffer, got n=%d", n)
	}
	for i := 3; i < 8; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d not zero-filled: %d", i, buf[i])
		}
	}
}

func TestLockExclIsNonBlockingAndAdvisory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.db")
	f, err := Default.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if err := f.Lock(3, LockExclusive); err != nil {
		t.Fatalf("lock excl: %v", err)
	}
	if err := f.Lock(3, LockUnlock); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestFaultyInjectsWriteFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fault.db")

	fv := &Faulty{VFS: Default}
	f, err := fv.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	fv.Trip()
	if _, err := f.WriteAt([]byte{1}, 0); err == nil {
		t.Fatalf("expected injected write failure")
	}
}

func TestShmChunkHeapBacked(t *testing.T) {
	dir := t.TempDir()
	region, err := Default.ShmOpen(filepath.Join(dir, "test-shm"), 48*1024, false)
	if err != nil {
		t.Fatalf("shmopen: %v", err)
	}
	defer region.Delete()

	c0, err := region.Chunk(0)
	if err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	c0[0] = 0xAB
	c0again, _ := region.Chunk(0)
	if c0again[0] != 0xAB {
		t.Fatalf("chunk 0 did not persist across Chunk() calls")
	}
	region.Barrier()
}
