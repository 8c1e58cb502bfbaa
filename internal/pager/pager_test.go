package pager

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

func testConfig(t *testing.T) (string, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PageSize = 512
	cfg.BlockSize = 512 * 4
	cfg.Log = zerolog.Nop()
	return filepath.Join(dir, "test.db"), cfg
}

func TestOpenInitializesHeaderOnEmptyFile(t *testing.T) {
	path, cfg := testConfig(t)
	p, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if p.Header().PageSize != uint32(cfg.PageSize) {
		t.Fatalf("expected page size %d, got %d", cfg.PageSize, p.Header().PageSize)
	}
	if p.Header().PageCount != 1 {
		t.Fatalf("expected fresh database to report 1 page (the header), got %d", p.Header().PageCount)
	}
}

func TestAllocPageNeverCollidesWithHeaderPage(t *testing.T) {
	path, cfg := testConfig(t)
	p, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	seen := map[uint32]bool{HeaderPgno: true}
	for i := 0; i < 5; i++ {
		pgno, err := p.AllocPage()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if seen[pgno] {
			t.Fatalf("page %d allocated twice (or collides with the header page)", pgno)
		}
		seen[pgno] = true
	}
}

func TestWritePageCommitAndReopenRoundTrip(t *testing.T) {
	path, cfg := testConfig(t)
	p, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pgno, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	payload := make([]byte, cfg.PageSize)
	copy(payload, []byte("hello-pager"))
	if err := p.WritePage(pgno, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := p.ReadPage(pgno)
	if err != nil {
		t.Fatalf("readpage: %v", err)
	}
	if string(got[:11]) != "hello-pager" {
		t.Fatalf("got %q", got[:11])
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	got2, err := p2.ReadPage(pgno)
	if err != nil {
		t.Fatalf("readpage after reopen: %v", err)
	}
	if string(got2[:11]) != "hello-pager" {
		t.Fatalf("got %q after reopen (recovery did not replay commit)", got2[:11])
	}
}

func TestRollbackRestoresSavedImage(t *testing.T) {
	path, cfg := testConfig(t)
	p, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	pgno, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	original := make([]byte, cfg.PageSize)
	copy(original, []byte("v1"))
	if err := p.WritePage(pgno, original); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("commit v1: %v", err)
	}

	level := p.Begin()
	modified := make([]byte, cfg.PageSize)
	copy(modified, []byte("v2"))
	if err := p.WritePage(pgno, modified); err != nil {
		t.Fatalf("write v2: %v", err)
	}

	if err := p.Rollback(level); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := p.ReadPage(pgno)
	if err != nil {
		t.Fatalf("readpage: %v", err)
	}
	if string(got[:2]) != "v1" {
		t.Fatalf("expected rollback to restore v1, got %q", got[:2])
	}
}

func TestCheckpointPersistsPagesToDatabaseFile(t *testing.T) {
	path, cfg := testConfig(t)
	p, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	pgno, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	payload := make([]byte, cfg.PageSize)
	copy(payload, []byte("checkpoint-me"))
	if err := p.WritePage(pgno, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := p.Checkpoint(0); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	raw, err := osshim.Default.Open(path, false)
	if err != nil {
		t.Fatalf("open raw db file: %v", err)
	}
	defer raw.Close()
	buf := make([]byte, cfg.PageSize)
	off := int64(pgno-1) * int64(cfg.PageSize)
	if _, err := raw.ReadAt(buf, off); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if string(buf[:13]) != "checkpoint-me" {
		t.Fatalf("expected checkpoint to persist page to database file, got %q", buf[:13])
	}
}
