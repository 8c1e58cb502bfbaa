package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
)

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fidb.yaml")
	body := "page-size: 4096\nblock-size: 32768\nsafety: normal\nauto-checkpoint: 500\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.PageSize != 4096 || f.BlockSize != 32768 {
		t.Fatalf("unexpected sizes: %+v", f)
	}
	if f.Safety != "normal" {
		t.Fatalf("expected safety normal, got %q", f.Safety)
	}
	if f.AutoCheckpoint != 500 {
		t.Fatalf("expected auto-checkpoint 500, got %d", f.AutoCheckpoint)
	}
}

func TestToPagerConfigAppliesOverridesAndDefaults(t *testing.T) {
	f := &File{PageSize: 1024, Safety: "off"}
	cfg, err := f.ToPagerConfig(osshim.Default, zerolog.Nop())
	if err != nil {
		t.Fatalf("to pager config: %v", err)
	}
	if cfg.PageSize != 1024 {
		t.Fatalf("expected page size override to apply, got %d", cfg.PageSize)
	}
	if cfg.BlockSize == 0 {
		t.Fatalf("expected unset block size to fall back to the pager default")
	}
	if cfg.Safety != osshim.SyncOff {
		t.Fatalf("expected safety override to apply")
	}
}

func TestToPagerConfigRejectsUnknownSafety(t *testing.T) {
	f := &File{Safety: "bogus"}
	if _, err := f.ToPagerConfig(osshim.Default, zerolog.Nop()); err == nil {
		t.Fatalf("expected an error for an unknown safety mode")
	}
}
