// Package config loads the per-connection pager options of spec.md §6
// "External interfaces" ("Pager configuration options (all runtime,
// per-connection)") from a YAML file, the way the teacher's go.mod
// already depends on gopkg.in/yaml.v3 for declarative configuration.
package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/SimonWaldherr/fitreedb/internal/osshim"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// File is the on-disk shape of a pager configuration file, spelled the way
// a human would write it in YAML: the pager options below plus the merge
// scanner's schedule. It has no multi-process or log-size callback option.
type File struct {
	PageSize       int    `yaml:"page-size"`
	BlockSize      int    `yaml:"block-size"`
	MaxCachedPages int    `yaml:"max-cached-pages"`
	Safety         string `yaml:"safety"` // "off" | "normal" | "full"
	AutoCheckpoint uint32 `yaml:"auto-checkpoint"`
	ReadOnly       bool   `yaml:"read-only"`
	MergeSchedule  string `yaml:"merge-schedule"` // seconds-resolution cron spec for internal/fitree.Scanner
}

// defaultMergeSchedule matches internal/fitree.Scanner's seconds-
// resolution cron spec shape when a config file omits merge-schedule.
const defaultMergeSchedule = "*/30 * * * * *"

// Schedule returns the configured merge scan cadence, falling back to
// defaultMergeSchedule when unset.
func (f *File) Schedule() string {
	if f.MergeSchedule == "" {
		return defaultMergeSchedule
	}
	return f.MergeSchedule
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Default returns the file-shaped equivalent of pager.DefaultConfig,
// useful as a base to merge CLI flag overrides onto when no config file
// was given.
func Default() *File {
	d := pager.DefaultConfig()
	return &File{
		PageSize:       d.PageSize,
		BlockSize:      d.BlockSize,
		MaxCachedPages: d.MaxCachedPages,
		Safety:         safetyString(d.Safety),
		AutoCheckpoint: d.AutoCheckpointFrames,
		MergeSchedule:  defaultMergeSchedule,
	}
}

// ToPagerConfig converts a loaded File into a pager.Config, taking
// VFS/Log from the caller since neither is YAML-representable.
func (f *File) ToPagerConfig(vfs osshim.VFS, log zerolog.Logger) (pager.Config, error) {
	safety, err := parseSafety(f.Safety)
	if err != nil {
		return pager.Config{}, err
	}
	cfg := pager.DefaultConfig()
	if f.PageSize != 0 {
		cfg.PageSize = f.PageSize
	}
	if f.BlockSize != 0 {
		cfg.BlockSize = f.BlockSize
	}
	if f.MaxCachedPages != 0 {
		cfg.MaxCachedPages = f.MaxCachedPages
	}
	cfg.Safety = safety
	if f.AutoCheckpoint != 0 {
		cfg.AutoCheckpointFrames = f.AutoCheckpoint
	}
	cfg.ReadOnly = f.ReadOnly
	cfg.VFS = vfs
	cfg.Log = log
	return cfg, nil
}

func parseSafety(s string) (osshim.SyncMode, error) {
	switch s {
	case "", "full":
		return osshim.SyncFull, nil
	case "normal":
		return osshim.SyncNormal, nil
	case "off":
		return osshim.SyncOff, nil
	default:
		return 0, fmt.Errorf("config: unknown safety mode %q (want off, normal, or full)", s)
	}
}

func safetyString(m osshim.SyncMode) string {
	switch m {
	case osshim.SyncOff:
		return "off"
	case osshim.SyncNormal:
		return "normal"
	default:
		return "full"
	}
}
