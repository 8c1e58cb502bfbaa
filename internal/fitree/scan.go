package fitree

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scanner periodically looks for merge opportunities so accumulated
// fast-insert levels get folded together even when no foreground writer
// happens to trigger BLOCKFULL (spec.md §4.6 "merge scheduling"),
// grounded on the teacher's cron-driven background scheduler
// (internal/storage/scheduler.go), which likewise runs a seconds-
// resolution cron.Cron against a handful of named jobs.
type Scanner struct {
	tree *Tree
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScanner builds a scanner that checks for merge opportunities on the
// given seconds-resolution cron spec (e.g. "*/30 * * * * *").
func NewScanner(tree *Tree, spec string, log zerolog.Logger) (*Scanner, error) {
	c := cron.New(cron.WithLocation(time.Local), cron.WithSeconds())
	s := &Scanner{tree: tree, cron: c, log: log}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scanner) tick() {
	scheduled, err := s.tree.MaybeScheduleMerge()
	if err != nil {
		s.log.Error().Err(err).Msg("fitree: merge scan failed")
		return
	}
	if !scheduled {
		return
	}
	if err := s.tree.RunScheduledMerge(); err != nil {
		s.log.Error().Err(err).Msg("fitree: merge execution failed")
		return
	}
	if err := s.tree.IntegrateMerge(); err != nil {
		s.log.Error().Err(err).Msg("fitree: merge integration failed")
	}
}

// Start runs the scanner's cron loop in the background.
func (s *Scanner) Start() { s.cron.Start() }

// Stop halts the scanner, waiting for any in-flight tick to finish.
func (s *Scanner) Stop() { <-s.cron.Stop().Done() }
