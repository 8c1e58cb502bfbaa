// Package ferr defines the closed error taxonomy shared by the storage
// engine core: osshim, lockmgr, walog, pager, btree and fitree all return
// one of these sentinels (or a wrapped variant of one), never a bare
// *errors.errorString, so callers can branch with errors.Is.
package ferr

import "errors"

// Resource errors (spec.md §7 class 1).
var (
	ErrNoMem = errors.New("fitreedb: out of memory")
	ErrFull  = errors.New("fitreedb: database or disk full")
)

// I/O errors (spec.md §7 class 2), with subclasses chained via %w.
var (
	ErrIOErr         = errors.New("fitreedb: disk I/O error")
	ErrIOErrFsync    = errors.New("fitreedb: fsync failed")
	ErrIOErrRead     = errors.New("fitreedb: read failed")
	ErrIOErrWrite    = errors.New("fitreedb: write failed")
	ErrIOErrLock     = errors.New("fitreedb: lock operation failed")
	ErrIOErrShmMap   = errors.New("fitreedb: shared-memory map failed")
	ErrIOErrFstat    = errors.New("fitreedb: fstat failed")
	ErrIOErrTruncate = errors.New("fitreedb: truncate failed")
	ErrIOErrDirFsync = errors.New("fitreedb: directory fsync failed")
)

// Contention (spec.md §7 class 3).
var ErrBusy = errors.New("fitreedb: resource busy")

// Corruption (spec.md §7 class 4).
var (
	ErrCorrupt  = errors.New("fitreedb: database disk image is malformed")
	ErrNotADB   = errors.New("fitreedb: file is not a database")
	ErrProtocol = errors.New("fitreedb: shared-memory protocol disagreement")
)

// Internal seek results (spec.md §7 class 5); never surfaced past the
// cursor API boundary except as a specific-seek contract result.
var (
	ErrNotFound = errors.New("fitreedb: key not present")
	ErrInexact  = errors.New("fitreedb: seek landed off-key")
)

// ErrBlockFull is returned internally by the FI-writer (spec.md §6) when
// a fast-insert sub-block cannot accept the next page; the fitree
// package translates it into sealing the sub-tree plus a merge-scheduling
// attempt (or, while a merge runs, into moving to the next reserved
// block) and never surfaces it to the B-tree/FI-tree cursor API.
var ErrBlockFull = errors.New("fitreedb: fast-insert block is full")
