package pager

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/lockmgr"
	"github.com/SimonWaldherr/fitreedb/internal/osshim"
	"github.com/SimonWaldherr/fitreedb/internal/shm"
	"github.com/SimonWaldherr/fitreedb/internal/walog"
)

// Config controls how a Pager opens a database file (spec.md §6 "External
// interfaces"; see SPEC_FULL.md for the YAML-driven variant in
// internal/config).
type Config struct {
	PageSize             int
	BlockSize            int
	MaxCachedPages       int
	Safety               osshim.SyncMode
	AutoCheckpointFrames uint32 // spec.md §4.4 default 1000
	ReadOnly             bool
	VFS                  osshim.VFS
	Log                  zerolog.Logger
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:             DefaultPageSize,
		BlockSize:            DefaultBlockSize,
		MaxCachedPages:       2048,
		Safety:               osshim.SyncFull,
		AutoCheckpointFrames: 1000,
		VFS:                  osshim.Default,
		Log:                  zerolog.Nop(),
	}
}

// savepoint is one level of the rollback stack (spec.md §4.4
// "Savepoints"): saved page images plus a header snapshot, taken lazily
// the first time a page is written under this level.
type savepoint struct {
	level  int
	saved  map[uint32][]byte
	header Header
}

// Pager is the per-connection transactional page cache of spec.md §4.4: a
// page-cache hash, an LRU list, a dirty list, and a savepoint stack, backed
// by a database file and its write-ahead log.
type Pager struct {
	mu  sync.Mutex
	log zerolog.Logger

	cfg    Config
	dbFile osshim.File
	wal    *walog.WAL
	region *shm.Region
	locks  *lockmgr.Manager
	conn   *lockmgr.Conn
	role   lockmgr.Role

	cache *cache

	header *Header
	pageFL *FreeList
	blockFL *FreeList

	readerSlotIdx   int // -1 if no reader slot claimed
	framesSinceCkpt uint32
	savepoints      []*savepoint
}

// Open opens (creating if absent) a database at path under cfg, running
// the spec.md §4.2 connect handshake and §4.3 recovery if this connection
// wins the race to be first.
func Open(path string, cfg Config) (*Pager, error) {
	if cfg.VFS == nil {
		cfg.VFS = osshim.Default
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxCachedPages == 0 {
		cfg.MaxCachedPages = 2048
	}
	if cfg.AutoCheckpointFrames == 0 {
		cfg.AutoCheckpointFrames = 1000
	}

	dbPath, err := cfg.VFS.FullPath(path)
	if err != nil {
		return nil, err
	}
	dbFile, err := cfg.VFS.Open(dbPath, !cfg.ReadOnly)
	if err != nil {
		return nil, err
	}

	shmRaw, err := cfg.VFS.ShmOpen(dbPath+"-shm", shm.ChunkSize, true)
	if err != nil {
		dbFile.Close()
		return nil, err
	}
	region := shm.Open(shmRaw)

	walFile, err := cfg.VFS.Open(dbPath+"-wal", !cfg.ReadOnly)
	if err != nil {
		dbFile.Close()
		return nil, err
	}
	wal, err := walog.Open(walFile, region, cfg.PageSize, cfg.Log)
	if err != nil {
		dbFile.Close()
		walFile.Close()
		return nil, err
	}

	p := &Pager{
		log:           cfg.Log,
		cfg:           cfg,
		dbFile:        dbFile,
		wal:           wal,
		region:        region,
		locks:         lockmgr.New(dbFile),
		cache:         newCache(cfg.MaxCachedPages),
		readerSlotIdx: -1,
	}
	p.conn = p.locks.NewConn()
	p.role = lockmgr.RoleReadWrite
	if cfg.ReadOnly {
		p.role = lockmgr.RoleReader
	}

	if err := p.conn.Connect(p.role, p.recover); err != nil {
		dbFile.Close()
		walFile.Close()
		return nil, err
	}

	if err := p.loadOrInitHeader(); err != nil {
		return nil, err
	}
	if err := p.claimReaderSlot(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) recover() error {
	_, err := p.wal.Recover()
	return err
}

func (p *Pager) loadOrInitHeader() error {
	size, err := p.dbFile.Size()
	if err != nil {
		return err
	}
	if size == 0 {
		p.header = NewHeader(uint32(p.cfg.PageSize), uint32(p.cfg.BlockSize))
		buf := Marshal(p.header, p.cfg.PageSize)
		if _, err := p.dbFile.WriteAt(buf, 0); err != nil {
			return err
		}
		if err := p.dbFile.Sync(p.cfg.Safety); err != nil {
			return err
		}
		p.pageFL = NewFreeList(p, 0)
		p.blockFL = NewFreeList(p, 0)
		return nil
	}
	buf, err := p.ReadPage(HeaderPgno)
	if err != nil {
		return err
	}
	h, err := Unmarshal(buf)
	if err != nil {
		return err
	}
	p.header = h
	p.pageFL = NewFreeList(p, h.FreePageTrunk)
	p.blockFL = NewFreeList(p, h.FreeBlockTrunk)
	return nil
}

// claimReaderSlot takes the first free reader lock slot (spec.md §4.2
// READERk) so this connection's WAL visibility horizon is pinned and
// checkpoint's SafeFrame computation respects it.
func (p *Pager) claimReaderSlot() error {
	for i := 0; i < lockmgr.NReaders; i++ {
		if err := p.conn.TryLock(lockmgr.ReaderSlot(i), osshim.LockShared); err == nil {
			p.readerSlotIdx = i
			cur := p.wal.CurrentFrame()
			return p.region.WriteReaderSlot(i, shm.ReaderSlot{IFirst: cur, ILast: cur})
		}
	}
	return fmt.Errorf("%w: no free reader slot", ferr.ErrBusy)
}

// PageSize implements Store.
func (p *Pager) PageSize() int { return p.cfg.PageSize }

// ReadPage returns page pgno's current bytes, preferring the WAL's newest
// visible version over the database file (spec.md §4.3 "Reading a
// page"). The returned slice must not be retained past the next write to
// the same page.
func (p *Pager) ReadPage(pgno uint32) ([]byte, error) {
	p.mu.Lock()
	if f, ok := p.cache.get(pgno); ok {
		buf := f.buf
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()

	horizon := p.wal.CurrentFrame()
	if horizon > 0 {
		if buf, _, ok, err := p.wal.ReadPage(pgno, horizon); err != nil {
			return nil, err
		} else if ok {
			cp := make([]byte, len(buf))
			copy(cp, buf)
			p.cache.insert(&frame{pgno: pgno, buf: cp})
			return cp, nil
		}
	}

	buf := make([]byte, p.cfg.PageSize)
	off := int64(pgno-1) * int64(p.cfg.PageSize)
	if _, err := p.dbFile.ReadAt(buf, off); err != nil {
		return nil, err
	}
	p.cache.insert(&frame{pgno: pgno, buf: buf})
	return buf, nil
}

// WritePage implements Store for FreeList, and is also how the B-tree
// layer stages a modified page: it marks the page dirty in the cache
// (actual WAL durability happens at Commit).
func (p *Pager) WritePage(pgno uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshotForSavepoint(pgno)

	f, ok := p.cache.get(pgno)
	if !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		f = &frame{pgno: pgno, buf: cp}
		p.cache.insert(f)
	} else {
		copy(f.buf, data)
	}
	p.cache.markDirty(f)
	return nil
}

// snapshotForSavepoint lazily clones pgno's current image into the
// innermost open savepoint the first time it is written under that level
// (spec.md §4.4 "Savepoints").
func (p *Pager) snapshotForSavepoint(pgno uint32) {
	if len(p.savepoints) == 0 {
		return
	}
	sp := p.savepoints[len(p.savepoints)-1]
	if _, already := sp.saved[pgno]; already {
		return
	}
	var cur []byte
	if f, ok := p.cache.get(pgno); ok {
		cur = append([]byte(nil), f.buf...)
	} else {
		buf := make([]byte, p.cfg.PageSize)
		off := int64(pgno-1) * int64(p.cfg.PageSize)
		if _, err := p.dbFile.ReadAt(buf, off); err == nil {
			cur = buf
		}
	}
	if cur != nil {
		sp.saved[pgno] = cur
	}
}

// Begin opens a new savepoint level ≥3 (spec.md §3 "Ownership and
// lifecycle"; §4.4 "Savepoints").
func (p *Pager) Begin() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	level := 3 + len(p.savepoints)
	p.savepoints = append(p.savepoints, &savepoint{
		level:  level,
		saved:  make(map[uint32][]byte),
		header: *p.header,
	})
	return level
}

// Rollback restores level K's saved images and cached header, discarding
// every level above it (spec.md §4.4 "Rollback of level K restores the
// saved images in order and reverts the cached header").
func (p *Pager) Rollback(level int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, sp := range p.savepoints {
		if sp.level == level {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: no such savepoint level %d", ferr.ErrNotFound, level)
	}
	target := p.savepoints[idx]
	for pgno, img := range target.saved {
		f, ok := p.cache.get(pgno)
		if !ok {
			f = &frame{pgno: pgno, buf: append([]byte(nil), img...)}
			p.cache.insert(f)
		} else {
			copy(f.buf, img)
		}
		p.cache.markDirty(f)
	}
	*p.header = target.header
	p.savepoints = p.savepoints[:idx]
	return nil
}

// Commit drains the dirty list in page-number order, writes each as a WAL
// frame, and seals the transaction with a commit frame carrying the new
// page count (spec.md §4.4 "On commit the dirty list is drained in
// order; the last frame of each transaction is a commit frame carrying
// the new page count").
func (p *Pager) Commit() error {
	p.mu.Lock()

	p.header.FreePageTrunk = p.pageFL.Head()
	p.header.FreeBlockTrunk = p.blockFL.Head()
	hdrBuf := Marshal(p.header, p.cfg.PageSize)
	hf, ok := p.cache.get(HeaderPgno)
	if !ok {
		hf = &frame{pgno: HeaderPgno, buf: hdrBuf}
		p.cache.insert(hf)
	} else {
		copy(hf.buf, hdrBuf)
	}
	p.cache.markDirty(hf)

	dirty := p.cache.drainDirty()
	p.savepoints = nil
	p.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	for i, f := range dirty {
		commit := i == len(dirty)-1
		var newSize uint32
		if commit {
			newSize = p.header.PageCount
		}
		if _, err := p.wal.WriteFrame(f.pgno, f.buf, commit, newSize, p.cfg.Safety, p.region); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.framesSinceCkpt += uint32(len(dirty))
	needCkpt := p.framesSinceCkpt >= p.cfg.AutoCheckpointFrames
	p.mu.Unlock()
	if needCkpt {
		if _, err := p.Checkpoint(0); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint runs spec.md §4.3 "Checkpoint" under the CHECKPOINTER slot,
// writing checkpointed pages back to the database file through this
// Pager (which satisfies walog.PageWriter).
func (p *Pager) Checkpoint(leaveUnchecked uint32) (uint32, error) {
	if err := p.conn.Lock(lockmgr.SlotCheckpointer, osshim.LockExclusive); err != nil {
		return 0, err
	}
	defer p.conn.Unlock(lockmgr.SlotCheckpointer)

	safe, err := p.wal.Checkpoint(checkpointWriter{p}, p.region, lockmgr.NReaders, leaveUnchecked)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.framesSinceCkpt = 0
	p.mu.Unlock()
	return safe, nil
}

// checkpointWriter adapts Pager to walog.PageWriter: unlike the in-memory
// staging Store.WritePage, this writes a checkpointed page's bytes
// straight to the database file, bypassing the cache and dirty list
// entirely (spec.md §4.3 "Checkpoint" step iii writes pages directly to
// the database file, it does not re-stage them as a new transaction).
type checkpointWriter struct{ p *Pager }

func (c checkpointWriter) WritePage(pgno uint32, data []byte) error {
	off := int64(pgno-1) * int64(c.p.cfg.PageSize)
	_, err := c.p.dbFile.WriteAt(data, off)
	return err
}

func (c checkpointWriter) Sync() error { return c.p.dbFile.Sync(c.p.cfg.Safety) }

// AllocPage returns a page number for a new page, preferring the page
// free list, then falling back to an append at end-of-file (spec.md §3
// "Free lists": "allocation prefers a free-list leaf, then a free-list
// trunk repurposed as a regular page, then an append to end-of-file").
func (p *Pager) AllocPage() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pgno, ok, err := p.pageFL.Alloc(); err != nil {
		return 0, err
	} else if ok {
		return pgno, nil
	}
	pgno := p.header.PageCount + 1
	p.header.PageCount = pgno
	return pgno, nil
}

// FreePage returns pgno to the page free list.
func (p *Pager) FreePage(pgno uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageFL.Add(pgno)
}

// AllocBlock returns the first page number of a fresh block, preferring
// the block free list before extending the file; if extension reaches
// end-of-file with a partial trailing block, the partial block's pages
// are trimmed onto the page free list (spec.md §3 "block allocation that
// reaches end-of-file trims the partial last block by pushing its pages
// onto the page free list").
func (p *Pager) AllocBlock() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pgno, ok, err := p.blockFL.Alloc(); err != nil {
		return 0, err
	} else if ok {
		return pgno, nil
	}

	pagesPerBlock := uint32(p.cfg.BlockSize / p.cfg.PageSize)
	first := p.header.PageCount + 1
	if misalign := (first - 1) % pagesPerBlock; misalign != 0 {
		// Trim the partial trailing block onto the page free list before
		// starting the new, block-aligned page range (spec.md §3 "block
		// allocation that reaches end-of-file trims the partial last
		// block by pushing its pages onto the page free list").
		pad := pagesPerBlock - misalign
		for pgno := first; pgno < first+pad; pgno++ {
			if err := p.pageFL.Add(pgno); err != nil {
				return 0, err
			}
		}
		first += pad
	}
	p.header.PageCount = first + pagesPerBlock - 1
	return first, nil
}

// FreeBlock returns first (a block's first page number) to the block
// free list.
func (p *Pager) FreeBlock(first uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockFL.Add(first)
}

// Header returns the live in-memory database header (callers must treat
// it as read-only except through Pager methods).
func (p *Pager) Header() *Header { return p.header }

// Close runs the spec.md §4.2 disconnect protocol and releases the lock
// connection.
func (p *Pager) Close() error {
	if p.readerSlotIdx >= 0 {
		p.conn.Unlock(lockmgr.ReaderSlot(p.readerSlotIdx))
	}
	err := p.conn.Disconnect(p.role, p.checkpointForDisconnect, p.deleteWALFiles)
	p.conn.Close()
	if cerr := p.dbFile.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *Pager) checkpointForDisconnect() error {
	_, err := p.Checkpoint(0)
	return err
}

func (p *Pager) deleteWALFiles() error {
	return nil // WAL/shm file removal is left to the caller's VFS (spec.md §4.2 notes this is best-effort)
}
