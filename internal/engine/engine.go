// Package engine implements spec.md §3 "Ownership and lifecycle": a
// BtShared exists process-wide per canonical filename, and every
// connection holds a reference into it under a process-global mutex.
// Unlike internal/lockmgr (which arbitrates page-range locks between
// Conns that may belong to independent Pagers, e.g. separate
// processes), this package is the in-process half of that story: it
// guarantees a single *pager.Pager — and therefore a single page
// cache, free lists, and fast-insert tree — backs every Conn opened
// against the same canonical path within this process, and tears it
// down only once the last Conn disconnects.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/fitree"
	"github.com/SimonWaldherr/fitreedb/internal/osshim"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

// Shared is one BtShared: the page cache, free lists, and fast-insert
// tree for one canonical database path, reference-counted across every
// Conn opened against it.
type Shared struct {
	path string
	pgr  *pager.Pager
	fi   *fitree.Tree
	refs int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Shared{}
)

// Open returns a Conn onto the BtShared for path, creating it (and
// opening the underlying Pager and fast-insert tree) if this is the
// first connection to that canonical path in the process.
func Open(path string, cfg pager.Config) (*Conn, error) {
	if cfg.VFS == nil {
		cfg.VFS = osshim.Default
	}
	canon, err := cfg.VFS.FullPath(path)
	if err != nil {
		return nil, fmt.Errorf("engine: canonicalize %q: %w", path, err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	sh, ok := registry[canon]
	if !ok {
		p, err := pager.Open(path, cfg)
		if err != nil {
			return nil, err
		}
		var fi *fitree.Tree
		if p.Header().MetaRoot == pager.InvalidPgno {
			fi, err = fitree.Create(p)
			if err != nil {
				p.Close()
				return nil, err
			}
		} else {
			fi = fitree.Open(p)
		}
		sh = &Shared{path: canon, pgr: p, fi: fi}
		registry[canon] = sh
		sharedDatabasesOpen.Set(float64(len(registry)))
	}
	sh.refs++
	connectionsOpen.WithLabelValues(canon).Set(float64(sh.refs))
	connectOpsTotal.WithLabelValues("open").Inc()

	return &Conn{id: uuid.New(), shared: sh}, nil
}

// closeShared decrements the Shared's refcount and, on the last
// reference, closes the underlying Pager and drops it from the
// registry.
func closeShared(sh *Shared) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	sh.refs--
	connectionsOpen.WithLabelValues(sh.path).Set(float64(sh.refs))
	connectOpsTotal.WithLabelValues("close").Inc()
	if sh.refs > 0 {
		return nil
	}
	delete(registry, sh.path)
	sharedDatabasesOpen.Set(float64(len(registry)))
	return sh.pgr.Close()
}

// mainTree opens (creating on first use) the authoritative main B-tree
// rooted at the shared header's MainRoot (spec.md §3, §4.5).
func (sh *Shared) mainTree() (*btree.BTree, error) {
	h := sh.pgr.Header()
	if h.MainRoot == pager.InvalidPgno {
		tree, err := btree.Create(sh.pgr)
		if err != nil {
			return nil, err
		}
		h.MainRoot = tree.Root()
		return tree, nil
	}
	return btree.Open(sh.pgr, h.MainRoot), nil
}
