package fitree_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/fitree"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

func testPager(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	cfg := pager.DefaultConfig()
	cfg.PageSize = 512
	cfg.BlockSize = 512 * 8
	cfg.Log = zerolog.Nop()
	p, err := pager.Open(filepath.Join(dir, "test.db"), cfg)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateOpenEmptyTree(t *testing.T) {
	p := testPager(t)
	tree, err := fitree.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reopened := fitree.Open(p)
	if _, found, err := reopened.Get([]byte("nope")); err != nil || found {
		t.Fatalf("expected empty tree lookup to miss: found=%v err=%v", found, err)
	}
	_ = tree
}

func TestInsertAndGetFastInsert(t *testing.T) {
	p := testPager(t)
	tree, err := fitree.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := tree.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert k1: %v", err)
	}
	if err := tree.Insert([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("insert k2: %v", err)
	}

	v, found, err := tree.Get([]byte("k1"))
	if err != nil || !found {
		t.Fatalf("get k1: found=%v err=%v", found, err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %q", v)
	}

	_, found, err = tree.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatalf("expected missing key to report not found")
	}
}

func TestBlockFullSealsAndStartsNewSubTree(t *testing.T) {
	p := testPager(t)
	tree, err := fitree.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("row-%05d", i)
		if err := tree.Insert([]byte(k), []byte("payload-value")); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	stats, err := tree.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	age0, ok := stats[0]
	if !ok || age0.NLevel == 0 {
		t.Fatalf("expected at least one sealed level at age 0 after enough inserts to fill a block, got %+v", stats)
	}

	for i := 0; i < n; i += 29 {
		k := fmt.Sprintf("row-%05d", i)
		v, found, err := tree.Get([]byte(k))
		if err != nil || !found {
			t.Fatalf("get %q: found=%v err=%v", k, found, err)
		}
		if string(v) != "payload-value" {
			t.Fatalf("key %q: got %q", k, v)
		}
	}
}

func TestMergeScheduleExecuteIntegrate(t *testing.T) {
	p := testPager(t)
	tree, err := fitree.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 600
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("row-%05d", i)
		if err := tree.Insert([]byte(k), []byte("v")); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	statsBefore, err := tree.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if statsBefore[0].NLevel < 2 {
		t.Fatalf("expected at least 2 sealed levels at age 0 before merging, got %+v", statsBefore)
	}

	scheduled, err := tree.MaybeScheduleMerge()
	if err != nil {
		t.Fatalf("schedule merge: %v", err)
	}
	if !scheduled {
		t.Fatalf("expected a merge to be scheduled with %d sealed levels", statsBefore[0].NLevel)
	}

	if err := tree.RunScheduledMerge(); err != nil {
		t.Fatalf("run merge: %v", err)
	}
	if err := tree.IntegrateMerge(); err != nil {
		t.Fatalf("integrate merge: %v", err)
	}

	statsAfter, err := tree.Stats()
	if err != nil {
		t.Fatalf("stats after merge: %v", err)
	}
	if statsAfter[1].NLevel == 0 {
		t.Fatalf("expected age 1 to receive the merged output, got %+v", statsAfter)
	}

	for i := 0; i < n; i += 37 {
		k := fmt.Sprintf("row-%05d", i)
		_, found, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("get %q after merge: %v", k, err)
		}
		if !found {
			t.Fatalf("expected %q to survive the merge", k)
		}
	}
}
