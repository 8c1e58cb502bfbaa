package btree_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/ferr"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

func testStore(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	cfg := pager.DefaultConfig()
	cfg.PageSize = 256
	cfg.BlockSize = 256 * 4
	cfg.Log = zerolog.Nop()
	p, err := pager.Open(filepath.Join(dir, "test.db"), cfg)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateOpenRoundTrip(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := tree.Root()

	reopened := btree.Open(store, root)
	if reopened.Root() != root {
		t.Fatalf("expected root %d, got %d", root, reopened.Root())
	}
	n, err := reopened.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty tree, got %d entries", n)
	}
}

func TestInsertAndSeekEQ(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	want := map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark red",
	}
	for k, v := range want {
		if err := tree.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	c := btree.NewCursor(tree)
	for k, v := range want {
		ok, err := c.Seek([]byte(k), btree.SeekEQ)
		if err != nil || !ok {
			t.Fatalf("seek %q: ok=%v err=%v", k, ok, err)
		}
		data, err := c.Data()
		if err != nil {
			t.Fatalf("data %q: %v", k, err)
		}
		if string(data) != v {
			t.Fatalf("key %q: expected %q, got %q", k, v, data)
		}
	}

	if _, err := c.Seek([]byte("missing"), btree.SeekEQ); err == nil {
		t.Fatalf("expected SeekEQ on missing key to fail")
	} else if !errors.Is(err, ferr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplaceInPlace(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("v2-longer-value")); err != nil {
		t.Fatalf("insert v2: %v", err)
	}

	c := btree.NewCursor(tree)
	ok, err := c.Seek([]byte("k"), btree.SeekEQ)
	if err != nil || !ok {
		t.Fatalf("seek: ok=%v err=%v", ok, err)
	}
	data, err := c.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if string(data) != "v2-longer-value" {
		t.Fatalf("expected replaced value, got %q", data)
	}
	n, err := tree.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected replace not to add a second entry, got %d", n)
	}
}

func TestSeekModes(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	keys := []string{"b", "d", "f", "h"}
	for _, k := range keys {
		if err := tree.Insert([]byte(k), []byte("val-"+k)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	c := btree.NewCursor(tree)
	ok, err := c.Seek([]byte("e"), btree.SeekGE)
	if err != nil || !ok {
		t.Fatalf("SeekGE: ok=%v err=%v", ok, err)
	}
	if k, _ := c.Key(); string(k) != "f" {
		t.Fatalf("SeekGE(e) expected f, got %q", k)
	}

	ok, err = c.Seek([]byte("e"), btree.SeekLE)
	if err != nil || !ok {
		t.Fatalf("SeekLE: ok=%v err=%v", ok, err)
	}
	if k, _ := c.Key(); string(k) != "d" {
		t.Fatalf("SeekLE(e) expected d, got %q", k)
	}

	ok, err = c.Seek([]byte("e"), btree.SeekLEFast)
	if err != nil || !ok {
		t.Fatalf("SeekLEFast: ok=%v err=%v", ok, err)
	}
	if k, _ := c.Key(); string(k) != "d" {
		t.Fatalf("SeekLEFast(e) expected d, got %q", k)
	}

	if _, err := c.Seek([]byte("a"), btree.SeekLE); err == nil {
		t.Fatalf("expected SeekLE before the first key to fail")
	}
}

func TestFirstLastNextPrev(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	keys := []string{"m", "a", "z", "c"}
	for _, k := range keys {
		if err := tree.Insert([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	c := btree.NewCursor(tree)
	ok, err := c.First()
	if err != nil || !ok {
		t.Fatalf("first: ok=%v err=%v", ok, err)
	}
	var forward []string
	for ok {
		k, err := c.Key()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		forward = append(forward, string(k))
		ok, err = c.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	wantForward := []string{"a", "c", "m", "z"}
	if !equalStrings(forward, wantForward) {
		t.Fatalf("forward walk: got %v, want %v", forward, wantForward)
	}

	ok, err = c.Last()
	if err != nil || !ok {
		t.Fatalf("last: ok=%v err=%v", ok, err)
	}
	var backward []string
	for ok {
		k, err := c.Key()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		backward = append(backward, string(k))
		ok, err = c.Prev()
		if err != nil {
			t.Fatalf("prev: %v", err)
		}
	}
	wantBackward := []string{"z", "m", "c", "a"}
	if !equalStrings(backward, wantBackward) {
		t.Fatalf("backward walk: got %v, want %v", backward, wantBackward)
	}
}

func TestInsertManyForcesSplitAndGrowsRoot(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 400
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("value-for-%04d", i)
		if err := tree.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	count, err := tree.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d entries after split-triggering inserts, got %d", n, count)
	}

	c := btree.NewCursor(tree)
	for i := 0; i < n; i += 37 {
		k := fmt.Sprintf("key-%04d", i)
		want := fmt.Sprintf("value-for-%04d", i)
		ok, err := c.Seek([]byte(k), btree.SeekEQ)
		if err != nil || !ok {
			t.Fatalf("seek %q after split: ok=%v err=%v", k, ok, err)
		}
		data, err := c.Data()
		if err != nil {
			t.Fatalf("data %q: %v", k, err)
		}
		if string(data) != want {
			t.Fatalf("key %q: expected %q, got %q", k, want, data)
		}
	}
}

func TestInsertLargeValueOverflows(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	big := bytes.Repeat([]byte("overflow-payload-"), 200) // far larger than a 256-byte page
	if err := tree.Insert([]byte("huge"), big); err != nil {
		t.Fatalf("insert huge: %v", err)
	}
	if err := tree.Insert([]byte("small"), []byte("tiny")); err != nil {
		t.Fatalf("insert small: %v", err)
	}

	c := btree.NewCursor(tree)
	ok, err := c.Seek([]byte("huge"), btree.SeekEQ)
	if err != nil || !ok {
		t.Fatalf("seek huge: ok=%v err=%v", ok, err)
	}
	data, err := c.Data()
	if err != nil {
		t.Fatalf("data huge: %v", err)
	}
	if !bytes.Equal(data, big) {
		t.Fatalf("overflowed value mismatch: got %d bytes, want %d", len(data), len(big))
	}

	ok, err = c.Seek([]byte("small"), btree.SeekEQ)
	if err != nil || !ok {
		t.Fatalf("seek small: ok=%v err=%v", ok, err)
	}
	data, err = c.Data()
	if err != nil {
		t.Fatalf("data small: %v", err)
	}
	if string(data) != "tiny" {
		t.Fatalf("expected tiny, got %q", data)
	}
}

func TestDeleteRemovesKeyAndCollapsesEmptyLeaves(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 300
	var keys []string
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("row-%04d", i)
		keys = append(keys, k)
		if err := tree.Insert([]byte(k), []byte("payload")); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	for i := 0; i < n; i++ {
		found, err := tree.Delete([]byte(keys[i]))
		if err != nil {
			t.Fatalf("delete %q: %v", keys[i], err)
		}
		if !found {
			t.Fatalf("expected delete of %q to report found", keys[i])
		}
	}

	count, err := tree.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty tree after deleting everything, got %d", count)
	}

	if err := tree.Insert([]byte("after-empty"), []byte("v")); err != nil {
		t.Fatalf("insert after emptying tree: %v", err)
	}
	c := btree.NewCursor(tree)
	ok, err := c.Seek([]byte("after-empty"), btree.SeekEQ)
	if err != nil || !ok {
		t.Fatalf("seek after re-populating emptied tree: ok=%v err=%v", ok, err)
	}
}

func TestDeleteMissingKeyReportsNotFound(t *testing.T) {
	store := testStore(t)
	tree, err := btree.Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	found, err := tree.Delete([]byte("missing"))
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if found {
		t.Fatalf("expected delete of missing key to report not found")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
