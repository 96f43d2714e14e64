package kafs

import (
	"bytes"
	"path/filepath"
	"testing"
)

func mustFormatHRL(t *testing.T, opts ...Option) *Context {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.kafs")
	c, err := Format(path, 4096, opts...)
	if err != nil {
		t.Fatalf("Format failed: %s", err)
	}
	if c.hrl == nil {
		t.Fatalf("Format produced a Context with no HRL")
	}
	return c
}

func TestHRLPutDedupsIdenticalContent(t *testing.T) {
	c := mustFormatHRL(t)
	defer c.Close()

	buf := bytes.Repeat([]byte("a"), int(c.blockSize()))
	id1, isNew1, blo1, err := c.hrl.put(buf)
	if err != nil {
		t.Fatalf("put failed: %s", err)
	}
	if !isNew1 {
		t.Fatalf("first put of unseen content reported isNew=false")
	}
	// Take the first reference so the entry isn't a free slot.
	if err := c.hrl.incRef(id1); err != nil {
		t.Fatalf("incRef failed: %s", err)
	}

	id2, isNew2, blo2, err := c.hrl.put(buf)
	if err != nil {
		t.Fatalf("second put failed: %s", err)
	}
	if isNew2 {
		t.Errorf("second put of identical content reported isNew=true")
	}
	if id1 != id2 || blo1 != blo2 {
		t.Errorf("dedup mismatch: (%d,%d) vs (%d,%d)", id1, blo1, id2, blo2)
	}
}

func TestHRLPutDistinctContentGetsDistinctEntries(t *testing.T) {
	c := mustFormatHRL(t)
	defer c.Close()

	bufA := bytes.Repeat([]byte("a"), int(c.blockSize()))
	bufB := bytes.Repeat([]byte("b"), int(c.blockSize()))

	idA, _, bloA, err := c.hrl.put(bufA)
	if err != nil {
		t.Fatalf("put A failed: %s", err)
	}
	if err := c.hrl.incRef(idA); err != nil {
		t.Fatalf("incRef A failed: %s", err)
	}
	idB, _, bloB, err := c.hrl.put(bufB)
	if err != nil {
		t.Fatalf("put B failed: %s", err)
	}
	if idA == idB || bloA == bloB {
		t.Errorf("distinct content collapsed to the same entry/block: id %d/%d blo %d/%d", idA, idB, bloA, bloB)
	}
}

func TestHRLIncRefDecRefFreesBlockAtZero(t *testing.T) {
	c := mustFormatHRL(t)
	defer c.Close()

	buf := bytes.Repeat([]byte("c"), int(c.blockSize()))
	id, _, blo, err := c.hrl.put(buf)
	if err != nil {
		t.Fatalf("put failed: %s", err)
	}
	// put() doesn't take the first reference itself; the caller does.
	if err := c.hrl.incRef(id); err != nil {
		t.Fatalf("incRef (first) failed: %s", err)
	}
	if err := c.hrl.incRef(id); err != nil {
		t.Fatalf("incRef (second) failed: %s", err)
	}

	e := c.hrl.readEntry(id)
	if e.Refcnt != 2 {
		t.Fatalf("Refcnt = %d, want 2", e.Refcnt)
	}

	if err := c.hrl.decRef(id); err != nil {
		t.Fatalf("decRef (first) failed: %s", err)
	}
	if e := c.hrl.readEntry(id); e.Refcnt != 1 {
		t.Errorf("Refcnt after one decRef = %d, want 1", e.Refcnt)
	}

	if err := c.hrl.decRef(id); err != nil {
		t.Fatalf("decRef (last) failed: %s", err)
	}
	if e := c.hrl.readEntry(id); e.Refcnt != 0 {
		t.Errorf("Refcnt after last decRef = %d, want 0", e.Refcnt)
	}

	if _, err := c.readBlock(blo); err != nil {
		t.Logf("note: readBlock on freed block %d returned %s (bitmap state, not HRL's concern)", blo, err)
	}
}

func TestHRLDecRefBelowZeroIsRejected(t *testing.T) {
	c := mustFormatHRL(t)
	defer c.Close()

	buf := bytes.Repeat([]byte("d"), int(c.blockSize()))
	id, _, _, err := c.hrl.put(buf)
	if err != nil {
		t.Fatalf("put failed: %s", err)
	}
	if err := c.hrl.decRef(id); err != ErrIO {
		t.Errorf("decRef on a refcnt-0 entry = %v, want ErrIO", err)
	}
}

func TestHRLIncRefByBloPromotesLegacyBlock(t *testing.T) {
	c := mustFormatHRL(t)
	defer c.Close()

	blo, err := c.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock failed: %s", err)
	}
	buf := bytes.Repeat([]byte("e"), int(c.blockSize()))
	if err := c.writeBlock(blo, buf); err != nil {
		t.Fatalf("writeBlock failed: %s", err)
	}

	if err := c.hrl.incRefByBlo(blo); err != nil {
		t.Fatalf("incRefByBlo failed: %s", err)
	}

	stats := c.HRLStats()
	if stats.EntriesUsed == 0 {
		t.Errorf("incRefByBlo did not register an HRL entry")
	}

	if err := c.hrl.decRefByBlo(blo); err != nil {
		t.Fatalf("decRefByBlo (first) failed: %s", err)
	}
	if _, err := c.readBlock(blo); err != nil {
		t.Fatalf("block freed too early after a single decRefByBlo: %s", err)
	}
	if err := c.hrl.decRefByBlo(blo); err != nil {
		t.Fatalf("decRefByBlo (second) failed: %s", err)
	}
}

func TestHRLStatsTracksHitsAndMisses(t *testing.T) {
	c := mustFormatHRL(t)
	defer c.Close()

	buf := bytes.Repeat([]byte("f"), int(c.blockSize()))
	id, _, _, err := c.hrl.put(buf)
	if err != nil {
		t.Fatalf("put failed: %s", err)
	}
	if err := c.hrl.incRef(id); err != nil {
		t.Fatalf("incRef failed: %s", err)
	}
	if _, _, _, err := c.hrl.put(buf); err != nil {
		t.Fatalf("put failed: %s", err)
	}

	stats := c.HRLStats()
	if stats.PutCalls != 2 {
		t.Errorf("PutCalls = %d, want 2", stats.PutCalls)
	}
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("Misses/Hits = %d/%d, want 1/1", stats.Misses, stats.Hits)
	}
}

func TestHRLStatsZeroValueWithoutHRL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.kafs")
	c, err := Format(path, 4096, WithoutHRL())
	if err != nil {
		t.Fatalf("Format failed: %s", err)
	}
	defer c.Close()
	if c.hrl != nil {
		t.Fatalf("WithoutHRL produced a Context with a non-nil HRL")
	}
	stats := c.HRLStats()
	if stats.PutCalls != 0 || stats.Buckets != 0 {
		t.Errorf("HRLStats on a no-HRL image = %+v, want zero value", stats)
	}
}
