package kafs

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// hrlEntry is the packed 24-byte HRL entry record. refcnt == 0 marks
// the slot free.
type hrlEntry struct {
	Refcnt    uint32
	NextPlus1 uint32
	Blo       uint32
	_pad      uint32
	Fast      uint64
}

func (e *hrlEntry) marshal() []byte {
	buf := make([]byte, HRLEntrySize)
	binary.LittleEndian.PutUint32(buf[0:], e.Refcnt)
	binary.LittleEndian.PutUint32(buf[4:], e.NextPlus1)
	binary.LittleEndian.PutUint32(buf[8:], e.Blo)
	binary.LittleEndian.PutUint32(buf[12:], e._pad)
	binary.LittleEndian.PutUint64(buf[16:], e.Fast)
	return buf
}

func (e *hrlEntry) unmarshal(buf []byte) {
	e.Refcnt = binary.LittleEndian.Uint32(buf[0:])
	e.NextPlus1 = binary.LittleEndian.Uint32(buf[4:])
	e.Blo = binary.LittleEndian.Uint32(buf[8:])
	e._pad = binary.LittleEndian.Uint32(buf[12:])
	e.Fast = binary.LittleEndian.Uint64(buf[16:])
}

// hrl is the Hash Reference Layer: a content-addressed pool of
// physical blocks with hash-chained buckets and refcounted entries.
//
// Block content is hashed with hash/fnv (FNV-1a/64). The stored "fast"
// hash has to reproduce identically across remounts, so hash/maphash's
// per-process random seed isn't an option here.
type hrl struct {
	c       *Context
	idx     []byte // bucket head table, uint32 each
	entries []byte // entry table, HRLEntrySize each
	nBucket uint32
	nEntry  uint32

	locks []sync.Mutex // hrl_bucket_lock[b]

	putCalls  uint64
	hits      uint64
	misses    uint64
	fallbacks uint64
}

func newHRL(c *Context, idx, entries []byte) *hrl {
	nb := uint32(len(idx) / 4)
	ne := uint32(len(entries) / HRLEntrySize)
	return &hrl{
		c:       c,
		idx:     idx,
		entries: entries,
		nBucket: nb,
		nEntry:  ne,
		locks:   make([]sync.Mutex, nb),
	}
}

func hashBlock(buf []byte) uint64 {
	h := fnv.New64a()
	h.Write(buf)
	return h.Sum64()
}

func (h *hrl) bucketOf(hash uint64) uint32 {
	return uint32(hash) & (h.nBucket - 1)
}

func (h *hrl) head(b uint32) uint32 {
	return binary.LittleEndian.Uint32(h.idx[b*4:])
}

func (h *hrl) setHead(b uint32, raw uint32) {
	binary.LittleEndian.PutUint32(h.idx[b*4:], raw)
}

func (h *hrl) readEntry(i uint32) hrlEntry {
	var e hrlEntry
	e.unmarshal(h.entries[uint64(i)*HRLEntrySize:])
	return e
}

func (h *hrl) writeEntry(i uint32, e hrlEntry) {
	copy(h.entries[uint64(i)*HRLEntrySize:], e.marshal())
}

// findInChain walks bucket b's chain looking for a predicate match,
// bounded at nEntry iterations to survive a corrupted next-plus-one
// cycle by returning an IO error rather than looping forever.
func (h *hrl) findInChain(b uint32, match func(idx uint32, e hrlEntry) bool) (uint32, hrlEntry, bool, error) {
	raw := h.head(b)
	for steps := uint32(0); raw != 0; steps++ {
		if steps >= h.nEntry {
			return 0, hrlEntry{}, false, ErrIO
		}
		idx := raw - 1
		e := h.readEntry(idx)
		if match(idx, e) {
			return idx, e, true, nil
		}
		raw = e.NextPlus1
	}
	return 0, hrlEntry{}, false, nil
}

// put dedups on (hash, byte-equal content), or allocates a new block
// and chains a new entry. The caller is expected to
// take the first reference itself once it installs the returned block
// number into an inode's block map.
func (h *hrl) put(buf []byte) (hrid uint32, isNew bool, blo uint32, err error) {
	atomic.AddUint64(&h.putCalls, 1)
	hash := hashBlock(buf)
	b := h.bucketOf(hash)

	h.lockBucket(b)
	defer h.unlockBucket(b)

	idx, e, found, err := h.findInChain(b, func(_ uint32, e hrlEntry) bool {
		if e.Refcnt == 0 || e.Fast != hash {
			return false
		}
		cur, rerr := h.c.readBlock(e.Blo)
		return rerr == nil && bytes.Equal(cur, buf)
	})
	if err != nil {
		return 0, false, 0, err
	}
	if found {
		atomic.AddUint64(&h.hits, 1)
		return idx, false, e.Blo, nil
	}
	atomic.AddUint64(&h.misses, 1)

	slot, err := h.freeSlot()
	if err != nil {
		return 0, false, 0, err
	}

	newBlo, err := h.c.allocBlock()
	if err != nil {
		return 0, false, 0, err
	}
	if err := h.c.writeBlock(newBlo, buf); err != nil {
		h.c.setBlockUsage(newBlo, false)
		return 0, false, 0, err
	}

	ne := hrlEntry{Refcnt: 0, NextPlus1: h.head(b), Blo: newBlo, Fast: hash}
	h.writeEntry(slot, ne)
	h.setHead(b, slot+1)

	return slot, true, newBlo, nil
}

// freeSlot finds a free entry slot by linear scan, bounded at nEntry.
func (h *hrl) freeSlot() (uint32, error) {
	for i := uint32(0); i < h.nEntry; i++ {
		e := h.readEntry(i)
		if e.Refcnt == 0 {
			return i, nil
		}
	}
	return 0, ErrNoSpace
}

func (h *hrl) fallbacksInc() { atomic.AddUint64(&h.fallbacks, 1) }

// lockBucket/unlockBucket wrap an HRL bucket mutex with the debug-only
// bookkeeping in lockdebug_debug.go (built with -tags kafsdebug), which
// asserts that inode locks are never acquired while a bucket lock is
// still held. The intended lock order is inode, then bucket, then
// bitmap.
func (h *hrl) lockBucket(b uint32) {
	h.locks[b].Lock()
	bucketLockEnter()
}

func (h *hrl) unlockBucket(b uint32) {
	bucketLockExit()
	h.locks[b].Unlock()
}

// incRef increments the refcount of the entry at hrid.
func (h *hrl) incRef(hrid uint32) error {
	e := h.readEntry(hrid)
	b := h.bucketOf(e.Fast)
	h.lockBucket(b)
	defer h.unlockBucket(b)

	e = h.readEntry(hrid) // re-read under lock
	if e.Refcnt == ^uint32(0) {
		return ErrOverflow
	}
	e.Refcnt++
	h.writeEntry(hrid, e)
	return nil
}

// decRef decrements the refcount of the entry at hrid, and on reaching
// zero frees the physical block and unlinks the entry from its bucket
// chain.
func (h *hrl) decRef(hrid uint32) error {
	e := h.readEntry(hrid)
	b := h.bucketOf(e.Fast)
	h.lockBucket(b)
	defer h.unlockBucket(b)

	e = h.readEntry(hrid)
	if e.Refcnt == 0 {
		return ErrIO
	}
	e.Refcnt--
	if e.Refcnt > 0 {
		h.writeEntry(hrid, e)
		return nil
	}

	// last reference: unlink then free the block.
	if err := h.unlink(b, hrid, e); err != nil {
		return err
	}
	blo := e.Blo
	h.writeEntry(hrid, hrlEntry{}) // zero the entry

	return h.c.freeBlock(blo)
}

// unlink removes entry idx from bucket b's chain, bounded at nEntry
// iterations.
func (h *hrl) unlink(b, idx uint32, e hrlEntry) error {
	raw := h.head(b)
	if raw == idx+1 {
		h.setHead(b, e.NextPlus1)
		return nil
	}
	steps := uint32(0)
	for raw != 0 {
		if steps >= h.nEntry {
			return ErrIO
		}
		steps++
		cur := h.readEntry(raw - 1)
		if cur.NextPlus1 == idx+1 {
			cur.NextPlus1 = e.NextPlus1
			h.writeEntry(raw-1, cur)
			return nil
		}
		raw = cur.NextPlus1
	}
	return ErrIO
}

// incRefByBlo hashes the content of blo and matches on (hash, blo
// equality). If blo isn't yet HRL-managed (a legacy, bitmap-only block)
// it is promoted into the HRL with refcnt 2: one for its original owner,
// one for the new reflink clone about to install the same block number.
func (h *hrl) incRefByBlo(blo uint32) error {
	content, err := h.c.readBlock(blo)
	if err != nil {
		return err
	}
	hash := hashBlock(content)
	b := h.bucketOf(hash)

	h.lockBucket(b)
	idx, _, found, err := h.findInChain(b, func(_ uint32, e hrlEntry) bool {
		return e.Refcnt > 0 && e.Fast == hash && e.Blo == blo
	})
	h.unlockBucket(b)
	if err != nil {
		return err
	}
	if found {
		return h.incRef(idx)
	}

	h.lockBucket(b)
	defer h.unlockBucket(b)
	slot, err := h.freeSlot()
	if err != nil {
		return err
	}
	ne := hrlEntry{Refcnt: 2, NextPlus1: h.head(b), Blo: blo, Fast: hash}
	h.writeEntry(slot, ne)
	h.setHead(b, slot+1)
	return nil
}

// decRefByBlo is the decRef counterpart: on a missing match it falls
// back to a direct physical-block release, since the block was never
// tracked by the HRL.
func (h *hrl) decRefByBlo(blo uint32) error {
	content, err := h.c.readBlock(blo)
	if err != nil {
		return err
	}
	hash := hashBlock(content)
	b := h.bucketOf(hash)

	h.lockBucket(b)
	idx, _, found, err := h.findInChain(b, func(_ uint32, e hrlEntry) bool {
		return e.Refcnt > 0 && e.Fast == hash && e.Blo == blo
	})
	h.unlockBucket(b)
	if err != nil {
		return err
	}
	if found {
		return h.decRef(idx)
	}
	return h.c.freeBlock(blo)
}

// HRLStats reports HRL usage counters for tests and the fsck tool.
type HRLStats struct {
	PutCalls, Hits, Misses, Fallbacks, EntriesUsed, Buckets, Entries uint64
}

func (h *hrl) stats() HRLStats {
	used := uint64(0)
	for i := uint32(0); i < h.nEntry; i++ {
		if h.readEntry(i).Refcnt > 0 {
			used++
		}
	}
	return HRLStats{
		PutCalls:    atomic.LoadUint64(&h.putCalls),
		Hits:        atomic.LoadUint64(&h.hits),
		Misses:      atomic.LoadUint64(&h.misses),
		Fallbacks:   atomic.LoadUint64(&h.fallbacks),
		EntriesUsed: used,
		Buckets:     uint64(h.nBucket),
		Entries:     uint64(h.nEntry),
	}
}

// HRLStats exposes the Context's HRL counters, or a zero value if the
// image was formatted without HRL.
func (c *Context) HRLStats() HRLStats {
	if c.hrl == nil {
		return HRLStats{}
	}
	return c.hrl.stats()
}
