package kafs

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Context is the in-memory mount context. It is created at mount,
// destroyed at unmount, and never persisted: mmap base and length,
// pointers into the mapped regions, lock state, allocation hints,
// per-inode open-count table, HRL statistics and hotplug session
// state (the latter lives in the hotplug package and is wired in by
// cmd/kafs, not stored here).
type Context struct {
	path string
	f    *os.File
	mmap []byte // owns the mapping and the fd
	ro   bool

	layout Layout
	sbBuf  []byte // view into mmap, SuperblockSize bytes
	sb     Superblock

	allocLock sync.Mutex // guards block and inode allocation bookkeeping
	bm        *bitmap    // bitmap region + bitmap_lock
	inoHint   uint32     // inode allocation hint

	inodeTbl []byte // view into mmap

	hrl *hrl

	jrn *journal

	inoLocks   sync.Map // map[uint32]*inodeMutex, one per inode
	openCount  []int32  // runtime-only per-inode open count, sized at mount
	openCountL sync.Mutex

	peer  HotplugPeer // optional hotplug back-end, consulted before the local path
	peerL sync.Mutex

	// format-time-only scratch, read by Option funcs, unused after Format.
	fmtBlockSize    uint32
	fmtInodeCount   uint32
	fmtHRLBuckets   uint32
	fmtHRLEntries   uint32
	fmtJournalSize  uint32
	fmtNoHRL        bool
	journalGCWindow int64
	journalDisabled bool
}

// Open mounts an existing image file, replaying its journal.
func Open(path string, opts ...Option) (*Context, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return openFile(path, f, false, opts...)
}

// OpenReadOnly mounts an image without acquiring a write lock, for tools
// like fsck that want a non-exclusive look at the image.
func OpenReadOnly(path string, opts ...Option) (*Context, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return openFile(path, f, true, opts...)
}

// Path returns the image file path this Context was opened from.
func (c *Context) Path() string { return c.path }

func openFile(path string, f *os.File, ro bool, opts ...Option) (*Context, error) {
	if !ro {
		// exclusive image-open: a second mount would corrupt the ring.
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, fmt.Errorf("kafs: image already mounted: %w", err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	prot := unix.PROT_READ
	if !ro {
		prot |= unix.PROT_WRITE
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	c := &Context{path: path, f: f, mmap: m, ro: ro}
	for _, o := range opts {
		if err := o(c); err != nil {
			c.unmapAndClose()
			return nil, err
		}
	}

	if err := c.sb.UnmarshalBinary(m[:SuperblockSize]); err != nil {
		c.unmapAndClose()
		return nil, err
	}

	c.layout = layoutFromSuperblock(&c.sb)
	c.sbBuf = c.mmap[0:SuperblockSize]
	c.bm = newBitmap(c.mmap[c.layout.BitmapOffset:c.layout.BitmapOffset+c.layout.BitmapSize], c.sb.BlockCount)
	c.inodeTbl = c.mmap[c.layout.InodeTblOffset : c.layout.InodeTblOffset+c.layout.InodeTblSize]
	c.openCount = make([]int32, c.sb.InodeCount+1)

	if c.layout.HRLEntrySize > 0 {
		idx := c.mmap[c.layout.HRLIndexOffset : c.layout.HRLIndexOffset+c.layout.HRLIndexSize]
		ent := c.mmap[c.layout.HRLEntryOffset : c.layout.HRLEntryOffset+c.layout.HRLEntrySize]
		c.hrl = newHRL(c, idx, ent)
	}

	gcWindow := DefaultGroupCommitWindowNS
	if c.journalGCWindow != 0 {
		gcWindow = c.journalGCWindow
	}
	jbuf := c.mmap[c.layout.JournalOffset : c.layout.JournalOffset+c.layout.JournalSize]
	c.jrn = newJournal(jbuf, c.layout.JournalOffset, gcWindow, c.journalDisabled, c.fsyncRange)

	if !ro {
		if err := c.jrn.replay(nil); err != nil {
			log.Printf("kafs: journal replay failed: %s (continuing with empty ring)", err)
		}
		c.sb.MountCount++
		c.sb.MountTime = uint32(time.Now().Unix())
		c.writeSuperblock()
	}

	return c, nil
}

func (c *Context) unmapAndClose() {
	if c.mmap != nil {
		unix.Munmap(c.mmap)
	}
	c.f.Close()
}

// Close flushes any pending journal batch, syncs metadata and unmaps
// the image.
func (c *Context) Close() error {
	if c.jrn != nil && !c.ro {
		c.jrn.flush()
	}
	if !c.ro {
		unix.Msync(c.mmap, unix.MS_SYNC)
	}
	err := unix.Munmap(c.mmap)
	c.f.Close()
	return err
}

func (c *Context) writeSuperblock() {
	buf, err := c.sb.MarshalBinary()
	if err != nil {
		log.Printf("kafs: failed to marshal superblock: %s", err)
		return
	}
	copy(c.sbBuf, buf)
}

// fsyncRange is the journal's flush callback; msync covers mmap-backed
// writes since there's no separate write() path into the journal region.
func (c *Context) fsyncRange(offset, length uint64) error {
	return unix.Msync(c.mmap[offset:offset+length], unix.MS_SYNC)
}

// inodeMutex guards one inode's mode, size, link count, times, block
// map and, for directories, the directory stream. Lock wraps
// sync.Mutex.Lock with a debug-only check (built with -tags
// kafsdebug) that this goroutine isn't already holding an HRL bucket
// lock, enforcing the inode -> bucket -> bitmap acquisition order.
type inodeMutex struct {
	mu sync.Mutex
}

func (m *inodeMutex) Lock() {
	assertNoBucketLockHeld()
	m.mu.Lock()
}

func (m *inodeMutex) Unlock() { m.mu.Unlock() }

// inodeLock returns (creating if needed) the mutex guarding inode i.
func (c *Context) inodeLock(ino uint32) *inodeMutex {
	v, _ := c.inoLocks.LoadOrStore(ino, &inodeMutex{})
	return v.(*inodeMutex)
}

func (c *Context) blockSize() uint32 { return c.sb.BlockSize() }
