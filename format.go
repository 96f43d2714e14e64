package kafs

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	defaultBlockSize   = 4096
	defaultHRLBuckets  = 1024
	defaultHRLEntries  = 4096
	defaultJournalSize = 1 << 20 // 1 MiB
)

func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Format initialises a brand-new image file with blockCount allocatable
// data blocks: a zeroed superblock, bitmap, inode table, HRL index and
// entries (unless WithoutHRL), and an empty journal ring, then mounts it
// exactly as Open would.
func Format(path string, blockCount uint32, opts ...Option) (*Context, error) {
	scratch := &Context{
		fmtBlockSize:   defaultBlockSize,
		fmtInodeCount:  blockCount/4 + 16,
		fmtHRLBuckets:  defaultHRLBuckets,
		fmtHRLEntries:  defaultHRLEntries,
		fmtJournalSize: defaultJournalSize,
	}
	for _, o := range opts {
		if err := o(scratch); err != nil {
			return nil, err
		}
	}

	hrlBuckets := uint32(0)
	hrlEntries := uint32(0)
	if !scratch.fmtNoHRL {
		hrlBuckets = nextPow2(scratch.fmtHRLBuckets)
		hrlEntries = scratch.fmtHRLEntries
		if hrlEntries == 0 {
			hrlEntries = defaultHRLEntries
		}
	}

	layout := computeLayout(scratch.fmtBlockSize, blockCount, scratch.fmtInodeCount, hrlBuckets, hrlEntries, scratch.fmtJournalSize)
	total := layout.DataOffset + uint64(blockCount)*uint64(scratch.fmtBlockSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, err
	}

	sb := Superblock{
		Magic:                Magic,
		FormatVersionField:   FormatVersion,
		Log2BlockSizeMinus10: blockSizeToLog2Minus10(scratch.fmtBlockSize),
		InodeCount:           scratch.fmtInodeCount,
		BlockCount:           blockCount,
		FreeBlockCount:       blockCount,
		FreeInodeCount:       scratch.fmtInodeCount,
		FirstDataBlock:       0,
		WriteTime:            nowUnix(),
	}
	if hrlBuckets > 0 {
		sb.HRLIndexOffset = layout.HRLIndexOffset
		sb.HRLIndexSize = uint64(hrlBuckets) * 4
		sb.HRLEntryOffset = layout.HRLEntryOffset
		sb.HRLEntryCount = hrlEntries
	}
	sb.JournalOffset = layout.JournalOffset
	sb.JournalSize = uint64(scratch.fmtJournalSize)

	sbBuf, err := sb.MarshalBinary()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(sbBuf, int64(layout.SuperblockOffset)); err != nil {
		f.Close()
		return nil, err
	}

	// Inode 0 (none) is never handed out because findFreeInode skips
	// index 0; write the root directory's record at RootIno.
	root := inodeRec{
		Mode:    S_IFDIR | 0755,
		LinkCnt: 2,
		Ctime:   nowUnix(),
		Mtime:   nowUnix(),
		Atime:   nowUnix(),
	}
	rootBuf := root.marshal()
	if _, err := f.WriteAt(rootBuf, int64(layout.InodeTblOffset+uint64(RootIno)*InodeSize)); err != nil {
		f.Close()
		return nil, err
	}

	jh := journalHeader{Magic: journalMagic, Version: journalVersion, Capacity: uint32(layout.JournalSize) - journalHeaderSize}
	jh.CRC = jh.computeCRC()
	if _, err := f.WriteAt(jh.marshal(), int64(layout.JournalOffset)); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()

	c, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}

	// Root directory starts with a single ".." entry pointing at itself;
	// Rmdir's "directory is empty" precondition treats that as empty.
	c.sb.FreeInodeCount--
	c.writeSuperblock()
	lock := c.inodeLock(RootIno)
	lock.Lock()
	rec, err := c.readInode(RootIno)
	if err != nil {
		lock.Unlock()
		c.Close()
		return nil, err
	}
	buf, err := dirAppend(nil, RootIno, "..")
	if err == nil {
		err = c.dirWriteback(RootIno, lock, rec, buf)
	}
	lock.Unlock()
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := unix.Msync(c.mmap, unix.MS_SYNC); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
