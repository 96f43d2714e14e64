package kafs

import (
	"bytes"
	"encoding/binary"
)

// inodeRec is the packed 128-byte on-disk inode record. Occupancy is
// "Mode != 0".
type inodeRec struct {
	Mode       uint32
	Uid        uint32
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	Gid        uint32
	LinkCnt    uint32
	BlockCount uint32
	Rdev       uint32
	R          [RefSlots]uint32
	Reserved   [20]byte
}

func (r *inodeRec) marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, r)
	return buf.Bytes()
}

func (r *inodeRec) unmarshal(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, r)
}

func (r *inodeRec) occupied() bool { return r.Mode != 0 }

func (r *inodeRec) inline() bool { return r.Size <= InlineCapacity }

// inlineBytes views R's 15 words as the InlineCapacity-byte inline data
// area: the disk bytes are identical whether R is read as block numbers
// or as raw file content, so this is just a re-pack, not a conversion.
func (r *inodeRec) inlineBytes() []byte {
	buf := make([]byte, InlineCapacity)
	for i, v := range r.R {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func (r *inodeRec) setInlineBytes(data []byte) {
	var tmp [InlineCapacity]byte
	copy(tmp[:], data)
	for i := range r.R {
		r.R[i] = binary.LittleEndian.Uint32(tmp[i*4:])
	}
}

// inodeSlot returns the byte range of inode number ino within the inode
// table view. ino 0 is the reserved none-inode.
func (c *Context) inodeSlot(ino uint32) []byte {
	off := uint64(ino) * InodeSize
	return c.inodeTbl[off : off+InodeSize]
}

func (c *Context) readInode(ino uint32) (*inodeRec, error) {
	if ino == 0 || uint64(ino) >= uint64(len(c.inodeTbl))/InodeSize {
		return nil, ErrNotFound
	}
	r := &inodeRec{}
	if err := r.unmarshal(c.inodeSlot(ino)); err != nil {
		return nil, ErrIO
	}
	if !r.occupied() {
		return nil, ErrNotFound
	}
	return r, nil
}

func (c *Context) writeInode(ino uint32, r *inodeRec) error {
	copy(c.inodeSlot(ino), r.marshal())
	return nil
}

// findFreeInode scans like the block allocator, starting at hint+1,
// skipping index 0, wrapping to index 1. Caller holds allocLock.
func (c *Context) findFreeInode() (uint32, error) {
	total := c.sb.InodeCount
	start := c.inoHint + 1
	if start < 1 {
		start = 1
	}
	for pass := 0; pass < 2; pass++ {
		from := uint32(1)
		to := total + 1
		if pass == 0 {
			from = start
		}
		for i := from; i < to; i++ {
			if i == 0 || i > total {
				continue
			}
			r := &inodeRec{}
			if err := r.unmarshal(c.inodeSlot(i)); err != nil {
				return 0, ErrIO
			}
			if !r.occupied() {
				c.inoHint = i
				return i, nil
			}
		}
	}
	return 0, ErrNoSpace
}

// allocBlock does a bitmap scan plus superblock bookkeeping, under
// allocLock.
func (c *Context) allocBlock() (uint32, error) {
	c.allocLock.Lock()
	defer c.allocLock.Unlock()
	return c.allocBlockLocked()
}

// allocBlockLocked assumes allocLock is already held by the caller.
func (c *Context) allocBlockLocked() (uint32, error) {
	blo, err := c.bm.alloc()
	if err != nil {
		return 0, err
	}
	if c.sb.FreeBlockCount == 0 {
		c.bm.setUsage(blo, false)
		return 0, ErrNoSpace
	}
	c.sb.FreeBlockCount--
	c.sb.WriteTime = nowUnix()
	c.writeSuperblock()
	return blo, nil
}

// setBlockUsage asserts the transition via bitmap.setUsage, then
// updates the free-block counter and write time.
func (c *Context) setBlockUsage(blo uint32, used bool) error {
	c.allocLock.Lock()
	defer c.allocLock.Unlock()
	return c.setBlockUsageLocked(blo, used)
}

func (c *Context) setBlockUsageLocked(blo uint32, used bool) error {
	if err := c.bm.setUsage(blo, used); err != nil {
		return err
	}
	if used {
		c.sb.FreeBlockCount--
	} else {
		c.sb.FreeBlockCount++
	}
	c.sb.WriteTime = nowUnix()
	c.writeSuperblock()
	return nil
}

// freeBlock zeroes the block content and releases it to the bitmap.
// Used both by the plain allocator-fallback path and by the HRL when
// a live entry's refcount drops to zero.
func (c *Context) freeBlock(blo uint32) error {
	if err := c.zeroBlock(blo); err != nil {
		return err
	}
	return c.setBlockUsage(blo, false)
}

func (c *Context) readBlock(blo uint32) ([]byte, error) {
	if blo == NoneBlk {
		return make([]byte, c.blockSize()), nil
	}
	bs := uint64(c.blockSize())
	off := uint64(c.layout.DataOffset) + uint64(blo)*bs
	if off+bs > uint64(len(c.mmap)) {
		return nil, ErrIO
	}
	buf := make([]byte, bs)
	copy(buf, c.mmap[off:off+bs])
	return buf, nil
}

func (c *Context) writeBlock(blo uint32, data []byte) error {
	bs := uint64(c.blockSize())
	off := uint64(c.layout.DataOffset) + uint64(blo)*bs
	if off+bs > uint64(len(c.mmap)) {
		return ErrIO
	}
	if uint64(len(data)) < bs {
		padded := make([]byte, bs)
		copy(padded, data)
		data = padded
	}
	copy(c.mmap[off:off+bs], data[:bs])
	return nil
}

func (c *Context) zeroBlock(blo uint32) error {
	bs := uint64(c.blockSize())
	off := uint64(c.layout.DataOffset) + uint64(blo)*bs
	if off+bs > uint64(len(c.mmap)) {
		return ErrIO
	}
	for i := range c.mmap[off : off+bs] {
		c.mmap[off+uint64(i)] = 0
	}
	return nil
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
