package kafs

import (
	"io"
	"log"
)

// readInodeData implements the read path: inline bytes for small
// files, otherwise per-logical-block reads through bmGet, with missing
// blocks returned as zeros.
func (c *Context) readInodeData(rec *inodeRec, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInput
	}
	if uint64(off) >= rec.Size {
		return 0, io.EOF
	}
	if uint64(off)+uint64(len(buf)) > rec.Size {
		buf = buf[:rec.Size-uint64(off)]
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if rec.inline() {
		ib := rec.inlineBytes()
		return copy(buf, ib[off:]), nil
	}

	bs := uint64(c.blockSize())
	n := 0
	curOff := uint64(off)
	for len(buf) > 0 {
		iblo := uint32(curOff / bs)
		inOff := curOff % bs

		blo, err := c.bmGet(rec, iblo)
		if err != nil {
			return n, err
		}
		var blk []byte
		if blo == NoneBlk {
			blk = make([]byte, bs)
		} else {
			blk, err = c.readBlock(blo)
			if err != nil {
				return n, err
			}
		}

		l := copy(buf, blk[inOff:])
		buf = buf[l:]
		curOff += uint64(l)
		n += l
	}
	return n, nil
}

// storeLeafNoRef writes a non-zero data block's content through the
// HRL when available, falling back to a plain allocator write on HRL
// error or when the image was formatted without HRL. It does not take
// the HRL reference itself; the caller decides whether a reference is
// actually new (see iblkWrite).
func (c *Context) storeLeafNoRef(buf []byte) (blo uint32, hrid uint32, viaHRL bool, err error) {
	if c.hrl != nil {
		hrid, _, blo, err := c.hrl.put(buf)
		if err == nil {
			return blo, hrid, true, nil
		}
		h := c.hrl
		h.fallbacksInc()
	}
	blo, err = c.allocBlock()
	if err != nil {
		return 0, 0, false, err
	}
	if err := c.writeBlock(blo, buf); err != nil {
		c.setBlockUsage(blo, false)
		return 0, 0, false, err
	}
	return blo, 0, false, nil
}

// iblkWrite does a copy-on-write update of one logical block. It
// returns block numbers whose reference must be dropped outside the
// inode lock, since dec-ref work must never run inside an inode
// critical section.
func (c *Context) iblkWrite(rec *inodeRec, iblo uint32, blockBuf []byte) ([]uint32, error) {
	old, err := c.bmGet(rec, iblo)
	if err != nil {
		return nil, err
	}

	if isAllZero(blockBuf) {
		if old == NoneBlk {
			return nil, nil
		}
		if err := c.bmSet(rec, iblo, NoneBlk); err != nil {
			return nil, err
		}
		pr, err := c.pruneEmptyIndirects(rec, iblo)
		if err != nil {
			return nil, err
		}
		pending := append([]uint32{old}, pr.freed[:pr.n]...)
		return pending, nil
	}

	newBlo, hrid, viaHRL, err := c.storeLeafNoRef(blockBuf)
	if err != nil {
		return nil, err
	}

	if viaHRL && old != newBlo {
		if err := c.hrl.incRef(hrid); err != nil {
			return nil, err
		}
	}

	if err := c.bmSet(rec, iblo, newBlo); err != nil {
		return nil, err
	}

	var pending []uint32
	if old != NoneBlk && old != newBlo {
		pending = append(pending, old)
	}
	return pending, nil
}

// releasePending drops a reference to each collected block number,
// outside the inode lock. decRefByBlo auto-detects whether a block is
// HRL-managed; blocks that never went through the HRL (indirect tables,
// or data blocks written while HRL was disabled) fall back to a direct
// bitmap release.
func (c *Context) releasePending(pending []uint32) {
	for _, b := range pending {
		if b == NoneBlk {
			continue
		}
		if c.hrl != nil {
			if err := c.hrl.decRefByBlo(b); err != nil {
				// io error means a corrupted chain; log and move on rather
				// than leaking the block forever.
				log.Printf("kafs: releasePending: dec_ref_by_blo(%d): %s", b, err)
			}
			continue
		}
		if err := c.freeBlock(b); err != nil {
			log.Printf("kafs: releasePending: free_block(%d): %s", b, err)
		}
	}
}

// writeInodeData implements the write path: inline growth and
// inline->indirect promotion, followed by per-logical-block CoW
// writes. Returns blocks to release outside the inode lock.
func (c *Context) writeInodeData(rec *inodeRec, buf []byte, off int64) (int, []uint32, error) {
	if off < 0 || len(buf) == 0 {
		return 0, nil, nil
	}
	end := uint64(off) + uint64(len(buf))
	wasInline := rec.inline()
	willBeInline := end <= InlineCapacity

	if wasInline && willBeInline {
		ib := rec.inlineBytes()
		copy(ib[off:], buf)
		rec.setInlineBytes(ib)
		if end > rec.Size {
			rec.Size = end
		}
		return len(buf), nil, nil
	}

	var pending []uint32

	if wasInline && !willBeInline {
		// Promote: copy existing inline bytes into a freshly zero-padded
		// full block, clear the inline area, install as logical block 0.
		ib := rec.inlineBytes()
		full := make([]byte, c.blockSize())
		copy(full, ib[:rec.Size])
		rec.setInlineBytes(make([]byte, InlineCapacity))

		if !isAllZero(full) {
			newBlo, hrid, viaHRL, err := c.storeLeafNoRef(full)
			if err != nil {
				return 0, nil, err
			}
			if viaHRL {
				if err := c.hrl.incRef(hrid); err != nil {
					return 0, nil, err
				}
			}
			if err := c.bmSet(rec, 0, newBlo); err != nil {
				return 0, nil, err
			}
		}
	}

	bs := uint64(c.blockSize())
	remaining := buf
	curOff := uint64(off)
	total := 0
	for len(remaining) > 0 {
		iblo := uint32(curOff / bs)
		inOff := curOff % bs
		n := bs - inOff
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}

		var blockBuf []byte
		if n == bs {
			blockBuf = make([]byte, bs)
			copy(blockBuf, remaining[:n])
		} else {
			old, err := c.bmGet(rec, iblo)
			if err != nil {
				return total, pending, err
			}
			if old == NoneBlk {
				blockBuf = make([]byte, bs)
			} else {
				blockBuf, err = c.readBlock(old)
				if err != nil {
					return total, pending, err
				}
			}
			copy(blockBuf[inOff:], remaining[:n])
		}

		p, err := c.iblkWrite(rec, iblo, blockBuf)
		if err != nil {
			return total, pending, err
		}
		pending = append(pending, p...)

		remaining = remaining[n:]
		curOff += n
		total += int(n)
	}

	if end > rec.Size {
		rec.Size = end
	}
	return total, pending, nil
}

// truncate resizes a file's data. size is updated first so concurrent
// readers never observe a stale size pointing at a freed block; blocks
// beyond the new end are then released in bounded batches, dropping the
// inode lock around each flush (the per-batch reacquire re-reads the
// inode record to avoid silently clobbering a concurrent mutation made
// during the gap).
func (c *Context) truncate(ino uint32, lock *inodeMutex, rec *inodeRec, newSize uint64) error {
	oldSize := rec.Size
	if newSize >= oldSize {
		rec.Size = newSize
		return c.writeInode(ino, rec)
	}

	bs := uint64(c.blockSize())
	wasInline := rec.inline()
	willBeInline := newSize <= InlineCapacity

	var savedInline []byte
	if willBeInline && !wasInline && newSize > 0 {
		savedInline = make([]byte, newSize)
		blo, err := c.bmGet(rec, 0)
		if err != nil {
			return err
		}
		if blo != NoneBlk {
			blk, err := c.readBlock(blo)
			if err != nil {
				return err
			}
			copy(savedInline, blk[:newSize])
		}
	}

	rec.Size = newSize
	if err := c.writeInode(ino, rec); err != nil {
		return err
	}

	if wasInline {
		ib := rec.inlineBytes()
		for i := newSize; i < InlineCapacity; i++ {
			ib[i] = 0
		}
		rec.setInlineBytes(ib)
		return c.writeInode(ino, rec)
	}

	startIblo := uint32(0)
	if !willBeInline {
		startIblo = uint32((newSize + bs - 1) / bs)
	}
	lastIblo := uint32((oldSize + bs - 1) / bs)

	const batchSize = 64
	var pending []uint32
	count := 0
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := c.writeInode(ino, rec); err != nil {
			return err
		}
		lock.Unlock()
		c.releasePending(pending)
		lock.Lock()
		fresh, err := c.readInode(ino)
		if err != nil {
			return err
		}
		*rec = *fresh
		pending = pending[:0]
		count = 0
		return nil
	}

	for i := startIblo; i < lastIblo; i++ {
		old, err := c.bmGet(rec, i)
		if err != nil {
			return err
		}
		if old != NoneBlk {
			if err := c.bmSet(rec, i, NoneBlk); err != nil {
				return err
			}
			pr, err := c.pruneEmptyIndirects(rec, i)
			if err != nil {
				return err
			}
			pending = append(pending, old)
			pending = append(pending, pr.freed[:pr.n]...)
		}
		count++
		if count >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if willBeInline {
		ib := make([]byte, InlineCapacity)
		copy(ib, savedInline)
		rec.setInlineBytes(ib)
	}
	return c.writeInode(ino, rec)
}
