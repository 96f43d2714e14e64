package kafs

// reflinkClone makes dst an independent inode whose content is shared,
// block-for-block, with src at the moment of the call. The caller holds
// dst's inode lock (dstLock) and passes srcRec, its own copy of src's
// inode; src's block map is walked here without taking src's inode
// lock, so the caller keeps src stable while this runs.
//
// Sharing relies on the HRL's refcounting; without it there is no way
// to track a second owner of a physical block, so clones of non-inline
// files are refused when the image was formatted without HRL.
func (c *Context) reflinkClone(srcRec *inodeRec, dstIno uint32, dstLock *inodeMutex, dstRec *inodeRec) error {
	size := srcRec.Size
	wasInline := srcRec.inline()

	var inlineData []byte
	var refs []uint32
	if wasInline {
		ib := srcRec.inlineBytes()
		inlineData = append([]byte{}, ib[:size]...)
	} else {
		if c.hrl == nil {
			return ErrNotSupported
		}
		bs := uint64(c.blockSize())
		n := (size + bs - 1) / bs
		refs = make([]uint32, n)
		for i := uint64(0); i < n; i++ {
			blo, err := c.bmGet(srcRec, uint32(i))
			if err != nil {
				return err
			}
			refs[i] = blo
		}
	}

	if err := c.truncate(dstIno, dstLock, dstRec, 0); err != nil {
		return err
	}

	if wasInline {
		ib := make([]byte, InlineCapacity)
		copy(ib, inlineData)
		dstRec.setInlineBytes(ib)
		dstRec.Size = size
		dstRec.Mtime = nowUnix()
		dstRec.Ctime = nowUnix()
		return c.writeInode(dstIno, dstRec)
	}

	dstRec.Size = size
	installed := make([]uint32, 0, len(refs))
	var failErr error
	for i, blo := range refs {
		if blo == NoneBlk {
			continue
		}
		if err := c.hrl.incRefByBlo(blo); err != nil {
			failErr = err
			break
		}
		if err := c.bmSet(dstRec, uint32(i), blo); err != nil {
			failErr = err
			break
		}
		installed = append(installed, blo)
	}

	if failErr != nil {
		dstRec.Size = 0
		for i := range refs {
			c.bmSet(dstRec, uint32(i), NoneBlk)
		}
		c.writeInode(dstIno, dstRec)

		dstLock.Unlock()
		for _, blo := range installed {
			c.hrl.decRefByBlo(blo)
		}
		dstLock.Lock()
		if fresh, err := c.readInode(dstIno); err == nil {
			*dstRec = *fresh
		}
		return failErr
	}

	dstRec.Mtime = nowUnix()
	dstRec.Ctime = nowUnix()
	return c.writeInode(dstIno, dstRec)
}
