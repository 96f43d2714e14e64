package kafs

import (
	"encoding/binary"
	"io"
)

// Directory streams are a packed sequence of {ino:u32, namelen:u16,
// name[namelen]} records, stored in the directory inode's own
// block-mapped data exactly like a regular file's bytes. A record with
// ino == 0 is the terminator; anything shorter than a full record
// header ends iteration the same way, stopping on any terminator or
// short tail.
const dirRecHeaderSize = 4 + 2

// dirSnapshot reads the whole directory stream into an owned buffer.
// Caller holds the directory's inode lock.
func (c *Context) dirSnapshot(rec *inodeRec) ([]byte, error) {
	buf := make([]byte, rec.Size)
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := c.readInodeData(rec, buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// dirWriteback rewrites the directory stream from buf and truncates to
// its exact length. Caller holds the directory's inode lock; lock is
// dropped and reacquired around the block release that truncate may
// perform, so dec-ref work never runs with the inode lock held.
func (c *Context) dirWriteback(ino uint32, lock *inodeMutex, rec *inodeRec, buf []byte) error {
	if len(buf) > 0 {
		_, pending, err := c.writeInodeData(rec, buf, 0)
		if err != nil {
			return err
		}
		if err := c.writeInode(ino, rec); err != nil {
			return err
		}
		if len(pending) > 0 {
			lock.Unlock()
			c.releasePending(pending)
			lock.Lock()
			fresh, err := c.readInode(ino)
			if err != nil {
				return err
			}
			*rec = *fresh
		}
	}
	return c.truncate(ino, lock, rec, uint64(len(buf)))
}

// dirIterate walks buf yielding (offset, ino, name, recordLen) tuples,
// stopping at a terminator or a short tail. fn returning false stops
// iteration early.
func dirIterate(buf []byte, fn func(off int, ino uint32, name string, recLen int) bool) {
	off := 0
	for off+dirRecHeaderSize <= len(buf) {
		ino := binary.LittleEndian.Uint32(buf[off:])
		namelen := int(binary.LittleEndian.Uint16(buf[off+4:]))
		if ino == NoneIno {
			return
		}
		recLen := dirRecHeaderSize + namelen
		if off+recLen > len(buf) {
			return
		}
		name := string(buf[off+dirRecHeaderSize : off+recLen])
		if !fn(off, ino, name, recLen) {
			return
		}
		off += recLen
	}
}

func dirEncodeRecord(ino uint32, name string) []byte {
	rec := make([]byte, dirRecHeaderSize+len(name))
	binary.LittleEndian.PutUint32(rec[0:], ino)
	binary.LittleEndian.PutUint16(rec[4:], uint16(len(name)))
	copy(rec[dirRecHeaderSize:], name)
	return rec
}

func validDirName(name string) error {
	if len(name) < 1 || len(name) > FilenameMax-1 {
		return ErrNameTooLong
	}
	return nil
}

// dirLookup finds name in buf, returning its inode number.
func dirLookup(buf []byte, name string) (uint32, bool) {
	var found uint32
	var ok bool
	dirIterate(buf, func(_ int, ino uint32, n string, _ int) bool {
		if n == name {
			found, ok = ino, true
			return false
		}
		return true
	})
	return found, ok
}

// dirAppend appends a new record for (ino, name), refusing duplicates.
func dirAppend(buf []byte, ino uint32, name string) ([]byte, error) {
	if err := validDirName(name); err != nil {
		return nil, err
	}
	if _, ok := dirLookup(buf, name); ok {
		return nil, ErrExists
	}
	return append(append([]byte{}, buf...), dirEncodeRecord(ino, name)...), nil
}

// dirDelete removes name's record, returning the target inode number,
// the rewritten buffer, and whether it was found.
func dirDelete(buf []byte, name string) (uint32, []byte, bool) {
	var target uint32
	var start, recLen int
	found := false
	dirIterate(buf, func(off int, ino uint32, n string, rl int) bool {
		if n == name {
			target, start, recLen, found = ino, off, rl, true
			return false
		}
		return true
	})
	if !found {
		return 0, buf, false
	}
	out := make([]byte, 0, len(buf)-recLen)
	out = append(out, buf[:start]...)
	out = append(out, buf[start+recLen:]...)
	return target, out, true
}

// dirOnlyDotDot reports whether buf's only live record is "..", the
// condition Rmdir treats as "empty".
func dirOnlyDotDot(buf []byte) bool {
	count := 0
	onlyParent := true
	dirIterate(buf, func(_ int, _ uint32, n string, _ int) bool {
		count++
		if n != ".." {
			onlyParent = false
		}
		return true
	})
	return count <= 1 && onlyParent
}

// dirAddEntry adds a directory entry; the caller holds the directory's
// inode lock. When adjustLinkCount is set, the target inode's link
// count is also bumped by a read-modify-write that takes no lock of its
// own: Mkdir holds both inode locks in ascending-index order, while
// Create, Symlink and ReflinkClone (and their *At forms) hold only the
// directory's lock and pass a new inode no directory references yet.
func (c *Context) dirAddEntry(ino uint32, lock *inodeMutex, rec *inodeRec, name string, target uint32, adjustLinkCount bool) error {
	buf, err := c.dirSnapshot(rec)
	if err != nil {
		return err
	}
	nbuf, err := dirAppend(buf, target, name)
	if err != nil {
		return err
	}
	if adjustLinkCount {
		tgt, err := c.readInode(target)
		if err != nil {
			return err
		}
		tgt.LinkCnt++
		tgt.Ctime = nowUnix()
		if err := c.writeInode(target, tgt); err != nil {
			return err
		}
	}
	return c.dirWriteback(ino, lock, rec, nbuf)
}

// dirRemoveEntry implements the other dir_add/dir_remove variant pair:
// removing name, optionally decrementing the removed entry's link count
// (not done for rename's unlink-old-name step, where the inode survives
// under its new name).
func (c *Context) dirRemoveEntry(ino uint32, lock *inodeMutex, rec *inodeRec, name string, adjustLinkCount bool) (uint32, error) {
	buf, err := c.dirSnapshot(rec)
	if err != nil {
		return 0, err
	}
	target, nbuf, found := dirDelete(buf, name)
	if !found {
		return 0, ErrNotFound
	}
	if adjustLinkCount {
		tgt, err := c.readInode(target)
		if err != nil {
			return 0, err
		}
		if tgt.LinkCnt > 0 {
			tgt.LinkCnt--
		}
		tgt.Ctime = nowUnix()
		if tgt.LinkCnt == 0 {
			tgt.Dtime = nowUnix()
		}
		if err := c.writeInode(target, tgt); err != nil {
			return 0, err
		}
	}
	return target, c.dirWriteback(ino, lock, rec, nbuf)
}
