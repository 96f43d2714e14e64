package kafs

import "fmt"

// The *At family mirrors the path-based operations in ops.go but takes
// an already-resolved parent inode number instead of a path string.
// The FUSE raw API (fuseserver) hands over (parent nodeid, name) pairs
// directly; its own dentry cache already did the path walk, so
// re-deriving a path string just to re-walk it would be redundant and,
// worse, racy against concurrent renames. kafs inode numbers are used
// as FUSE node ids directly (root inode 1 matches FUSE's required
// root nodeid), so no separate mapping table is needed.

// Attr is the subset of inode state a caller outside this package
// (fuseserver, in particular) needs to fill a stat-like structure.
type Attr struct {
	Ino     uint32
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Size    uint64
	Atime   uint32
	Mtime   uint32
	Ctime   uint32
	LinkCnt uint32
}

func attrFromRec(ino uint32, rec *inodeRec) Attr {
	return Attr{
		Ino: ino, Mode: rec.Mode, Uid: rec.Uid, Gid: rec.Gid,
		Size: rec.Size, Atime: rec.Atime, Mtime: rec.Mtime, Ctime: rec.Ctime,
		LinkCnt: rec.LinkCnt,
	}
}

// ReadlinkAt returns a symlink's target directly from its inode,
// without walking a path (mirrors Context.Readlink in ops.go).
func (c *Context) ReadlinkAt(ino uint32) (string, error) {
	lock := c.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()
	rec, err := c.readInode(ino)
	if err != nil {
		return "", err
	}
	if rec.Mode&S_IFMT != S_IFLNK {
		return "", ErrInput
	}
	buf := make([]byte, rec.Size)
	n, err := c.readInodeData(rec, buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// GetattrAt reads an inode's attributes directly.
func (c *Context) GetattrAt(ino uint32) (Attr, error) {
	lock := c.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()
	rec, err := c.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	return attrFromRec(ino, rec), nil
}

// LookupAt resolves one path component under parent.
func (c *Context) LookupAt(parent uint32, name string, cred Cred) (Attr, error) {
	lock := c.inodeLock(parent)
	lock.Lock()
	rec, err := c.readInode(parent)
	if err != nil {
		lock.Unlock()
		return Attr{}, err
	}
	if rec.Mode&S_IFMT != S_IFDIR {
		lock.Unlock()
		return Attr{}, ErrNotADirectory
	}
	if err := checkAccess(rec, cred, false, false, true); err != nil {
		lock.Unlock()
		return Attr{}, err
	}
	buf, err := c.dirSnapshot(rec)
	lock.Unlock()
	if err != nil {
		return Attr{}, err
	}
	child, ok := dirLookup(buf, name)
	if !ok {
		return Attr{}, ErrNotFound
	}
	return c.GetattrAt(child)
}

// ReaddirAt is Readdir taking a resolved directory inode.
func (c *Context) ReaddirAt(ino uint32, cred Cred) ([]DirEnt, error) {
	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if rec.Mode&S_IFMT != S_IFDIR {
		lock.Unlock()
		return nil, ErrNotADirectory
	}
	if err := checkAccess(rec, cred, true, false, false); err != nil {
		lock.Unlock()
		return nil, err
	}
	buf, err := c.dirSnapshot(rec)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	ents := []DirEnt{{Ino: ino, Name: "."}}
	dirIterate(buf, func(_ int, entIno uint32, name string, _ int) bool {
		ents = append(ents, DirEnt{Ino: entIno, Name: name})
		return true
	})
	return ents, nil
}

// CreateAt is Create taking a resolved parent directory inode.
func (c *Context) CreateAt(parent uint32, name string, mode uint32, cred Cred) (uint32, error) {
	if err := validDirName(name); err != nil {
		return 0, err
	}
	seq, err := c.jrn.begin("CREATE", fmt.Sprintf("parent=%d name=%s", parent, name))
	if err != nil {
		return 0, err
	}
	ino, err := c.allocInode((mode&^uint32(S_IFMT))|S_IFREG, cred)
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	plock := c.inodeLock(parent)
	plock.Lock()
	prec, err := c.readInode(parent)
	if err == nil {
		if prec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		} else if err = checkAccess(prec, cred, false, true, true); err == nil {
			err = c.dirAddEntry(parent, plock, prec, name, ino, true)
		}
	}
	plock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	c.jrn.commit(seq)
	return ino, nil
}

// MkdirAt is Mkdir taking a resolved parent directory inode.
func (c *Context) MkdirAt(parent uint32, name string, mode uint32, cred Cred) (uint32, error) {
	if err := validDirName(name); err != nil {
		return 0, err
	}
	seq, err := c.jrn.begin("MKDIR", fmt.Sprintf("parent=%d name=%s", parent, name))
	if err != nil {
		return 0, err
	}
	ino, err := c.allocInode((mode&^uint32(S_IFMT))|S_IFDIR, cred)
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	unlock := c.lockMulti(parent, ino)
	plock, nlock := c.inodeLock(parent), c.inodeLock(ino)
	prec, err := c.readInode(parent)
	if err == nil {
		if prec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		} else if err = checkAccess(prec, cred, false, true, true); err == nil {
			err = c.dirAddEntry(parent, plock, prec, name, ino, true)
		}
	}
	if err == nil {
		var nrec *inodeRec
		nrec, err = c.readInode(ino)
		if err == nil {
			err = c.dirAddEntry(ino, nlock, nrec, "..", parent, true)
		}
	}
	unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	c.jrn.commit(seq)
	return ino, nil
}

// UnlinkAt is Unlink taking a resolved parent directory inode.
func (c *Context) UnlinkAt(parent uint32, name string, cred Cred) error {
	if name == "." || name == ".." {
		return ErrInput
	}
	seq, err := c.jrn.begin("UNLINK", fmt.Sprintf("parent=%d name=%s", parent, name))
	if err != nil {
		return err
	}
	plock := c.inodeLock(parent)
	plock.Lock()
	prec, err := c.readInode(parent)
	var target uint32
	if err == nil {
		if prec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		} else if err = checkAccess(prec, cred, false, true, true); err == nil {
			var buf []byte
			buf, err = c.dirSnapshot(prec)
			if err == nil {
				var ok bool
				target, ok = dirLookup(buf, name)
				if !ok {
					err = ErrNotFound
				}
			}
		}
	}
	var trec *inodeRec
	if err == nil {
		trec, err = c.readInode(target)
		if err == nil && trec.Mode&S_IFMT == S_IFDIR {
			err = ErrIsADirectory
		}
	}
	if err == nil {
		_, err = c.dirRemoveEntry(parent, plock, prec, name, false)
	}
	plock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}

	tlock := c.inodeLock(target)
	tlock.Lock()
	trec, err = c.readInode(target)
	if err == nil {
		if trec.LinkCnt > 0 {
			trec.LinkCnt--
		}
		trec.Ctime = nowUnix()
		if trec.LinkCnt == 0 {
			trec.Dtime = nowUnix()
		}
		err = c.writeInode(target, trec)
	}
	tlock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}
	c.jrn.commit(seq)
	return nil
}

// RmdirAt is Rmdir taking a resolved parent directory inode.
func (c *Context) RmdirAt(parent uint32, name string, cred Cred) error {
	if name == "." || name == ".." {
		return ErrInput
	}
	seq, err := c.jrn.begin("RMDIR", fmt.Sprintf("parent=%d name=%s", parent, name))
	if err != nil {
		return err
	}
	plock := c.inodeLock(parent)
	plock.Lock()
	prec, err := c.readInode(parent)
	var target uint32
	if err == nil {
		if prec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		} else if err = checkAccess(prec, cred, false, true, true); err == nil {
			var buf []byte
			buf, err = c.dirSnapshot(prec)
			if err == nil {
				var ok bool
				target, ok = dirLookup(buf, name)
				if !ok {
					err = ErrNotFound
				}
			}
		}
	}
	plock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}

	unlock := c.lockMulti(parent, target)
	prec, err = c.readInode(parent)
	var trec *inodeRec
	if err == nil {
		trec, err = c.readInode(target)
	}
	if err == nil {
		if trec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		} else {
			var buf []byte
			buf, err = c.dirSnapshot(trec)
			if err == nil && !dirOnlyDotDot(buf) {
				err = ErrNotEmpty
			}
		}
	}
	if err == nil {
		_, err = c.dirRemoveEntry(parent, c.inodeLock(parent), prec, name, true)
	}
	if err == nil {
		_, err = c.dirRemoveEntry(target, c.inodeLock(target), trec, "..", true)
	}
	unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}
	c.jrn.commit(seq)
	return nil
}

// SymlinkAt is Symlink taking a resolved parent directory inode.
func (c *Context) SymlinkAt(target string, parent uint32, name string, cred Cred) (uint32, error) {
	if err := validDirName(name); err != nil {
		return 0, err
	}
	seq, err := c.jrn.begin("SYMLINK", fmt.Sprintf("parent=%d name=%s", parent, name))
	if err != nil {
		return 0, err
	}
	ino, err := c.allocInode(S_IFLNK|0777, cred)
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err == nil {
		_, _, err = c.writeInodeData(rec, []byte(target), 0)
	}
	if err == nil {
		err = c.writeInode(ino, rec)
	}
	lock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	plock := c.inodeLock(parent)
	plock.Lock()
	prec, err := c.readInode(parent)
	if err == nil {
		if prec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		} else if err = checkAccess(prec, cred, false, true, true); err == nil {
			err = c.dirAddEntry(parent, plock, prec, name, ino, true)
		}
	}
	plock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}
	c.jrn.commit(seq)
	return ino, nil
}

// RenameAt is Rename taking resolved parent inodes on both sides.
func (c *Context) RenameAt(fromParent uint32, fromName string, toParent uint32, toName string, flags uint32, cred Cred) error {
	return c.renameResolved(fromParent, fromName, toParent, toName, flags, cred)
}

// OpenAt is Open taking a resolved inode instead of a path.
func (c *Context) OpenAt(ino uint32, flags int, cred Cred) (*Handle, error) {
	write := flags&(OWrOnly|ORdWr) != 0
	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err == nil {
		wantRead := flags&OWrOnly == 0
		if err = checkAccess(rec, cred, wantRead, write, false); err == nil && flags&OTrunc != 0 && write {
			seq, berr := c.jrn.begin("TRUNCATE", fmt.Sprintf("ino=%d size=0", ino))
			if berr == nil {
				err = c.truncate(ino, lock, rec, 0)
				if err != nil {
					c.jrn.abort(seq, err.Error())
				} else {
					c.jrn.commit(seq)
				}
			} else {
				err = berr
			}
		}
	}
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	c.openCountL.Lock()
	if int(ino) < len(c.openCount) {
		c.openCount[ino]++
	}
	c.openCountL.Unlock()
	return &Handle{c: c, ino: ino, ro: !write, cred: cred}, nil
}

// SetAttrAt applies any combination of size/mode/uid/gid changes,
// mirroring what FUSE's single SETATTR call bundles together.
func (c *Context) SetAttrAt(ino uint32, size *uint64, mode *uint32, uid, gid *uint32, cred Cred) error {
	if size != nil {
		lock := c.inodeLock(ino)
		lock.Lock()
		rec, err := c.readInode(ino)
		if err == nil {
			err = c.truncate(ino, lock, rec, *size)
		}
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	if mode != nil {
		lock := c.inodeLock(ino)
		lock.Lock()
		rec, err := c.readInode(ino)
		if err == nil {
			rec.Mode = (rec.Mode &^ 07777) | (*mode & 07777)
			rec.Ctime = nowUnix()
			err = c.writeInode(ino, rec)
		}
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	if uid != nil || gid != nil {
		lock := c.inodeLock(ino)
		lock.Lock()
		rec, err := c.readInode(ino)
		if err == nil {
			if uid != nil {
				rec.Uid = *uid
			}
			if gid != nil {
				rec.Gid = *gid
			}
			rec.Ctime = nowUnix()
			err = c.writeInode(ino, rec)
		}
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
