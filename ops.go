package kafs

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Cred is the caller identity used by permission checks: mode bits are
// tested against uid, primary gid, and the supplementary group list.
type Cred struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

func (cr Cred) inGroup(gid uint32) bool {
	if cr.Gid == gid {
		return true
	}
	for _, g := range cr.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// checkAccess runs the standard mode-bit permission test. uid 0 is the
// superuser and bypasses all checks.
func checkAccess(rec *inodeRec, cred Cred, wantRead, wantWrite, wantExec bool) error {
	if cred.Uid == 0 {
		return nil
	}
	perm := rec.Mode & 0777
	shift := uint32(0)
	switch {
	case rec.Uid == cred.Uid:
		shift = 6
	case cred.inGroup(rec.Gid):
		shift = 3
	}
	bits := (perm >> shift) & 07
	if (wantRead && bits&4 == 0) || (wantWrite && bits&2 == 0) || (wantExec && bits&1 == 0) {
		return ErrPermission
	}
	return nil
}

// lockMulti locks the (deduplicated) inodes in ascending index order and
// returns a function that unlocks them in reverse.
func (c *Context) lockMulti(inos ...uint32) func() {
	seen := map[uint32]bool{}
	var uniq []uint32
	for _, i := range inos {
		if i != NoneIno && !seen[i] {
			seen[i] = true
			uniq = append(uniq, i)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })
	locks := make([]*inodeMutex, len(uniq))
	for i, ino := range uniq {
		locks[i] = c.inodeLock(ino)
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// walk resolves path from the root inode, requiring execute permission
// on every intermediate directory.
func (c *Context) walk(path string, cred Cred) (uint32, error) {
	ino := RootIno
	for _, name := range splitPath(path) {
		if name == "." {
			continue
		}
		lock := c.inodeLock(ino)
		lock.Lock()
		rec, err := c.readInode(ino)
		if err != nil {
			lock.Unlock()
			return 0, err
		}
		if rec.Mode&S_IFMT != S_IFDIR {
			lock.Unlock()
			return 0, ErrNotADirectory
		}
		if err := checkAccess(rec, cred, false, false, true); err != nil {
			lock.Unlock()
			return 0, err
		}
		buf, err := c.dirSnapshot(rec)
		lock.Unlock()
		if err != nil {
			return 0, err
		}
		child, ok := dirLookup(buf, name)
		if !ok {
			return 0, ErrNotFound
		}
		ino = child
	}
	return ino, nil
}

// resolveParent splits path into (parent directory inode, final
// component name).
func (c *Context) resolveParent(path string, cred Cred) (uint32, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", ErrInput
	}
	name := parts[len(parts)-1]
	parent, err := c.walk(strings.Join(parts[:len(parts)-1], "/"), cred)
	if err != nil {
		return 0, "", err
	}
	return parent, name, err
}

func (c *Context) allocInode(mode uint32, cred Cred) (uint32, error) {
	c.allocLock.Lock()
	defer c.allocLock.Unlock()
	ino, err := c.findFreeInode()
	if err != nil {
		return 0, err
	}
	rec := &inodeRec{Mode: mode, Uid: cred.Uid, Gid: cred.Gid, Ctime: nowUnix(), Mtime: nowUnix(), Atime: nowUnix()}
	if err := c.writeInode(ino, rec); err != nil {
		return 0, err
	}
	c.sb.FreeInodeCount--
	c.sb.WriteTime = nowUnix()
	c.writeSuperblock()
	return ino, nil
}

// Create makes a new regular file at path; its journal op name is CREATE.
func (c *Context) Create(path string, mode uint32, cred Cred) (uint32, error) {
	parent, name, err := c.resolveParent(path, cred)
	if err != nil {
		return 0, err
	}
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

// Mkdir creates a new directory at path; its journal op name is MKDIR.
func (c *Context) Mkdir(path string, mode uint32, cred Cred) (uint32, error) {
	parent, name, err := c.resolveParent(path, cred)
	if err != nil {
		return 0, err
	}
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

// Unlink removes a directory entry and drops the target's link count;
// its journal op name is UNLINK.
func (c *Context) Unlink(path string, cred Cred) error {
	parent, name, err := c.resolveParent(path, cred)
	if err != nil {
		return err
	}
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

// Rmdir removes an empty directory; its journal op name is RMDIR.
func (c *Context) Rmdir(path string, cred Cred) error {
	parent, name, err := c.resolveParent(path, cred)
	if err != nil {
		return err
	}
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

// Truncate resizes a file's content; its journal op name is TRUNCATE.
func (c *Context) Truncate(path string, size uint64, cred Cred) error {
	ino, err := c.walk(path, cred)
	if err != nil {
		return err
	}

	if peer := c.getPeer(); peer != nil {
		if err := peer.Truncate(ino, size); err == nil || !peerFallback(err) {
			return err
		}
	}

	seq, err := c.jrn.begin("TRUNCATE", fmt.Sprintf("ino=%d size=%d", ino, size))
	if err != nil {
		return err
	}

	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err == nil {
		if rec.Mode&S_IFMT == S_IFDIR {
			err = ErrIsADirectory
		} else if err = checkAccess(rec, cred, false, true, false); err == nil {
			rec.Mtime = nowUnix()
			rec.Ctime = nowUnix()
			err = c.truncate(ino, lock, rec, size)
		}
	}
	lock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}
	c.jrn.commit(seq)
	return nil
}

// Chmod changes an inode's permission bits; its journal op name is CHMOD.
func (c *Context) Chmod(path string, mode uint32, cred Cred) error {
	ino, err := c.walk(path, cred)
	if err != nil {
		return err
	}
	seq, err := c.jrn.begin("CHMOD", fmt.Sprintf("ino=%d mode=%o", ino, mode))
	if err != nil {
		return err
	}
	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err == nil {
		if cred.Uid != 0 && cred.Uid != rec.Uid {
			err = ErrPermission
		} else {
			rec.Mode = (rec.Mode &^ 07777) | (mode & 07777)
			rec.Ctime = nowUnix()
			err = c.writeInode(ino, rec)
		}
	}
	lock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}
	c.jrn.commit(seq)
	return nil
}

// Chown changes an inode's owner and group; its journal op name is
// CHOWN. uid/gid of -1 (^uint32(0)) leave that field unchanged.
func (c *Context) Chown(path string, uid, gid uint32, cred Cred) error {
	ino, err := c.walk(path, cred)
	if err != nil {
		return err
	}
	seq, err := c.jrn.begin("CHOWN", fmt.Sprintf("ino=%d uid=%d gid=%d", ino, uid, gid))
	if err != nil {
		return err
	}
	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err == nil {
		if cred.Uid != 0 {
			err = ErrPermission
		} else {
			if uid != ^uint32(0) {
				rec.Uid = uid
			}
			if gid != ^uint32(0) {
				rec.Gid = gid
			}
			rec.Ctime = nowUnix()
			err = c.writeInode(ino, rec)
		}
	}
	lock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}
	c.jrn.commit(seq)
	return nil
}

// Symlink creates a symbolic link; its journal op name is SYMLINK.
// The target string is stored as the link's file content (inline when
// short enough).
func (c *Context) Symlink(target, path string, cred Cred) (uint32, error) {
	parent, name, err := c.resolveParent(path, cred)
	if err != nil {
		return 0, err
	}
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

// Readlink returns a symlink's target.
func (c *Context) Readlink(path string, cred Cred) (string, error) {
	ino, err := c.walk(path, cred)
	if err != nil {
		return "", err
	}
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

// DirEnt is one entry synthesised by Readdir.
type DirEnt struct {
	Ino  uint32
	Name string
}

// Readdir synthesises a "." entry then iterates the directory's entries.
func (c *Context) Readdir(path string, cred Cred) ([]DirEnt, error) {
	ino, err := c.walk(path, cred)
	if err != nil {
		return nil, err
	}
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

func isAncestor(c *Context, ancestor, ino uint32) (bool, error) {
	cur := ino
	for steps := 0; steps < 1<<20; steps++ {
		if cur == ancestor {
			return true, nil
		}
		if cur == RootIno {
			return false, nil
		}
		lock := c.inodeLock(cur)
		lock.Lock()
		rec, err := c.readInode(cur)
		if err != nil {
			lock.Unlock()
			return false, err
		}
		buf, err := c.dirSnapshot(rec)
		lock.Unlock()
		if err != nil {
			return false, err
		}
		parent, ok := dirLookup(buf, "..")
		if !ok {
			return false, nil
		}
		cur = parent
	}
	return false, ErrIO
}

// RenameNoReplace is the only rename flag the core understands.
const RenameNoReplace = 1

// Rename moves a directory entry from one path to another; its
// journal op name is RENAME.
func (c *Context) Rename(from, to string, flags uint32, cred Cred) error {
	fromParent, fromName, err := c.resolveParent(from, cred)
	if err != nil {
		return err
	}
	toParent, toName, err := c.resolveParent(to, cred)
	if err != nil {
		return err
	}
	return c.renameResolved(fromParent, fromName, toParent, toName, flags, cred)
}

// renameResolved is Rename's implementation once both endpoints have
// been reduced to (parent inode, final name) pairs; shared with the
// *At family so FUSE callers don't re-walk a path go-fuse already
// resolved.
func (c *Context) renameResolved(fromParent uint32, fromName string, toParent uint32, toName string, flags uint32, cred Cred) error {
	if flags&^uint32(RenameNoReplace) != 0 {
		return ErrNotSupported
	}
	noreplace := flags&RenameNoReplace != 0

	seq, err := c.jrn.begin("RENAME", fmt.Sprintf("from=%d/%s to=%d/%s", fromParent, fromName, toParent, toName))
	if err != nil {
		return err
	}

	unlock := c.lockMulti(fromParent, toParent)
	fpRec, err := c.readInode(fromParent)
	var movedIno uint32
	if err == nil {
		var buf []byte
		buf, err = c.dirSnapshot(fpRec)
		if err == nil {
			var ok bool
			movedIno, ok = dirLookup(buf, fromName)
			if !ok {
				err = ErrNotFound
			}
		}
	}
	unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}

	if fromParent != toParent {
		if sub, serr := isAncestor(c, movedIno, toParent); serr != nil {
			c.jrn.abort(seq, serr.Error())
			return serr
		} else if sub {
			c.jrn.abort(seq, "crosses subtree")
			return ErrCrossesSubtree
		}
	}

	unlock = c.lockMulti(fromParent, toParent)
	tpRec, err := c.readInode(toParent)
	var fromRec *inodeRec
	if err == nil {
		fromRec, err = c.readInode(fromParent)
	}
	var replaced uint32
	var replacedRec *inodeRec
	var dstBuf []byte
	if err == nil {
		if tpRec.Mode&S_IFMT != S_IFDIR || fromRec.Mode&S_IFMT != S_IFDIR {
			err = ErrNotADirectory
		}
	}
	if err == nil {
		dstBuf, err = c.dirSnapshot(tpRec)
		if err == nil {
			if existing, ok := dirLookup(dstBuf, toName); ok {
				if noreplace {
					err = ErrExists
				} else {
					replaced = existing
				}
			}
		}
	}
	if err == nil && replaced != NoneIno {
		replacedRec, err = c.readInode(replaced)
		if err == nil && replacedRec.Mode&S_IFMT == S_IFDIR {
			err = ErrIsADirectory
		}
	}
	movedRec := (*inodeRec)(nil)
	if err == nil {
		movedRec, err = c.readInode(movedIno)
	}

	if err == nil {
		if replaced != NoneIno {
			dstBuf, _ = dirDeleteBuf(dstBuf, toName)
		}
		nbuf, aerr := dirAppend(dstBuf, movedIno, toName)
		if aerr != nil {
			err = aerr
		} else {
			err = c.dirWriteback(toParent, c.inodeLock(toParent), tpRec, nbuf)
		}
	}
	if err == nil {
		if fromParent == toParent {
			// tpRec already holds the entry appended above.
			fromRec = tpRec
		}
		_, err = c.dirRemoveEntry(fromParent, c.inodeLock(fromParent), fromRec, fromName, false)
	}
	if err == nil && movedRec.Mode&S_IFMT == S_IFDIR && fromParent != toParent {
		childBuf, cerr := c.dirSnapshot(movedRec)
		if cerr == nil {
			childBuf, _ = dirDeleteBuf(childBuf, "..")
			childBuf, cerr = dirAppend(childBuf, toParent, "..")
		}
		if cerr == nil {
			cerr = c.dirWriteback(movedIno, c.inodeLock(movedIno), movedRec, childBuf)
		}
		err = cerr
		if err == nil {
			toRec, terr := c.readInode(toParent)
			if terr == nil {
				toRec.LinkCnt++
				terr = c.writeInode(toParent, toRec)
			}
			fromRec.LinkCnt--
			if werr := c.writeInode(fromParent, fromRec); werr != nil && terr == nil {
				terr = werr
			}
			err = terr
		}
	}
	unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return err
	}

	if replaced != NoneIno {
		tlock := c.inodeLock(replaced)
		tlock.Lock()
		rrec, rerr := c.readInode(replaced)
		if rerr == nil {
			if rrec.LinkCnt > 0 {
				rrec.LinkCnt--
			}
			rrec.Ctime = nowUnix()
			if rrec.LinkCnt == 0 {
				rrec.Dtime = nowUnix()
			}
			rerr = c.writeInode(replaced, rrec)
		}
		tlock.Unlock()
	}

	c.jrn.commit(seq)
	return nil
}

// dirDeleteBuf is dirDelete without the caller caring about the removed
// inode number.
func dirDeleteBuf(buf []byte, name string) ([]byte, bool) {
	_, nbuf, found := dirDelete(buf, name)
	return nbuf, found
}

// Handle is an open file descriptor onto an inode, used by the
// path-less Read/Write/Close/CopyFileRange operations.
type Handle struct {
	c    *Context
	ino  uint32
	ro   bool
	cred Cred
}

// OpenFlags mirrors the open(2) bits the core understands.
const (
	ORdOnly = 0
	OWrOnly = 1
	ORdWr   = 2
	OCreat  = 0100
	OTrunc  = 01000
)

// Open resolves path to a handle, including create-on-demand and
// O_TRUNC.
func (c *Context) Open(path string, flags int, mode uint32, cred Cred) (*Handle, error) {
	ino, err := c.walk(path, cred)
	if err == ErrNotFound && flags&OCreat != 0 {
		ino, err = c.Create(path, mode, cred)
	}
	if err != nil {
		return nil, err
	}

	write := flags&(OWrOnly|ORdWr) != 0
	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err == nil {
		wantRead := flags&OWrOnly == 0
		if err = checkAccess(rec, cred, wantRead, write, false); err == nil {
			if flags&OTrunc != 0 && write {
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

// Close drops the handle's runtime open-count reference. When it's the
// last open handle on an inode whose link count already reached zero
// (the file was unlinked while still open), the inode is reclaimed here
// instead of waiting on a later orphan sweep: its blocks are released
// and the slot is freed, the same way Truncate-to-zero and OrphanSweep
// do it.
func (h *Handle) Close() error {
	c := h.c
	ino := h.ino

	c.openCountL.Lock()
	last := false
	if int(ino) < len(c.openCount) && c.openCount[ino] > 0 {
		c.openCount[ino]--
		last = c.openCount[ino] == 0
	}
	c.openCountL.Unlock()
	if !last {
		return nil
	}

	lock := c.inodeLock(ino)
	lock.Lock()
	rec, err := c.readInode(ino)
	if err != nil || rec.LinkCnt != 0 {
		lock.Unlock()
		return nil
	}
	if err := c.truncate(ino, lock, rec, 0); err != nil {
		lock.Unlock()
		return err
	}
	rec.Mode = 0
	rec.Dtime = nowUnix()
	werr := c.writeInode(ino, rec)
	lock.Unlock()
	if werr != nil {
		return werr
	}

	c.allocLock.Lock()
	c.sb.FreeInodeCount++
	c.sb.WriteTime = nowUnix()
	c.writeSuperblock()
	c.allocLock.Unlock()

	return nil
}

// Read reads from the handle's inode. If a hotplug peer is attached
// it is tried first; "not implemented"/"not supported" falls back to
// the local block map, anything else surfaces to the caller.
func (h *Handle) Read(buf []byte, off int64) (int, error) {
	if peer := h.c.getPeer(); peer != nil {
		n, err := peer.Read(h.ino, buf, off)
		if err == nil || !peerFallback(err) {
			return n, err
		}
	}

	lock := h.c.inodeLock(h.ino)
	lock.Lock()
	defer lock.Unlock()
	rec, err := h.c.readInode(h.ino)
	if err != nil {
		return 0, err
	}
	rec.Atime = nowUnix()
	h.c.writeInode(h.ino, rec)
	return h.c.readInodeData(rec, buf, off)
}

// Write writes to the handle's inode, with the same peer-first
// dispatch rule as Read.
func (h *Handle) Write(buf []byte, off int64) (int, error) {
	if h.ro {
		return 0, ErrPermission
	}
	if peer := h.c.getPeer(); peer != nil {
		n, err := peer.Write(h.ino, buf, off)
		if err == nil || !peerFallback(err) {
			return n, err
		}
	}

	seq, err := h.c.jrn.begin("WRITE", fmt.Sprintf("ino=%d off=%d len=%d", h.ino, off, len(buf)))
	if err != nil {
		return 0, err
	}
	lock := h.c.inodeLock(h.ino)
	lock.Lock()
	rec, err := h.c.readInode(h.ino)
	var n int
	var pending []uint32
	if err == nil {
		n, pending, err = h.c.writeInodeData(rec, buf, off)
	}
	if err == nil {
		rec.Mtime = nowUnix()
		rec.Ctime = nowUnix()
		err = h.c.writeInode(h.ino, rec)
	}
	lock.Unlock()
	if len(pending) > 0 {
		h.c.releasePending(pending)
	}
	if err != nil {
		h.c.jrn.abort(seq, err.Error())
		return n, err
	}
	h.c.jrn.commit(seq)
	return n, nil
}

// CopyFileRange copies length bytes from h to dst. A source-size-aligned,
// whole-file request with the reflink-eligible flag reuses the reflink
// path, with both inode locks held in ascending order; otherwise it
// performs a chunked read+write through h.Read and dst.Write, each of
// which locks only its own inode for one chunk, so the copy as a whole
// is not atomic with respect to other writers of either file.
func (h *Handle) CopyFileRange(dst *Handle, srcOff, dstOff int64, length uint64, wholeFileReflink bool) (uint64, error) {
	c := h.c
	if dst.ro {
		return 0, ErrPermission
	}

	if wholeFileReflink && srcOff == 0 && dstOff == 0 {
		unlock := c.lockMulti(dst.ino, h.ino)
		srcRec, err := c.readInode(h.ino)
		if err == nil && uint64(srcRec.Size) == length {
			err = c.reflinkClone(srcRec, dst.ino, c.inodeLock(dst.ino), mustInode(c, dst.ino))
		} else if err == nil {
			err = ErrInput
		}
		unlock()
		if err == nil {
			return length, nil
		}
		if err != ErrInput && err != ErrNotSupported {
			return 0, err
		}
		// fall through to chunked copy
	}

	const chunk = 64 * 1024
	var total uint64
	buf := make([]byte, chunk)
	for total < length {
		n := uint64(chunk)
		if length-total < n {
			n = length - total
		}
		rn, err := h.Read(buf[:n], srcOff+int64(total))
		if rn == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
		wn, err := dst.Write(buf[:rn], dstOff+int64(total))
		total += uint64(wn)
		if err != nil {
			return total, err
		}
		if rn < int(n) {
			break
		}
	}
	return total, nil
}

func mustInode(c *Context, ino uint32) *inodeRec {
	rec, err := c.readInode(ino)
	if err != nil {
		return &inodeRec{}
	}
	return rec
}

// ReflinkClone performs an atomic, refcounted whole-file clone from
// srcPath to a new entry dstName under dstParentPath.
func (c *Context) ReflinkClone(srcPath, dstParentPath, dstName string, cred Cred) (uint32, error) {
	srcIno, err := c.walk(srcPath, cred)
	if err != nil {
		return 0, err
	}
	parent, err := c.walk(dstParentPath, cred)
	if err != nil {
		return 0, err
	}
	if err := validDirName(dstName); err != nil {
		return 0, err
	}

	seq, err := c.jrn.begin("REFLINK", fmt.Sprintf("src=%d parent=%d name=%s", srcIno, parent, dstName))
	if err != nil {
		return 0, err
	}

	srcLock := c.inodeLock(srcIno)
	srcLock.Lock()
	srcRec, err := c.readInode(srcIno)
	if err == nil && srcRec.Mode&S_IFMT == S_IFDIR {
		err = ErrIsADirectory
	}
	srcLock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}

	dstIno, err := c.allocInode(srcRec.Mode, cred)
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}

	dstLock := c.inodeLock(dstIno)
	dstLock.Lock()
	dstRec, err := c.readInode(dstIno)
	if err == nil {
		err = c.reflinkClone(srcRec, dstIno, dstLock, dstRec)
	}
	dstLock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}

	plock := c.inodeLock(parent)
	plock.Lock()
	prec, err := c.readInode(parent)
	if err == nil {
		err = c.dirAddEntry(parent, plock, prec, dstName, dstIno, true)
	}
	plock.Unlock()
	if err != nil {
		c.jrn.abort(seq, err.Error())
		return 0, err
	}

	c.jrn.commit(seq)
	return dstIno, nil
}
