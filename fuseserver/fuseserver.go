//go:build fuse

// Package fuseserver exports the POSIX Operation Layer (kafs.Context)
// as a github.com/hanwen/go-fuse/v2/fuse.RawFileSystem, mirroring the
// teacher's inode_fuse.go build-tagged pattern but against the raw
// low-level API instead of squashfs's Inode-embedding helpers, since
// kafs inode numbers already double as stable FUSE node ids (root
// inode 1 matches FUSE's required root nodeid) and need no separate
// lookup table the way the teacher's publicInodeNum remap did.
package fuseserver

import (
	"log"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kafs-project/kafs"
)

// FS adapts a mounted *kafs.Context to fuse.RawFileSystem.
type FS struct {
	fuse.RawFileSystem
	c *kafs.Context
}

// New builds an FS over an already-mounted image.
func New(c *kafs.Context) *FS {
	return &FS{RawFileSystem: fuse.NewDefaultRawFileSystem(), c: c}
}

func credFromHeader(h *fuse.InHeader) kafs.Cred {
	return kafs.Cred{Uid: h.Uid, Gid: h.Gid}
}

func errnoStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	switch err {
	case kafs.ErrNotFound:
		return fuse.ENOENT
	case kafs.ErrExists:
		return fuse.Status(17) // EEXIST
	case kafs.ErrPermission:
		return fuse.EPERM
	case kafs.ErrNotADirectory:
		return fuse.ENOTDIR
	case kafs.ErrIsADirectory:
		return fuse.EISDIR
	case kafs.ErrNotEmpty:
		return fuse.Status(39) // ENOTEMPTY
	case kafs.ErrNoSpace:
		return fuse.Status(28) // ENOSPC
	case kafs.ErrNameTooLong:
		return fuse.Status(36) // ENAMETOOLONG
	case kafs.ErrNotSupported:
		return fuse.ENOSYS
	case kafs.ErrInput:
		return fuse.EINVAL
	default:
		return fuse.EIO
	}
}

func fillAttr(a kafs.Attr, out *fuse.Attr) {
	out.Ino = uint64(a.Ino)
	out.Size = a.Size
	out.Mode = a.Mode
	out.Nlink = a.LinkCnt
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Atime = uint64(a.Atime)
	out.Mtime = uint64(a.Mtime)
	out.Ctime = uint64(a.Ctime)
	out.Blksize = 4096
}

func (fs *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	a, err := fs.c.LookupAt(uint32(header.NodeId), name, credFromHeader(header))
	if err != nil {
		return errnoStatus(err)
	}
	out.NodeId = uint64(a.Ino)
	out.Attr.Ino = uint64(a.Ino)
	fillAttr(a, &out.Attr)
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	return fuse.OK
}

func (fs *FS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	a, err := fs.c.GetattrAt(uint32(input.NodeId))
	if err != nil {
		return errnoStatus(err)
	}
	fillAttr(a, &out.Attr)
	out.SetTimeout(time.Second)
	return fuse.OK
}

func (fs *FS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	var size *uint64
	var mode *uint32
	var uid, gid *uint32
	if input.Valid&fuse.FATTR_SIZE != 0 {
		s := input.Size
		size = &s
	}
	if input.Valid&fuse.FATTR_MODE != 0 {
		m := input.Mode
		mode = &m
	}
	if input.Valid&fuse.FATTR_UID != 0 {
		u := input.Uid
		uid = &u
	}
	if input.Valid&fuse.FATTR_GID != 0 {
		g := input.Gid
		gid = &g
	}
	if err := fs.c.SetAttrAt(uint32(input.NodeId), size, mode, uid, gid, credFromHeader(&input.InHeader)); err != nil {
		return errnoStatus(err)
	}
	a, err := fs.c.GetattrAt(uint32(input.NodeId))
	if err != nil {
		return errnoStatus(err)
	}
	fillAttr(a, &out.Attr)
	return fuse.OK
}

func (fs *FS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ino, err := fs.c.MkdirAt(uint32(input.NodeId), name, input.Mode, credFromHeader(&input.InHeader))
	if err != nil {
		return errnoStatus(err)
	}
	a, err := fs.c.GetattrAt(ino)
	if err != nil {
		return errnoStatus(err)
	}
	out.NodeId = uint64(ino)
	fillAttr(a, &out.Attr)
	return fuse.OK
}

func (fs *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return errnoStatus(fs.c.UnlinkAt(uint32(header.NodeId), name, credFromHeader(header)))
}

func (fs *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return errnoStatus(fs.c.RmdirAt(uint32(header.NodeId), name, credFromHeader(header)))
}

func (fs *FS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	cred := credFromHeader(&input.InHeader)
	err := fs.c.RenameAt(uint32(input.NodeId), oldName, uint32(input.Newdir), newName, 0, cred)
	return errnoStatus(err)
}

func (fs *FS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	ino, err := fs.c.SymlinkAt(pointedTo, uint32(header.NodeId), linkName, credFromHeader(header))
	if err != nil {
		return errnoStatus(err)
	}
	a, err := fs.c.GetattrAt(ino)
	if err != nil {
		return errnoStatus(err)
	}
	out.NodeId = uint64(ino)
	fillAttr(a, &out.Attr)
	return fuse.OK
}

func (fs *FS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := fs.c.ReadlinkAt(uint32(header.NodeId))
	if err != nil {
		return nil, errnoStatus(err)
	}
	return []byte(target), fuse.OK
}

func (fs *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	cred := credFromHeader(&input.InHeader)
	ino, err := fs.c.CreateAt(uint32(input.NodeId), name, input.Mode, cred)
	if err != nil {
		return errnoStatus(err)
	}
	h, err := fs.c.OpenAt(ino, kafs.ORdWr, cred)
	if err != nil {
		return errnoStatus(err)
	}
	a, err := fs.c.GetattrAt(ino)
	if err != nil {
		return errnoStatus(err)
	}
	out.NodeId = uint64(ino)
	fillAttr(a, &out.EntryOut.Attr)
	out.Fh = registerHandle(h)
	return fuse.OK
}

func (fs *FS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	flags := kafs.ORdOnly
	switch input.Flags & 3 {
	case 1:
		flags = kafs.OWrOnly
	case 2:
		flags = kafs.ORdWr
	}
	h, err := fs.c.OpenAt(uint32(input.NodeId), flags, credFromHeader(&input.InHeader))
	if err != nil {
		return errnoStatus(err)
	}
	out.Fh = registerHandle(h)
	out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (fs *FS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (fs *FS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ents, err := fs.c.ReaddirAt(uint32(input.NodeId), kafs.Cred{})
	if err != nil {
		return errnoStatus(err)
	}
	for i, e := range ents {
		if uint64(i) < input.Offset {
			continue
		}
		if !out.AddDirEntry(fuse.DirEntry{Ino: uint64(e.Ino), Name: e.Name}) {
			break
		}
	}
	return fuse.OK
}

func (fs *FS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	h := lookupHandle(input.Fh)
	if h == nil {
		return nil, fuse.EINVAL
	}
	n, err := h.Read(buf, int64(input.Offset))
	if err != nil && n == 0 {
		return nil, errnoStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (fs *FS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	h := lookupHandle(input.Fh)
	if h == nil {
		return 0, fuse.EINVAL
	}
	n, err := h.Write(data, int64(input.Offset))
	if err != nil {
		return uint32(n), errnoStatus(err)
	}
	return uint32(n), fuse.OK
}

func (fs *FS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	if h := lookupHandle(input.Fh); h != nil {
		h.Close()
	}
	releaseHandle(input.Fh)
}

func (fs *FS) ReleaseDir(input *fuse.ReleaseIn) {}

func (fs *FS) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (fs *FS) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (fs *FS) Init(server *fuse.Server) {
	log.Printf("fuseserver: mounted")
}
