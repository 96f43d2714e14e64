package kafs_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/kafs-project/kafs"
)

func mustFormat(t *testing.T, opts ...kafs.Option) (*kafs.Context, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.kafs")
	c, err := kafs.Format(path, 4096, opts...)
	if err != nil {
		t.Fatalf("Format failed: %s", err)
	}
	return c, path
}

func root() kafs.Cred { return kafs.Cred{Uid: 0, Gid: 0} }

func TestFormatOpenClose(t *testing.T) {
	c, path := mustFormat(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	c2, err := kafs.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer c2.Close()

	if c2.Path() != path {
		t.Errorf("Path() = %q, want %q", c2.Path(), path)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()

	cred := root()
	if _, err := c.Create("/hello.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}

	h, err := c.Open("/hello.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}

	data := []byte("hello, kafs")
	if n, err := h.Write(data, 0); err != nil || n != len(data) {
		t.Fatalf("Write failed: n=%d err=%s", n, err)
	}

	buf := make([]byte, len(data))
	if n, err := h.Read(buf, 0); err != nil || n != len(data) {
		t.Fatalf("Read failed: n=%d err=%s", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("Read returned %q, want %q", buf, data)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Handle.Close failed: %s", err)
	}
}

func TestMkdirAndReaddir(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Mkdir("/sub", 0755, cred); err != nil {
		t.Fatalf("Mkdir failed: %s", err)
	}
	if _, err := c.Create("/sub/a.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if _, err := c.Create("/sub/b.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}

	ents, err := c.Readdir("/sub", cred)
	if err != nil {
		t.Fatalf("Readdir failed: %s", err)
	}
	names := map[string]bool{}
	for _, e := range ents {
		names[e.Name] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Errorf("Readdir missing entries: %+v", ents)
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/gone.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := c.Unlink("/gone.txt", cred); err != nil {
		t.Fatalf("Unlink failed: %s", err)
	}
	if _, err := c.Open("/gone.txt", kafs.ORdOnly, 0, cred); err != kafs.ErrNotFound {
		t.Errorf("Open after Unlink = %v, want ErrNotFound", err)
	}
}

func TestRenameNoReplace(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/a.txt", 0644, cred); err != nil {
		t.Fatalf("Create a failed: %s", err)
	}
	if _, err := c.Create("/b.txt", 0644, cred); err != nil {
		t.Fatalf("Create b failed: %s", err)
	}
	err := c.Rename("/a.txt", "/b.txt", kafs.RenameNoReplace, cred)
	if err == nil {
		t.Fatalf("Rename with RenameNoReplace onto existing target should fail")
	}
	if err := c.Rename("/a.txt", "/c.txt", 0, cred); err != nil {
		t.Fatalf("Rename failed: %s", err)
	}
	if _, err := c.Open("/c.txt", kafs.ORdOnly, 0, cred); err != nil {
		t.Errorf("Open /c.txt after rename failed: %s", err)
	}
}

func TestRenameRejectsCycle(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Mkdir("/parent", 0755, cred); err != nil {
		t.Fatalf("Mkdir failed: %s", err)
	}
	if _, err := c.Mkdir("/parent/child", 0755, cred); err != nil {
		t.Fatalf("Mkdir failed: %s", err)
	}
	if err := c.Rename("/parent", "/parent/child/parent", 0, cred); err == nil {
		t.Errorf("Rename into own descendant should fail")
	}
}

func TestChmodChown(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/f.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := c.Chmod("/f.txt", 0600, cred); err != nil {
		t.Fatalf("Chmod failed: %s", err)
	}
	if err := c.Chown("/f.txt", 1000, 1000, cred); err != nil {
		t.Fatalf("Chown failed: %s", err)
	}
}

func TestSymlinkReadlink(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Symlink("/target", "/link", cred); err != nil {
		t.Fatalf("Symlink failed: %s", err)
	}
	target, err := c.Readlink("/link", cred)
	if err != nil {
		t.Fatalf("Readlink failed: %s", err)
	}
	if target != "/target" {
		t.Errorf("Readlink = %q, want %q", target, "/target")
	}
}

func TestTruncateShrinksAndExtends(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/t.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/t.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	data := bytes.Repeat([]byte("x"), 8192)
	if _, err := h.Write(data, 0); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	h.Close()

	if err := c.Truncate("/t.txt", 10, cred); err != nil {
		t.Fatalf("Truncate shrink failed: %s", err)
	}
	if err := c.Truncate("/t.txt", 100, cred); err != nil {
		t.Fatalf("Truncate extend failed: %s", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	owner := kafs.Cred{Uid: 1, Gid: 1}
	stranger := kafs.Cred{Uid: 2, Gid: 2}

	// The root directory is formatted 0755 and owned by uid 0.
	if err := c.Chmod("/", 0777, root()); err != nil {
		t.Fatalf("Chmod / failed: %s", err)
	}
	if _, err := c.Create("/priv.txt", 0600, owner); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if _, err := c.Open("/priv.txt", kafs.ORdWr, 0, stranger); err != kafs.ErrPermission {
		t.Errorf("Open by stranger = %v, want ErrPermission", err)
	}
}

func TestOrphanSweepReclaimsUnlinkedInode(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/orphan.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/orphan.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	if _, err := h.Write([]byte("data"), 0); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	h.Close()

	if err := c.Unlink("/orphan.txt", cred); err != nil {
		t.Fatalf("Unlink failed: %s", err)
	}

	reclaimed, err := c.OrphanSweep()
	if err != nil {
		t.Fatalf("OrphanSweep failed: %s", err)
	}
	_ = reclaimed
}

func TestCheckJournalCleanAfterFormat(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()

	_, clean := c.CheckJournal()
	if !clean {
		t.Errorf("freshly formatted image reports unclean journal")
	}
}

func TestClearJournal(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()

	if err := c.ClearJournal(); err != nil {
		t.Fatalf("ClearJournal failed: %s", err)
	}
	_, clean := c.CheckJournal()
	if !clean {
		t.Errorf("journal not clean after ClearJournal")
	}
}
