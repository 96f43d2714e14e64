package kafs

import (
	"bytes"
	"path/filepath"
	"testing"
)

func mustFormatIblk(t *testing.T, opts ...Option) *Context {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.kafs")
	c, err := Format(path, 8192, opts...)
	if err != nil {
		t.Fatalf("Format failed: %s", err)
	}
	return c
}

func TestWriteInodeDataStaysInlineUnderCapacity(t *testing.T) {
	c := mustFormatIblk(t)
	defer c.Close()

	var rec inodeRec
	data := bytes.Repeat([]byte("i"), InlineCapacity-1)
	n, pending, err := c.writeInodeData(&rec, data, 0)
	if err != nil {
		t.Fatalf("writeInodeData failed: %s", err)
	}
	if n != len(data) {
		t.Errorf("wrote %d bytes, want %d", n, len(data))
	}
	if len(pending) != 0 {
		t.Errorf("inline write produced %d pending releases, want 0", len(pending))
	}
	if !rec.inline() {
		t.Errorf("record promoted out of inline storage under capacity")
	}

	buf := make([]byte, len(data))
	rn, err := c.readInodeData(&rec, buf, 0)
	if err != nil {
		t.Fatalf("readInodeData failed: %s", err)
	}
	if !bytes.Equal(buf[:rn], data) {
		t.Errorf("read back %q, want %q", buf[:rn], data)
	}
}

func TestWriteInodeDataPromotesPastInlineCapacity(t *testing.T) {
	c := mustFormatIblk(t)
	defer c.Close()

	var rec inodeRec
	data := bytes.Repeat([]byte("j"), InlineCapacity+1)
	_, _, err := c.writeInodeData(&rec, data, 0)
	if err != nil {
		t.Fatalf("writeInodeData failed: %s", err)
	}
	if rec.inline() {
		t.Errorf("record stayed inline past InlineCapacity")
	}

	buf := make([]byte, len(data))
	n, err := c.readInodeData(&rec, buf, 0)
	if err != nil {
		t.Fatalf("readInodeData failed: %s", err)
	}
	if !bytes.Equal(buf[:n], data) {
		t.Errorf("promoted read mismatch over %d bytes", len(data))
	}
}

func TestWriteInodeDataHoleProducesNoPhysicalBlock(t *testing.T) {
	c := mustFormatIblk(t)
	defer c.Close()

	var rec inodeRec
	zeros := make([]byte, int(c.blockSize())*2)
	_, pending, err := c.writeInodeData(&rec, zeros, 0)
	if err != nil {
		t.Fatalf("writeInodeData failed: %s", err)
	}
	if len(pending) != 0 {
		t.Errorf("writing all-zero blocks produced %d pending releases, want 0", len(pending))
	}
	blo, err := c.bmGet(&rec, 0)
	if err != nil {
		t.Fatalf("bmGet failed: %s", err)
	}
	if blo != NoneBlk {
		t.Errorf("all-zero block got a physical allocation: %d", blo)
	}
}

func TestWriteInodeDataOverwriteReleasesOldBlock(t *testing.T) {
	c := mustFormatIblk(t)
	defer c.Close()

	var rec inodeRec
	bs := int(c.blockSize())
	first := bytes.Repeat([]byte("x"), bs)
	if _, _, err := c.writeInodeData(&rec, first, 0); err != nil {
		t.Fatalf("first writeInodeData failed: %s", err)
	}
	oldBlo, err := c.bmGet(&rec, 0)
	if err != nil || oldBlo == NoneBlk {
		t.Fatalf("expected an allocated block after first write: blo=%d err=%s", oldBlo, err)
	}

	second := bytes.Repeat([]byte("y"), bs)
	_, pending, err := c.writeInodeData(&rec, second, 0)
	if err != nil {
		t.Fatalf("second writeInodeData failed: %s", err)
	}
	if len(pending) != 1 || pending[0] != oldBlo {
		t.Errorf("overwrite pending releases = %v, want [%d]", pending, oldBlo)
	}
	c.releasePending(pending)

	newBlo, err := c.bmGet(&rec, 0)
	if err != nil {
		t.Fatalf("bmGet failed: %s", err)
	}
	buf := make([]byte, bs)
	blk, err := c.readBlock(newBlo)
	if err != nil {
		t.Fatalf("readBlock failed: %s", err)
	}
	copy(buf, blk)
	if !bytes.Equal(buf, second) {
		t.Errorf("block content after overwrite = %q, want %q", buf, second)
	}
}

func TestTruncateShrinkReleasesTrailingBlocks(t *testing.T) {
	c := mustFormatIblk(t)
	defer c.Close()

	cred := Cred{}
	ino, err := c.Create("/big.bin", 0644, cred)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/big.bin", ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	bs := int(c.blockSize())
	data := bytes.Repeat([]byte("z"), bs*3)
	if _, err := h.Write(data, 0); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	h.Close()

	if err := c.Truncate("/big.bin", uint64(bs), cred); err != nil {
		t.Fatalf("Truncate failed: %s", err)
	}
	a, err := c.GetattrAt(ino)
	if err != nil {
		t.Fatalf("GetattrAt failed: %s", err)
	}
	if a.Size != uint64(bs) {
		t.Errorf("Size after truncate = %d, want %d", a.Size, bs)
	}
}
