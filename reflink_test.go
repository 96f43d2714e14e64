package kafs_test

import (
	"bytes"
	"testing"

	"github.com/kafs-project/kafs"
)

func TestReflinkCloneInlineFile(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/src.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/src.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	data := []byte("small inline payload")
	if _, err := h.Write(data, 0); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	h.Close()

	if _, err := c.ReflinkClone("/src.txt", "/", "clone.txt", cred); err != nil {
		t.Fatalf("ReflinkClone failed: %s", err)
	}

	h2, err := c.Open("/clone.txt", kafs.ORdOnly, 0, cred)
	if err != nil {
		t.Fatalf("Open clone failed: %s", err)
	}
	defer h2.Close()
	buf := make([]byte, len(data))
	if n, err := h2.Read(buf, 0); err != nil || n != len(data) {
		t.Fatalf("Read clone failed: n=%d err=%s", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("clone content = %q, want %q", buf, data)
	}
}

func TestReflinkCloneLargeFileSharesBlocks(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/src.bin", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/src.bin", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	data := bytes.Repeat([]byte("y"), 16384)
	if _, err := h.Write(data, 0); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	h.Close()

	if _, err := c.ReflinkClone("/src.bin", "/", "clone.bin", cred); err != nil {
		t.Fatalf("ReflinkClone failed: %s", err)
	}

	h2, err := c.Open("/clone.bin", kafs.ORdOnly, 0, cred)
	if err != nil {
		t.Fatalf("Open clone failed: %s", err)
	}
	defer h2.Close()
	buf := make([]byte, len(data))
	if n, err := h2.Read(buf, 0); err != nil || n != len(data) {
		t.Fatalf("Read clone failed: n=%d err=%s", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("clone content mismatch over %d bytes", len(data))
	}
}

func TestReflinkCloneWithoutHRLRejectsLargeFile(t *testing.T) {
	c, _ := mustFormat(t, kafs.WithoutHRL())
	defer c.Close()
	cred := root()

	if _, err := c.Create("/src.bin", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/src.bin", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	data := bytes.Repeat([]byte("z"), 16384)
	if _, err := h.Write(data, 0); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	h.Close()

	if _, err := c.ReflinkClone("/src.bin", "/", "clone.bin", cred); err != kafs.ErrNotSupported {
		t.Errorf("ReflinkClone without HRL = %v, want ErrNotSupported", err)
	}
}
