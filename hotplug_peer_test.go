package kafs_test

import (
	"testing"

	"github.com/kafs-project/kafs"
	"github.com/kafs-project/kafs/hotplug"
)

type fakePeer struct {
	readCalls, writeCalls, truncCalls int
	readErr, writeErr, truncErr       error
	readData                         []byte
}

func (p *fakePeer) Getattr(ino uint32) (uint64, uint32, error) { return 0, 0, hotplug.ErrNotImplemented }

func (p *fakePeer) Read(ino uint32, buf []byte, off int64) (int, error) {
	p.readCalls++
	if p.readErr != nil {
		return 0, p.readErr
	}
	n := copy(buf, p.readData)
	return n, nil
}

func (p *fakePeer) Write(ino uint32, buf []byte, off int64) (int, error) {
	p.writeCalls++
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return len(buf), nil
}

func (p *fakePeer) Truncate(ino uint32, size uint64) error {
	p.truncCalls++
	return p.truncErr
}

func TestPeerServesReadWhenConnected(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/f.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/f.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer h.Close()

	peer := &fakePeer{readData: []byte("from peer")}
	c.SetPeer(peer)

	buf := make([]byte, len(peer.readData))
	n, err := h.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read failed: %s", err)
	}
	if string(buf[:n]) != "from peer" {
		t.Errorf("Read = %q, want %q", buf[:n], "from peer")
	}
	if peer.readCalls != 1 {
		t.Errorf("peer.readCalls = %d, want 1", peer.readCalls)
	}
}

func TestPeerFallsBackOnNotImplemented(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/f.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/f.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer h.Close()

	data := []byte("local data")
	if _, err := h.Write(data, 0); err != nil {
		t.Fatalf("local Write failed: %s", err)
	}

	peer := &fakePeer{readErr: hotplug.ErrNotImplemented}
	c.SetPeer(peer)

	buf := make([]byte, len(data))
	n, err := h.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read after peer fallback failed: %s", err)
	}
	if string(buf[:n]) != string(data) {
		t.Errorf("Read fell back to wrong data: %q, want %q", buf[:n], data)
	}
	if peer.readCalls != 1 {
		t.Errorf("peer.readCalls = %d, want 1", peer.readCalls)
	}
}

func TestPeerErrorSurfacesWithoutFallback(t *testing.T) {
	c, _ := mustFormat(t)
	defer c.Close()
	cred := root()

	if _, err := c.Create("/f.txt", 0644, cred); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	h, err := c.Open("/f.txt", kafs.ORdWr, 0, cred)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer h.Close()

	c.SetPeer(&fakePeerHardError{})
	buf := make([]byte, 4)
	if _, err := h.Read(buf, 0); err != errHardPeerFailure {
		t.Errorf("Read with non-fallback peer error = %v, want errHardPeerFailure", err)
	}
}

type fakePeerHardError struct{}

func (p *fakePeerHardError) Getattr(ino uint32) (uint64, uint32, error) {
	return 0, 0, errHardPeerFailure
}
func (p *fakePeerHardError) Read(ino uint32, buf []byte, off int64) (int, error) {
	return 0, errHardPeerFailure
}
func (p *fakePeerHardError) Write(ino uint32, buf []byte, off int64) (int, error) {
	return 0, errHardPeerFailure
}
func (p *fakePeerHardError) Truncate(ino uint32, size uint64) error { return errHardPeerFailure }

var errHardPeerFailure = hardPeerError{}

type hardPeerError struct{}

func (hardPeerError) Error() string { return "simulated hard peer failure" }
