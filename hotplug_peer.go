package kafs

import "github.com/kafs-project/kafs/hotplug"

// HotplugPeer is the subset of hotplug.Proxy's method set the POSIX
// layer calls before falling back to the local implementation. It is
// declared here, not in the hotplug package, so hotplug never imports
// kafs; cmd/kafs
// wires a *hotplug.Proxy in via SetPeer because hotplug.Proxy already
// satisfies this interface structurally.
type HotplugPeer interface {
	Getattr(ino uint32) (size uint64, mode uint32, err error)
	Read(ino uint32, buf []byte, off int64) (int, error)
	Write(ino uint32, buf []byte, off int64) (int, error)
	Truncate(ino uint32, size uint64) error
}

// SetPeer installs (or clears, with nil) the hotplug peer consulted by
// Read/Write/Truncate before the local path.
func (c *Context) SetPeer(p HotplugPeer) {
	c.peerL.Lock()
	c.peer = p
	c.peerL.Unlock()
}

func (c *Context) getPeer() HotplugPeer {
	c.peerL.Lock()
	defer c.peerL.Unlock()
	return c.peer
}

// peerFallback reports whether err is a peer "not implemented" /
// "not supported" response that should fall back to the local path,
// as opposed to an error that should surface to the caller.
func peerFallback(err error) bool {
	return err == hotplug.ErrNotImplemented || err == hotplug.ErrNotSupported
}
