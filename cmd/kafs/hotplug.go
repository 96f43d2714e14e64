package main

import (
	"os"

	"github.com/kafs-project/kafs"
	"github.com/kafs-project/kafs/hotplug"
)

// startHotplug wires a hotplug peer into c if KAFS_HOTPLUG_SOCKET is
// set. Data-path dispatch (read/write/truncate through the peer) only
// activates when KAFS_HOTPLUG_DATA_MODE=1; otherwise the session is
// kept alive for its control channel only and the peer is never set,
// so local operations are used by default.
func startHotplug(c *kafs.Context, socketPath string) error {
	s := hotplug.NewSession(hotplug.Config{
		SocketPath:   socketPath,
		WaitTimeout:  waitTimeout(),
		WaitQueueCap: waitQueueCap(),
	})
	if err := s.Start(); err != nil {
		return err
	}
	if os.Getenv("KAFS_HOTPLUG_DATA_MODE") == "1" {
		c.SetPeer(hotplug.NewProxy(s))
	}
	return nil
}
