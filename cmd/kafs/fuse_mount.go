//go:build fuse

package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kafs-project/kafs"
	"github.com/kafs-project/kafs/fuseserver"
)

func mountFUSE(c *kafs.Context, mountpoint string) error {
	fs := fuseserver.New(c)
	opts := &gofuse.MountOptions{
		Name:           "kafs",
		SingleThreaded: os.Getenv("KAFS_SINGLE_THREADED") == "1",
		MaxBackground:  maxThreadsHint(),
	}
	server, err := gofuse.NewServer(fs, mountpoint, opts)
	if err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		server.Unmount()
	}()

	server.Serve()
	return nil
}

func maxThreadsHint() int {
	if n := os.Getenv("KAFS_MAX_THREADS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			return v
		}
	}
	return 0
}
