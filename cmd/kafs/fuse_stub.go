//go:build !fuse

package main

import (
	"fmt"

	"github.com/kafs-project/kafs"
)

func mountFUSE(c *kafs.Context, mountpoint string) error {
	return fmt.Errorf("kafs: built without the fuse build tag, rebuild with -tags fuse to mount")
}
