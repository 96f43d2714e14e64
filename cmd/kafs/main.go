// Command kafs formats, inspects, and mounts kafs images. Subcommand
// dispatch mirrors the teacher's cmd/sqfs hand-rolled os.Args switch
// rather than a flag-parsing framework.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kafs-project/kafs"
)

const usage = `kafs - content-addressed journaled copy-on-write filesystem

Usage:
  kafs format <image> <block-count> [--block-size N] [--inodes N] [--no-hrl]
  kafs info <image>
  kafs mount <image> <mountpoint>
  kafs help

Environment (observed by mount):
  KAFS_IMAGE                image path, overrides the <image> argument
  KAFS_SINGLE_THREADED      "1" forces a single FUSE worker
  KAFS_MAX_THREADS          hint for the FUSE worker pool size
  KAFS_HOTPLUG_SOCKET       unix socket path for the hotplug peer
  KAFS_HOTPLUG_DATA_MODE    "1" routes data-path ops (read/write/truncate) to the peer
  KAFS_HOTPLUG_WAIT_TIMEOUT wait timeout for a reconnecting peer, e.g. "5s"
  KAFS_HOTPLUG_WAIT_QUEUE   max callers queued behind a reconnecting peer
  KAFS_JOURNAL              "0" disables the journal
  KAFS_JOURNAL_GC_WINDOW    group-commit window in nanoseconds
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "format":
		err = runFormat(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "kafs: unknown command %q\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafs: %s\n", err)
		os.Exit(1)
	}
}

func runFormat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("format requires <image> <block-count>")
	}
	path := args[0]
	count, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad block count: %w", err)
	}

	var opts []kafs.Option
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--block-size":
			i++
			n, err := strconv.ParseUint(args[i], 10, 32)
			if err != nil {
				return err
			}
			opts = append(opts, kafs.WithBlockSize(uint32(n)))
		case "--inodes":
			i++
			n, err := strconv.ParseUint(args[i], 10, 32)
			if err != nil {
				return err
			}
			opts = append(opts, kafs.WithInodeCount(uint32(n)))
		case "--no-hrl":
			opts = append(opts, kafs.WithoutHRL())
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}

	c, err := kafs.Format(path, uint32(count), opts...)
	if err != nil {
		return err
	}
	return c.Close()
}

func runInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("info requires <image>")
	}
	c, err := kafs.OpenReadOnly(args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	records, clean := c.CheckJournal()
	fmt.Printf("image:         %s\n", c.Path())
	fmt.Printf("inode count:   %d\n", c.InodeCount())
	fmt.Printf("journal:       %d records, clean=%v\n", records, clean)
	return nil
}

func runMount(args []string) error {
	path := os.Getenv("KAFS_IMAGE")
	if path == "" && len(args) >= 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("mount requires <image> (or KAFS_IMAGE)")
	}
	mountpoint := ""
	if len(args) >= 2 {
		mountpoint = args[1]
	}
	if mountpoint == "" {
		return fmt.Errorf("mount requires <mountpoint>")
	}

	var opts []kafs.Option
	if os.Getenv("KAFS_JOURNAL") == "0" {
		opts = append(opts, kafs.WithoutJournal())
	}
	if w := os.Getenv("KAFS_JOURNAL_GC_WINDOW"); w != "" {
		n, err := strconv.ParseInt(w, 10, 64)
		if err != nil {
			return fmt.Errorf("bad KAFS_JOURNAL_GC_WINDOW: %w", err)
		}
		opts = append(opts, kafs.WithGroupCommitWindow(n))
	}

	c, err := kafs.Open(path, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	if sock := os.Getenv("KAFS_HOTPLUG_SOCKET"); sock != "" {
		if err := startHotplug(c, sock); err != nil {
			return err
		}
	}

	return mountFUSE(c, mountpoint)
}

func waitTimeout() time.Duration {
	if v := os.Getenv("KAFS_HOTPLUG_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 5 * time.Second
}

func waitQueueCap() int {
	if v := os.Getenv("KAFS_HOTPLUG_WAIT_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
