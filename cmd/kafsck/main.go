// Command kafsck is the sidecar consistency checker: journal scan and
// optional reset, orphan inode reclaim, and whole-image export. Exit
// codes follow the sidecar contract exactly (0/1/2/3/4).
package main

import (
	"fmt"
	"os"

	"github.com/kafs-project/kafs/fsck"
)

const usage = `kafsck - kafs consistency checker

Usage:
  kafsck [--journal-clear] [--reclaim-orphans] [--export PATH [--export-codec none|zstd|xz]] <image>

Exit codes:
  0  journal (and orphan reclaim, if requested) completed successfully
  1  IO or argument error
  2  usage error
  3  journal check failed, no --journal-clear given
  4  clear attempted but writes failed
`

func main() {
	var opts fsck.Options
	var imagePath string
	codecStr := "none"

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--journal-clear":
			opts.JournalClear = true
		case "--reclaim-orphans":
			opts.ReclaimOrphan = true
		case "--export":
			i++
			if i >= len(args) {
				fmt.Fprint(os.Stderr, usage)
				os.Exit(fsck.ExitUsage)
			}
			opts.ExportPath = args[i]
		case "--export-codec":
			i++
			if i >= len(args) {
				fmt.Fprint(os.Stderr, usage)
				os.Exit(fsck.ExitUsage)
			}
			codecStr = args[i]
		case "-h", "--help":
			fmt.Print(usage)
			return
		default:
			if imagePath != "" || args[i][0] == '-' {
				fmt.Fprint(os.Stderr, usage)
				os.Exit(fsck.ExitUsage)
			}
			imagePath = args[i]
		}
	}
	if imagePath == "" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(fsck.ExitUsage)
	}
	opts.ImagePath = imagePath

	codec, err := fsck.ParseCodec(codecStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafsck: %s\n", err)
		os.Exit(fsck.ExitUsage)
	}
	opts.ExportCodec = codec

	code, rep, err := fsck.Run(opts)
	fmt.Printf("journal: %d records, clean=%v, cleared=%v\n", rep.JournalRecords, rep.JournalWasClean, rep.JournalCleared)
	if len(rep.OrphansFound) > 0 {
		fmt.Printf("orphans reclaimed: %v\n", rep.OrphansFound)
	}
	if rep.Exported {
		fmt.Printf("exported to %s\n", opts.ExportPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafsck: %s\n", err)
	}
	os.Exit(code)
}
