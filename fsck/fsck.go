// Package fsck implements the sidecar tool's duties: journal
// inspection and optional reset, orphan inode reclaim, and a
// whole-image export/backup facility. It operates on an already-built
// kafs image via the root kafs package rather than touching the mmap
// directly.
package fsck

import (
	"fmt"

	"github.com/kafs-project/kafs"
)

// Exit codes for the sidecar (fsck) command.
const (
	ExitOK              = 0
	ExitIOOrArg         = 1
	ExitUsage           = 2
	ExitJournalCorrupt  = 3
	ExitJournalClearErr = 4
)

// Options configures a Run.
type Options struct {
	ImagePath     string
	JournalClear  bool
	ReclaimOrphan bool
	ExportPath    string
	ExportCodec   Codec
}

// Report summarises what Run found and did.
type Report struct {
	JournalRecords  int
	JournalWasClean bool
	JournalCleared  bool
	OrphansFound    []uint32
	Exported        bool
}

// Run performs the sidecar's duties against Options and returns the
// process exit code to use, along with a Report for callers that want
// detail beyond the exit code (cmd/kafsck prints it; that formatting
// is the CLI's job, out of this package's scope).
func Run(opts Options) (int, Report, error) {
	var rep Report

	c, err := kafs.OpenReadOnly(opts.ImagePath)
	if err != nil {
		return ExitIOOrArg, rep, err
	}
	records, clean := c.CheckJournal()
	rep.JournalRecords = records
	rep.JournalWasClean = clean
	c.Close()

	if !clean {
		if !opts.JournalClear {
			return ExitJournalCorrupt, rep, fmt.Errorf("fsck: journal check failed, pass --journal-clear to reset")
		}
		wc, err := kafs.Open(opts.ImagePath)
		if err != nil {
			return ExitJournalClearErr, rep, err
		}
		cerr := wc.ClearJournal()
		wc.Close()
		if cerr != nil {
			return ExitJournalClearErr, rep, cerr
		}
		rep.JournalCleared = true
	}

	if opts.ReclaimOrphan || opts.ExportPath != "" {
		wc, err := kafs.Open(opts.ImagePath)
		if err != nil {
			return ExitIOOrArg, rep, err
		}
		defer wc.Close()

		if opts.ReclaimOrphan {
			orphans, oerr := wc.OrphanSweep()
			rep.OrphansFound = orphans
			if oerr != nil {
				return ExitIOOrArg, rep, oerr
			}
		}

		if opts.ExportPath != "" {
			if err := Export(wc, opts.ExportPath, opts.ExportCodec); err != nil {
				return ExitIOOrArg, rep, err
			}
			rep.Exported = true
		}
	}

	return ExitOK, rep, nil
}
