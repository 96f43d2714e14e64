package kafs

// Option configures a Context at Format or Open time. Mirrors the
// teacher's functional-option pattern (squashfs.Option) used to keep
// structural knobs out of the hot path.
type Option func(c *Context) error

// WithBlockSize sets the format-time block size (must be a power of two,
// minimum 1024). Only meaningful when passed to Format.
func WithBlockSize(size uint32) Option {
	return func(c *Context) error {
		if size < 1024 || size&(size-1) != 0 {
			return ErrInput
		}
		c.fmtBlockSize = size
		return nil
	}
}

// WithInodeCount sets the format-time inode table capacity.
func WithInodeCount(count uint32) Option {
	return func(c *Context) error {
		if count < 2 {
			return ErrInput
		}
		c.fmtInodeCount = count
		return nil
	}
}

// WithHRLBuckets sets the format-time HRL bucket count (rounded up to a
// power of two by Format if not already one).
func WithHRLBuckets(buckets uint32) Option {
	return func(c *Context) error {
		c.fmtHRLBuckets = buckets
		return nil
	}
}

// WithHRLEntries sets the format-time HRL entry table capacity.
func WithHRLEntries(entries uint32) Option {
	return func(c *Context) error {
		c.fmtHRLEntries = entries
		return nil
	}
}

// WithJournalSize sets the format-time journal ring size in bytes.
func WithJournalSize(size uint32) Option {
	return func(c *Context) error {
		c.fmtJournalSize = size
		return nil
	}
}

// WithoutHRL disables the HRL at format time; all writes fall back to
// the plain allocator path.
func WithoutHRL() Option {
	return func(c *Context) error {
		c.fmtNoHRL = true
		return nil
	}
}

// WithGroupCommitWindow overrides the journal's group-commit window. A
// window of 0 or less makes every commit fsync immediately.
func WithGroupCommitWindow(nanos int64) Option {
	return func(c *Context) error {
		if nanos <= 0 {
			nanos = -1 // Open reads 0 as "use the default window"
		}
		c.journalGCWindow = nanos
		return nil
	}
}

// WithoutJournal disables journaling entirely; operations run without
// transaction framing.
func WithoutJournal() Option {
	return func(c *Context) error {
		c.journalDisabled = true
		return nil
	}
}
