package fsck

import (
	"fmt"
	"io"
	"os"

	"github.com/kafs-project/kafs"
)

// Export streams a consistent (journal-replayed, lock-free since the
// caller holds an exclusive kafs.Context) snapshot of the whole image
// file to outPath, optionally compressed through a registered codec.
// This is the spec's expansion beyond the distilled sidecar duties: a
// maintenance operation analogous to the teacher's per-block
// decompression, applied to a whole-image backup instead.
func Export(c *kafs.Context, outPath string, codec Codec) error {
	src, err := os.Open(c.Path())
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	var w io.WriteCloser = nopWriteCloser{dst}
	if codec != CodecNone {
		h, ok := lookupHandler(codec)
		if !ok {
			return fmt.Errorf("fsck: codec %s not built in (build with the matching tag)", codec)
		}
		cw, err := h.NewWriter(dst)
		if err != nil {
			return err
		}
		w = cw
	}

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Import reverses Export: decompresses (if codec != CodecNone) srcPath
// into a fresh image file at outPath.
func Import(srcPath, outPath string, codec Codec) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	var r io.ReadCloser = io.NopCloser(src)
	if codec != CodecNone {
		h, ok := lookupHandler(codec)
		if !ok {
			return fmt.Errorf("fsck: codec %s not built in (build with the matching tag)", codec)
		}
		rc, err := h.NewReader(src)
		if err != nil {
			return err
		}
		r = rc
	}
	defer r.Close()

	dst, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, r)
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
