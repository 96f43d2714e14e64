//go:build zstd

package fsck

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterCompHandler(CodecZstd, &CompHandler{
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zstdReadCloser{zr}, nil
		},
	})
}

// zstdReadCloser adapts *zstd.Decoder (whose Close is void) to
// io.ReadCloser.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
