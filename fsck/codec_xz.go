//go:build xz

package fsck

import (
	"io"

	"github.com/ulikunitz/xz"
)

func init() {
	RegisterCompHandler(CodecXZ, &CompHandler{
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		},
	})
}
