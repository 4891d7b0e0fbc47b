package extractors

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// NewZstdExtractor handles .tar.zst, .tzst and plain .zst uploads
func NewZstdExtractor() Extractor {
	return &streamExtractor{
		name:       "zstd",
		extensions: []string{".zst", ".tzst"},
		open: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
	}
}
