package extractors

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

// NewLZ4Extractor handles .tar.lz4 and plain .lz4 uploads
func NewLZ4Extractor() Extractor {
	return &streamExtractor{
		name:       "lz4",
		extensions: []string{".lz4"},
		open: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(lz4.NewReader(r)), nil
		},
	}
}
