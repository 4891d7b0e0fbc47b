package extractors

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// NewGzipExtractor handles .tar.gz, .tgz and plain .gz uploads
func NewGzipExtractor() Extractor {
	return &streamExtractor{
		name:       "gzip",
		extensions: []string{".gz", ".tgz"},
		open: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	}
}
