package extractors

import (
	"context"
	"fmt"
	"os"

	"github.com/klauspost/compress/zip"
)

// ZipExtractor unpacks zip archives
type ZipExtractor struct{}

// NewZipExtractor creates a new zip extractor
func NewZipExtractor() *ZipExtractor {
	return &ZipExtractor{}
}

// Name returns "zip"
func (e *ZipExtractor) Name() string {
	return "zip"
}

// Extract writes every regular file and directory of the archive into dir.
// Symlinks and other special entries are skipped.
func (e *ZipExtractor) Extract(ctx context.Context, src, dir string) error {
	// An insecure entry name still yields a usable reader; names are
	// checked one by one below.
	zr, err := zip.OpenReader(src)
	if zr == nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safePath(dir, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", f.Name, err)
			}
			err = writeFile(ctx, target, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}
