package extractors

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// streamExtractor handles single-stream compression formats. The
// decompressed stream is unpacked as a tar archive when it is one, and
// written out as a single file otherwise.
type streamExtractor struct {
	name       string
	extensions []string
	open       func(io.Reader) (io.ReadCloser, error)
}

func (e *streamExtractor) Name() string {
	return e.name
}

func (e *streamExtractor) Extract(ctx context.Context, src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	dec, err := e.open(bufio.NewReaderSize(f, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to create %s reader: %w", e.name, err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	if isTar(br) {
		return untar(ctx, tar.NewReader(br), dir)
	}
	return writeFile(ctx, filepath.Join(dir, e.outputName(src)), br)
}

// outputName strips the compression extension from the upload name. Names
// that do not end up as .sql files fall back to DefaultDumpName.
func (e *streamExtractor) outputName(src string) string {
	base := filepath.Base(src)
	lower := strings.ToLower(base)
	for _, ext := range e.extensions {
		if strings.HasSuffix(lower, ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	if !strings.HasSuffix(strings.ToLower(base), ".sql") {
		return DefaultDumpName
	}
	return base
}

// isTar reports whether the buffered stream starts with a POSIX or GNU tar
// header
func isTar(br *bufio.Reader) bool {
	head, err := br.Peek(512)
	if err != nil {
		return false
	}
	magic := string(head[257:263])
	return magic == "ustar\x00" || magic == "ustar "
}

func untar(ctx context.Context, tr *tar.Reader, dir string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := safePath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(ctx, target, tr); err != nil {
				return err
			}
		}
	}
}
