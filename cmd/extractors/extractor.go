package extractors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedArchive is returned when an unknown extractor is requested
var ErrUnsupportedArchive = errors.New("unsupported archive type")

// ErrUnsafePath is returned for archive entries that would land outside the
// target directory
var ErrUnsafePath = errors.New("archive entry escapes target directory")

// DefaultDumpName is the file name used when the archive does not name the
// extracted dump itself
const DefaultDumpName = "dump.sql"

// Extractor unpacks an uploaded file into a workspace directory
type Extractor interface {
	// Name returns the archive type, e.g. "zip" or "gzip"
	Name() string

	// Extract unpacks src into dir, which must already exist
	Extract(ctx context.Context, src, dir string) error
}

// GetExtractor returns the extractor registered under name
func GetExtractor(name string) (Extractor, error) {
	switch name {
	case "zip":
		return NewZipExtractor(), nil
	case "gzip":
		return NewGzipExtractor(), nil
	case "zstd":
		return NewZstdExtractor(), nil
	case "lz4":
		return NewLZ4Extractor(), nil
	case "raw":
		return NewRawExtractor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, name)
	}
}

var suffixes = []struct {
	suffix string
	name   string
}{
	{".zip", "zip"},
	{".tar.gz", "gzip"},
	{".tgz", "gzip"},
	{".gz", "gzip"},
	{".tar.zst", "zstd"},
	{".tzst", "zstd"},
	{".zst", "zstd"},
	{".tar.lz4", "lz4"},
	{".lz4", "lz4"},
	{".sql", "raw"},
}

var magics = []struct {
	prefix []byte
	name   string
}{
	{[]byte("PK\x03\x04"), "zip"},
	{[]byte("PK\x05\x06"), "zip"},
	{[]byte{0x1f, 0x8b}, "gzip"},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, "zstd"},
	{[]byte{0x04, 0x22, 0x4d, 0x18}, "lz4"},
}

// Extension returns the known archive suffix of name, e.g. ".tar.gz", or ""
// when name carries none
func Extension(name string) string {
	lower := strings.ToLower(filepath.Base(name))
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.suffix
		}
	}
	return ""
}

// Detect picks an extractor for path from its extension, falling back to
// the file's leading magic bytes and finally to a raw copy
func Detect(path string) (Extractor, error) {
	lower := strings.ToLower(filepath.Base(path))
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return GetExtractor(s.name)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload header: %w", err)
	}
	head = head[:n]
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return GetExtractor(m.name)
		}
	}
	return NewRawExtractor(), nil
}

// safePath joins an archive entry name onto dir, rejecting absolute names
// and names that climb out of dir
func safePath(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dir, clean), nil
}

// writeFile streams r into path, creating parent directories as needed
func writeFile(ctx context.Context, path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(out, &contextReader{ctx: ctx, r: r}); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return out.Close()
}

// contextReader stops a copy once ctx is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
