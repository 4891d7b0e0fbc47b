package extractors

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const dumpBody = "CREATE TABLE t (id INT);\nINSERT INTO t VALUES (1);\n"

type entry struct {
	name string
	body string
	dir  bool
}

func zipBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		name := e.name
		if e.dir {
			name += "/"
		}
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", e.name, err)
		}
		if !e.dir {
			io.WriteString(w, e.body)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg, Format: tar.FormatPAX}
		if e.dir {
			hdr = &tar.Header{Name: e.name + "/", Mode: 0o755, Typeflag: tar.TypeDir, Format: tar.FormatPAX}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write header for %s: %v", e.name, err)
		}
		if !e.dir {
			io.WriteString(tw, e.body)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar: %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(data)
	if err := gw.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("failed to create zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func lz4Bytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	lw := lz4.NewWriter(&buf)
	lw.Write(data)
	if err := lw.Close(); err != nil {
		t.Fatalf("failed to close lz4: %v", err)
	}
	return buf.Bytes()
}

func writeUpload(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write upload: %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestGetExtractor(t *testing.T) {
	for _, name := range []string{"zip", "gzip", "zstd", "lz4", "raw"} {
		e, err := GetExtractor(name)
		if err != nil {
			t.Fatalf("GetExtractor(%s): %v", name, err)
		}
		if e.Name() != name {
			t.Errorf("expected %s, got %s", name, e.Name())
		}
	}
	if _, err := GetExtractor("rar"); !errors.Is(err, ErrUnsupportedArchive) {
		t.Fatalf("expected ErrUnsupportedArchive, got %v", err)
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"backup.tar.gz":    ".tar.gz",
		"Backup.ZIP":       ".zip",
		"dir/x.sql.zst":    ".zst",
		"dump.sql":         ".sql",
		"upload":           "",
		"notes.txt":        "",
		"../../etc/passwd": "",
	}
	for name, want := range tests {
		if got := Extension(name); got != want {
			t.Errorf("Extension(%q): expected %q, got %q", name, want, got)
		}
	}
}

func TestDetect(t *testing.T) {
	tarball := tarBytes(t, []entry{{name: "dump.sql", body: dumpBody}})

	tests := []struct {
		name     string
		fileName string
		data     []byte
		want     string
	}{
		{name: "zip extension", fileName: "backup.ZIP", data: []byte("not really"), want: "zip"},
		{name: "tar.gz extension", fileName: "backup.tar.gz", data: nil, want: "gzip"},
		{name: "tgz extension", fileName: "backup.tgz", data: nil, want: "gzip"},
		{name: "zst extension", fileName: "backup.sql.zst", data: nil, want: "zstd"},
		{name: "lz4 extension", fileName: "backup.tar.lz4", data: nil, want: "lz4"},
		{name: "sql extension", fileName: "backup.sql", data: nil, want: "raw"},
		{name: "zip magic", fileName: "upload-1", data: zipBytes(t, []entry{{name: "a.sql", body: "x"}}), want: "zip"},
		{name: "gzip magic", fileName: "upload-2", data: gzipBytes(t, tarball), want: "gzip"},
		{name: "zstd magic", fileName: "upload-3", data: zstdBytes(t, tarball), want: "zstd"},
		{name: "lz4 magic", fileName: "upload-4", data: lz4Bytes(t, tarball), want: "lz4"},
		{name: "plain text", fileName: "upload-5", data: []byte(dumpBody), want: "raw"},
		{name: "empty file", fileName: "upload-6", data: nil, want: "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeUpload(t, tt.fileName, tt.data)
			e, err := Detect(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if e.Name() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, e.Name())
			}
		})
	}
}

func TestExtract(t *testing.T) {
	archive := []entry{
		{name: "dump.sql", body: dumpBody},
		{name: "README.txt", body: "hello"},
		{name: "extra", dir: true},
	}
	tarball := tarBytes(t, archive)

	tests := []struct {
		name      string
		fileName  string
		data      []byte
		wantFiles map[string]string
	}{
		{
			name:      "zip",
			fileName:  "upload.zip",
			data:      zipBytes(t, archive),
			wantFiles: map[string]string{"dump.sql": dumpBody, "README.txt": "hello"},
		},
		{
			name:      "tar.gz",
			fileName:  "upload.tar.gz",
			data:      gzipBytes(t, tarball),
			wantFiles: map[string]string{"dump.sql": dumpBody, "README.txt": "hello"},
		},
		{
			name:      "tar.zst without extension",
			fileName:  "upload-1700000000000",
			data:      zstdBytes(t, tarball),
			wantFiles: map[string]string{"dump.sql": dumpBody, "README.txt": "hello"},
		},
		{
			name:      "tar.lz4",
			fileName:  "upload.tar.lz4",
			data:      lz4Bytes(t, tarball),
			wantFiles: map[string]string{"dump.sql": dumpBody},
		},
		{
			name:      "plain gz keeps its name",
			fileName:  "shop.sql.gz",
			data:      gzipBytes(t, []byte(dumpBody)),
			wantFiles: map[string]string{"shop.sql": dumpBody},
		},
		{
			name:      "plain zst without a sql name",
			fileName:  "upload-1700000000001",
			data:      zstdBytes(t, []byte(dumpBody)),
			wantFiles: map[string]string{"dump.sql": dumpBody},
		},
		{
			name:      "raw copy",
			fileName:  "upload-1700000000002",
			data:      []byte(dumpBody),
			wantFiles: map[string]string{"dump.sql": dumpBody},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeUpload(t, tt.fileName, tt.data)
			dir := t.TempDir()

			e, err := Detect(src)
			if err != nil {
				t.Fatalf("detect failed: %v", err)
			}
			if err := e.Extract(context.Background(), src, dir); err != nil {
				t.Fatalf("extract failed: %v", err)
			}
			for name, body := range tt.wantFiles {
				if got := readFile(t, filepath.Join(dir, name)); got != body {
					t.Errorf("%s: expected %q, got %q", name, body, got)
				}
			}
		})
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	malicious := []entry{{name: "../evil.sql", body: "DROP DATABASE prod;\n"}}

	tests := []struct {
		name     string
		fileName string
		data     []byte
	}{
		{name: "zip", fileName: "evil.zip", data: zipBytes(t, malicious)},
		{name: "tar.gz", fileName: "evil.tar.gz", data: gzipBytes(t, tarBytes(t, malicious))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeUpload(t, tt.fileName, tt.data)
			parent := t.TempDir()
			dir := filepath.Join(parent, "job")
			if err := os.Mkdir(dir, 0o755); err != nil {
				t.Fatal(err)
			}

			e, err := Detect(src)
			if err != nil {
				t.Fatalf("detect failed: %v", err)
			}
			if err := e.Extract(context.Background(), src, dir); !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("expected ErrUnsafePath, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil.sql")); !os.IsNotExist(err) {
				t.Fatal("entry was written outside the target directory")
			}
		})
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	src := writeUpload(t, "broken.zip", []byte("PK\x03\x04 definitely not a zip"))
	e, err := Detect(src)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if err := e.Extract(context.Background(), src, t.TempDir()); err == nil {
		t.Fatal("expected corrupt archive to fail")
	}
}

func TestExtractCancelled(t *testing.T) {
	src := writeUpload(t, "upload.sql", []byte(dumpBody))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewRawExtractor().Extract(ctx, src, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
