package extractors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// RawExtractor copies an uncompressed upload into the workspace as the dump
type RawExtractor struct{}

// NewRawExtractor creates a new raw extractor
func NewRawExtractor() *RawExtractor {
	return &RawExtractor{}
}

// Name returns "raw"
func (e *RawExtractor) Name() string {
	return "raw"
}

// Extract copies src to dir/dump.sql
func (e *RawExtractor) Extract(ctx context.Context, src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	return writeFile(ctx, filepath.Join(dir, DefaultDumpName), f)
}
