package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dump is the single SQL script found in a workspace
type Dump struct {
	Path string
	Size int64
}

// LocateDump finds the one regular .sql file among the immediate entries of
// dir. Zero or several candidates are ErrInvalidArchiveContents.
func LocateDump(dir string) (Dump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Dump{}, fmt.Errorf("failed to read workspace: %w", err)
	}

	var found []os.DirEntry
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".sql") {
			found = append(found, e)
		}
	}

	switch len(found) {
	case 0:
		return Dump{}, fmt.Errorf("%w: expected exactly one .sql file, found 0", ErrInvalidArchiveContents)
	case 1:
	default:
		names := make([]string, len(found))
		for i, e := range found {
			names[i] = e.Name()
		}
		sort.Strings(names)
		return Dump{}, fmt.Errorf("%w: expected exactly one .sql file, found %d: %s",
			ErrInvalidArchiveContents, len(found), strings.Join(names, ", "))
	}

	info, err := found[0].Info()
	if err != nil {
		return Dump{}, fmt.Errorf("failed to stat %s: %w", found[0].Name(), err)
	}
	return Dump{Path: filepath.Join(dir, found[0].Name()), Size: info.Size()}, nil
}
