package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sqliteCompanions are the files sqlite keeps next to a database in WAL mode.
var sqliteCompanions = []string{"-wal", "-shm"}

// DiskUsageBytes sums the on-disk size of the data paths: files, directories
// (walked recursively) and the sqlite companions of any file. A path nested in
// another listed path is counted once. Missing and empty paths count as zero.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range topLevel(paths) {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			for _, suffix := range sqliteCompanions {
				if ci, err := os.Stat(p + suffix); err == nil {
					total += ci.Size()
				}
			}
			continue
		}
		err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// topLevel drops empty paths, duplicates and paths inside another listed path.
func topLevel(paths []string) []string {
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			clean = append(clean, filepath.Clean(p))
		}
	}
	var out []string
	for i, p := range clean {
		covered := false
		for j, q := range clean {
			if i == j {
				continue
			}
			if (p == q && j < i) || strings.HasPrefix(p, q+string(filepath.Separator)) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	return out
}
