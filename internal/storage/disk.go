package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsageBytes sums the size of the persisted state under paths: index
// directories (including SQLite sidecar files and any staged rebuild) and
// conversation directories. Paths may be files or directories and may overlap;
// every file is counted once. Missing or empty paths contribute nothing.
func DiskUsageBytes(paths ...string) (int64, error) {
	seen := make(map[string]bool)
	var total int64
	add := func(path string, size int64) {
		if !seen[path] {
			seen[path] = true
			total += size
		}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			add(p, info.Size())
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				// a staged index may be renamed away mid-walk
				if os.IsNotExist(walkErr) {
					return nil
				}
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return err
			}
			add(path, fi.Size())
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
