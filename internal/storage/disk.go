package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CurrentGeneration returns the live generation directory of indexDir. When no
// index was published the error wraps fs.ErrNotExist.
func CurrentGeneration(indexDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(indexDir, CurrentFile))
	if err != nil {
		return "", err
	}
	gen := strings.TrimSpace(string(data))
	if !strings.HasPrefix(gen, GenerationPrefix) || gen != filepath.Base(gen) {
		return "", fmt.Errorf("invalid index pointer %q in %s", gen, indexDir)
	}
	return filepath.Join(indexDir, gen), nil
}

// PublishGeneration makes gen (a directory name inside indexDir) the live generation.
// CURRENT is replaced by rename, so readers see either the old or the new name.
func PublishGeneration(indexDir, gen string) error {
	tmp, err := os.CreateTemp(indexDir, ".current-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(gen + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(indexDir, CurrentFile))
}

// DiskUsageBytes returns the total size in bytes of the given paths, which may be
// files or directories (summed recursively). Missing paths count as 0.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			continue
		}
		n, err := dirSize(p)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
