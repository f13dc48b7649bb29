package imagecache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"marketwatch/internal/logging"
)

// SweepResult reports an image directory sweep.
type SweepResult struct {
	Expired    int `json:"expired"`
	Duplicates int `json:"duplicates"`
	Kept       int `json:"kept"`
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// productKey groups files naming the same product: the first two
// underscore-separated segments of the file name.
func productKey(name string) string {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 {
		return name
	}
	return parts[0] + "_" + parts[1]
}

type fileInfo struct {
	path  string
	mtime time.Time
}

// Sweep deletes image files older than MaxAge, then keeps only the newest
// file per product key. It runs independently of the in-memory map. A
// missing directory is not an error.
func (c *Cache) Sweep() (SweepResult, error) {
	var res SweepResult
	entries, err := os.ReadDir(c.opts.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	threshold := c.opts.Now().Add(-c.opts.MaxAge)
	groups := make(map[string][]fileInfo)
	for _, de := range entries {
		if de.IsDir() || !imageExts[strings.ToLower(filepath.Ext(de.Name()))] {
			continue
		}
		path := filepath.Join(c.opts.Dir, de.Name())
		info, err := de.Info()
		if err != nil {
			logging.Get(logging.CategoryImages).Warn("stat %s: %v", path, err)
			continue
		}
		if info.ModTime().Before(threshold) {
			if err := os.Remove(path); err == nil {
				res.Expired++
			}
			continue
		}
		key := productKey(de.Name())
		groups[key] = append(groups[key], fileInfo{path: path, mtime: info.ModTime()})
	}

	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].mtime.After(group[j].mtime) })
		res.Kept++
		for _, f := range group[1:] {
			if err := os.Remove(f.path); err != nil {
				logging.Get(logging.CategoryImages).Warn("remove duplicate %s: %v", f.path, err)
				res.Kept++
				continue
			}
			res.Duplicates++
		}
	}
	logging.Images("image sweep removed %d expired and %d duplicate files", res.Expired, res.Duplicates)
	return res, nil
}
