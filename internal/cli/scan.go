package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"framelabel/internal/core"
	"framelabel/internal/imageio"
)

// ScanInputs walks root recursively and returns one item per image file,
// ordered by path. Hidden directories and skip (when it lies under root) are
// not descended into. Two frames that map to the same item ID, such as
// "x.jpg" and "x.png", are an error.
func ScanInputs(root, skip string) ([]core.InputItem, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input is not a directory: %s", root)
	}
	skip = filepath.Clean(skip)

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || (skip != "." && filepath.Clean(path) == skip) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && imageio.IsImage(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan input dir: %w", err)
	}
	sort.Strings(paths)

	items := make([]core.InputItem, 0, len(paths))
	seen := make(map[string]string, len(paths))
	var collisions []string
	for _, p := range paths {
		item, err := core.NewInputItem(root, p)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", p, err)
		}
		if prev, ok := seen[item.ID]; ok {
			collisions = append(collisions, fmt.Sprintf("%s and %s both map to %q", prev, p, item.ID))
			continue
		}
		seen[item.ID] = p
		items = append(items, item)
	}
	if len(collisions) > 0 {
		return nil, fmt.Errorf("input frames share an item id; rename them: %s", strings.Join(collisions, "; "))
	}
	return items, nil
}
