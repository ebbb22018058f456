package core

import (
	"errors"
	"path/filepath"
	"strings"
)

// InputItem is one unit of work: a single image frame.
//
// ID is a stable key derived from the frame's path relative to the input
// root. It is safe to use as a file name.
type InputItem struct {
	ID   string
	Path string

	// Prior holds boxes already known for the frame. The engine does not
	// populate it; it is carried through for callers that pre-seed items.
	Prior []Detection
}

// NewInputItem derives the item identity from path relative to root.
//
// The extension is dropped and path separators become "__", so
// "clips/D1/frame_0006.jpg" under "clips" becomes "D1__frame_0006".
func NewInputItem(root, path string) (InputItem, error) {
	if strings.TrimSpace(path) == "" {
		return InputItem{}, errors.New("path is required")
	}
	rel := filepath.Base(path)
	if root != "" {
		r, err := filepath.Rel(root, path)
		if err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	rel = filepath.ToSlash(rel)
	id := strings.ReplaceAll(rel, "/", "__")
	id = strings.Map(func(r rune) rune {
		switch r {
		case ':', '*', '?', '"', '<', '>', '|', '\\':
			return '_'
		}
		return r
	}, id)
	if id == "" || id == "." {
		return InputItem{}, errors.New("cannot derive item id from " + path)
	}
	return InputItem{ID: id, Path: path}, nil
}
