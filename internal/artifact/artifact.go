// Package artifact writes per-item annotation files in the X-AnyLabeling
// JSON format.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"framelabel/internal/core"
	"framelabel/internal/recovery/state"
)

const FormatVersion = "0.4.1"

// Document is one X-AnyLabeling annotation file.
type Document struct {
	Version     string          `json:"version"`
	Flags       map[string]bool `json:"flags"`
	Shapes      []Shape         `json:"shapes"`
	ImagePath   string          `json:"imagePath"`
	ImageData   *string         `json:"imageData"`
	ImageHeight int             `json:"imageHeight"`
	ImageWidth  int             `json:"imageWidth"`
}

// Shape is a labelled rectangle given by its top-left and bottom-right
// corners in absolute pixels.
type Shape struct {
	Label     string            `json:"label"`
	Text      string            `json:"text"`
	Points    [][2]float64      `json:"points"`
	GroupID   *int              `json:"group_id"`
	ShapeType string            `json:"shape_type"`
	Flags     map[string]string `json:"flags"`
	Score     *float64          `json:"score,omitempty"`
}

// Box returns the shape's rectangle.
func (s Shape) Box() (core.BBox, error) {
	if len(s.Points) != 2 {
		return core.BBox{}, fmt.Errorf("shape %q: want 2 points, got %d", s.Label, len(s.Points))
	}
	return core.BBox{X1: s.Points[0][0], Y1: s.Points[0][1], X2: s.Points[1][0], Y2: s.Points[1][1]}, nil
}

// Build converts a successful result into a Document. Detections keep their
// order.
func Build(item core.InputItem, res core.AnnotationResult) Document {
	shapes := make([]Shape, 0, len(res.Detections))
	for _, d := range res.Detections {
		shapes = append(shapes, Shape{
			Label:     d.Label,
			Text:      d.Label,
			Points:    [][2]float64{{d.Box.X1, d.Box.Y1}, {d.Box.X2, d.Box.Y2}},
			ShapeType: "rectangle",
			Flags:     map[string]string{"category": string(d.Category)},
			Score:     d.Confidence,
		})
	}
	return Document{
		Version:     FormatVersion,
		Flags:       map[string]bool{},
		Shapes:      shapes,
		ImagePath:   filepath.Base(item.Path),
		ImageHeight: res.Height,
		ImageWidth:  res.Width,
	}
}

// Writer persists documents as <Dir>/<item id>.json.
type Writer struct {
	Dir string
}

func (w Writer) Path(itemID string) string {
	return filepath.Join(w.Dir, itemID+".json")
}

// Write atomically persists the annotation for res and returns the path and
// the exact bytes written.
func (w Writer) Write(item core.InputItem, res core.AnnotationResult) (string, []byte, error) {
	if strings.TrimSpace(w.Dir) == "" {
		return "", nil, errors.New("artifact dir is required")
	}
	if res.Status != core.StatusSucceeded {
		return "", nil, fmt.Errorf("item %s: refusing to write artifact for status %s", item.ID, res.Status)
	}
	data, err := Marshal(Build(item, res))
	if err != nil {
		return "", nil, fmt.Errorf("marshal artifact %s: %w", item.ID, err)
	}
	path := w.Path(item.ID)
	if err := state.WriteFileAtomic(path, data); err != nil {
		return "", nil, fmt.Errorf("write artifact %s: %w", item.ID, err)
	}
	return path, data, nil
}

func Marshal(doc Document) ([]byte, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
