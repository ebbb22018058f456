package core

import "fmt"

// Category is the coarse class of a detection.
type Category string

const (
	CategoryPedestrian   Category = "pedestrian"
	CategoryVehicle      Category = "vehicle"
	CategoryTrafficSign  Category = "traffic_sign"
	CategoryConstruction Category = "construction"

	// CategoryUnknown marks a label that matched neither the synonym table
	// nor any known pattern. Such detections are kept and flagged.
	CategoryUnknown Category = "unknown"
)

// CoarseSignLabel is the placeholder label the first pass gives to any
// traffic sign. Only detections carrying it are eligible for refinement.
const CoarseSignLabel = "traffic_sign"

// Categories lists the fixed enumeration in display order.
func Categories() []Category {
	return []Category{CategoryPedestrian, CategoryVehicle, CategoryTrafficSign, CategoryConstruction}
}

// BBox is an axis-aligned box in absolute pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Validate rejects degenerate boxes and boxes outside a width x height frame.
// Boxes are never clamped.
func (b BBox) Validate(width, height int) error {
	if !(b.X1 < b.X2) || !(b.Y1 < b.Y2) {
		return fmt.Errorf("degenerate box [%g %g %g %g]", b.X1, b.Y1, b.X2, b.Y2)
	}
	w, h := float64(width), float64(height)
	if b.X1 < 0 || b.Y1 < 0 || b.X2 > w || b.Y2 > h {
		return fmt.Errorf("box [%g %g %g %g] outside %dx%d frame", b.X1, b.Y1, b.X2, b.Y2, width, height)
	}
	return nil
}

// Detection is one labelled object in a frame.
type Detection struct {
	Label      string   `json:"label"`
	Category   Category `json:"category"`
	Box        BBox     `json:"bbox"`
	Confidence *float64 `json:"confidence,omitempty"`

	// RefinedFrom records the coarse label when the sign resolver replaced it.
	RefinedFrom string `json:"refined_from,omitempty"`
}

// IsCoarseSign reports whether d is eligible for sign refinement.
func (d Detection) IsCoarseSign() bool {
	return d.Category == CategoryTrafficSign && d.Label == CoarseSignLabel
}
