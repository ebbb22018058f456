// Package imageio is the boundary to image decoding and encoding. The engine
// only needs frame dimensions, the raw bytes to send upstream and, for sign
// refinement, a padded and upscaled crop.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nfnt/resize"

	"framelabel/internal/core"
)

// Extensions accepted when scanning an input directory.
var Extensions = []string{".jpg", ".jpeg", ".png"}

const jpegQuality = 90

// Frame is a loaded image with known dimensions.
type Frame struct {
	Path   string
	Bytes  []byte
	Format string
	Width  int
	Height int
}

// IsImage reports whether path has an accepted image extension.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load reads path and decodes only the header. A missing, empty, oversized
// or undecodable file is an InvalidInput failure. maxBytes <= 0 disables the
// size check.
func Load(path string, maxBytes int64) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.Failure{Kind: core.KindInvalidInput, Message: fmt.Sprintf("reading %s", path), Cause: err}
	}
	if len(data) == 0 {
		return nil, core.Failf(core.KindInvalidInput, "%s is empty", path)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, core.Failf(core.KindInvalidInput, "%s is %d bytes, limit %d", path, len(data), maxBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &core.Failure{Kind: core.KindInvalidInput, Message: fmt.Sprintf("decoding %s", path), Cause: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, core.Failf(core.KindInvalidInput, "%s has invalid dimensions %dx%d", path, cfg.Width, cfg.Height)
	}
	return &Frame{Path: path, Bytes: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Decode fully decodes the frame's pixels.
func (f *Frame) Decode() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Bytes))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Path, err)
	}
	return img, nil
}

// Crop cuts box out of img, widened by padding pixels on every side and
// clipped to the image. If the shorter side of the result is below minSide
// it is upscaled, keeping the aspect ratio.
func Crop(img image.Image, box core.BBox, padding, minSide int) (image.Image, error) {
	b := img.Bounds()
	r := image.Rect(
		b.Min.X+int(math.Floor(box.X1))-padding,
		b.Min.Y+int(math.Floor(box.Y1))-padding,
		b.Min.X+int(math.Ceil(box.X2))+padding,
		b.Min.Y+int(math.Ceil(box.Y2))+padding,
	).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("crop %v does not intersect image %v", r, b)
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)

	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	short := w
	if h < short {
		short = h
	}
	if minSide <= 0 || short >= minSide {
		return dst, nil
	}
	if w <= h {
		return resize.Resize(uint(minSide), 0, dst, resize.Lanczos3), nil
	}
	return resize.Resize(0, uint(minSide), dst, resize.Lanczos3), nil
}

// EncodeJPEG encodes img for upload.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// WithScratch writes img as a uniquely named JPEG under dir, calls fn with
// its path and bytes, and removes the file on every return path.
func WithScratch(dir string, img image.Image, fn func(path string, data []byte) error) (err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	data, err := EncodeJPEG(img)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "crop_"+uuid.New().String()+".jpg")
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = fmt.Errorf("removing scratch file: %w", rmErr)
		}
	}()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing scratch file: %w", err)
	}
	return fn(path, data)
}
