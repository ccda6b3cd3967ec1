package phash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels is the decoded pixel ceiling used when none is configured.
const DefaultMaxPixels int64 = 40_000_000

// The difference hash compares horizontally adjacent pixels on a 9x8 grid,
// giving 8 comparisons per row over 8 rows.
const (
	gridWidth  = 9
	gridHeight = 8
)

// Hasher turns encoded image bytes into fingerprints.
type Hasher struct {
	maxPixels int64
}

// NewHasher returns a hasher that rejects images with more than maxPixels pixels.
// A non-positive maxPixels selects DefaultMaxPixels.
func NewHasher(maxPixels int64) *Hasher {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Hasher{maxPixels: maxPixels}
}

// MaxPixels returns the pixel ceiling.
func (h *Hasher) MaxPixels() int64 {
	return h.maxPixels
}

// Hash decodes data and returns its fingerprint. The image header is checked
// against the pixel ceiling before the full decode so oversized inputs are
// rejected without allocating their pixel buffers.
func (h *Hasher) Hash(data []byte) (Fingerprint, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", fmt.Errorf("%w: %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > h.maxPixels {
		return "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, h.maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return HashImage(img), nil
}

// HashImage computes the fingerprint of an already decoded image.
func HashImage(img image.Image) Fingerprint {
	gray := toGray(img)

	// Stretch to the grid; aspect ratio is intentionally not preserved.
	grid := image.NewGray(image.Rect(0, 0, gridWidth, gridHeight))
	draw.BiLinear.Scale(grid, grid.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	var v uint64
	for y := 0; y < gridHeight; y++ {
		for x := 0; x < gridWidth-1; x++ {
			v <<= 1
			if grid.GrayAt(x, y).Y > grid.GrayAt(x+1, y).Y {
				v |= 1
			}
		}
	}
	return FromUint64(v)
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

var defaultHasher = NewHasher(DefaultMaxPixels)

// Hash fingerprints data using DefaultMaxPixels as the pixel ceiling.
func Hash(data []byte) (Fingerprint, error) {
	return defaultHasher.Hash(data)
}
