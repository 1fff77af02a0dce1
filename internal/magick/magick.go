// Package magick decodes images through ImageMagick for inputs the Go
// decoders cannot read (camera RAW files, HEIC, PSD and friends).
package magick

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Decoder satisfies imageio.Decoder. Open must be called before Decode and
// Close once the decoder is no longer needed.
type Decoder struct {
	log *slog.Logger

	mu   sync.Mutex
	open bool
}

func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{log: logger}
}

// Open initializes the ImageMagick environment.
func (d *Decoder) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return
	}
	imagick.Initialize()
	d.open = true
}

// Close terminates the ImageMagick environment.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		imagick.Terminate()
		d.open = false
	}
	return nil
}

// Decode reads path, auto-orients it and exports 8-bit RGBA pixels.
func (d *Decoder) Decode(path string) (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, fmt.Errorf("magick: decoder not open")
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("magick: read %s: %w", path, err)
	}
	// multi-frame inputs contribute their first frame only
	mw.SetFirstIterator()
	if err := mw.AutoOrientImage(); err != nil {
		d.log.Debug("auto-orient failed", "path", path, "error", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		d.log.Debug("colorspace conversion failed", "path", path, "error", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("magick: %s has no pixels", path)
	}
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("magick: export pixels from %s: %w", path, err)
	}
	return toNRGBA(int(width), int(height), pixels)
}

func toNRGBA(width, height int, pixels interface{}) (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	switch v := pixels.(type) {
	case []byte:
		if len(v) < len(img.Pix) {
			return nil, fmt.Errorf("magick: short pixel buffer (%d < %d)", len(v), len(img.Pix))
		}
		copy(img.Pix, v)
	case []float32:
		if len(v) < len(img.Pix) {
			return nil, fmt.Errorf("magick: short pixel buffer (%d < %d)", len(v), len(img.Pix))
		}
		for i := range img.Pix {
			img.Pix[i] = clampUnit(float64(v[i]))
		}
	case []float64:
		if len(v) < len(img.Pix) {
			return nil, fmt.Errorf("magick: short pixel buffer (%d < %d)", len(v), len(img.Pix))
		}
		for i := range img.Pix {
			img.Pix[i] = clampUnit(v[i])
		}
	default:
		return nil, fmt.Errorf("magick: unexpected pixel type %T", pixels)
	}
	return img, nil
}

func clampUnit(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
