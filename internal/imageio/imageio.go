package imageio

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"panostitch/internal/fsutil"
	"panostitch/internal/pano"
)

// ErrSkipped marks an input slot that could not be read.
var ErrSkipped = errors.New("image skipped")

// Decoder reads formats the Go decoders do not understand.
type Decoder interface {
	Decode(path string) (image.Image, error)
}

// Loader decodes image files concurrently.
type Loader struct {
	Workers  int
	Fallback Decoder
	log      *slog.Logger
}

func NewLoader(workers int, fallback Decoder, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Workers: workers, Fallback: fallback, log: logger}
}

// Load decodes one file. Missing and undecodable files yield an error
// wrapping ErrSkipped.
func (l *Loader) Load(path string) (*pano.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, errors.Join(ErrSkipped, err))
	}
	img, err := l.decode(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, errors.Join(ErrSkipped, err))
	}
	out := pano.FromImage(img)
	l.logger().Debug("decoded image", "path", path,
		"size", humanize.Bytes(uint64(info.Size())),
		"width", out.Width, "height", out.Height)
	return out, nil
}

func (l *Loader) decode(path string) (image.Image, error) {
	// camera RAW formats never decode with the registered Go decoders
	if l.Fallback != nil && fsutil.IsRAWFile(path) {
		return l.Fallback.Decode(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err == nil {
		return img, nil
	}
	if l.Fallback == nil {
		return nil, err
	}
	l.logger().Debug("falling back to external decoder", "path", path, "error", err)
	return l.Fallback.Decode(path)
}

func (l *Loader) logger() *slog.Logger {
	if l.log != nil {
		return l.log
	}
	return slog.Default()
}

// LoadAll decodes every path into the slot of the same index. Unreadable
// files leave a nil slot and are reported in skipped; only cancellation
// fails the call.
func (l *Loader) LoadAll(ctx context.Context, paths []string) (images []*pano.Image, skipped []int, err error) {
	images = make([]*pano.Image, len(paths))
	errs := make([]error, len(paths))
	workers := l.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			images[i], errs[i] = l.Load(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	var total int64
	for i, e := range errs {
		if e != nil {
			l.logger().Warn("skipping image", "index", i, "error", e)
			skipped = append(skipped, i)
			continue
		}
		total += int64(images[i].Area())
	}
	l.logger().Info("images loaded", "count", len(paths)-len(skipped), "skipped", len(skipped),
		"pixels", humanize.SIWithDigits(float64(total), 1, "px"))
	return images, skipped, nil
}

// Save writes img in the format implied by the file extension.
func Save(path string, img *pano.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, strings.ToLower(filepath.Ext(path)), img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Encode writes img as ext (".png", ".jpg", ".jpeg", ".tif", ".tiff" or ".bmp").
func Encode(w io.Writer, ext string, img *pano.Image) error {
	if img.Empty() {
		return errors.New("empty image")
	}
	src := img.ToImage()
	switch ext {
	case ".png", "png":
		return png.Encode(w, src)
	case ".jpg", ".jpeg", "jpg", "jpeg":
		return jpeg.Encode(w, src, &jpeg.Options{Quality: 92})
	case ".tif", ".tiff", "tif", "tiff":
		return tiff.Encode(w, src, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp", "bmp":
		return bmp.Encode(w, src)
	}
	return fmt.Errorf("unsupported output format %q", ext)
}
