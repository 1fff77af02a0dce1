package stages

import (
	"image"

	"panostitch/internal/pano"
)

// FeatherBlender weights each pixel by its distance to the mask border.
type FeatherBlender struct {
	Sharpness float32

	roi      image.Rectangle
	channels int
	sums     []float32
	weights  []float32
}

func NewFeatherBlender() *FeatherBlender {
	return &FeatherBlender{Sharpness: 0.02}
}

func (b *FeatherBlender) Prepare(rois []image.Rectangle) {
	b.roi = unionROI(rois)
	b.channels = 0
	b.sums = nil
	b.weights = make([]float32, b.roi.Dx()*b.roi.Dy())
}

func (b *FeatherBlender) Feed(img pano.WarpedImage) {
	if img.Image.Empty() {
		return
	}
	if b.channels == 0 {
		b.channels = img.Image.Channels
		b.sums = make([]float32, len(b.weights)*b.channels)
	}
	dist := distanceTransform(img.Mask)
	w := b.roi.Dx()
	for y := 0; y < img.Image.Height; y++ {
		for x := 0; x < img.Image.Width; x++ {
			if img.Mask.At(x, y, 0) == 0 {
				continue
			}
			px, py := img.Corner.X+x-b.roi.Min.X, img.Corner.Y+y-b.roi.Min.Y
			if px < 0 || py < 0 || px >= w || py >= b.roi.Dy() {
				continue
			}
			wt := b.Sharpness * dist[y*img.Image.Width+x]
			if wt > 1 {
				wt = 1
			}
			if wt < 1e-5 {
				wt = 1e-5
			}
			i := py*w + px
			b.weights[i] += wt
			for c := 0; c < b.channels; c++ {
				b.sums[i*b.channels+c] += wt * float32(img.Image.At(x, y, c))
			}
		}
	}
}

func (b *FeatherBlender) Blend() (*pano.Image, *pano.Image) {
	channels := b.channels
	if channels == 0 {
		channels = 3
	}
	out := pano.NewImage(b.roi.Dx(), b.roi.Dy(), channels)
	mask := pano.NewMask(b.roi.Dx(), b.roi.Dy(), 0)
	for i, wt := range b.weights {
		if wt <= 0 {
			continue
		}
		mask.Pix[i] = 255
		for c := 0; c < b.channels; c++ {
			out.Pix[i*channels+c] = clamp8(float64(b.sums[i*b.channels+c] / wt))
		}
	}
	return out, mask
}

// distanceTransform returns the city block distance of every mask pixel to
// the nearest pixel outside the mask or the image border.
func distanceTransform(mask *pano.Image) []float32 {
	w, h := mask.Width, mask.Height
	const far = 1 << 20
	d := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if mask.Pix[i] == 0 {
				continue
			}
			v := float32(far)
			if x == 0 || y == 0 {
				v = 1
			} else {
				v = min(v, d[i-1]+1, d[i-w]+1)
			}
			d[i] = v
		}
	}
	for y := h - 1; y >= 0; y-- {
		for x := w - 1; x >= 0; x-- {
			i := y*w + x
			if mask.Pix[i] == 0 {
				continue
			}
			if x == w-1 || y == h-1 {
				d[i] = 1
				continue
			}
			d[i] = min(d[i], d[i+1]+1, d[i+w]+1)
		}
	}
	return d
}

// NoBlender pastes images in feed order.
type NoBlender struct {
	roi  image.Rectangle
	pano *pano.Image
	mask *pano.Image
}

func NewNoBlender() *NoBlender {
	return &NoBlender{}
}

func (b *NoBlender) Prepare(rois []image.Rectangle) {
	b.roi = unionROI(rois)
	b.pano = nil
	b.mask = pano.NewMask(b.roi.Dx(), b.roi.Dy(), 0)
}

func (b *NoBlender) Feed(img pano.WarpedImage) {
	if img.Image.Empty() {
		return
	}
	if b.pano == nil {
		b.pano = pano.NewImage(b.roi.Dx(), b.roi.Dy(), img.Image.Channels)
	}
	for y := 0; y < img.Image.Height; y++ {
		for x := 0; x < img.Image.Width; x++ {
			if img.Mask.At(x, y, 0) == 0 {
				continue
			}
			px, py := img.Corner.X+x-b.roi.Min.X, img.Corner.Y+y-b.roi.Min.Y
			for c := 0; c < b.pano.Channels; c++ {
				b.pano.Set(px, py, c, img.Image.At(x, y, c))
			}
			b.mask.Set(px, py, 0, 255)
		}
	}
}

func (b *NoBlender) Blend() (*pano.Image, *pano.Image) {
	if b.pano == nil {
		b.pano = pano.NewImage(b.roi.Dx(), b.roi.Dy(), 3)
	}
	return b.pano, b.mask
}

func unionROI(rois []image.Rectangle) image.Rectangle {
	var u image.Rectangle
	for _, r := range rois {
		if r.Empty() {
			continue
		}
		if u.Empty() {
			u = r
			continue
		}
		u = u.Union(r)
	}
	return u
}
