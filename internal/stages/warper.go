package stages

import (
	"image"
	"math"

	"panostitch/internal/pano"
	"panostitch/internal/params"
)

// Values of the interpolationFlags parameter.
const (
	InterLinear  = "INTER_LINEAR"
	InterNearest = "INTER_NEAREST"
)

// snap absorbs floating point noise when rounding warped corners.
const snap = 1e-6

// InverseWarper maps every panorama pixel of the warped bounding box back
// into the source image. The affine variant ignores the perspective row.
type InverseWarper struct {
	Affine  bool
	Nearest bool
}

func NewAffineWarper(p *params.Parameters) *InverseWarper {
	return &InverseWarper{
		Affine:  true,
		Nearest: params.Get(p, params.InterpolationFlags, InterLinear) == InterNearest,
	}
}

func NewPlaneWarper(p *params.Parameters) *InverseWarper {
	w := NewAffineWarper(p)
	w.Affine = false
	return w
}

func (w *InverseWarper) homography(cam pano.CameraParams) (pano.Mat3, bool) {
	h, ok := cam.Homography()
	if !ok {
		return h, false
	}
	if w.Affine {
		h = h.Affine()
	}
	return h, h.IsFinite()
}

func (w *InverseWarper) WarpROI(size image.Point, cam pano.CameraParams) image.Rectangle {
	h, ok := w.homography(cam)
	if !ok || size.X <= 0 || size.Y <= 0 {
		return image.Rectangle{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range [][2]float64{{0, 0}, {float64(size.X - 1), 0}, {0, float64(size.Y - 1)}, {float64(size.X - 1), float64(size.Y - 1)}} {
		x, y := h.Apply(c[0], c[1])
		if math.IsInf(x, 0) || math.IsInf(y, 0) || math.IsNaN(x) || math.IsNaN(y) {
			return image.Rectangle{}
		}
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return image.Rect(
		int(math.Floor(minX+snap)), int(math.Floor(minY+snap)),
		int(math.Ceil(maxX-snap))+1, int(math.Ceil(maxY-snap))+1,
	)
}

func (w *InverseWarper) Warp(index int, img *pano.Image, cam pano.CameraParams) pano.WarpedImage {
	out := pano.WarpedImage{Index: index}
	if img.Empty() {
		return out
	}
	roi := w.WarpROI(img.Size(), cam)
	h, _ := w.homography(cam)
	inv, ok := h.Inverse()
	if roi.Empty() || !ok {
		out.Image = pano.NewImage(0, 0, img.Channels)
		out.Mask = pano.NewMask(0, 0, 0)
		return out
	}
	out.Corner = roi.Min
	out.Image = pano.NewImage(roi.Dx(), roi.Dy(), img.Channels)
	out.Mask = pano.NewMask(roi.Dx(), roi.Dy(), 0)

	maxX, maxY := float64(img.Width-1), float64(img.Height-1)
	for y := 0; y < roi.Dy(); y++ {
		for x := 0; x < roi.Dx(); x++ {
			sx, sy := inv.Apply(float64(roi.Min.X+x), float64(roi.Min.Y+y))
			if sx < -snap || sy < -snap || sx > maxX+snap || sy > maxY+snap {
				continue
			}
			sx = math.Min(math.Max(sx, 0), maxX)
			sy = math.Min(math.Max(sy, 0), maxY)
			if w.Nearest {
				ix, iy := int(math.Round(sx)), int(math.Round(sy))
				for c := 0; c < img.Channels; c++ {
					out.Image.Set(x, y, c, img.At(ix, iy, c))
				}
			} else {
				bilinear(img, sx, sy, out.Image, x, y)
			}
			out.Mask.Set(x, y, 0, 255)
		}
	}
	return out
}

func bilinear(src *pano.Image, sx, sy float64, dst *pano.Image, x, y int) {
	x0, y0 := int(math.Floor(sx)), int(math.Floor(sy))
	x1, y1 := min(x0+1, src.Width-1), min(y0+1, src.Height-1)
	fx, fy := sx-float64(x0), sy-float64(y0)
	for c := 0; c < src.Channels; c++ {
		top := (1-fx)*float64(src.At(x0, y0, c)) + fx*float64(src.At(x1, y0, c))
		bot := (1-fx)*float64(src.At(x0, y1, c)) + fx*float64(src.At(x1, y1, c))
		dst.Set(x, y, c, clamp8((1-fy)*top+fy*bot))
	}
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
