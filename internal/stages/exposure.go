package stages

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"panostitch/internal/pano"
)

// GainCompensator estimates one brightness gain per image from the mean
// intensities of pairwise overlaps.
type GainCompensator struct {
	Alpha float64
	Beta  float64
	gains map[int]float64
}

func NewGainCompensator() *GainCompensator {
	return &GainCompensator{Alpha: 0.01, Beta: 100}
}

// Gains returns the last estimate keyed by image index.
func (g *GainCompensator) Gains() map[int]float64 {
	out := make(map[int]float64, len(g.gains))
	for k, v := range g.gains {
		out[k] = v
	}
	return out
}

func (g *GainCompensator) Feed(images []pano.WarpedImage) {
	n := len(images)
	g.gains = make(map[int]float64, n)
	if n == 0 {
		return
	}
	counts := mat.NewDense(n, n, nil)
	means := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c, mi, mj := overlapMeans(images[i], images[j])
			counts.Set(i, j, c)
			counts.Set(j, i, c)
			means.Set(i, j, mi)
			means.Set(j, i, mj)
		}
	}

	A := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			nij := counts.At(i, j)
			b.SetVec(i, b.AtVec(i)+g.Beta*nij)
			A.Set(i, i, A.At(i, i)+g.Beta*nij)
			if i == j {
				continue
			}
			A.Set(i, i, A.At(i, i)+2*g.Alpha*means.At(i, j)*means.At(i, j)*nij)
			A.Set(i, j, A.At(i, j)-2*g.Alpha*means.At(i, j)*means.At(j, i)*nij)
		}
	}

	var x mat.VecDense
	err := x.SolveVec(A, b)
	for i, w := range images {
		gain := 1.0
		if err == nil {
			if v := x.AtVec(i); !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 {
				gain = v
			}
		}
		g.gains[w.Index] = gain
	}
}

// overlapMeans returns the number of pixels covered by both masks and the
// mean grey level of each image over them.
func overlapMeans(a, b pano.WarpedImage) (count, meanA, meanB float64) {
	overlap := a.ROI().Intersect(b.ROI())
	if overlap.Empty() {
		return 0, 0, 0
	}
	var sa, sb float64
	for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
		for x := overlap.Min.X; x < overlap.Max.X; x++ {
			ax, ay := x-a.Corner.X, y-a.Corner.Y
			bx, by := x-b.Corner.X, y-b.Corner.Y
			if a.Mask.At(ax, ay, 0) == 0 || b.Mask.At(bx, by, 0) == 0 {
				continue
			}
			sa += grey(a.Image, ax, ay)
			sb += grey(b.Image, bx, by)
			count++
		}
	}
	if count == 0 {
		return 0, 0, 0
	}
	return count, sa / count, sb / count
}

func grey(img *pano.Image, x, y int) float64 {
	if img.Channels < 3 {
		return float64(img.At(x, y, 0))
	}
	return 0.299*float64(img.At(x, y, 0)) + 0.587*float64(img.At(x, y, 1)) + 0.114*float64(img.At(x, y, 2))
}

func (g *GainCompensator) Apply(img *pano.WarpedImage) {
	gain, ok := g.gains[img.Index]
	if !ok || gain == 1 || img.Image.Empty() {
		return
	}
	for y := 0; y < img.Image.Height; y++ {
		for x := 0; x < img.Image.Width; x++ {
			if img.Mask.At(x, y, 0) == 0 {
				continue
			}
			for c := 0; c < img.Image.Channels; c++ {
				img.Image.Set(x, y, c, clamp8(gain*float64(img.Image.At(x, y, c))))
			}
		}
	}
}

// NoExposureCompensator leaves pixels untouched.
type NoExposureCompensator struct{}

func (NoExposureCompensator) Feed([]pano.WarpedImage) {}
func (NoExposureCompensator) Apply(*pano.WarpedImage) {}
