// Package stages holds the built-in stage providers. The algorithms are
// small translation-model versions of the usual panorama stages.
package stages

import (
	"math"
	"sort"

	"panostitch/internal/pano"
	"panostitch/internal/params"
)

const (
	patchRadius = 4
	border      = patchRadius + 2
)

// CornerDetector finds corners from the gradient structure tensor and
// describes each one with a normalised grey patch.
type CornerDetector struct {
	Harris       bool
	K            float64
	QualityLevel float64
	MaxFeatures  int
}

func NewGFTTDetector(p *params.Parameters) *CornerDetector {
	return &CornerDetector{
		QualityLevel: 0.01,
		MaxFeatures:  params.Get(p, params.MaxFeatures, params.DefaultMaxFeatures),
	}
}

func NewHarrisDetector(p *params.Parameters) *CornerDetector {
	d := NewGFTTDetector(p)
	d.Harris = true
	d.K = 0.04
	return d
}

func (d *CornerDetector) Extract(index int, img *pano.Image) pano.ImageFeatures {
	out := pano.ImageFeatures{ImageIndex: index}
	if img.Empty() {
		return out
	}
	out.Size = img.Size()
	w, h := img.Width, img.Height
	if w <= 2*border || h <= 2*border {
		return out
	}
	gray := img.Gray()
	resp := d.response(gray, w, h)

	var peak float32
	for _, r := range resp {
		if r > peak {
			peak = r
		}
	}
	if peak <= 0 {
		return out
	}
	thresh := float32(d.QualityLevel) * peak

	type candidate struct {
		x, y int
		r    float32
	}
	var cands []candidate
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			r := resp[y*w+x]
			if r <= thresh || !localMax(resp, w, x, y) {
				continue
			}
			cands = append(cands, candidate{x, y, r})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].r > cands[j].r })
	if d.MaxFeatures > 0 && len(cands) > d.MaxFeatures {
		cands = cands[:d.MaxFeatures]
	}

	out.Keypoints = make([]pano.Keypoint, 0, len(cands))
	out.Descriptors = make([][]float32, 0, len(cands))
	for _, c := range cands {
		out.Keypoints = append(out.Keypoints, pano.Keypoint{X: float64(c.x), Y: float64(c.y), Response: float64(c.r)})
		out.Descriptors = append(out.Descriptors, describe(gray, w, c.x, c.y))
	}
	return out
}

// response computes the corner measure on a 3x3 window of Sobel products.
func (d *CornerDetector) response(gray []float32, w, h int) []float32 {
	gxx := make([]float32, w*h)
	gyy := make([]float32, w*h)
	gxy := make([]float32, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			gx := (gray[i-w+1] + 2*gray[i+1] + gray[i+w+1]) - (gray[i-w-1] + 2*gray[i-1] + gray[i+w-1])
			gy := (gray[i+w-1] + 2*gray[i+w] + gray[i+w+1]) - (gray[i-w-1] + 2*gray[i-w] + gray[i-w+1])
			gxx[i] = gx * gx
			gyy[i] = gy * gy
			gxy[i] = gx * gy
		}
	}
	resp := make([]float32, w*h)
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var a, b, c float64
			for dy := -1; dy <= 1; dy++ {
				row := (y+dy)*w + x
				for dx := -1; dx <= 1; dx++ {
					a += float64(gxx[row+dx])
					b += float64(gxy[row+dx])
					c += float64(gyy[row+dx])
				}
			}
			var r float64
			if d.Harris {
				r = a*c - b*b - d.K*(a+c)*(a+c)
			} else {
				r = (a+c)/2 - math.Sqrt((a-c)*(a-c)/4+b*b)
			}
			resp[y*w+x] = float32(r)
		}
	}
	return resp
}

func localMax(resp []float32, w, x, y int) bool {
	r := resp[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := resp[(y+dy)*w+x+dx]
			// ties resolve towards the first pixel in scan order
			if n > r || (n == r && (dy < 0 || (dy == 0 && dx < 0))) {
				return false
			}
		}
	}
	return true
}

func describe(gray []float32, w, x, y int) []float32 {
	const side = 2*patchRadius + 1
	desc := make([]float32, 0, side*side)
	var mean float64
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			v := gray[(y+dy)*w+x+dx]
			desc = append(desc, v)
			mean += float64(v)
		}
	}
	mean /= side * side
	var norm float64
	for i, v := range desc {
		c := float64(v) - mean
		desc[i] = float32(c)
		norm += c * c
	}
	if norm < 1e-9 {
		for i := range desc {
			desc[i] = 0
		}
		return desc
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range desc {
		desc[i] *= inv
	}
	return desc
}
