// Package synth generates deterministic test scenes: a smooth random texture
// and overlapping tiles cut from it.
package synth

import (
	"image"
	"math/rand"

	"panostitch/internal/pano"
)

// Texture returns a w×h colour image of bilinearly interpolated noise with
// a feature size of cell pixels.
func Texture(w, h, cell int, seed int64) *pano.Image {
	if cell < 1 {
		cell = 1
	}
	rng := rand.New(rand.NewSource(seed))
	gw, gh := w/cell+2, h/cell+2
	grid := make([][3]float64, gw*gh)
	for i := range grid {
		grid[i] = [3]float64{rng.Float64() * 255, rng.Float64() * 255, rng.Float64() * 255}
	}
	img := pano.NewImage(w, h, 3)
	for y := 0; y < h; y++ {
		gy, fy := y/cell, float64(y%cell)/float64(cell)
		for x := 0; x < w; x++ {
			gx, fx := x/cell, float64(x%cell)/float64(cell)
			a, b := grid[gy*gw+gx], grid[gy*gw+gx+1]
			c, d := grid[(gy+1)*gw+gx], grid[(gy+1)*gw+gx+1]
			for ch := 0; ch < 3; ch++ {
				top := a[ch]*(1-fx) + b[ch]*fx
				bot := c[ch]*(1-fx) + d[ch]*fx
				img.Set(x, y, ch, uint8(top*(1-fy)+bot*fy))
			}
		}
	}
	return img
}

// Crop copies r out of img. Parts of r outside img stay black.
func Crop(img *pano.Image, r image.Rectangle) *pano.Image {
	out := pano.NewImage(r.Dx(), r.Dy(), img.Channels)
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			for c := 0; c < img.Channels; c++ {
				out.Set(x, y, c, img.At(r.Min.X+x, r.Min.Y+y, c))
			}
		}
	}
	return out
}

// Tiles cuts one tile of the given size at each offset.
func Tiles(img *pano.Image, size image.Point, offsets ...image.Point) []*pano.Image {
	out := make([]*pano.Image, len(offsets))
	for i, o := range offsets {
		out[i] = Crop(img, image.Rectangle{Min: o, Max: o.Add(size)})
	}
	return out
}
