package stages

import (
	"image"

	"panostitch/internal/pano"
)

// VoronoiSeamFinder gives each overlap pixel to the image whose ROI centre is
// closest. Equal distances go to the earlier image.
type VoronoiSeamFinder struct{}

func (VoronoiSeamFinder) Find(images []pano.WarpedImage) {
	if len(images) < 2 {
		return
	}
	orig := make([]*pano.Image, len(images))
	centers := make([][2]float64, len(images))
	rois := make([]image.Rectangle, len(images))
	for i, w := range images {
		orig[i] = w.Mask.Clone()
		rois[i] = w.ROI()
		centers[i] = [2]float64{
			float64(rois[i].Min.X+rois[i].Max.X) / 2,
			float64(rois[i].Min.Y+rois[i].Max.Y) / 2,
		}
	}
	for a := range images {
		for b := range images {
			if a == b {
				continue
			}
			overlap := rois[a].Intersect(rois[b])
			if overlap.Empty() {
				continue
			}
			for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
				for x := overlap.Min.X; x < overlap.Max.X; x++ {
					ax, ay := x-rois[a].Min.X, y-rois[a].Min.Y
					bx, by := x-rois[b].Min.X, y-rois[b].Min.Y
					if orig[a].At(ax, ay, 0) == 0 || orig[b].At(bx, by, 0) == 0 {
						continue
					}
					da := sqDistTo(centers[a], x, y)
					db := sqDistTo(centers[b], x, y)
					if db < da || (db == da && b < a) {
						images[a].Mask.Set(ax, ay, 0, 0)
					}
				}
			}
		}
	}
}

func sqDistTo(c [2]float64, x, y int) float64 {
	dx, dy := float64(x)+0.5-c[0], float64(y)+0.5-c[1]
	return dx*dx + dy*dy
}

// NoSeamFinder keeps every mask as is.
type NoSeamFinder struct{}

func (NoSeamFinder) Find([]pano.WarpedImage) {}
