package stitcher

import (
	"image"
	"sort"

	"panostitch/internal/introspect"
	"panostitch/internal/pano"
)

// maxPanoramaPixels rejects cameras that blow up the output frame.
const maxPanoramaPixels = 1 << 28

// result is one composed component. cams are full resolution and aligned
// with items; pano and origin are at the compositing scale.
type result struct {
	items   []work
	indices []int
	cams    []pano.CameraParams
	pano    *pano.Image
	mask    *pano.Image
	origin  image.Point
	scale   float64
	art     introspect.Artifacts
}

func (r *run) composeScale(items []work) float64 {
	if r.st.compositingResol < 0 {
		return 1
	}
	return pano.ScaleFor(maxArea(items), r.st.compositingResol)
}

// compose warps items through cams and blends them into one panorama.
func (r *run) compose(items []work, cams []pano.CameraParams, b band) (result, pano.Status) {
	items, cams = sortByIndex(items, cams)
	scale := r.composeScale(items)

	imgs := make([]*pano.Image, len(items))
	scaled := make([]pano.CameraParams, len(items))
	rois := make([]image.Rectangle, len(items))
	var union image.Rectangle
	for i, it := range items {
		imgs[i] = pano.Resize(it.img, scale)
		scaled[i] = cams[i].Scaled(scale)
		rois[i] = r.st.warper.WarpROI(imgs[i].Size(), scaled[i])
		if rois[i].Empty() || rois[i].Dx()*rois[i].Dy() > maxPanoramaPixels {
			r.s.log.Warn("camera maps image outside any usable frame", "index", it.index, "roi", rois[i])
			return result{}, pano.StatusFailed
		}
		union = union.Union(rois[i])
	}
	if union.Dx()*union.Dy() > maxPanoramaPixels {
		r.s.log.Warn("panorama too large", "roi", union)
		return result{}, pano.StatusFailed
	}

	warped := make([]pano.WarpedImage, len(items))
	for i, it := range items {
		warped[i] = r.st.warper.Warp(it.index, imgs[i], scaled[i])
		if it.mask != nil {
			valid := r.st.warper.Unwrap().Warp(it.index, pano.Resize(it.mask, scale), scaled[i])
			restrict(warped[i], valid)
		}
		r.s.emitProgress(b.at(0.5 * float64(i+1) / float64(len(items))))
	}

	r.st.exposure.Feed(warped)

	seams := make([]pano.WarpedImage, len(warped))
	for i, w := range warped {
		seams[i] = w
		seams[i].Mask = w.Mask.Clone()
	}
	r.st.seams.Find(seams)
	r.s.emitProgress(b.at(0.7))

	for i := range warped {
		r.st.exposure.Apply(&warped[i])
	}
	r.s.emitProgress(b.at(0.8))

	r.st.blender.Prepare(rois)
	for i, w := range warped {
		w.Mask = and(w.Mask, dilate(seams[i].Mask))
		r.st.blender.Feed(w)
	}
	out, mask := r.st.blender.Blend()
	r.s.emitProgress(b.at(1))

	indices := make([]int, len(items))
	for i, it := range items {
		indices[i] = it.index
	}
	art := r.s.model.Take(indices)
	if out.Empty() {
		return result{}, pano.StatusFailed
	}
	return result{
		items:   items,
		indices: indices,
		cams:    cams,
		pano:    out,
		mask:    mask,
		origin:  union.Min,
		scale:   scale,
		art:     art,
	}, pano.StatusOK
}

// single composes one image on its own.
func (r *run) single(it work, b band) (result, bool) {
	res, status := r.compose([]work{it}, []pano.CameraParams{pano.NewCamera()}, b)
	if !status.OK() {
		r.s.log.Warn("cannot compose single image", "index", it.index, "status", status)
		return result{}, false
	}
	return res, true
}

func sortByIndex(items []work, cams []pano.CameraParams) ([]work, []pano.CameraParams) {
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return items[order[a]].index < items[order[b]].index })
	si := make([]work, len(items))
	sc := make([]pano.CameraParams, len(items))
	for i, o := range order {
		si[i], sc[i] = items[o], cams[o]
	}
	return si, sc
}

// restrict clears w's mask wherever the warped validity mask is below half.
func restrict(w pano.WarpedImage, valid pano.WarpedImage) {
	if valid.Image.Empty() {
		return
	}
	off := valid.Corner.Sub(w.Corner)
	for y := 0; y < w.Mask.Height; y++ {
		for x := 0; x < w.Mask.Width; x++ {
			vx, vy := x-off.X, y-off.Y
			if valid.Mask.At(vx, vy, 0) == 0 || valid.Image.At(vx, vy, 0) < 128 {
				w.Mask.Set(x, y, 0, 0)
			}
		}
	}
}

func and(a, b *pano.Image) *pano.Image {
	out := a.Clone()
	for i := range out.Pix {
		if b.Pix[i] == 0 {
			out.Pix[i] = 0
		}
	}
	return out
}

// dilate grows a mask by one pixel in the 8-neighbourhood.
func dilate(m *pano.Image) *pano.Image {
	out := m.Clone()
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.At(x, y, 0) != 0 {
				continue
			}
		near:
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if m.At(x+dx, y+dy, 0) != 0 {
						out.Set(x, y, 0, 255)
						break near
					}
				}
			}
		}
	}
	return out
}
