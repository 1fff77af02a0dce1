package stitcher

import (
	"fmt"
	"sort"

	"panostitch/internal/pano"
)

// stitchAll registers every item at once and composes the largest linked
// subset. Images outside that subset are left out of the result.
func (r *run) stitchAll(items []work, b band) (result, pano.Status) {
	if len(items) < 2 {
		r.s.fail(pano.StatusNeedMoreImages)
		return result{}, pano.StatusNeedMoreImages
	}
	reg, status := r.register(items, r.scale, "", b.sub(0, 0.6))
	if !status.OK() {
		r.s.log.Info("registration failed", "images", len(items), "status", status)
		r.s.fail(status)
		return result{}, status
	}
	kept := make([]work, len(reg.keep))
	for i, k := range reg.keep {
		kept[i] = items[k]
	}
	res, status := r.compose(kept, reg.cams, b.sub(0.6, 1))
	if !status.OK() {
		r.s.fail(status)
	}
	return res, status
}

// stitchIncremental registers neighbours (j-1, j) in input order and chains
// the pairwise cameras. A pair that fails to register closes the current
// component; the next one starts at j.
func (r *run) stitchIncremental(items []work, b band) []result {
	n := len(items)
	regBand, compBand := b.sub(0, 0.7), b.sub(0.7, 1)

	var segments [][]work
	var segCams [][]pano.CameraParams
	seg := []work{items[0]}
	cams := []pano.CameraParams{pano.NewCamera()}
	prev, _ := cams[0].Homography()

	for j := 1; j < n; j++ {
		label := fmt.Sprintf("%d/%d", j, n-1)
		pb := regBand.sub(float64(j-1)/float64(n-1), float64(j)/float64(n-1))
		reg, status := r.register(items[j-1:j+1], r.scale, label, pb)
		h, ok := chain(prev, reg, status)
		if !ok {
			if status.OK() {
				status = pano.StatusHomographyEstFailed
			}
			r.s.log.Info("pair did not register, closing component",
				"src", items[j-1].index, "dst", items[j].index, "status", status)
			r.s.fail(status)
			segments = append(segments, seg)
			segCams = append(segCams, cams)
			seg = []work{items[j]}
			cams = []pano.CameraParams{pano.NewCamera()}
			prev = pano.Identity()
			continue
		}
		cam, _ := reg.cams[1].WithHomography(h)
		seg = append(seg, items[j])
		cams = append(cams, cam)
		prev = h
	}
	segments = append(segments, seg)
	segCams = append(segCams, cams)

	var out []result
	for k, seg := range segments {
		sb := compBand.sub(float64(k)/float64(len(segments)), float64(k+1)/float64(len(segments)))
		out = append(out, r.composeOrSplit(seg, segCams[k], sb)...)
	}
	return out
}

// chain returns H_j = H_{j-1}·H0⁻¹·H1 for a registered pair.
func chain(prev pano.Mat3, reg registration, status pano.Status) (pano.Mat3, bool) {
	if !status.OK() || len(reg.keep) != 2 {
		return pano.Mat3{}, false
	}
	h0, ok0 := reg.cams[0].Homography()
	h1, ok1 := reg.cams[1].Homography()
	if !ok0 || !ok1 {
		return pano.Mat3{}, false
	}
	inv, ok := h0.Inverse()
	if !ok {
		return pano.Mat3{}, false
	}
	h := prev.Mul(inv).Mul(h1)
	return h, h.IsFinite()
}

// composeOrSplit composes a registered segment. If that fails every image
// becomes its own component.
func (r *run) composeOrSplit(items []work, cams []pano.CameraParams, b band) []result {
	if len(items) == 1 {
		if res, ok := r.single(items[0], b); ok {
			return []result{res}
		}
		return nil
	}
	res, status := r.compose(items, cams, b)
	if status.OK() {
		return []result{res}
	}
	r.s.fail(status)
	r.s.log.Warn("cannot compose component, keeping images apart", "images", len(items), "status", status)
	return r.singles(items, b)
}

func (r *run) singles(items []work, b band) []result {
	var out []result
	for i, it := range items {
		sb := b.sub(float64(i)/float64(len(items)), float64(i+1)/float64(len(items)))
		if res, ok := r.single(it, sb); ok {
			out = append(out, res)
		}
	}
	return out
}

// smallSpan is the largest span merge stitches directly.
const smallSpan = 4

// mergeStitch splits items at the midpoint, solves both halves and tries to
// fuse the last panorama of the left half with the first of the right.
// When the fusion fails both lists are kept side by side.
func (r *run) mergeStitch(items []work, b band) []result {
	n := len(items)
	switch {
	case n == 0:
		return nil
	case n == 1:
		res, ok := r.single(items[0], b)
		if !ok {
			return nil
		}
		return []result{res}
	case n <= smallSpan:
		return r.stitchSpan(items, b)
	}

	mid := n / 2
	left := r.mergeStitch(items[:mid], b.sub(0, 0.4))
	right := r.mergeStitch(items[mid:], b.sub(0.4, 0.8))
	if len(left) == 0 || len(right) == 0 {
		return append(left, right...)
	}

	l, rr := left[len(left)-1], right[0]
	fused, ok := r.fuse(l, rr, b.sub(0.8, 1))
	if !ok {
		r.s.log.Info("fusion failed, keeping halves apart", "left", l.indices, "right", rr.indices)
		return append(left, right...)
	}
	out := make([]result, 0, len(left)+len(right)-1)
	out = append(out, left[:len(left)-1]...)
	out = append(out, fused)
	return append(out, right[1:]...)
}

// stitchSpan stitches a small span with ALL. Images left out of the linked
// subset, or all of them on failure, come back as single components.
func (r *run) stitchSpan(items []work, b band) []result {
	res, status := r.stitchAll(items, b.sub(0, 0.8))
	if !status.OK() {
		return r.singles(items, b.sub(0.8, 1))
	}
	inside := make(map[int]bool, len(res.indices))
	for _, idx := range res.indices {
		inside[idx] = true
	}
	var rest []work
	for _, it := range items {
		if !inside[it.index] {
			rest = append(rest, it)
		}
	}
	out := append([]result{res}, r.singles(rest, b.sub(0.8, 1))...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].indices[0] < out[j].indices[0] })
	return out
}

// fuse registers two panoramas against each other and recomposes every
// source image of both with cameras moved into the fused frame.
func (r *run) fuse(left, right result, b band) (result, bool) {
	items := []work{
		{index: -1, img: left.pano, mask: left.mask},
		{index: -2, img: right.pano, mask: right.mask},
	}
	scale := pano.ScaleFor(maxArea(items), r.st.registrationResol)
	reg, status := r.register(items, scale, "", b.sub(0, 0.5))
	if !status.OK() || len(reg.keep) != 2 {
		if status.OK() {
			status = pano.StatusNeedMoreImages
		}
		r.s.fail(status)
		return result{}, false
	}

	// panorama pixels of the left result are the unit of the fused frame
	toFrame := scaleMat(1 / left.scale)
	var all []work
	var cams []pano.CameraParams
	for k, part := range []result{left, right} {
		hf, ok := reg.cams[k].Homography()
		if !ok {
			return result{}, false
		}
		lift := toFrame.Mul(hf).Mul(pano.Translation(-float64(part.origin.X), -float64(part.origin.Y))).Mul(scaleMat(part.scale))
		for i, it := range part.items {
			h, ok := part.cams[i].Homography()
			if !ok {
				return result{}, false
			}
			cam, ok := part.cams[i].WithHomography(lift.Mul(h))
			if !ok {
				return result{}, false
			}
			all = append(all, it)
			cams = append(cams, cam)
		}
	}
	res, status := r.compose(all, cams, b.sub(0.5, 1))
	if !status.OK() {
		r.s.fail(status)
		return result{}, false
	}
	return res, true
}

func scaleMat(f float64) pano.Mat3 {
	return pano.Mat3{f, 0, 0, 0, f, 0, 0, 0, 1}
}
