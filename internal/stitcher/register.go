package stitcher

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"panostitch/internal/pano"
	"panostitch/internal/stages"
)

// work is one registration input. Intermediate panoramas carry negative
// indices and a validity mask.
type work struct {
	index int
	img   *pano.Image
	mask  *pano.Image
}

// band maps stage-local progress in [0, 1] onto a slice of the run.
type band struct {
	lo, hi float64
}

func (b band) at(f float64) float64 {
	return b.lo + f*(b.hi-b.lo)
}

func (b band) sub(lo, hi float64) band {
	return band{b.at(lo), b.at(hi)}
}

func maxArea(items []work) int {
	area := 0
	for _, it := range items {
		area = max(area, it.img.Area())
	}
	return area
}

// run holds per-Stitch state.
type run struct {
	s     *Stitcher
	st    stageSet
	scale float64
	feats map[int]pano.ImageFeatures
}

// registration is the outcome of one registration call: the local
// positions kept and their cameras at full resolution.
type registration struct {
	keep []int
	cams []pano.CameraParams
}

// register detects, matches, estimates and adjusts items at the given
// registration scale. label, when set, turns on the per-pair status lines
// of incremental mode.
func (r *run) register(items []work, scale float64, label string, b band) (registration, pano.Status) {
	note := func(format string) {
		if label != "" {
			r.s.status(fmt.Sprintf(format, label), -1)
		}
	}

	note("Detect features %s")
	feats := make([]pano.ImageFeatures, len(items))
	for i, it := range items {
		feats[i] = r.features(it, scale)
	}
	r.s.emitProgress(b.at(0.35))

	note("matching features %s")
	matches := r.match(feats)
	r.s.emitProgress(b.at(0.7))

	keep := stages.LargestComponent(feats, matches, r.st.confThresh)
	if len(keep) < 2 {
		r.s.log.Debug("not enough linked images", "images", len(items), "linked", len(keep))
		return registration{}, pano.StatusNeedMoreImages
	}
	subset := make([]pano.ImageFeatures, len(keep))
	for i, k := range keep {
		subset[i] = feats[k]
	}

	note("estimate camera params %s")
	cams, ok := r.st.estimator.Estimate(subset, matches)
	if !ok {
		return registration{}, pano.StatusHomographyEstFailed
	}
	r.s.emitProgress(b.at(0.85))

	note("bundle adjuster %s")
	if !r.st.adjuster.Adjust(subset, matches, cams) {
		return registration{}, pano.StatusCameraParamsAdjustFailed
	}
	r.s.emitProgress(b.at(1))

	for i := range cams {
		cams[i] = cams[i].Scaled(1 / scale)
	}
	return registration{keep: keep, cams: cams}, pano.StatusOK
}

// features extracts keypoints of it at scale. Results of input images are
// reused for the rest of the run.
func (r *run) features(it work, scale float64) pano.ImageFeatures {
	if it.index >= 0 && scale == r.scale {
		if f, ok := r.feats[it.index]; ok {
			return f
		}
	}
	f := r.st.finder.Extract(it.index, pano.Resize(it.img, scale))
	f.ImageIndex = it.index
	if it.mask != nil {
		f = insideMask(f, it.mask, scale)
	}
	if it.index >= 0 && scale == r.scale {
		r.feats[it.index] = f
	}
	return f
}

// maskReach is the half size, in registration pixels, of the neighbourhood
// a descriptor samples.
const maskReach = 5

// insideMask drops keypoints whose neighbourhood touches an invalid pixel of
// a full resolution mask.
func insideMask(f pano.ImageFeatures, mask *pano.Image, scale float64) pano.ImageFeatures {
	reach := maskReach / scale
	valid := func(x, y float64) bool {
		return mask.At(int(math.Round(x)), int(math.Round(y)), 0) >= 128
	}
	out := pano.ImageFeatures{ImageIndex: f.ImageIndex, Size: f.Size}
	for i, kp := range f.Keypoints {
		x, y := kp.X/scale, kp.Y/scale
		ok := true
		for _, dy := range []float64{-reach, 0, reach} {
			for _, dx := range []float64{-reach, 0, reach} {
				if !valid(x+dx, y+dy) {
					ok = false
				}
			}
		}
		if !ok {
			continue
		}
		out.Keypoints = append(out.Keypoints, kp)
		if i < len(f.Descriptors) {
			out.Descriptors = append(out.Descriptors, f.Descriptors[i])
		}
	}
	return out
}

// match runs the matcher over every eligible pair i < j. Both directions
// end up in the returned set and in the model.
func (r *run) match(feats []pano.ImageFeatures) pano.MatchSet {
	type pair struct{ i, j int }
	var pairs []pair
	for i := range feats {
		for j := i + 1; j < len(feats); j++ {
			if r.st.matcher.Eligible(feats[i].ImageIndex, feats[j].ImageIndex) {
				pairs = append(pairs, pair{i, j})
			}
		}
	}

	out := make([]pano.MatchesInfo, len(pairs))
	var g errgroup.Group
	g.SetLimit(max(r.s.matchWorkers, 1))
	for k, p := range pairs {
		g.Go(func() error {
			out[k] = r.st.matcher.Match(&feats[p.i], &feats[p.j])
			return nil
		})
	}
	_ = g.Wait()

	set := pano.MatchSet{}
	for _, m := range out {
		rev := m.Reverse()
		set.Put(m)
		set.Put(rev)
		r.s.model.RecordMatches(rev)
	}
	return set
}
