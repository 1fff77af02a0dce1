package stages

import (
	"math"
	"sort"

	"panostitch/internal/pano"
	"panostitch/internal/params"
)

// BestOf2NearestMatcher keeps a match when its nearest neighbour is clearly
// better than the second nearest, then fits a translation with RANSAC.
// Match holds no state and may run concurrently.
type BestOf2NearestMatcher struct {
	Ratio      float64
	MinInliers int
	Tolerance  float64
}

func NewBestOf2NearestMatcher(p *params.Parameters) *BestOf2NearestMatcher {
	return &BestOf2NearestMatcher{
		Ratio:      params.Get(p, params.MatchRatio, params.DefaultMatchRatio),
		MinInliers: 6,
		Tolerance:  3,
	}
}

func (m *BestOf2NearestMatcher) Match(src, dst *pano.ImageFeatures) pano.MatchesInfo {
	info := pano.MatchesInfo{SrcIndex: src.ImageIndex, DstIndex: dst.ImageIndex}
	if src.Empty() || dst.Empty() {
		return info
	}
	info.Matches = ratioMatches(src.Descriptors, dst.Descriptors, m.Ratio)
	info.InlierMask = make([]bool, len(info.Matches))
	if len(info.Matches) < m.MinInliers {
		return info
	}

	dxs := make([]float64, len(info.Matches))
	dys := make([]float64, len(info.Matches))
	for i, d := range info.Matches {
		s, t := src.Keypoints[d.QueryIdx], dst.Keypoints[d.TrainIdx]
		dxs[i], dys[i] = t.X-s.X, t.Y-s.Y
	}

	// every match is a one-point hypothesis for a translation model
	best, bestCount := -1, 0
	for i := range info.Matches {
		count := 0
		for j := range info.Matches {
			if math.Abs(dxs[j]-dxs[i]) <= m.Tolerance && math.Abs(dys[j]-dys[i]) <= m.Tolerance {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = i, count
		}
	}
	if best < 0 {
		return info
	}

	tx, ty := dxs[best], dys[best]
	var inX, inY []float64
	for j := range info.Matches {
		in := math.Abs(dxs[j]-tx) <= m.Tolerance && math.Abs(dys[j]-ty) <= m.Tolerance
		info.InlierMask[j] = in
		if in {
			inX = append(inX, dxs[j])
			inY = append(inY, dys[j])
		}
	}
	tx, ty = median(inX), median(inY)

	inliers := info.NumInliers()
	if inliers < m.MinInliers {
		return info
	}
	h := pano.Translation(tx, ty)
	info.H = &h
	info.Confidence = float64(inliers) / (8 + 0.3*float64(len(info.Matches)))
	return info
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func ratioMatches(src, dst [][]float32, ratio float64) []pano.DMatch {
	var out []pano.DMatch
	if len(dst) < 2 {
		return out
	}
	for qi, q := range src {
		best, second := math.Inf(1), math.Inf(1)
		bestIdx := -1
		for ti, t := range dst {
			d := sqDist(q, t)
			switch {
			case d < best:
				second = best
				best, bestIdx = d, ti
			case d < second:
				second = d
			}
		}
		if bestIdx < 0 {
			continue
		}
		d1, d2 := math.Sqrt(best), math.Sqrt(second)
		if d1 < ratio*d2 {
			out = append(out, pano.DMatch{QueryIdx: qi, TrainIdx: bestIdx, Distance: d1})
		}
	}
	return out
}

func sqDist(a, b []float32) float64 {
	var s float32
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return float64(s)
}

// RangeMatcher only matches images whose indices are at most Width apart.
type RangeMatcher struct {
	*BestOf2NearestMatcher
	Width int
}

func NewRangeMatcher(p *params.Parameters) *RangeMatcher {
	return &RangeMatcher{
		BestOf2NearestMatcher: NewBestOf2NearestMatcher(p),
		Width:                 params.Get(p, params.RangeWidth, params.DefaultRangeWidth),
	}
}

func (m *RangeMatcher) Eligible(src, dst int) bool {
	d := src - dst
	if d < 0 {
		d = -d
	}
	return d <= m.Width
}
