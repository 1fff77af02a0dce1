package pano

import "image"

// Keypoint is a detected interest point in image pixel coordinates.
type Keypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Response float64 `json:"response"`
}

// ImageFeatures holds the keypoints and descriptors of one input image.
// ImageIndex is the position in the caller's input list.
type ImageFeatures struct {
	ImageIndex  int         `json:"image_index"`
	Size        image.Point `json:"size"`
	Keypoints   []Keypoint  `json:"keypoints"`
	Descriptors [][]float32 `json:"-"`
}

func (f ImageFeatures) Empty() bool {
	return len(f.Keypoints) == 0
}

// DMatch pairs keypoint QueryIdx of the source with TrainIdx of the destination.
type DMatch struct {
	QueryIdx int     `json:"query"`
	TrainIdx int     `json:"train"`
	Distance float64 `json:"distance"`
}

// PairKey addresses a directed image pair by original indices.
type PairKey struct {
	Src int
	Dst int
}

// MatchesInfo is the result of matching Src against Dst. H maps source
// pixels to destination pixels and is nil when no transform was found.
type MatchesInfo struct {
	SrcIndex   int      `json:"src_index"`
	DstIndex   int      `json:"dst_index"`
	H          *Mat3    `json:"h,omitempty"`
	Confidence float64  `json:"confidence"`
	InlierMask []bool   `json:"inlier_mask,omitempty"`
	Matches    []DMatch `json:"matches,omitempty"`
}

func (m MatchesInfo) Key() PairKey {
	return PairKey{Src: m.SrcIndex, Dst: m.DstIndex}
}

func (m MatchesInfo) NumInliers() int {
	n := 0
	for _, in := range m.InlierMask {
		if in {
			n++
		}
	}
	return n
}

// Reverse describes the same correspondences seen from the destination.
func (m MatchesInfo) Reverse() MatchesInfo {
	out := MatchesInfo{
		SrcIndex:   m.DstIndex,
		DstIndex:   m.SrcIndex,
		Confidence: m.Confidence,
	}
	if m.H != nil {
		if inv, ok := m.H.Inverse(); ok {
			out.H = &inv
		}
	}
	if m.InlierMask != nil {
		out.InlierMask = append([]bool(nil), m.InlierMask...)
	}
	if m.Matches != nil {
		out.Matches = make([]DMatch, len(m.Matches))
		for i, d := range m.Matches {
			out.Matches[i] = DMatch{QueryIdx: d.TrainIdx, TrainIdx: d.QueryIdx, Distance: d.Distance}
		}
	}
	return out
}

// MatchSet stores pairwise results by directed pair.
type MatchSet map[PairKey]MatchesInfo

func (s MatchSet) Get(src, dst int) (MatchesInfo, bool) {
	m, ok := s[PairKey{Src: src, Dst: dst}]
	return m, ok
}

func (s MatchSet) Put(m MatchesInfo) {
	s[m.Key()] = m
}
