package stages

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"panostitch/internal/pano"
	"panostitch/internal/params"
)

// TranslationAdjuster refines the panorama offset of every camera so that
// inlier matches land on the same panorama point, solving the linear least
// squares problem in one step. The first camera stays fixed.
type TranslationAdjuster struct {
	Thresh float64
	MaxRMS float64
}

func NewTranslationAdjuster(p *params.Parameters) *TranslationAdjuster {
	return &TranslationAdjuster{
		Thresh: params.Get(p, params.PanoConfidenceThresh, params.DefaultPanoConfidenceThresh),
		MaxRMS: 10,
	}
}

type residual struct {
	i, j   int
	dx, dy float64
	weight float64
}

func (a *TranslationAdjuster) Adjust(features []pano.ImageFeatures, matches pano.MatchSet, cameras []pano.CameraParams) bool {
	n := len(cameras)
	if n != len(features) {
		return false
	}
	if n < 2 {
		return true
	}

	hs := make([]pano.Mat3, n)
	for i, c := range cameras {
		h, ok := c.Homography()
		if !ok {
			return false
		}
		hs[i] = h
	}

	var rs []residual
	for _, ed := range pairEdges(features, matches, a.Thresh) {
		m, _ := pairInfo(matches, features[ed.i].ImageIndex, features[ed.j].ImageIndex)
		var r residual
		r.i, r.j = ed.i, ed.j
		for k, d := range m.Matches {
			if k >= len(m.InlierMask) || !m.InlierMask[k] {
				continue
			}
			p := features[ed.i].Keypoints[d.QueryIdx]
			q := features[ed.j].Keypoints[d.TrainIdx]
			px, py := hs[ed.i].Apply(p.X, p.Y)
			qx, qy := hs[ed.j].Apply(q.X, q.Y)
			r.dx += qx - px
			r.dy += qy - py
			r.weight++
		}
		if r.weight == 0 {
			continue
		}
		r.dx /= r.weight
		r.dy /= r.weight
		rs = append(rs, r)
	}
	if len(rs) == 0 {
		return false
	}

	// unknown shifts s_1..s_{n-1}; each edge asks s_i - s_j = mean(q - p)
	cols := n - 1
	rows := len(rs)
	if rows < cols {
		rows = cols
	}
	A := mat.NewDense(rows, cols, nil)
	bx := mat.NewVecDense(rows, nil)
	by := mat.NewVecDense(rows, nil)
	for k, r := range rs {
		w := math.Sqrt(r.weight)
		if r.i > 0 {
			A.Set(k, r.i-1, w)
		}
		if r.j > 0 {
			A.Set(k, r.j-1, -w)
		}
		bx.SetVec(k, w*r.dx)
		by.SetVec(k, w*r.dy)
	}
	var sx, sy mat.VecDense
	if err := sx.SolveVec(A, bx); err != nil {
		return false
	}
	if err := sy.SolveVec(A, by); err != nil {
		return false
	}

	shifts := make([][2]float64, n)
	for i := 1; i < n; i++ {
		shifts[i] = [2]float64{sx.AtVec(i - 1), sy.AtVec(i - 1)}
		if math.IsNaN(shifts[i][0]) || math.IsNaN(shifts[i][1]) {
			return false
		}
	}

	var sum, count float64
	for _, r := range rs {
		ex := r.dx - (shifts[r.i][0] - shifts[r.j][0])
		ey := r.dy - (shifts[r.i][1] - shifts[r.j][1])
		sum += r.weight * (ex*ex + ey*ey)
		count += r.weight
	}
	if rms := math.Sqrt(sum / count); math.IsNaN(rms) || rms > a.MaxRMS {
		return false
	}

	for i := 1; i < n; i++ {
		shifted := pano.Translation(shifts[i][0], shifts[i][1]).Mul(hs[i])
		c, ok := cameras[i].WithHomography(shifted)
		if !ok {
			return false
		}
		cameras[i] = c
	}
	return true
}

// NoBundleAdjuster leaves the cameras untouched.
type NoBundleAdjuster struct{}

func (NoBundleAdjuster) Adjust([]pano.ImageFeatures, pano.MatchSet, []pano.CameraParams) bool {
	return true
}
