package stages

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panostitch/internal/pano"
	"panostitch/internal/params"
	"panostitch/internal/synth"
)

func scene(t *testing.T, offsets ...image.Point) []*pano.Image {
	t.Helper()
	tex := synth.Texture(260, 120, 4, 7)
	return synth.Tiles(tex, image.Pt(100, 80), offsets...)
}

func extractAll(imgs []*pano.Image) []pano.ImageFeatures {
	d := NewGFTTDetector(params.New())
	out := make([]pano.ImageFeatures, len(imgs))
	for i, img := range imgs {
		out[i] = d.Extract(i, img)
	}
	return out
}

func TestDetectorFindsCorners(t *testing.T) {
	imgs := scene(t, image.Pt(0, 0))
	f := NewHarrisDetector(params.New()).Extract(4, imgs[0])
	require.False(t, f.Empty())
	assert.Equal(t, 4, f.ImageIndex)
	assert.Equal(t, image.Pt(100, 80), f.Size)
	assert.Len(t, f.Descriptors, len(f.Keypoints))
	for _, kp := range f.Keypoints {
		assert.GreaterOrEqual(t, kp.X, float64(border))
		assert.Less(t, kp.Y, float64(80-border))
	}

	flat := pano.NewImage(50, 50, 3)
	assert.True(t, NewGFTTDetector(params.New()).Extract(0, flat).Empty())
}

func TestDetectorHonoursMaxFeatures(t *testing.T) {
	p := params.New()
	p.Set(params.MaxFeatures, 20)
	f := NewGFTTDetector(p).Extract(0, scene(t, image.Pt(0, 0))[0])
	assert.Len(t, f.Keypoints, 20)
}

func TestMatcherRecoversTranslation(t *testing.T) {
	feats := extractAll(scene(t, image.Pt(0, 0), image.Pt(60, 10)))
	m := NewBestOf2NearestMatcher(params.New()).Match(&feats[0], &feats[1])
	require.NotNil(t, m.H)
	assert.Equal(t, pano.PairKey{Src: 0, Dst: 1}, m.Key())
	assert.Greater(t, m.Confidence, params.DefaultPanoConfidenceThresh)
	// src pixel (60,10) is dst pixel (0,0)
	x, y := m.H.Apply(60, 10)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)
	assert.Len(t, m.InlierMask, len(m.Matches))
}

func TestMatcherRejectsUnrelatedImages(t *testing.T) {
	a := synth.Tiles(synth.Texture(100, 80, 4, 1), image.Pt(100, 80), image.Pt(0, 0))[0]
	b := synth.Tiles(synth.Texture(100, 80, 4, 99), image.Pt(100, 80), image.Pt(0, 0))[0]
	feats := extractAll([]*pano.Image{a, b})
	m := NewBestOf2NearestMatcher(params.New()).Match(&feats[0], &feats[1])
	assert.LessOrEqual(t, m.Confidence, params.DefaultPanoConfidenceThresh)
}

func TestRangeMatcherEligibility(t *testing.T) {
	p := params.New()
	p.Set(params.RangeWidth, 2)
	m := NewRangeMatcher(p)
	assert.True(t, m.Eligible(3, 1))
	assert.False(t, m.Eligible(0, 3))
}

func translationMatches(offsets map[pano.PairKey][2]float64) pano.MatchSet {
	set := pano.MatchSet{}
	for k, o := range offsets {
		h := pano.Translation(o[0], o[1])
		set.Put(pano.MatchesInfo{SrcIndex: k.Src, DstIndex: k.Dst, H: &h, Confidence: 3})
	}
	return set
}

func TestEstimatorChainsFromCentre(t *testing.T) {
	feats := []pano.ImageFeatures{{ImageIndex: 10}, {ImageIndex: 11}, {ImageIndex: 12}}
	// image 10 sits 50px left of 11, image 12 sits 40px right of 11
	matches := translationMatches(map[pano.PairKey][2]float64{
		{Src: 10, Dst: 11}: {-50, 0},
		{Src: 11, Dst: 12}: {-40, 0},
	})
	cams, ok := NewAffineEstimator(params.New()).Estimate(feats, matches)
	require.True(t, ok)
	assert.True(t, cams[1].R.Equal(pano.Identity(), 1e-9), "centre should be the reference")
	x, _ := cams[0].R.Apply(0, 0)
	assert.InDelta(t, -50, x, 1e-9)
	x, _ = cams[2].R.Apply(0, 0)
	assert.InDelta(t, 40, x, 1e-9)
}

func TestEstimatorFailsWhenDisconnected(t *testing.T) {
	feats := []pano.ImageFeatures{{ImageIndex: 0}, {ImageIndex: 1}, {ImageIndex: 2}}
	matches := translationMatches(map[pano.PairKey][2]float64{{Src: 0, Dst: 1}: {-5, 0}})
	_, ok := NewHomographyEstimator(params.New()).Estimate(feats, matches)
	assert.False(t, ok)
}

func TestLargestComponent(t *testing.T) {
	feats := []pano.ImageFeatures{{ImageIndex: 0}, {ImageIndex: 1}, {ImageIndex: 2}, {ImageIndex: 3}}
	matches := translationMatches(map[pano.PairKey][2]float64{
		{Src: 1, Dst: 2}: {1, 0},
		{Src: 3, Dst: 2}: {1, 0},
	})
	assert.Equal(t, []int{1, 2, 3}, LargestComponent(feats, matches, 1))
	assert.Equal(t, []int{0}, LargestComponent(feats, pano.MatchSet{}, 1))
}

func TestTranslationAdjusterKeepsConsistentCameras(t *testing.T) {
	imgs := scene(t, image.Pt(0, 0), image.Pt(50, 0), image.Pt(100, 20))
	feats := extractAll(imgs)
	matcher := NewBestOf2NearestMatcher(params.New())
	set := pano.MatchSet{}
	for i := range feats {
		for j := i + 1; j < len(feats); j++ {
			m := matcher.Match(&feats[i], &feats[j])
			set.Put(m)
			set.Put(m.Reverse())
		}
	}
	cams, ok := NewAffineEstimator(params.New()).Estimate(feats, set)
	require.True(t, ok)
	// disturb one camera and let the adjuster pull it back
	cams[2].R = pano.Translation(3, -2).Mul(cams[2].R)
	require.True(t, NewTranslationAdjuster(params.New()).Adjust(feats, set, cams))

	x0, y0 := cams[0].R.Apply(0, 0)
	x2, y2 := cams[2].R.Apply(0, 0)
	assert.InDelta(t, 100, x2-x0, 0.5)
	assert.InDelta(t, 20, y2-y0, 0.5)

	assert.False(t, NewTranslationAdjuster(params.New()).Adjust(feats, pano.MatchSet{}, cams))
	assert.True(t, NoBundleAdjuster{}.Adjust(nil, nil, nil))
}

func TestWarperTranslation(t *testing.T) {
	img := scene(t, image.Pt(0, 0))[0]
	cam := pano.NewCamera()
	cam.R = pano.Translation(30, -5)
	for _, w := range []*InverseWarper{NewAffineWarper(params.New()), NewPlaneWarper(params.New())} {
		roi := w.WarpROI(img.Size(), cam)
		assert.Equal(t, image.Rect(30, -5, 130, 75), roi)
		out := w.Warp(2, img, cam)
		assert.Equal(t, 2, out.Index)
		assert.Equal(t, roi, out.ROI())
		assert.Equal(t, img.At(17, 9, 1), out.Image.At(17, 9, 1))
		assert.Equal(t, uint8(255), out.Mask.At(99, 79, 0))
	}
}

func TestWarperScaledCamera(t *testing.T) {
	img := pano.NewImage(40, 20, 3)
	cam := pano.NewCamera()
	cam.R = pano.Translation(10, 0)
	roi := NewAffineWarper(params.New()).WarpROI(image.Pt(20, 10), cam.Scaled(0.5))
	assert.Equal(t, image.Rect(5, 0, 25, 10), roi)
	assert.False(t, NewAffineWarper(params.New()).Warp(0, img, cam).Image.Empty())
}

func warped(index int, corner image.Point, w, h int, v uint8) pano.WarpedImage {
	img := pano.NewImage(w, h, 3)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return pano.WarpedImage{Index: index, Image: img, Mask: pano.NewMask(w, h, 255), Corner: corner}
}

func TestVoronoiSeamsSplitOverlap(t *testing.T) {
	imgs := []pano.WarpedImage{
		warped(0, image.Pt(0, 0), 100, 10, 10),
		warped(1, image.Pt(60, 0), 100, 10, 10),
	}
	VoronoiSeamFinder{}.Find(imgs)
	// centres at x=50 and x=110, so the seam sits at x=80
	assert.Equal(t, uint8(255), imgs[0].Mask.At(79, 5, 0))
	assert.Equal(t, uint8(0), imgs[0].Mask.At(80, 5, 0))
	assert.Equal(t, uint8(0), imgs[1].Mask.At(79-60, 5, 0))
	assert.Equal(t, uint8(255), imgs[1].Mask.At(80-60, 5, 0))

	keep := []pano.WarpedImage{warped(0, image.Pt(0, 0), 10, 10, 1), warped(1, image.Pt(0, 0), 10, 10, 1)}
	NoSeamFinder{}.Find(keep)
	assert.Equal(t, uint8(255), keep[1].Mask.At(3, 3, 0))
}

func TestGainCompensatorEqualisesBrightness(t *testing.T) {
	imgs := []pano.WarpedImage{
		warped(5, image.Pt(0, 0), 40, 20, 100),
		warped(6, image.Pt(20, 0), 40, 20, 140),
	}
	g := NewGainCompensator()
	g.Feed(imgs)
	gains := g.Gains()
	require.Contains(t, gains, 5)
	require.Contains(t, gains, 6)
	assert.Greater(t, gains[5], gains[6])
	for i := range imgs {
		g.Apply(&imgs[i])
	}
	diff := math.Abs(float64(imgs[0].Image.At(30, 5, 0)) - float64(imgs[1].Image.At(10, 5, 0)))
	assert.Less(t, diff, 40.0)
}

func TestBlendersCoverUnion(t *testing.T) {
	a := warped(0, image.Pt(-10, 0), 30, 10, 50)
	b := warped(1, image.Pt(10, 5), 30, 10, 150)
	for _, bl := range []pano.Blender{NewFeatherBlender(), NewNoBlender()} {
		bl.Prepare([]image.Rectangle{a.ROI(), b.ROI()})
		bl.Feed(a)
		bl.Feed(b)
		out, mask := bl.Blend()
		assert.Equal(t, 50, out.Width)
		assert.Equal(t, 15, out.Height)
		assert.Equal(t, uint8(255), mask.At(0, 0, 0))
		assert.Equal(t, uint8(0), mask.At(49, 0, 0))
		assert.Equal(t, uint8(50), out.At(1, 1, 0))
		assert.Equal(t, uint8(150), out.At(48, 14, 2))
	}
}
