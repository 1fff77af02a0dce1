// Package instrument decorates stage providers. A wrapped stage forwards
// every call unchanged, reports a step before delegating and copies the
// interesting outputs to a Recorder.
package instrument

import (
	"image"

	"panostitch/internal/pano"
)

// Stage names reported to the Probe.
const (
	StepFeatures = "Detecting features"
	StepMatching = "Matching features"
	StepEstimate = "Estimating cameras"
	StepAdjust   = "Adjusting cameras"
	StepWarp     = "Warping"
	StepSeams    = "Seam finding"
	StepExposure = "Compensating exposure"
	StepBlend    = "Blending"
)

// Probe is told about a stage call before it runs. Matching may call Step
// from several goroutines.
type Probe interface {
	Step(stage string)
}

// Recorder stores captured artifacts keyed by original image index.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordFeatures(f pano.ImageFeatures)
	RecordMatches(m pano.MatchesInfo)
	RecordCameras(indices []int, cams []pano.CameraParams)
	RecordSeamMask(index int, mask *pano.Image)
	RecordSnapshots(index int, snaps ...*pano.Image)
}

// Stage is the common part of every wrapper.
type Stage[T any] struct {
	inner T
	name  string
	probe Probe
	rec   Recorder
}

func newStage[T any](inner T, name string, probe Probe, rec Recorder) Stage[T] {
	return Stage[T]{inner: inner, name: name, probe: probe, rec: rec}
}

// Unwrap returns the wrapped provider.
func (s Stage[T]) Unwrap() T {
	return s.inner
}

func (s Stage[T]) before() {
	if s.probe != nil {
		s.probe.Step(s.name)
	}
}

func (s Stage[T]) record(fn func(Recorder)) {
	if s.rec != nil {
		fn(s.rec)
	}
}

// Wrapper builds instrumented stages sharing one probe and recorder.
// Either may be nil.
type Wrapper struct {
	Probe    Probe
	Recorder Recorder
}

type FeatureExtractor struct{ Stage[pano.FeatureExtractor] }

func (w Wrapper) FeatureExtractor(inner pano.FeatureExtractor) *FeatureExtractor {
	return &FeatureExtractor{newStage(inner, StepFeatures, w.Probe, w.Recorder)}
}

func (s *FeatureExtractor) Extract(index int, img *pano.Image) pano.ImageFeatures {
	s.before()
	f := s.inner.Extract(index, img)
	s.record(func(r Recorder) { r.RecordFeatures(f) })
	return f
}

// Matcher also exposes the wrapped matcher's pair filter; without one every
// pair is eligible.
type Matcher struct{ Stage[pano.Matcher] }

func (w Wrapper) Matcher(inner pano.Matcher) *Matcher {
	return &Matcher{newStage(inner, StepMatching, w.Probe, w.Recorder)}
}

func (s *Matcher) Match(src, dst *pano.ImageFeatures) pano.MatchesInfo {
	s.before()
	m := s.inner.Match(src, dst)
	s.record(func(r Recorder) { r.RecordMatches(m) })
	return m
}

func (s *Matcher) Eligible(src, dst int) bool {
	if f, ok := s.inner.(pano.PairFilter); ok {
		return f.Eligible(src, dst)
	}
	return true
}

type Estimator struct{ Stage[pano.Estimator] }

func (w Wrapper) Estimator(inner pano.Estimator) *Estimator {
	return &Estimator{newStage(inner, StepEstimate, w.Probe, w.Recorder)}
}

func (s *Estimator) Estimate(features []pano.ImageFeatures, matches pano.MatchSet) ([]pano.CameraParams, bool) {
	s.before()
	cams, ok := s.inner.Estimate(features, matches)
	if ok {
		s.record(func(r Recorder) { r.RecordCameras(indicesOf(features), cams) })
	}
	return cams, ok
}

type BundleAdjuster struct{ Stage[pano.BundleAdjuster] }

func (w Wrapper) BundleAdjuster(inner pano.BundleAdjuster) *BundleAdjuster {
	return &BundleAdjuster{newStage(inner, StepAdjust, w.Probe, w.Recorder)}
}

func (s *BundleAdjuster) Adjust(features []pano.ImageFeatures, matches pano.MatchSet, cameras []pano.CameraParams) bool {
	s.before()
	ok := s.inner.Adjust(features, matches, cameras)
	if ok {
		s.record(func(r Recorder) { r.RecordCameras(indicesOf(features), cameras) })
	}
	return ok
}

type Warper struct{ Stage[pano.Warper] }

func (w Wrapper) Warper(inner pano.Warper) *Warper {
	return &Warper{newStage(inner, StepWarp, w.Probe, w.Recorder)}
}

func (s *Warper) Warp(index int, img *pano.Image, cam pano.CameraParams) pano.WarpedImage {
	s.before()
	return s.inner.Warp(index, img, cam)
}

func (s *Warper) WarpROI(size image.Point, cam pano.CameraParams) image.Rectangle {
	return s.inner.WarpROI(size, cam)
}

type SeamFinder struct{ Stage[pano.SeamFinder] }

func (w Wrapper) SeamFinder(inner pano.SeamFinder) *SeamFinder {
	return &SeamFinder{newStage(inner, StepSeams, w.Probe, w.Recorder)}
}

func (s *SeamFinder) Find(images []pano.WarpedImage) {
	s.before()
	s.inner.Find(images)
	s.record(func(r Recorder) {
		for _, img := range images {
			r.RecordSeamMask(img.Index, img.Mask.Clone())
		}
	})
}

// ExposureCompensator records a before and after copy of every image it
// corrects.
type ExposureCompensator struct{ Stage[pano.ExposureCompensator] }

func (w Wrapper) ExposureCompensator(inner pano.ExposureCompensator) *ExposureCompensator {
	return &ExposureCompensator{newStage(inner, StepExposure, w.Probe, w.Recorder)}
}

func (s *ExposureCompensator) Feed(images []pano.WarpedImage) {
	s.before()
	s.inner.Feed(images)
}

func (s *ExposureCompensator) Apply(img *pano.WarpedImage) {
	var before *pano.Image
	if s.rec != nil {
		before = img.Image.Clone()
	}
	s.inner.Apply(img)
	s.record(func(r Recorder) { r.RecordSnapshots(img.Index, before, img.Image.Clone()) })
}

type Blender struct{ Stage[pano.Blender] }

func (w Wrapper) Blender(inner pano.Blender) *Blender {
	return &Blender{newStage(inner, StepBlend, w.Probe, w.Recorder)}
}

func (s *Blender) Prepare(rois []image.Rectangle) {
	s.inner.Prepare(rois)
}

func (s *Blender) Feed(img pano.WarpedImage) {
	s.inner.Feed(img)
}

func (s *Blender) Blend() (*pano.Image, *pano.Image) {
	s.before()
	return s.inner.Blend()
}

func indicesOf(features []pano.ImageFeatures) []int {
	out := make([]int, len(features))
	for i, f := range features {
		out[i] = f.ImageIndex
	}
	return out
}
