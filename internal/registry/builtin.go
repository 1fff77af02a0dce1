package registry

import (
	"sync"

	"panostitch/internal/pano"
	"panostitch/internal/params"
	"panostitch/internal/stages"
)

// Stitching modes accepted by the mode parameter. SCANS and PANORAMA both
// run the all-at-once strategy.
const (
	ModeScans       = "SCANS"
	ModePanorama    = "PANORAMA"
	ModeIncremental = "INCREMENTAL"
	ModeMerge       = "MERGE"
)

const maxRange = 1e308

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry of built-in stages. It is built
// on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewDefault()
	})
	return defaultReg
}

// NewDefault builds a fresh registry holding every built-in stage.
func NewDefault() *Registry {
	r := New()

	r.AddChoice(Mode, "Stitching strategy: SCANS and PANORAMA register all images at once, INCREMENTAL chains neighbours, MERGE divides and conquers.",
		ModeScans, ModePanorama, ModeIncremental, ModeMerge)

	Register(r, FeaturesFinder, "GFTTDetector", func(p *params.Parameters) pano.FeatureExtractor {
		return stages.NewGFTTDetector(p)
	})
	Register(r, FeaturesFinder, "HarrisDetector", func(p *params.Parameters) pano.FeatureExtractor {
		return stages.NewHarrisDetector(p)
	})
	r.Describe(string(FeaturesFinder), "Keypoint detector and descriptor.")

	Register(r, FeaturesMatcher, "BestOf2NearestMatcher", func(p *params.Parameters) pano.Matcher {
		return stages.NewBestOf2NearestMatcher(p)
	})
	Register(r, FeaturesMatcher, "BestOf2NearestRangeMatcher", func(p *params.Parameters) pano.Matcher {
		return stages.NewRangeMatcher(p)
	})
	r.Describe(string(FeaturesMatcher), "Pairwise feature matcher.")

	Register(r, Estimator, "AffineBasedEstimator", func(p *params.Parameters) pano.Estimator {
		return stages.NewAffineEstimator(p)
	})
	Register(r, Estimator, "HomographyBasedEstimator", func(p *params.Parameters) pano.Estimator {
		return stages.NewHomographyEstimator(p)
	})
	r.Describe(string(Estimator), "Initial camera estimation from pairwise transforms.")

	Register(r, BundleAdjuster, "BundleAdjusterAffine", func(p *params.Parameters) pano.BundleAdjuster {
		return stages.NewTranslationAdjuster(p)
	})
	Register(r, BundleAdjuster, "NoBundleAdjuster", func(*params.Parameters) pano.BundleAdjuster {
		return stages.NoBundleAdjuster{}
	})
	r.Describe(string(BundleAdjuster), "Joint camera refinement.")

	Register(r, Warper, "AffineWarper", func(p *params.Parameters) pano.Warper {
		return stages.NewAffineWarper(p)
	})
	Register(r, Warper, "PlaneWarper", func(p *params.Parameters) pano.Warper {
		return stages.NewPlaneWarper(p)
	})
	r.Describe(string(Warper), "Projection of images into the panorama plane.")

	Register(r, SeamFinder, "VoronoiSeamFinder", func(*params.Parameters) pano.SeamFinder {
		return stages.VoronoiSeamFinder{}
	})
	Register(r, SeamFinder, "NoSeamFinder", func(*params.Parameters) pano.SeamFinder {
		return stages.NoSeamFinder{}
	})
	r.Describe(string(SeamFinder), "Assignment of overlap pixels to one source image.")

	Register(r, ExposureCompensator, "NoExposureCompensator", func(*params.Parameters) pano.ExposureCompensator {
		return stages.NoExposureCompensator{}
	})
	Register(r, ExposureCompensator, "GainCompensator", func(*params.Parameters) pano.ExposureCompensator {
		return stages.NewGainCompensator()
	})
	r.Describe(string(ExposureCompensator), "Per-image brightness correction.")

	Register(r, Blender, "FeatherBlender", func(*params.Parameters) pano.Blender {
		return stages.NewFeatherBlender()
	})
	Register(r, Blender, "NoBlender", func(*params.Parameters) pano.Blender {
		return stages.NewNoBlender()
	})
	r.Describe(string(Blender), "Composition of warped images.")

	r.AddChoice(InterpolationFlags, "Resampling used by the warpers.", stages.InterLinear, stages.InterNearest)

	r.AddNumber(params.RegistrationResol, TypeFloat, 0, maxRange, params.DefaultRegistrationResol,
		"Megapixels used for feature detection and matching; 0 means full resolution.")
	r.AddNumber(params.CompositingResol, TypeFloat, -1, maxRange, params.DefaultCompositingResol,
		"Megapixels used for composition; negative means full resolution.")
	r.AddNumber(params.PanoConfidenceThresh, TypeFloat, 0, maxRange, params.DefaultPanoConfidenceThresh,
		"Minimum pair confidence for two images to belong to the same panorama.")
	r.AddNumber(params.MaxFeatures, TypeInt, 16, 100000, int64(params.DefaultMaxFeatures),
		"Upper bound on keypoints per image.")
	r.AddNumber(params.RangeWidth, TypeInt, 1, 1000, int64(params.DefaultRangeWidth),
		"Index distance searched by BestOf2NearestRangeMatcher.")
	r.AddNumber(params.MatchRatio, TypeFloat, 0.1, 1, params.DefaultMatchRatio,
		"Best-of-two-nearest ratio test threshold.")
	return r
}
