package pano

import "image"

// FeatureExtractor detects and describes keypoints. index is the position of
// img in the caller's input list and must be copied into the result.
type FeatureExtractor interface {
	Extract(index int, img *Image) ImageFeatures
}

// Matcher matches src against dst. The result's SrcIndex and DstIndex are the
// features' ImageIndex values.
type Matcher interface {
	Match(src, dst *ImageFeatures) MatchesInfo
}

// PairFilter is implemented by matchers that only look at some pairs.
type PairFilter interface {
	Eligible(src, dst int) bool
}

// Estimator derives one camera per feature set from the pairwise matches.
type Estimator interface {
	Estimate(features []ImageFeatures, matches MatchSet) ([]CameraParams, bool)
}

// BundleAdjuster refines cameras in place.
type BundleAdjuster interface {
	Adjust(features []ImageFeatures, matches MatchSet, cameras []CameraParams) bool
}

// WarpedImage is an image projected into the panorama frame. Corner is the
// panorama coordinate of the top-left pixel.
type WarpedImage struct {
	Index  int
	Image  *Image
	Mask   *Image
	Corner image.Point
}

func (w WarpedImage) ROI() image.Rectangle {
	return image.Rectangle{Min: w.Corner, Max: w.Corner.Add(w.Image.Size())}
}

// Warper projects images through a camera.
type Warper interface {
	Warp(index int, img *Image, cam CameraParams) WarpedImage
	WarpROI(size image.Point, cam CameraParams) image.Rectangle
}

// SeamFinder trims the masks of overlapping images in place.
type SeamFinder interface {
	Find(images []WarpedImage)
}

// ExposureCompensator estimates gains from all images, then corrects one
// image at a time.
type ExposureCompensator interface {
	Feed(images []WarpedImage)
	Apply(img *WarpedImage)
}

// Blender composes warped images into the panorama covering all fed ROIs.
type Blender interface {
	Prepare(rois []image.Rectangle)
	Feed(img WarpedImage)
	Blend() (pano *Image, mask *Image)
}
