package pano

import "errors"

// Status is the outcome of a registration or composition call.
type Status int

const (
	StatusOK Status = iota
	StatusNeedMoreImages
	StatusHomographyEstFailed
	StatusCameraParamsAdjustFailed
	StatusFailed
)

var (
	ErrNeedMoreImages            = errors.New("need more images")
	ErrRegistrationFailed        = errors.New("registration failed")
	ErrParameterAdjustmentFailed = errors.New("camera parameter adjustment failed")
	ErrStitchFailed              = errors.New("stitching failed")
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNeedMoreImages:
		return "need_more_images"
	case StatusHomographyEstFailed:
		return "homography_estimation_failed"
	case StatusCameraParamsAdjustFailed:
		return "camera_params_adjust_failed"
	default:
		return "failed"
	}
}

func (s Status) OK() bool {
	return s == StatusOK
}

// Err maps a status onto the sentinel errors used by outer layers.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusNeedMoreImages:
		return ErrNeedMoreImages
	case StatusHomographyEstFailed:
		return ErrRegistrationFailed
	case StatusCameraParamsAdjustFailed:
		return ErrParameterAdjustmentFailed
	default:
		return ErrStitchFailed
	}
}
