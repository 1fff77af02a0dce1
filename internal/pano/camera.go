package pano

// CameraParams describes one image's pose inside a panorama frame. The
// mapping from image pixels to panorama coordinates is K·R·K⁻¹.
type CameraParams struct {
	Focal  float64    `json:"focal"`
	Aspect float64    `json:"aspect"`
	PPX    float64    `json:"ppx"`
	PPY    float64    `json:"ppy"`
	R      Mat3       `json:"r"`
	T      [3]float64 `json:"t"`
}

// NewCamera returns unit intrinsics and an identity rotation.
func NewCamera() CameraParams {
	return CameraParams{Focal: 1, Aspect: 1, R: Identity()}
}

// K is the intrinsic matrix derived from focal, aspect and principal point.
func (c CameraParams) K() Mat3 {
	return Mat3{
		c.Focal, 0, c.PPX,
		0, c.Focal * c.Aspect, c.PPY,
		0, 0, 1,
	}
}

// Homography returns the image to panorama mapping.
func (c CameraParams) Homography() (Mat3, bool) {
	k := c.K()
	kinv, ok := k.Inverse()
	if !ok {
		return Mat3{}, false
	}
	return k.Mul(c.R).Mul(kinv), true
}

// Scaled adapts the intrinsics to an image resized by factor.
func (c CameraParams) Scaled(factor float64) CameraParams {
	c.Focal *= factor
	c.PPX *= factor
	c.PPY *= factor
	return c
}

// WithHomography returns a copy whose rotation is chosen so that the camera
// maps pixels through h while keeping the receiver's intrinsics.
func (c CameraParams) WithHomography(h Mat3) (CameraParams, bool) {
	k := c.K()
	kinv, ok := k.Inverse()
	if !ok {
		return c, false
	}
	c.R = kinv.Mul(h).Mul(k)
	return c, true
}
