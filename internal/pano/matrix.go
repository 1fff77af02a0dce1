package pano

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Mat3 is a row-major 3x3 matrix used for rotations, intrinsics and
// homographies.
type Mat3 [9]float64

func Identity() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation maps (x, y) to (x+tx, y+ty).
func Translation(tx, ty float64) Mat3 {
	return Mat3{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// RotationZ rotates around the optical axis by theta radians.
func RotationZ(theta float64) Mat3 {
	s, c := math.Sincos(theta)
	return Mat3{c, -s, 0, s, c, 0, 0, 0, 1}
}

// RotationX rotates around the horizontal axis by theta radians.
func RotationX(theta float64) Mat3 {
	s, c := math.Sincos(theta)
	return Mat3{1, 0, 0, 0, c, -s, 0, s, c}
}

// RotationY rotates around the vertical axis by theta radians.
func RotationY(theta float64) Mat3 {
	s, c := math.Sincos(theta)
	return Mat3{c, 0, s, 0, 1, 0, -s, 0, c}
}

func (a Mat3) dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, a[:])
	return mat.NewDense(3, 3, data)
}

func fromDense(m mat.Matrix) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m.At(r, c)
		}
	}
	return out
}

func (a Mat3) At(r, c int) float64 {
	return a[r*3+c]
}

// Mul returns a·b.
func (a Mat3) Mul(b Mat3) Mat3 {
	var c mat.Dense
	c.Mul(a.dense(), b.dense())
	return fromDense(&c)
}

// Inverse returns a⁻¹, or false when a is singular or badly conditioned.
func (a Mat3) Inverse() (Mat3, bool) {
	var inv mat.Dense
	if err := inv.Inverse(a.dense()); err != nil {
		return Mat3{}, false
	}
	out := fromDense(&inv)
	if !out.IsFinite() {
		return Mat3{}, false
	}
	return out, true
}

// Apply maps the point (x, y) through the matrix with perspective division.
func (a Mat3) Apply(x, y float64) (float64, float64) {
	w := a[6]*x + a[7]*y + a[8]
	if w == 0 {
		return math.Inf(1), math.Inf(1)
	}
	return (a[0]*x + a[1]*y + a[2]) / w, (a[3]*x + a[4]*y + a[5]) / w
}

// Normalized scales the matrix so that its last element is 1.
func (a Mat3) Normalized() Mat3 {
	if a[8] == 0 || a[8] == 1 {
		return a
	}
	for i := range a {
		a[i] /= a[8]
	}
	return a
}

// Affine drops the perspective row.
func (a Mat3) Affine() Mat3 {
	a = a.Normalized()
	a[6], a[7], a[8] = 0, 0, 1
	return a
}

func (a Mat3) IsFinite() bool {
	for _, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Equal compares element-wise within tol.
func (a Mat3) Equal(b Mat3, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func (a Mat3) String() string {
	return fmt.Sprintf("[%.4g %.4g %.4g; %.4g %.4g %.4g; %.4g %.4g %.4g]",
		a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8])
}
