package cube

import "math"

// Mat4 is a 4x4 matrix in the row-major layout GL reads as column-major:
// m[3][0..2] holds the translation.
type Mat4 [4][4]float32

// Mat3 is the upper-left 3x3 of a Mat4, flattened.
type Mat3 [9]float32

// Identity returns the identity matrix.
func Identity() Mat4 {
	return Mat4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Mul returns a*b with a applied first.
func (a Mat4) Mul(b Mat4) Mat4 {
	var r Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j] + a[i][3]*b[3][j]
		}
	}
	return r
}

// Translate applies a translation.
func (a Mat4) Translate(x, y, z float32) Mat4 {
	for j := 0; j < 4; j++ {
		a[3][j] += a[0][j]*x + a[1][j]*y + a[2][j]*z
	}
	return a
}

// Rotate applies a rotation of angle degrees around (x, y, z).
func (a Mat4) Rotate(angle, x, y, z float32) Mat4 {
	mag := float32(math.Sqrt(float64(x*x + y*y + z*z)))
	if mag == 0 {
		return a
	}
	x, y, z = x/mag, y/mag, z/mag

	rad := float64(angle) * math.Pi / 180
	sin, cos := float32(math.Sin(rad)), float32(math.Cos(rad))
	oneMinusCos := 1 - cos

	xx, yy, zz := x*x, y*y, z*z
	xy, yz, zx := x*y, y*z, z*x
	xs, ys, zs := x*sin, y*sin, z*sin

	rot := Mat4{
		{oneMinusCos*xx + cos, oneMinusCos*xy - zs, oneMinusCos*zx + ys, 0},
		{oneMinusCos*xy + zs, oneMinusCos*yy + cos, oneMinusCos*yz - xs, 0},
		{oneMinusCos*zx - ys, oneMinusCos*yz + xs, oneMinusCos*zz + cos, 0},
		{0, 0, 0, 1},
	}
	return rot.Mul(a)
}

// Frustum applies a perspective projection onto the given clip planes.
func (a Mat4) Frustum(left, right, bottom, top, near, far float32) Mat4 {
	dx, dy, dz := right-left, top-bottom, far-near
	if near <= 0 || far <= 0 || dx <= 0 || dy <= 0 || dz <= 0 {
		return a
	}
	f := Mat4{
		{2 * near / dx, 0, 0, 0},
		{0, 2 * near / dy, 0, 0},
		{(right + left) / dx, (top + bottom) / dy, -(near + far) / dz, -1},
		{0, 0, -2 * near * far / dz, 0},
	}
	return f.Mul(a)
}

// Perspective applies a symmetric projection with a vertical field of view
// in degrees.
func (a Mat4) Perspective(fovy, aspect, near, far float32) Mat4 {
	h := float32(math.Tan(float64(fovy)/360*math.Pi)) * near
	w := h * aspect
	return a.Frustum(-w, w, -h, h, near, far)
}

// Normal returns the rotation part used to transform normals.
func (a Mat4) Normal() Mat3 {
	return Mat3{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	}
}

// Transforms are the matrices of one cube frame.
type Transforms struct {
	ModelView           Mat4
	ModelViewProjection Mat4
	Normal              Mat3
}

// FrameTransforms places the cube distance units away, spinning with the
// frame counter, seen through a fov-degree lens on an aspect-ratio screen.
func FrameTransforms(frame uint32, distance, fov, aspect float32) Transforms {
	i := float32(frame)
	mv := Identity().
		Translate(0, 0, -distance).
		Rotate(45+0.25*i, 1, 0, 0).
		Rotate(45-0.5*i, 0, 1, 0).
		Rotate(10+0.15*i, 0, 0, 1)
	proj := Identity().Perspective(fov, aspect, 1, 10)
	return Transforms{
		ModelView:           mv,
		ModelViewProjection: mv.Mul(proj),
		Normal:              mv.Normal(),
	}
}
