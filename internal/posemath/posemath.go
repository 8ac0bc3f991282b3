// Package posemath converts C-arm positioner angles and table offsets into camera
// pose, extrinsic and intrinsic matrices.
//
// Conventions:
//   - angles are degrees, distances are mm;
//   - a Pose is a 4x4 homogeneous transform placing the camera in the anatomical frame;
//   - Extrinsics is the (R, t) pair the pose is derived from;
//   - Intrinsics is a 3x3 K with the principal point at the image centre.
//
// Everything here is pure and deterministic.
package posemath

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

// Pose is a 4x4 homogeneous camera transform.
type Pose = mgl64.Mat4

// Intrinsics is a 3x3 camera matrix K.
type Intrinsics = mgl64.Mat3

// Extrinsics is a rotation and translation describing camera placement.
type Extrinsics struct {
	R mgl64.Mat3
	T mgl64.Vec3
}

var (
	// anatomicalToCamera maps x->x, y->-z, z->y.
	anatomicalToCamera = mgl64.Mat3FromRows(
		mgl64.Vec3{1, 0, 0},
		mgl64.Vec3{0, 0, -1},
		mgl64.Vec3{0, 1, 0},
	)

	// flipYZ is the fixed reflection between the extrinsic and pose frames.
	flipYZ = mgl64.Diag3(mgl64.Vec3{1, -1, -1})
)

// AnglesToExtrinsics builds R and t for a positioner orientation.
// The secondary rotation is applied after the primary one in the local frame.
func AnglesToExtrinsics(primaryDeg, secondaryDeg, sid float64, tableOffset *mgl64.Vec3) Extrinsics {
	r1 := mgl64.Rotate3DZ(mgl64.DegToRad(primaryDeg))
	r2 := mgl64.Rotate3DX(mgl64.DegToRad(secondaryDeg))

	t := mgl64.Vec3{0, 0.5 * sid, 0}
	if tableOffset != nil {
		t = t.Add(*tableOffset)
	}

	return Extrinsics{
		R: anatomicalToCamera.Mul3(r1).Mul3(r2),
		T: anatomicalToCamera.Mul3x1(t),
	}
}

// AnglesToPose is AnglesToExtrinsics followed by ExtrinsicsToPose.
func AnglesToPose(primaryDeg, secondaryDeg, sid float64, tableOffset *mgl64.Vec3) Pose {
	e := AnglesToExtrinsics(primaryDeg, secondaryDeg, sid, tableOffset)
	return ExtrinsicsToPose(e.R, e.T)
}

// ExtrinsicsToPose converts (R, t) into a camera pose.
func ExtrinsicsToPose(r mgl64.Mat3, t mgl64.Vec3) Pose {
	rc := flipYZ.Mul3(r)
	tc := rc.Inv().Mul3(flipYZ.Mul(-1)).Mul3x1(t)

	rct := rc.Transpose()
	pose := mgl64.Ident4()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			pose.Set(row, col, rct.At(row, col))
		}
		pose.Set(row, 3, tc[row])
	}
	return pose
}

// PoseToExtrinsics is the inverse of ExtrinsicsToPose.
func PoseToExtrinsics(p Pose) Extrinsics {
	rcamT := p.Mat3().Transpose()
	tcam := p.Col(3).Vec3()

	return Extrinsics{
		R: flipYZ.Inv().Mul3(rcamT),
		T: rcamT.Inv().Mul3(flipYZ.Mul(-1)).Inv().Mul3x1(tcam),
	}
}

// ErrUnderdetermined is returned when no field of view or focal length is supplied.
var ErrUnderdetermined = errors.New("posemath: need at least one of xfov, yfov, fx or fy")

// FovOrFocal carries the optional inputs of IntrinsicsFromFovOrFocal.
// Fields of view are radians, focal lengths pixels.
type FovOrFocal struct {
	XFov *float64
	YFov *float64
	Fx   *float64
	Fy   *float64
}

// IntrinsicsFromFovOrFocal builds K for an image of imageSize (width, height).
func IntrinsicsFromFovOrFocal(imageSize [2]int, p FovOrFocal) (Intrinsics, error) {
	if imageSize[0] <= 0 || imageSize[1] <= 0 {
		return Intrinsics{}, errors.New("posemath: image size must be positive")
	}
	if p.XFov == nil && p.YFov == nil && p.Fx == nil && p.Fy == nil {
		return Intrinsics{}, ErrUnderdetermined
	}

	w, h := float64(imageSize[0]), float64(imageSize[1])

	var fx, fy *float64
	switch {
	case p.Fx != nil:
		fx = p.Fx
	case p.XFov != nil:
		v := 0.5 * w / math.Tan(0.5 * *p.XFov)
		fx = &v
	}
	switch {
	case p.Fy != nil:
		fy = p.Fy
	case p.YFov != nil:
		v := 0.5 * h / math.Tan(0.5 * *p.YFov)
		fy = &v
	}
	if fx == nil {
		fx = fy
	}
	if fy == nil {
		fy = fx
	}

	return mgl64.Mat3FromRows(
		mgl64.Vec3{*fx, 0, w / 2},
		mgl64.Vec3{0, *fy, h / 2},
		mgl64.Vec3{0, 0, 1},
	), nil
}

// Params is the read-off of an intrinsic matrix.
type Params struct {
	ImageSize [2]int  `json:"imageSize"`
	Cx        float64 `json:"cx"`
	Cy        float64 `json:"cy"`
	Fx        float64 `json:"fx"`
	Fy        float64 `json:"fy"`
	XFov      float64 `json:"xfov"`
	YFov      float64 `json:"yfov"`
}

// IntrinsicsToParams reads image size, principal point, focal lengths and fields of view from K.
func IntrinsicsToParams(k Intrinsics) Params {
	cx, cy := k.At(0, 2), k.At(1, 2)
	fx, fy := k.At(0, 0), k.At(1, 1)
	return Params{
		ImageSize: [2]int{int(math.Round(cx * 2)), int(math.Round(cy * 2))},
		Cx:        cx,
		Cy:        cy,
		Fx:        fx,
		Fy:        fy,
		XFov:      2 * math.Atan(cx/fx),
		YFov:      2 * math.Atan(cy/fy),
	}
}

// CameraIntrinsics derives K from a C-arm camera record: f = SID / pixel size.
func CameraIntrinsics(cam model.CameraConfig) (Intrinsics, error) {
	fx := cam.SID / cam.PixelSize[0]
	fy := cam.SID / cam.PixelSize[1]
	return IntrinsicsFromFovOrFocal(cam.ImageSize, FovOrFocal{Fx: &fx, Fy: &fy})
}

// TableOffset converts an optional request offset into the vector form used here.
func TableOffset(v *[3]float64) *mgl64.Vec3 {
	if v == nil {
		return nil
	}
	out := mgl64.Vec3(*v)
	return &out
}

// Rows4 returns m in row-major order.
func Rows4(m mgl64.Mat4) [4][4]float64 {
	var out [4][4]float64
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out[row][col] = m.At(row, col)
		}
	}
	return out
}

// Rows3 returns m in row-major order.
func Rows3(m mgl64.Mat3) [3][3]float64 {
	var out [3][3]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			out[row][col] = m.At(row, col)
		}
	}
	return out
}
