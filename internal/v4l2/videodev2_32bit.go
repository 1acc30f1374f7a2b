//go:build linux && (arm || 386)

package v4l2

import "unsafe"

// Compile-time checks against the 32-bit kernel ABI.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormatMPlane{}) - 192]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 204]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 68]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Plane{}) - 60]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Control{}) - 8]struct{}{}
)
