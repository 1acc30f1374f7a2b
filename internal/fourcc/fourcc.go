// Package fourcc names the pixel formats that travel through the pipeline.
//
// The same four-character code is understood by V4L2 devices and by the DRM
// framebuffer API, so a Code is passed unchanged from capture configuration to
// scanout.
package fourcc

import (
	"fmt"
	"strings"
)

// Code is a little-endian four-character pixel format code.
type Code uint32

// New builds a Code from its four characters.
func New(a, b, c, d byte) Code {
	return Code(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	AR24 = New('A', 'R', '2', '4') // 32bpp ARGB
	XR24 = New('X', 'R', '2', '4') // 32bpp XRGB, GPU scanout
	RG24 = New('R', 'G', '2', '4') // 24bpp packed RGB
	YUYV = New('Y', 'U', 'Y', 'V')
	UYVY = New('U', 'Y', 'V', 'Y')
	NV12 = New('N', 'V', '1', '2')
	I420 = New('Y', 'U', '1', '2')

	// V4L2 spellings folded into the codes above by Normalize.
	RGB3 = New('R', 'G', 'B', '3')
	BGR3 = New('B', 'G', 'R', '3')
	RGB4 = New('R', 'G', 'B', '4')
	BGR4 = New('B', 'G', 'R', '4')
)

// String returns the four characters of the code.
func (c Code) String() string {
	if c == 0 {
		return "none"
	}
	b := []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
	return string(b)
}

// Normalize maps V4L2 RGB spellings to the display codes used for allocation.
func Normalize(c Code) Code {
	switch c {
	case RGB3, BGR3:
		return RG24
	case RGB4, BGR4:
		return AR24
	}
	return c
}

// BitsPerPixel returns the storage size of one pixel of the first plane.
// Planar YUV formats report their luma plane.
func BitsPerPixel(c Code) (uint32, error) {
	switch Normalize(c) {
	case AR24, XR24:
		return 32, nil
	case RG24:
		return 24, nil
	case YUYV, UYVY:
		return 16, nil
	case NV12, I420:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported pixel format %s (0x%08x)", c, uint32(c))
}

// IsPlanar reports whether luma and chroma live in separate planes.
func IsPlanar(c Code) bool {
	switch Normalize(c) {
	case NV12, I420:
		return true
	}
	return false
}

var names = map[string]Code{
	"nv12":   NV12,
	"yuyv":   YUYV,
	"yuv422": YUYV,
	"uyvy":   UYVY,
	"rgb24":  RGB3,
	"bgr24":  BGR3,
	"rgb32":  RGB4,
	"bgr32":  BGR4,
	"argb32": AR24,
	"i420":   I420,
	"yuv420": I420,
}

// Parse accepts either a format name ("nv12", "yuyv", "rgb24" ...) or a raw
// four-character code ("NV12", "AR24").
func Parse(s string) (Code, error) {
	if c, ok := names[strings.ToLower(s)]; ok {
		return c, nil
	}
	if len(s) == 4 {
		c := New(s[0], s[1], s[2], s[3])
		if _, err := BitsPerPixel(c); err == nil {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}
