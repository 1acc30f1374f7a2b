package display

// Geometry is an overlay placement: a destination rectangle on the crtc and
// a source rectangle in 16.16 fixed point.
type Geometry struct {
	CrtcX, CrtcY           int32
	CrtcW, CrtcH           uint32
	SrcX, SrcY, SrcW, SrcH uint32
}

// OverlayGeometry places region of a width×height buffer on a mode of
// modeW×modeH. A scaled overlay fills the mode and crops the source to
// region. A no-scale overlay is drawn at native size at region's origin.
func OverlayGeometry(width, height uint32, noScale bool, region Rect, modeW, modeH uint32) Geometry {
	if noScale {
		return Geometry{
			CrtcX: int32(region.X),
			CrtcY: int32(region.Y),
			CrtcW: width,
			CrtcH: height,
			SrcW:  region.W << 16,
			SrcH:  region.H << 16,
		}
	}
	return Geometry{
		CrtcW: modeW,
		CrtcH: modeH,
		SrcX:  region.X << 16,
		SrcY:  region.Y << 16,
		SrcW:  region.W << 16,
		SrcH:  region.H << 16,
	}
}
