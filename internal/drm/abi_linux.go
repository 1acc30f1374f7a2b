//go:build linux

package drm

import (
	"unsafe"

	"github.com/e7canasta/orion-capture-display/internal/ioctl"
)

// Kernel structs from drm.h, drm_mode.h and omap_drm.h. Pointers travel as
// u64, so the layouts are the same on 32- and 64-bit, except drmVersion.

type drmModeInfo struct {
	clock                                         uint32
	hdisplay, hsyncStart, hsyncEnd, htotal, hskew uint16
	vdisplay, vsyncStart, vsyncEnd, vtotal, vscan uint16
	vrefresh                                      uint32
	flags                                         uint32
	typ                                           uint32
	name                                          [32]byte
}

type drmModeCardRes struct {
	fbIDPtr, crtcIDPtr, connectorIDPtr, encoderIDPtr     uint64
	countFBs, countCRTCs, countConnectors, countEncoders uint32
	minWidth, maxWidth, minHeight, maxHeight             uint32
}

type drmModeGetConnector struct {
	encodersPtr, modesPtr, propsPtr, propValuesPtr uint64
	countModes, countProps, countEncoders          uint32
	encoderID, connectorID                         uint32
	connectorType, connectorTypeID, connection     uint32
	mmWidth, mmHeight, subpixel, pad               uint32
}

type drmModeGetEncoder struct {
	encoderID, encoderType, crtcID, possibleCRTCs, possibleClones uint32
}

type drmModeCRTC struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID, fbID     uint32
	x, y             uint32
	gammaSize        uint32
	modeValid        uint32
	mode             drmModeInfo
}

type drmModeCRTCPageFlip struct {
	crtcID, fbID, flags, reserved uint32
	userData                      uint64
}

type drmModeGetPlaneRes struct {
	planeIDPtr  uint64
	countPlanes uint32
	_           uint32
}

type drmModeGetPlane struct {
	planeID, crtcID, fbID, possibleCRTCs, gammaSize uint32
	countFormatTypes                                uint32
	formatTypePtr                                   uint64
}

type drmModeSetPlane struct {
	planeID, crtcID, fbID, flags uint32
	crtcX, crtcY                 int32
	crtcW, crtcH                 uint32
	srcX, srcY, srcH, srcW       uint32
}

type drmModeFBCmd2 struct {
	fbID, width, height, pixelFormat, flags uint32
	handles, pitches, offsets               [4]uint32
	modifier                                [4]uint64
}

type drmModeObjGetProperties struct {
	propsPtr, propValuesPtr uint64
	countProps              uint32
	objID, objType          uint32
	_                       uint32
}

type drmModeGetProperty struct {
	valuesPtr, enumBlobPtr      uint64
	propID, flags               uint32
	name                        [32]byte
	countValues, countEnumBlobs uint32
}

type drmModeObjSetProperty struct {
	value                  uint64
	propID, objID, objType uint32
	_                      uint32
}

type drmModeCreateDumb struct {
	height, width, bpp, flags, handle, pitch uint32
	size                                     uint64
}

type drmModeMapDumb struct {
	handle uint32
	_      uint32
	offset uint64
}

type drmModeDestroyDumb struct {
	handle uint32
}

type drmPrimeHandle struct {
	handle, flags uint32
	fd            int32
}

type drmGemClose struct {
	handle uint32
	_      uint32
}

type drmVersion struct {
	major, minor, patch int32
	nameLen             uintptr
	name                uintptr
	dateLen             uintptr
	date                uintptr
	descLen             uintptr
	desc                uintptr
}

type drmOmapGemNew struct {
	// size is either a byte count or, for tiled buffers, width | height<<16.
	size   uint32
	flags  uint32
	handle uint32
	_      uint32
}

var (
	_ [0]struct{} = [unsafe.Sizeof(drmModeInfo{}) - 68]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCardRes{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetConnector{}) - 80]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetEncoder{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCRTC{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCRTCPageFlip{}) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetPlaneRes{}) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetPlane{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeSetPlane{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeFBCmd2{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeObjGetProperties{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetProperty{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeObjSetProperty{}) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCreateDumb{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeMapDumb{}) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmPrimeHandle{}) - 12]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmOmapGemNew{}) - 16]struct{}{}
)

const (
	drmType         = 'd'
	drmCommandBase  = 0x40
	drmOmapGemNewNr = 0x03
)

var (
	ioctlVersion          = ioctl.IOWR(drmType, 0x00, unsafe.Sizeof(drmVersion{}))
	ioctlGemClose         = ioctl.IOW(drmType, 0x09, unsafe.Sizeof(drmGemClose{}))
	ioctlDropMaster       = ioctl.IO(drmType, 0x1f)
	ioctlPrimeHandleToFD  = ioctl.IOWR(drmType, 0x2d, unsafe.Sizeof(drmPrimeHandle{}))
	ioctlModeGetResources = ioctl.IOWR(drmType, 0xa0, unsafe.Sizeof(drmModeCardRes{}))
	ioctlModeSetCRTC      = ioctl.IOWR(drmType, 0xa2, unsafe.Sizeof(drmModeCRTC{}))
	ioctlModeGetEncoder   = ioctl.IOWR(drmType, 0xa6, unsafe.Sizeof(drmModeGetEncoder{}))
	ioctlModeGetConnector = ioctl.IOWR(drmType, 0xa7, unsafe.Sizeof(drmModeGetConnector{}))
	ioctlModeGetProperty  = ioctl.IOWR(drmType, 0xaa, unsafe.Sizeof(drmModeGetProperty{}))
	ioctlModeRmFB         = ioctl.IOWR(drmType, 0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip     = ioctl.IOWR(drmType, 0xb0, unsafe.Sizeof(drmModeCRTCPageFlip{}))
	ioctlModeCreateDumb   = ioctl.IOWR(drmType, 0xb2, unsafe.Sizeof(drmModeCreateDumb{}))
	ioctlModeMapDumb      = ioctl.IOWR(drmType, 0xb3, unsafe.Sizeof(drmModeMapDumb{}))
	ioctlModeDestroyDumb  = ioctl.IOWR(drmType, 0xb4, unsafe.Sizeof(drmModeDestroyDumb{}))
	ioctlModeGetPlaneRes  = ioctl.IOWR(drmType, 0xb5, unsafe.Sizeof(drmModeGetPlaneRes{}))
	ioctlModeGetPlane     = ioctl.IOWR(drmType, 0xb6, unsafe.Sizeof(drmModeGetPlane{}))
	ioctlModeSetPlane     = ioctl.IOWR(drmType, 0xb7, unsafe.Sizeof(drmModeSetPlane{}))
	ioctlModeAddFB2       = ioctl.IOWR(drmType, 0xb8, unsafe.Sizeof(drmModeFBCmd2{}))
	ioctlModeObjGetProps  = ioctl.IOWR(drmType, 0xb9, unsafe.Sizeof(drmModeObjGetProperties{}))
	ioctlModeObjSetProp   = ioctl.IOWR(drmType, 0xba, unsafe.Sizeof(drmModeObjSetProperty{}))
	ioctlOmapGemNew       = ioctl.IOWR(drmType, drmCommandBase+drmOmapGemNewNr, unsafe.Sizeof(drmOmapGemNew{}))
)

func (m *drmModeInfo) decode() ModeInfo {
	return ModeInfo{
		Clock:      m.clock,
		HDisplay:   m.hdisplay,
		HSyncStart: m.hsyncStart,
		HSyncEnd:   m.hsyncEnd,
		HTotal:     m.htotal,
		HSkew:      m.hskew,
		VDisplay:   m.vdisplay,
		VSyncStart: m.vsyncStart,
		VSyncEnd:   m.vsyncEnd,
		VTotal:     m.vtotal,
		VScan:      m.vscan,
		VRefresh:   m.vrefresh,
		Flags:      m.flags,
		Type:       m.typ,
		Name:       cString(m.name[:]),
	}
}

func encodeMode(mi *ModeInfo) drmModeInfo {
	m := drmModeInfo{
		clock:      mi.Clock,
		hdisplay:   mi.HDisplay,
		hsyncStart: mi.HSyncStart,
		hsyncEnd:   mi.HSyncEnd,
		htotal:     mi.HTotal,
		hskew:      mi.HSkew,
		vdisplay:   mi.VDisplay,
		vsyncStart: mi.VSyncStart,
		vsyncEnd:   mi.VSyncEnd,
		vtotal:     mi.VTotal,
		vscan:      mi.VScan,
		vrefresh:   mi.VRefresh,
		flags:      mi.Flags,
		typ:        mi.Type,
	}
	copy(m.name[:len(m.name)-1], mi.Name)
	return m
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
