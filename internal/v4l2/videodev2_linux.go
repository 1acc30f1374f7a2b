//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-capture-display/internal/ioctl"
)

// Kernel structs from <linux/videodev2.h>. C long and pointer members are
// uintptr/Timeval so the layout follows the native word size.

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

type v4l2PixFormatMPlane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [8]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

// The format union holds a struct with pointers (v4l2_window), so it is
// pointer aligned.
type v4l2Format struct {
	typ uint32
	fmt [200 / unsafe.Sizeof(uintptr(0))]uintptr
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt[0]))
}

func (f *v4l2Format) pixMP() *v4l2PixFormatMPlane {
	return (*v4l2PixFormatMPlane)(unsafe.Pointer(&f.fmt[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr // offset, userptr, planes or fd
	length    uint32
	reserved2 uint32
	requestFD int32
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uintptr // mem_offset, userptr or fd
	dataOffset uint32
	reserved   [11]uint32
}

type v4l2Control struct {
	id    uint32
	value int32
}

const maxPlanes = 8

var (
	vidiocGFmt      = ioctl.IOWR('V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = ioctl.IOWR('V', 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = ioctl.IOWR('V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQBuf      = ioctl.IOWR('V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = ioctl.IOWR('V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = ioctl.IOW('V', 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioctl.IOW('V', 19, unsafe.Sizeof(int32(0)))
	vidiocSCtrl     = ioctl.IOWR('V', 28, unsafe.Sizeof(v4l2Control{}))
)
