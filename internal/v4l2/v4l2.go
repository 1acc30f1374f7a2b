// Package v4l2 drives V4L2 capture and memory-to-memory devices with
// externally allocated (dma-buf) buffers.
//
// Device is the kernel boundary: one method per ioctl the pipeline needs.
// Queue layers the per-index buffer state machine on top of a Device and a
// single buffer type.
package v4l2

import (
	"errors"

	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// BufType is a V4L2 buffer type (stream direction).
type BufType uint32

const (
	BufTypeVideoCapture       BufType = 1
	BufTypeVideoOutput        BufType = 2
	BufTypeVideoCaptureMPlane BufType = 9
	BufTypeVideoOutputMPlane  BufType = 10
)

// MultiPlanar reports whether the type uses the multi-planar API.
func (t BufType) MultiPlanar() bool {
	return t == BufTypeVideoCaptureMPlane || t == BufTypeVideoOutputMPlane
}

func (t BufType) String() string {
	switch t {
	case BufTypeVideoCapture:
		return "capture"
	case BufTypeVideoOutput:
		return "output"
	case BufTypeVideoCaptureMPlane:
		return "capture-mplane"
	case BufTypeVideoOutputMPlane:
		return "output-mplane"
	default:
		return "unknown"
	}
}

// Field is the V4L2 field order of a frame.
type Field uint32

const (
	FieldAny          Field = 0
	FieldNone         Field = 1
	FieldTop          Field = 2
	FieldBottom       Field = 3
	FieldInterlaced   Field = 4
	FieldSeqTB        Field = 5
	FieldSeqBT        Field = 6
	FieldAlternate    Field = 7
	FieldInterlacedTB Field = 8
	FieldInterlacedBT Field = 9
)

func (f Field) String() string {
	switch f {
	case FieldAny:
		return "any"
	case FieldNone:
		return "none"
	case FieldTop:
		return "top"
	case FieldBottom:
		return "bottom"
	case FieldAlternate:
		return "alternate"
	default:
		return "interlaced"
	}
}

const memoryDMABuf = 4

// Format is the negotiable part of a V4L2 format, shared by the single- and
// multi-planar APIs.
type Format struct {
	Type         BufType
	Width        uint32
	Height       uint32
	PixelFormat  fourcc.Code
	Field        Field
	NumPlanes    int
	BytesPerLine [8]uint32
	SizeImage    [8]uint32
}

// Device is one open V4L2 node.
type Device interface {
	SetFormat(f *Format) error
	GetFormat(f *Format) error
	RequestBuffers(t BufType, count uint32) (uint32, error)
	QueueBuffer(t BufType, index uint32, fds []int, field Field) error
	DequeueBuffer(t BufType) (uint32, Field, error)
	StreamOn(t BufType) error
	StreamOff(t BufType) error
	SetControl(id uint32, value int32) error
	Close() error
}

// Control id bases from linux/v4l2-controls.h.
const (
	controlClassUser = 0x00980000
	controlUserBase  = controlClassUser | 0x900 // V4L2_CID_USER_BASE
	controlTIVPEBase = controlUserBase + 0x1000 // V4L2_CID_USER_TI_VPE_BASE
)

// ControlTransNumBufs is V4L2_CID_VPE_BUFS_PER_JOB of the TI VPE driver
// (drivers/media/platform/ti/vpe/vpe.c), the number of buffers processed per
// transaction.
const ControlTransNumBufs = controlTIVPEBase + 0

var (
	ErrNotConfigured = errors.New("queue not configured")
	ErrAlreadyQueued = errors.New("buffer already queued to driver")
	ErrBadIndex      = errors.New("buffer index out of range")
	ErrUnexpectedDQ  = errors.New("driver returned a buffer that was not queued")
)
