// Package drm is the kernel mode-setting and GEM boundary used by the display
// backends.
//
// KMS covers resource enumeration, framebuffers, mode-set, page-flip, planes
// and properties. GEM covers buffer object allocation and dma-buf export. Card
// implements both over a /dev/dri node; drmtest provides an in-memory fake.
package drm

import (
	"errors"
	"time"
)

// Object types used with property lookups.
const (
	ObjectCRTC      uint32 = 0xcccccccc
	ObjectConnector uint32 = 0xc0c0c0c0
	ObjectPlane     uint32 = 0xeeeeeeee
)

// Connection states reported for a connector.
const (
	Connected         uint32 = 1
	Disconnected      uint32 = 2
	UnknownConnection uint32 = 3
)

// FlipFlagEvent asks the kernel for a completion event on the card fd.
const FlipFlagEvent uint32 = 0x01

const (
	eventVBlank       = 0x01
	eventFlipComplete = 0x02
)

// DefaultFlipTimeout bounds how long a presenter waits for a flip event.
const DefaultFlipTimeout = 3 * time.Second

var (
	ErrFlipTimeout = errors.New("drm: timed out waiting for page flip")
	ErrNoConnector = errors.New("drm: connector not found")
	ErrNoMode      = errors.New("drm: mode not found")
	ErrNoEncoder   = errors.New("drm: no usable encoder")
	ErrNoCRTC      = errors.New("drm: no usable crtc")
	ErrNoProperty  = errors.New("drm: property not found")
	ErrShortEvent  = errors.New("drm: truncated event")
	ErrNotMappable = errors.New("drm: allocation cannot be mapped")
)

// ModeInfo is one display timing.
type ModeInfo struct {
	Clock                                         uint32
	HDisplay, HSyncStart, HSyncEnd, HTotal, HSkew uint16
	VDisplay, VSyncStart, VSyncEnd, VTotal, VScan uint16
	VRefresh                                      uint32
	Flags                                         uint32
	Type                                          uint32
	Name                                          string
}

// Resources lists the mode-setting objects of a card.
type Resources struct {
	FBs        []uint32
	CRTCs      []uint32
	Connectors []uint32
	Encoders   []uint32

	MinWidth, MaxWidth   uint32
	MinHeight, MaxHeight uint32
}

// CRTCIndex returns the pipe index of crtc, or -1.
func (r *Resources) CRTCIndex(crtc uint32) int {
	for i, id := range r.CRTCs {
		if id == crtc {
			return i
		}
	}
	return -1
}

// Connector is a physical output.
type Connector struct {
	ID         uint32
	EncoderID  uint32
	Type       uint32
	TypeID     uint32
	Connection uint32
	Encoders   []uint32
	Modes      []ModeInfo
}

// Encoder feeds a connector from a crtc.
type Encoder struct {
	ID             uint32
	Type           uint32
	CRTCID         uint32
	PossibleCRTCs  uint32
	PossibleClones uint32
}

// Plane is a hardware composition layer.
type Plane struct {
	ID            uint32
	CRTCID        uint32
	FBID          uint32
	PossibleCRTCs uint32
	Formats       []uint32
}

// Framebuffer describes a framebuffer to register with AddFB2.
type Framebuffer struct {
	Width, Height uint32
	Format        uint32
	Handles       [4]uint32
	Pitches       [4]uint32
	Offsets       [4]uint32
}

// PlaneUpdate is a SetPlane request. Src values are 16.16 fixed point.
type PlaneUpdate struct {
	Plane, CRTC, FB        uint32
	CrtcX, CrtcY           int32
	CrtcW, CrtcH           uint32
	SrcX, SrcY, SrcW, SrcH uint32
}

// Event is a decoded vblank or flip-complete event.
type Event struct {
	Type     uint32
	UserData uint64
	Time     time.Time
	Sequence uint32
	CRTC     uint32
}

// FlipComplete reports whether e completes a page flip.
func (e Event) FlipComplete() bool { return e.Type == eventFlipComplete }

// KMS is the mode-setting half of a card.
type KMS interface {
	Resources() (*Resources, error)
	PlaneResources() ([]uint32, error)
	Connector(id uint32) (*Connector, error)
	Encoder(id uint32) (*Encoder, error)
	Plane(id uint32) (*Plane, error)
	PropertyID(objID, objType uint32, name string) (uint32, error)
	SetProperty(objID, objType, propID uint32, value uint64) error
	AddFB2(fb Framebuffer) (uint32, error)
	RemoveFB(id uint32) error
	SetCrtc(crtc, fb, x, y uint32, connectors []uint32, mode *ModeInfo) error
	PageFlip(crtc, fb, flags uint32, userData uint64) error
	SetPlane(u PlaneUpdate) error
	DropMaster() error
	// WaitEvents blocks until events are readable or timeout elapses. It
	// returns no events and no error on timeout.
	WaitEvents(timeout time.Duration) ([]Event, error)
}

// GEM is the buffer-object half of a card.
type GEM interface {
	DriverName() (string, error)
	CreateDumb(width, height, bpp uint32) (handle, pitch uint32, size uint64, err error)
	DestroyDumb(handle uint32) error
	MapDumb(handle uint32, size uint64) ([]byte, error)
	OmapGemNew(size uint32, width, height uint16, flags uint32) (uint32, error)
	GemClose(handle uint32) error
	PrimeHandleToFD(handle uint32) (int, error)
	MapPrime(fd int, size uint64) ([]byte, error)
	Unmap(b []byte) error
	CloseFD(fd int) error
}

// Device is an open card.
type Device interface {
	KMS
	GEM
	FD() int
	Close() error
}
