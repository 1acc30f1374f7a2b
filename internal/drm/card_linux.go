//go:build linux

package drm

import (
	"runtime"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-capture-display/internal/ioctl"
)

// Card is an open /dev/dri/cardN node.
type Card struct {
	fd   int
	path string
}

var _ Device = (*Card)(nil)

// Open opens the card node at path.
func Open(path string) (*Card, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &Card{fd: fd, path: path}, nil
}

func (c *Card) FD() int { return c.fd }

func (c *Card) do(req uintptr, arg unsafe.Pointer, name string) error {
	if err := ioctl.Do(c.fd, req, arg); err != nil {
		return errors.Wrapf(err, "%s %s", name, c.path)
	}
	return nil
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

func (c *Card) DriverName() (string, error) {
	name := make([]byte, 64)
	v := drmVersion{
		nameLen: uintptr(len(name)),
		name:    uintptr(unsafe.Pointer(&name[0])),
	}
	err := c.do(ioctlVersion, unsafe.Pointer(&v), "DRM_IOCTL_VERSION")
	runtime.KeepAlive(name)
	if err != nil {
		return "", err
	}
	n := int(v.nameLen)
	if n > len(name) {
		n = len(name)
	}
	return cString(name[:n]), nil
}

// Resources uses the usual two-pass query: counts first, then arrays.
func (c *Card) Resources() (*Resources, error) {
	var r drmModeCardRes
	if err := c.do(ioctlModeGetResources, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETRESOURCES"); err != nil {
		return nil, err
	}

	res := &Resources{
		FBs:        make([]uint32, r.countFBs),
		CRTCs:      make([]uint32, r.countCRTCs),
		Connectors: make([]uint32, r.countConnectors),
		Encoders:   make([]uint32, r.countEncoders),
	}
	r.fbIDPtr = ptr(res.FBs)
	r.crtcIDPtr = ptr(res.CRTCs)
	r.connectorIDPtr = ptr(res.Connectors)
	r.encoderIDPtr = ptr(res.Encoders)
	err := c.do(ioctlModeGetResources, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETRESOURCES")
	runtime.KeepAlive(res)
	if err != nil {
		return nil, err
	}

	res.FBs = res.FBs[:min(len(res.FBs), int(r.countFBs))]
	res.CRTCs = res.CRTCs[:min(len(res.CRTCs), int(r.countCRTCs))]
	res.Connectors = res.Connectors[:min(len(res.Connectors), int(r.countConnectors))]
	res.Encoders = res.Encoders[:min(len(res.Encoders), int(r.countEncoders))]
	res.MinWidth, res.MaxWidth = r.minWidth, r.maxWidth
	res.MinHeight, res.MaxHeight = r.minHeight, r.maxHeight
	return res, nil
}

func (c *Card) PlaneResources() ([]uint32, error) {
	var r drmModeGetPlaneRes
	if err := c.do(ioctlModeGetPlaneRes, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETPLANERESOURCES"); err != nil {
		return nil, err
	}
	ids := make([]uint32, r.countPlanes)
	r.planeIDPtr = ptr(ids)
	err := c.do(ioctlModeGetPlaneRes, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETPLANERESOURCES")
	runtime.KeepAlive(ids)
	if err != nil {
		return nil, err
	}
	return ids[:min(len(ids), int(r.countPlanes))], nil
}

func (c *Card) Connector(id uint32) (*Connector, error) {
	r := drmModeGetConnector{connectorID: id}
	if err := c.do(ioctlModeGetConnector, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETCONNECTOR"); err != nil {
		return nil, err
	}

	modes := make([]drmModeInfo, r.countModes)
	encoders := make([]uint32, r.countEncoders)
	props := make([]uint32, r.countProps)
	values := make([]uint64, r.countProps)
	r.modesPtr = ptr(modes)
	r.encodersPtr = ptr(encoders)
	r.propsPtr = ptr(props)
	r.propValuesPtr = ptr(values)
	err := c.do(ioctlModeGetConnector, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETCONNECTOR")
	runtime.KeepAlive(modes)
	runtime.KeepAlive(encoders)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return nil, err
	}

	conn := &Connector{
		ID:         r.connectorID,
		EncoderID:  r.encoderID,
		Type:       r.connectorType,
		TypeID:     r.connectorTypeID,
		Connection: r.connection,
		Encoders:   encoders[:min(len(encoders), int(r.countEncoders))],
	}
	for i := 0; i < min(len(modes), int(r.countModes)); i++ {
		conn.Modes = append(conn.Modes, modes[i].decode())
	}
	return conn, nil
}

func (c *Card) Encoder(id uint32) (*Encoder, error) {
	r := drmModeGetEncoder{encoderID: id}
	if err := c.do(ioctlModeGetEncoder, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETENCODER"); err != nil {
		return nil, err
	}
	return &Encoder{
		ID:             r.encoderID,
		Type:           r.encoderType,
		CRTCID:         r.crtcID,
		PossibleCRTCs:  r.possibleCRTCs,
		PossibleClones: r.possibleClones,
	}, nil
}

func (c *Card) Plane(id uint32) (*Plane, error) {
	r := drmModeGetPlane{planeID: id}
	if err := c.do(ioctlModeGetPlane, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETPLANE"); err != nil {
		return nil, err
	}
	formats := make([]uint32, r.countFormatTypes)
	r.formatTypePtr = ptr(formats)
	err := c.do(ioctlModeGetPlane, unsafe.Pointer(&r), "DRM_IOCTL_MODE_GETPLANE")
	runtime.KeepAlive(formats)
	if err != nil {
		return nil, err
	}
	return &Plane{
		ID:            r.planeID,
		CRTCID:        r.crtcID,
		FBID:          r.fbID,
		PossibleCRTCs: r.possibleCRTCs,
		Formats:       formats[:min(len(formats), int(r.countFormatTypes))],
	}, nil
}

func (c *Card) PropertyID(objID, objType uint32, name string) (uint32, error) {
	r := drmModeObjGetProperties{objID: objID, objType: objType}
	if err := c.do(ioctlModeObjGetProps, unsafe.Pointer(&r), "DRM_IOCTL_MODE_OBJ_GETPROPERTIES"); err != nil {
		return 0, err
	}
	props := make([]uint32, r.countProps)
	values := make([]uint64, r.countProps)
	r.propsPtr = ptr(props)
	r.propValuesPtr = ptr(values)
	err := c.do(ioctlModeObjGetProps, unsafe.Pointer(&r), "DRM_IOCTL_MODE_OBJ_GETPROPERTIES")
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return 0, err
	}

	for _, id := range props[:min(len(props), int(r.countProps))] {
		p := drmModeGetProperty{propID: id}
		if err := c.do(ioctlModeGetProperty, unsafe.Pointer(&p), "DRM_IOCTL_MODE_GETPROPERTY"); err != nil {
			return 0, err
		}
		if cString(p.name[:]) == name {
			return id, nil
		}
	}
	return 0, errors.Wrapf(ErrNoProperty, "%q on object %d", name, objID)
}

func (c *Card) SetProperty(objID, objType, propID uint32, value uint64) error {
	r := drmModeObjSetProperty{value: value, propID: propID, objID: objID, objType: objType}
	return c.do(ioctlModeObjSetProp, unsafe.Pointer(&r), "DRM_IOCTL_MODE_OBJ_SETPROPERTY")
}

func (c *Card) AddFB2(fb Framebuffer) (uint32, error) {
	r := drmModeFBCmd2{
		width:       fb.Width,
		height:      fb.Height,
		pixelFormat: fb.Format,
		handles:     fb.Handles,
		pitches:     fb.Pitches,
		offsets:     fb.Offsets,
	}
	if err := c.do(ioctlModeAddFB2, unsafe.Pointer(&r), "DRM_IOCTL_MODE_ADDFB2"); err != nil {
		return 0, err
	}
	return r.fbID, nil
}

func (c *Card) RemoveFB(id uint32) error {
	return c.do(ioctlModeRmFB, unsafe.Pointer(&id), "DRM_IOCTL_MODE_RMFB")
}

func (c *Card) SetCrtc(crtc, fb, x, y uint32, connectors []uint32, mode *ModeInfo) error {
	r := drmModeCRTC{
		setConnectorsPtr: ptr(connectors),
		countConnectors:  uint32(len(connectors)),
		crtcID:           crtc,
		fbID:             fb,
		x:                x,
		y:                y,
	}
	if mode != nil {
		r.mode = encodeMode(mode)
		r.modeValid = 1
	}
	err := c.do(ioctlModeSetCRTC, unsafe.Pointer(&r), "DRM_IOCTL_MODE_SETCRTC")
	runtime.KeepAlive(connectors)
	return err
}

func (c *Card) PageFlip(crtc, fb, flags uint32, userData uint64) error {
	r := drmModeCRTCPageFlip{crtcID: crtc, fbID: fb, flags: flags, userData: userData}
	return c.do(ioctlModePageFlip, unsafe.Pointer(&r), "DRM_IOCTL_MODE_PAGE_FLIP")
}

func (c *Card) SetPlane(u PlaneUpdate) error {
	r := drmModeSetPlane{
		planeID: u.Plane,
		crtcID:  u.CRTC,
		fbID:    u.FB,
		crtcX:   u.CrtcX,
		crtcY:   u.CrtcY,
		crtcW:   u.CrtcW,
		crtcH:   u.CrtcH,
		srcX:    u.SrcX,
		srcY:    u.SrcY,
		srcW:    u.SrcW,
		srcH:    u.SrcH,
	}
	return c.do(ioctlModeSetPlane, unsafe.Pointer(&r), "DRM_IOCTL_MODE_SETPLANE")
}

func (c *Card) DropMaster() error {
	return c.do(ioctlDropMaster, nil, "DRM_IOCTL_DROP_MASTER")
}

func (c *Card) WaitEvents(timeout time.Duration) ([]Event, error) {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		n, err := unix.Poll(fds, int(left.Milliseconds())+1)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "poll %s", c.path)
		}
		if n == 0 {
			return nil, nil
		}
		break
	}

	buf := make([]byte, 1024)
	n, err := unix.Read(c.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read events %s", c.path)
	}
	return ParseEvents(buf[:n])
}

func (c *Card) CreateDumb(width, height, bpp uint32) (uint32, uint32, uint64, error) {
	r := drmModeCreateDumb{width: width, height: height, bpp: bpp}
	if err := c.do(ioctlModeCreateDumb, unsafe.Pointer(&r), "DRM_IOCTL_MODE_CREATE_DUMB"); err != nil {
		return 0, 0, 0, err
	}
	return r.handle, r.pitch, r.size, nil
}

func (c *Card) DestroyDumb(handle uint32) error {
	r := drmModeDestroyDumb{handle: handle}
	return c.do(ioctlModeDestroyDumb, unsafe.Pointer(&r), "DRM_IOCTL_MODE_DESTROY_DUMB")
}

func (c *Card) MapDumb(handle uint32, size uint64) ([]byte, error) {
	r := drmModeMapDumb{handle: handle}
	if err := c.do(ioctlModeMapDumb, unsafe.Pointer(&r), "DRM_IOCTL_MODE_MAP_DUMB"); err != nil {
		return nil, err
	}
	b, err := unix.Mmap(c.fd, int64(r.offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap dumb handle %d", handle)
	}
	return b, nil
}

func (c *Card) OmapGemNew(size uint32, width, height uint16, flags uint32) (uint32, error) {
	r := drmOmapGemNew{size: size, flags: flags}
	if flags&omapTiled != 0 {
		r.size = uint32(width) | uint32(height)<<16
	}
	if err := c.do(ioctlOmapGemNew, unsafe.Pointer(&r), "DRM_IOCTL_OMAP_GEM_NEW"); err != nil {
		return 0, err
	}
	return r.handle, nil
}

func (c *Card) GemClose(handle uint32) error {
	r := drmGemClose{handle: handle}
	return c.do(ioctlGemClose, unsafe.Pointer(&r), "DRM_IOCTL_GEM_CLOSE")
}

func (c *Card) PrimeHandleToFD(handle uint32) (int, error) {
	r := drmPrimeHandle{handle: handle, flags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := c.do(ioctlPrimeHandleToFD, unsafe.Pointer(&r), "DRM_IOCTL_PRIME_HANDLE_TO_FD"); err != nil {
		return -1, err
	}
	return int(r.fd), nil
}

func (c *Card) MapPrime(fd int, size uint64) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap dma-buf fd %d", fd)
	}
	return b, nil
}

func (c *Card) Unmap(b []byte) error {
	return errors.Wrap(unix.Munmap(b), "munmap")
}

func (c *Card) CloseFD(fd int) error {
	return errors.Wrapf(unix.Close(fd), "close fd %d", fd)
}

func (c *Card) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return errors.Wrapf(err, "close %s", c.path)
}
