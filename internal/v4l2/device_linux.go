//go:build linux

package v4l2

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-capture-display/internal/fourcc"
	"github.com/e7canasta/orion-capture-display/internal/ioctl"
)

// File is a V4L2 device node opened in blocking mode, so DQBUF waits for
// the driver.
type File struct {
	fd   int
	path string

	// planes sizes the plane array handed to multi-planar DQBUF.
	planes int
}

// Open opens the device node at path.
func Open(path string) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &File{fd: fd, path: path, planes: maxPlanes}, nil
}

// Path returns the device node path.
func (d *File) Path() string { return d.path }

func (d *File) SetFormat(f *Format) error {
	raw := encodeFormat(f)
	if err := ioctl.Do(d.fd, vidiocSFmt, unsafe.Pointer(&raw)); err != nil {
		return errors.Wrapf(err, "VIDIOC_S_FMT %s", d.path)
	}
	decodeFormat(&raw, f)
	return nil
}

func (d *File) GetFormat(f *Format) error {
	raw := v4l2Format{typ: uint32(f.Type)}
	if err := ioctl.Do(d.fd, vidiocGFmt, unsafe.Pointer(&raw)); err != nil {
		return errors.Wrapf(err, "VIDIOC_G_FMT %s", d.path)
	}
	decodeFormat(&raw, f)
	return nil
}

func encodeFormat(f *Format) v4l2Format {
	raw := v4l2Format{typ: uint32(f.Type)}
	if f.Type.MultiPlanar() {
		mp := raw.pixMP()
		mp.width = f.Width
		mp.height = f.Height
		mp.pixelformat = uint32(f.PixelFormat)
		mp.field = uint32(f.Field)
		mp.numPlanes = uint8(f.NumPlanes)
		for i := 0; i < f.NumPlanes && i < maxPlanes; i++ {
			mp.planeFmt[i].bytesperline = f.BytesPerLine[i]
			mp.planeFmt[i].sizeimage = f.SizeImage[i]
		}
		return raw
	}
	p := raw.pix()
	p.width = f.Width
	p.height = f.Height
	p.pixelformat = uint32(f.PixelFormat)
	p.field = uint32(f.Field)
	p.bytesperline = f.BytesPerLine[0]
	p.sizeimage = f.SizeImage[0]
	return raw
}

func decodeFormat(raw *v4l2Format, f *Format) {
	f.Type = BufType(raw.typ)
	if f.Type.MultiPlanar() {
		mp := raw.pixMP()
		f.Width = mp.width
		f.Height = mp.height
		f.PixelFormat = fourcc.Code(mp.pixelformat)
		f.Field = Field(mp.field)
		f.NumPlanes = int(mp.numPlanes)
		for i := 0; i < maxPlanes; i++ {
			f.BytesPerLine[i] = mp.planeFmt[i].bytesperline
			f.SizeImage[i] = mp.planeFmt[i].sizeimage
		}
		return
	}
	p := raw.pix()
	f.Width = p.width
	f.Height = p.height
	f.PixelFormat = fourcc.Code(p.pixelformat)
	f.Field = Field(p.field)
	f.NumPlanes = 1
	f.BytesPerLine[0] = p.bytesperline
	f.SizeImage[0] = p.sizeimage
}

func (d *File) RequestBuffers(t BufType, count uint32) (uint32, error) {
	req := v4l2RequestBuffers{
		count:  count,
		typ:    uint32(t),
		memory: memoryDMABuf,
	}
	if err := ioctl.Do(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrapf(err, "VIDIOC_REQBUFS %s count=%d", d.path, count)
	}
	return req.count, nil
}

func (d *File) QueueBuffer(t BufType, index uint32, fds []int, field Field) error {
	buf := v4l2Buffer{
		index:  index,
		typ:    uint32(t),
		memory: memoryDMABuf,
		field:  uint32(field),
	}

	if t.MultiPlanar() {
		if len(fds) == 0 || len(fds) > maxPlanes {
			return errors.Errorf("VIDIOC_QBUF %s: %d planes", d.path, len(fds))
		}
		// Sized at run time so it lives on the heap: the kernel reaches it
		// through a uintptr, which a stack copy would invalidate.
		planes := make([]v4l2Plane, len(fds))
		for i, fd := range fds {
			planes[i].m = uintptr(uint32(fd))
		}
		buf.m = uintptr(unsafe.Pointer(&planes[0]))
		buf.length = uint32(len(fds))
		defer runtime.KeepAlive(planes)
	} else {
		if len(fds) == 0 {
			return errors.Errorf("VIDIOC_QBUF %s: no descriptor", d.path)
		}
		buf.m = uintptr(uint32(fds[0]))
	}

	if err := ioctl.Do(d.fd, vidiocQBuf, unsafe.Pointer(&buf)); err != nil {
		return errors.Wrapf(err, "VIDIOC_QBUF %s index=%d", d.path, index)
	}
	return nil
}

func (d *File) DequeueBuffer(t BufType) (uint32, Field, error) {
	buf := v4l2Buffer{
		typ:    uint32(t),
		memory: memoryDMABuf,
	}
	if t.MultiPlanar() {
		planes := make([]v4l2Plane, d.planes)
		buf.m = uintptr(unsafe.Pointer(&planes[0]))
		buf.length = uint32(len(planes))
		defer runtime.KeepAlive(planes)
	}
	if err := ioctl.Do(d.fd, vidiocDQBuf, unsafe.Pointer(&buf)); err != nil {
		return 0, FieldAny, errors.Wrapf(err, "VIDIOC_DQBUF %s", d.path)
	}
	return buf.index, Field(buf.field), nil
}

func (d *File) StreamOn(t BufType) error {
	typ := int32(t)
	if err := ioctl.Do(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrapf(err, "VIDIOC_STREAMON %s %s", d.path, t)
	}
	return nil
}

func (d *File) StreamOff(t BufType) error {
	typ := int32(t)
	if err := ioctl.Do(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrapf(err, "VIDIOC_STREAMOFF %s %s", d.path, t)
	}
	return nil
}

func (d *File) SetControl(id uint32, value int32) error {
	ctrl := v4l2Control{id: id, value: value}
	if err := ioctl.Do(d.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return errors.Wrapf(err, "VIDIOC_S_CTRL %s id=0x%x", d.path, id)
	}
	return nil
}

func (d *File) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return errors.Wrapf(err, "close %s", d.path)
}
