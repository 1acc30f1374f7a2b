package ioctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncoding(t *testing.T) {
	// Reference values from the kernel headers.
	assert.Equal(t, uintptr(0xc0d05605), IOWR('V', 5, 208), "VIDIOC_S_FMT, 64-bit")
	assert.Equal(t, uintptr(0xc0cc5605), IOWR('V', 5, 204), "VIDIOC_S_FMT, 32-bit")
	assert.Equal(t, uintptr(0xc0145608), IOWR('V', 8, 20), "VIDIOC_REQBUFS")
	assert.Equal(t, uintptr(0x40045612), IOW('V', 18, 4), "VIDIOC_STREAMON")
	assert.Equal(t, uintptr(0xc01864b0), IOWR('d', 0xb0, 24), "DRM_IOCTL_MODE_PAGE_FLIP")
	assert.Equal(t, uintptr(0x0000641f), IO('d', 0x1f), "DRM_IOCTL_DROP_MASTER")
	assert.Equal(t, uintptr(0x80685600), IOR('V', 0, 104), "VIDIOC_QUERYCAP")
}
