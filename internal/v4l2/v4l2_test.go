package v4l2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControlIDs(t *testing.T) {
	assert.Equal(t, uint32(0x00980900), uint32(controlUserBase))
	assert.Equal(t, uint32(0x00981900), uint32(ControlTransNumBufs))
}
