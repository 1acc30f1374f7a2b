package kms

import (
	"fmt"
	"image"

	"github.com/gogpu/gg"
)

// renderBackground draws the primary plane image into dst, an XRGB8888
// little-endian surface of w×h with the given pitch.
func renderBackground(dst []byte, pitch, w, h uint32, hex string) error {
	if uint64(pitch)*uint64(h) > uint64(len(dst)) || pitch < w*4 {
		return fmt.Errorf("background: %d bytes cannot hold %dx%d at pitch %d", len(dst), w, h, pitch)
	}

	dc := gg.NewContext(int(w), int(h))
	defer dc.Close()

	bg := gg.Hex(hex)
	dc.ClearWithColor(bg)

	// A thin frame marks each edge so a mis-set mode is visible.
	dc.SetRGBA(1-bg.R, 1-bg.G, 1-bg.B, 0.5)
	dc.SetLineWidth(2)
	dc.DrawRectangle(1, 1, float64(w)-2, float64(h)-2)
	if err := dc.Stroke(); err != nil {
		return fmt.Errorf("background: %w", err)
	}

	var src *image.RGBA
	switch img := dc.Image().(type) {
	case *image.RGBA:
		src = img
	default:
		src = image.NewRGBA(img.Bounds())
		for y := 0; y < int(h); y++ {
			for x := 0; x < int(w); x++ {
				src.Set(x, y, img.At(x, y))
			}
		}
	}

	for y := 0; y < int(h); y++ {
		row := dst[uint32(y)*pitch:]
		s := src.Pix[y*src.Stride:]
		for x := 0; x < int(w); x++ {
			row[x*4+0] = s[x*4+2]
			row[x*4+1] = s[x*4+1]
			row[x*4+2] = s[x*4+0]
			row[x*4+3] = 0xff
		}
	}
	return nil
}
