package sidecar

import "github.com/menta2k/privacy-shield/pkg/types"

func solidFrame(w, h int) types.Frame {
	pix := make([]byte, w*h*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return types.NewFrame(pix, w, h, types.PixelFormatRGBA8888, 0)
}
