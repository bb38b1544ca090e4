package processing

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/privacy-shield/pkg/types"
)

// NormalizeRotation maps any multiple of 90 degrees into {0, 90, 180, 270}.
// Other angles are treated as 0.
func NormalizeRotation(degrees int) int {
	r := ((degrees % 360) + 360) % 360
	switch r {
	case 90, 180, 270:
		return r
	default:
		return 0
	}
}

// Upright rotates img clockwise by rotation degrees. imaging rotates
// counter-clockwise, hence the swapped calls.
func Upright(img image.Image, rotation int) image.Image {
	switch NormalizeRotation(rotation) {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// FromUpright maps a rectangle found in the output of Upright back onto the
// source image of size w x h.
func FromUpright(r types.Rect, rotation int, w, h float64) types.Rect {
	var x0, y0, x1, y1 float64
	switch NormalizeRotation(rotation) {
	case 90:
		x0, y0 = r.Top, h-r.Left
		x1, y1 = r.Bottom, h-r.Right
	case 180:
		x0, y0 = w-r.Left, h-r.Top
		x1, y1 = w-r.Right, h-r.Bottom
	case 270:
		x0, y0 = w-r.Top, r.Left
		x1, y1 = w-r.Bottom, r.Right
	default:
		return r
	}
	return types.Rect{
		Left:   min(x0, x1),
		Top:    min(y0, y1),
		Right:  max(x0, x1),
		Bottom: max(y0, y1),
	}
}
