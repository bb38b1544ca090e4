package extraction

import (
	"image"
	"image/color"
)

// regionView exposes part of a frame image with its origin at (0,0)
// without copying pixels.
type regionView struct {
	original image.Image
	bounds   image.Rectangle
}

func newRegionView(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	if r == img.Bounds() && r.Min == (image.Point{}) {
		return img
	}
	return &regionView{original: img, bounds: r}
}

func (v *regionView) ColorModel() color.Model {
	return v.original.ColorModel()
}

func (v *regionView) Bounds() image.Rectangle {
	return image.Rect(0, 0, v.bounds.Dx(), v.bounds.Dy())
}

func (v *regionView) At(x, y int) color.Color {
	pt := image.Point{x, y}
	if !pt.In(v.Bounds()) {
		return color.RGBA{}
	}
	return v.original.At(x+v.bounds.Min.X, y+v.bounds.Min.Y)
}
