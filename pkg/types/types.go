package types

import (
	"image"
	"math"
)

// Rect is an axis-aligned rectangle in frame pixel coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// RectFromImage converts an integer rectangle.
func RectFromImage(r image.Rectangle) Rect {
	return Rect{
		Left:   float64(r.Min.X),
		Top:    float64(r.Min.Y),
		Right:  float64(r.Max.X),
		Bottom: float64(r.Max.Y),
	}
}

// Width returns the horizontal extent, or 0 for inverted rectangles
func (r Rect) Width() float64 {
	return math.Max(0, r.Right-r.Left)
}

// Height returns the vertical extent, or 0 for inverted rectangles
func (r Rect) Height() float64 {
	return math.Max(0, r.Bottom-r.Top)
}

// Area returns the area of the rectangle
func (r Rect) Area() float64 {
	return r.Width() * r.Height()
}

// Empty reports whether the rectangle contains no points.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Clamp limits every coordinate to [0,w] x [0,h].
func (r Rect) Clamp(w, h float64) Rect {
	return Rect{
		Left:   clamp(r.Left, 0, w),
		Top:    clamp(r.Top, 0, h),
		Right:  clamp(r.Right, 0, w),
		Bottom: clamp(r.Bottom, 0, h),
	}
}

// Intersect returns the overlap of r and o. The result may be empty.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		Left:   math.Max(r.Left, o.Left),
		Top:    math.Max(r.Top, o.Top),
		Right:  math.Min(r.Right, o.Right),
		Bottom: math.Min(r.Bottom, o.Bottom),
	}
}

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		Left:   math.Min(r.Left, o.Left),
		Top:    math.Min(r.Top, o.Top),
		Right:  math.Max(r.Right, o.Right),
		Bottom: math.Max(r.Bottom, o.Bottom),
	}
}

// Translate shifts the rectangle by (dx, dy).
func (r Rect) Translate(dx, dy float64) Rect {
	return Rect{Left: r.Left + dx, Top: r.Top + dy, Right: r.Right + dx, Bottom: r.Bottom + dy}
}

// Inset grows (negative d) or shrinks the rectangle on every side.
func (r Rect) Inset(d float64) Rect {
	return Rect{Left: r.Left + d, Top: r.Top + d, Right: r.Right - d, Bottom: r.Bottom - d}
}

// Image rounds the rectangle outward to whole pixels, so that a mask built
// from it always covers the fractional edges. Empty rectangles map to the
// zero rectangle.
func (r Rect) Image() image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Floor(r.Left)),
		int(math.Floor(r.Top)),
		int(math.Ceil(r.Right)),
		int(math.Ceil(r.Bottom)),
	)
}

// CardBounds is a candidate document region produced by the detector.
type CardBounds struct {
	Rect       Rect    `json:"rect"`
	Confidence float64 `json:"confidence"`
	Rotation   float64 `json:"rotation"`
}

// ExtractedItem is one recognized text line or decoded barcode.
//
// Text holds the recognized characters and is confidential: it is read by
// the classifier only and zero-filled once classification is done.
type ExtractedItem struct {
	Text       []byte
	Bounds     Rect
	Confidence float64
	IsBarcode  bool
	IsQRCode   bool
}

// DetectionResult is a classified sensitive field. It carries no text.
type DetectionResult struct {
	FieldType  FieldType `json:"field_type"`
	Box        Rect      `json:"box"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
}

// NewDetectionResult builds a result whose label is derived from the field
// type alone.
func NewDetectionResult(fieldType FieldType, box Rect, confidence float64) DetectionResult {
	return DetectionResult{
		FieldType:  fieldType,
		Box:        box,
		Confidence: confidence,
		Label:      fieldType.Label(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
