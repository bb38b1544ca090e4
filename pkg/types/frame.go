package types

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/google/uuid"
)

// PixelFormat describes the layout of Frame.Pix.
type PixelFormat int

const (
	PixelFormatRGBA8888 PixelFormat = iota
	PixelFormatRGB888
	PixelFormatNV21
	PixelFormatGray8
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGBA8888:
		return "rgba8888"
	case PixelFormatRGB888:
		return "rgb888"
	case PixelFormatNV21:
		return "nv21"
	case PixelFormatGray8:
		return "gray8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
}

// ParsePixelFormat accepts the names returned by String.
func ParsePixelFormat(s string) (PixelFormat, error) {
	for p := PixelFormatRGBA8888; p <= PixelFormatGray8; p++ {
		if strings.EqualFold(strings.TrimSpace(s), p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

// bytesPerPixel of the first plane
func (p PixelFormat) bytesPerPixel() int {
	switch p {
	case PixelFormatRGBA8888:
		return 4
	case PixelFormatRGB888:
		return 3
	default:
		return 1
	}
}

// ErrInvalidFrame reports a frame whose buffer does not match its geometry.
var ErrInvalidFrame = errors.New("invalid frame")

// MaxFrameDim bounds width, height and stride so buffer size arithmetic
// cannot overflow.
const MaxFrameDim = 1 << 15

// Frame is a raw camera buffer borrowed from the ingestion source.
//
// Pix stays valid until Release is called. The pipeline calls Release once,
// either when the frame's pass finishes or immediately when it is dropped,
// and keeps no reference afterwards.
type Frame struct {
	ID       string
	Pix      []byte
	Width    int
	Height   int
	Stride   int // bytes per row of the first plane, 0 means tightly packed
	Format   PixelFormat
	Rotation int // clockwise degrees needed to display the frame upright
	Release  func()
}

// NewFrame creates a frame with a fresh ID.
func NewFrame(pix []byte, width, height int, format PixelFormat, rotation int) Frame {
	return Frame{
		ID:       uuid.NewString(),
		Pix:      pix,
		Width:    width,
		Height:   height,
		Format:   format,
		Rotation: rotation,
	}
}

// FrameFromImage copies img into a tightly packed RGBA frame.
func FrameFromImage(img image.Image, rotation int) Frame {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			rgba.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	f := NewFrame(rgba.Pix, b.Dx(), b.Dy(), PixelFormatRGBA8888, rotation)
	f.Stride = rgba.Stride
	return f
}

// Close hands the buffer back to the ingestion source.
func (f Frame) Close() {
	if f.Release != nil {
		f.Release()
	}
}

func (f Frame) stride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * f.Format.bytesPerPixel()
}

// Validate checks that Pix is large enough for the declared geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Width > MaxFrameDim || f.Height > MaxFrameDim {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Stride < 0 || f.Stride > 4*MaxFrameDim {
		return fmt.Errorf("%w: stride %d", ErrInvalidFrame, f.Stride)
	}
	if f.Stride > 0 && f.Stride < f.Width*f.Format.bytesPerPixel() {
		return fmt.Errorf("%w: stride %d shorter than row", ErrInvalidFrame, f.Stride)
	}
	need := f.stride()*(f.Height-1) + f.Width*f.Format.bytesPerPixel()
	if f.Format == PixelFormatNV21 {
		cw, ch := (f.Width+1)/2, (f.Height+1)/2
		need = f.stride()*f.Height + cw*ch*2
	}
	if len(f.Pix) < need {
		return fmt.Errorf("%w: %s buffer has %d bytes, need %d", ErrInvalidFrame, f.Format, len(f.Pix), need)
	}
	return nil
}

// Image returns a view of the frame. RGBA and gray frames wrap Pix without
// copying; RGB and NV21 frames are converted.
func (f Frame) Image() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	stride := f.stride()

	switch f.Format {
	case PixelFormatRGBA8888:
		return &image.RGBA{Pix: f.Pix, Stride: stride, Rect: rect}, nil
	case PixelFormatGray8:
		return &image.Gray{Pix: f.Pix, Stride: stride, Rect: rect}, nil
	case PixelFormatRGB888:
		out := image.NewNRGBA(rect)
		for y := 0; y < f.Height; y++ {
			src := f.Pix[y*stride:]
			dst := out.Pix[y*out.Stride:]
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*3+0]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+2]
				dst[x*4+3] = 0xff
			}
		}
		return out, nil
	case PixelFormatNV21:
		return nv21ToYCbCr(f.Pix, f.Width, f.Height, stride), nil
	default:
		return nil, fmt.Errorf("%w: unsupported pixel format %s", ErrInvalidFrame, f.Format)
	}
}

// nv21ToYCbCr splits the interleaved VU plane into separate chroma planes.
func nv21ToYCbCr(pix []byte, w, h, stride int) *image.YCbCr {
	out := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		copy(out.Y[y*out.YStride:y*out.YStride+w], pix[y*stride:y*stride+w])
	}
	vu := pix[stride*h:]
	cw, ch := (w+1)/2, (h+1)/2
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			i := (y*cw + x) * 2
			out.Cr[y*out.CStride+x] = vu[i]
			out.Cb[y*out.CStride+x] = vu[i+1]
		}
	}
	return out
}
