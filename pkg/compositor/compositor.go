// Package compositor produces masked copies of images.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/menta2k/privacy-shield/pkg/types"
)

const (
	DefaultBlurRadius = 25
	DefaultBlockSize  = 12
)

// ErrDegenerateRegion is reported for regions with no pixels left after
// clamping to the image.
var ErrDegenerateRegion = errors.New("degenerate mask region")

// Option configures a Compositor.
type Option func(*Compositor)

// WithSoftwareBlur forces the approximate blur regardless of the probe.
func WithSoftwareBlur() Option {
	return func(c *Compositor) { c.blurrer = approxBlur{} }
}

// WithBlurRadius sets the Gaussian radius in pixels.
func WithBlurRadius(r float64) Option {
	return func(c *Compositor) {
		if r > 0 {
			c.radius = r
		}
	}
}

// WithBlockSize sets the pixelation block size.
func WithBlockSize(n int) Option {
	return func(c *Compositor) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compositor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Compositor masks regions of an image. It does not know which fields a
// region holds; callers pick regions through a mask policy.
type Compositor struct {
	blurrer   Blurrer
	radius    float64
	blockSize int
	logger    *slog.Logger
}

// New returns a compositor with the blur strategy chosen for this machine.
func New(opts ...Option) *Compositor {
	c := &Compositor{
		blurrer:   probeBlurrer(),
		radius:    DefaultBlurRadius,
		blockSize: DefaultBlockSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BlurStrategy names the selected blur implementation.
func (c *Compositor) BlurStrategy() string {
	return c.blurrer.Name()
}

// Mask returns a copy of src with every region obscured by mode. Regions are
// in src's coordinate space; src is never modified and the result has the
// same size with its origin at (0,0). Unknown modes fall back to
// BlackRectangle.
func (c *Compositor) Mask(src image.Image, regions []types.Rect, mode Mode) *image.NRGBA {
	dst := imaging.Clone(src)
	if len(regions) == 0 {
		return dst
	}
	if !mode.valid() {
		c.logger.Warn("unknown mask mode, using black rectangle", "mode", int(mode))
		mode = BlackRectangle
	}

	origin := src.Bounds().Min
	for _, r := range regions {
		px, err := clampRegion(r.Translate(-float64(origin.X), -float64(origin.Y)), dst.Bounds())
		if err != nil {
			c.logger.Debug("mask region skipped", "region", r, "error", err)
			continue
		}

		switch mode {
		case Gaussian:
			blurred := c.blurrer.Blur(imaging.Crop(dst, px), c.radius)
			draw.Draw(dst, px, blurred, image.Point{}, draw.Src)
		case Pixelate:
			draw.Draw(dst, px, PixelateImage(imaging.Crop(dst, px), c.blockSize), image.Point{}, draw.Src)
		case BlackRectangle:
			draw.Draw(dst, px, &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
		}
	}
	return dst
}

// PixelateImage downsamples img to a grid of block-sized cells, at least
// 1x1, and scales it back with nearest-neighbor.
func PixelateImage(img image.Image, block int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if block <= 0 {
		block = DefaultBlockSize
	}
	small := imaging.Resize(img, max(1, w/block), max(1, h/block), imaging.Box)
	return imaging.Resize(small, w, h, imaging.NearestNeighbor)
}

// clampRegion rounds r outward to whole pixels and clips it to bounds.
func clampRegion(r types.Rect, bounds image.Rectangle) (image.Rectangle, error) {
	px := r.Image().Intersect(bounds)
	if px.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: %+v", ErrDegenerateRegion, r)
	}
	return px, nil
}
