package compositor

import (
	"image"
	"runtime"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// Blurrer blurs a whole image. Implementations need not agree pixel for
// pixel; they only need to obscure comparably at the same radius.
type Blurrer interface {
	Name() string
	Blur(img image.Image, radius float64) *image.NRGBA
}

// parallelBlur is imaging's separable Gaussian, which splits rows and
// columns across GOMAXPROCS workers.
type parallelBlur struct{}

func (parallelBlur) Name() string { return "gaussian" }

func (parallelBlur) Blur(img image.Image, radius float64) *image.NRGBA {
	return imaging.Blur(img, radius/2)
}

// approxBlur shrinks the image by a radius-dependent factor and scales it
// back up with bilinear interpolation. Single-threaded and much cheaper.
type approxBlur struct{}

func (approxBlur) Name() string { return "approximate" }

func (approxBlur) Blur(img image.Image, radius float64) *image.NRGBA {
	b := img.Bounds()
	factor := max(2, radius/3)
	sw := max(1, int(float64(b.Dx())/factor))
	sh := max(1, int(float64(b.Dy())/factor))

	small := image.NewNRGBA(image.Rect(0, 0, sw, sh))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, b, xdraw.Src, nil)

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), small, small.Bounds(), xdraw.Src, nil)
	return dst
}

// probeBlurrer picks the Gaussian when there is more than one core to
// spread it over.
func probeBlurrer() Blurrer {
	if runtime.GOMAXPROCS(0) > 1 {
		return parallelBlur{}
	}
	return approxBlur{}
}
