package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	xdraw "golang.org/x/image/draw"

	"github.com/menta2k/privacy-shield/pkg/types"
)

const (
	// ConfidenceThreshold drops anchors scored below it.
	ConfidenceThreshold = 0.50
	// IoUThreshold is the overlap above which NMS suppresses a box.
	IoUThreshold = 0.45
)

// Detector finds identity documents in frames.
//
// A Detector owns its preprocessing buffers and reuses them on every call,
// so it must not be used from more than one goroutine at a time. Create one
// Detector per camera session.
type Detector struct {
	backend Backend
	logger  *slog.Logger

	size    int
	scratch *image.RGBA
	tensor  []float32

	loaded  bool
	loadErr error
}

// New creates a Detector for the given backend.
func New(backend Backend) *Detector {
	size := backend.InputSize()
	d := &Detector{backend: backend, logger: slog.Default()}
	d.resize(size)
	return d
}

// resize allocates the preprocessing buffers for a size x size model.
func (d *Detector) resize(size int) {
	if size <= 0 {
		size = DefaultInputSize
	}
	if size == d.size && d.scratch != nil {
		return
	}
	d.size = size
	d.scratch = image.NewRGBA(image.Rect(0, 0, size, size))
	d.tensor = make([]float32, size*size*3)
}

// SetLogger replaces the default logger.
func (d *Detector) SetLogger(logger *slog.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// InputSize returns the square model resolution.
func (d *Detector) InputSize() int {
	return d.size
}

// LoadError returns the model load failure, if any.
func (d *Detector) LoadError() error {
	return d.loadErr
}

// Load initializes the backend. It is called lazily by Detect; calling it
// up front surfaces a broken model before the first frame arrives.
func (d *Detector) Load(ctx context.Context) error {
	if d.loadErr != nil {
		return d.loadErr
	}
	if d.loaded {
		return nil
	}
	if err := d.backend.Load(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		d.loadErr = &ModelLoadError{Err: err}
		d.logger.Error("detection backend unavailable", "error", err)
		return d.loadErr
	}
	// Backends may only learn their resolution from the model itself.
	d.resize(d.backend.InputSize())
	d.loaded = true
	return nil
}

// Reload clears a previous load failure and initializes the backend again.
func (d *Detector) Reload(ctx context.Context) error {
	if d.loaded {
		if err := d.backend.Close(); err != nil {
			d.logger.Warn("closing detection backend", "error", err)
		}
	}
	d.loaded = false
	d.loadErr = nil
	return d.Load(ctx)
}

// Close releases the backend.
func (d *Detector) Close() error {
	d.loaded = false
	return d.backend.Close()
}

// Detect returns the document regions found in the frame, most confident
// first. The frame buffer is read during the call only.
func (d *Detector) Detect(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
	if err := d.Load(ctx); err != nil {
		return nil, err
	}

	img, err := frame.Image()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	d.preprocess(img)

	out, err := d.backend.Infer(ctx, d.tensor)
	if err != nil {
		if errors.Is(err, ErrBackendLost) {
			d.logger.Warn("detection backend lost, reloading on next frame", "error", err)
			d.loaded = false
		}
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	return postprocess(out, frame.Width, frame.Height), nil
}

// reset zeroes the scratch buffers so no pixels from a previous frame can
// leak into the next tensor.
func (d *Detector) reset() {
	clear(d.scratch.Pix)
	clear(d.tensor)
}

// preprocess scales img into the scratch image and fills the tensor with
// RGB values in [0,1].
func (d *Detector) preprocess(img image.Image) {
	d.reset()
	xdraw.BiLinear.Scale(d.scratch, d.scratch.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	pix := d.scratch.Pix
	for i, j := 0, 0; i < len(pix); i, j = i+4, j+3 {
		d.tensor[j+0] = float32(pix[i+0]) / 255
		d.tensor[j+1] = float32(pix[i+1]) / 255
		d.tensor[j+2] = float32(pix[i+2]) / 255
	}
}

// postprocess thresholds anchors, converts them to pixel space and applies
// non-max suppression.
func postprocess(out Output, width, height int) []types.CardBounds {
	fw, fh := float64(width), float64(height)

	var raw []types.CardBounds
	for i := 0; i < out.Anchors; i++ {
		cx, cy, w, h, conf := out.Anchor(i)
		if !(conf >= ConfidenceThreshold) { // NaN fails too
			continue
		}
		rect := types.Rect{
			Left:   (cx - w/2) * fw,
			Top:    (cy - h/2) * fh,
			Right:  (cx + w/2) * fw,
			Bottom: (cy + h/2) * fh,
		}.Clamp(fw, fh)
		raw = append(raw, types.CardBounds{Rect: rect, Confidence: conf})
	}
	return NonMaxSuppression(raw, IoUThreshold)
}
