package detection

import (
	"context"
	"errors"
	"fmt"
)

// DefaultInputSize is the square model resolution used when a backend does
// not report one.
const DefaultInputSize = 320

// Rows per anchor in the backend output: cx, cy, w, h, confidence.
const outputRows = 5

var (
	// ErrModelLoad means the detection backend could not be initialized.
	// Detection stays unavailable until the detector is reloaded.
	ErrModelLoad = errors.New("detection model load failed")

	// ErrInference means a single frame could not be run through the backend.
	ErrInference = errors.New("detection inference failed")

	// ErrBackendLost is wrapped by backends whose model session went away
	// during Infer. The detector loads the backend again on the next frame.
	ErrBackendLost = errors.New("detection backend lost")
)

// ModelLoadError wraps the backend initialization failure.
type ModelLoadError struct {
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("%v: %v", ErrModelLoad, e.Err)
}

func (e *ModelLoadError) Unwrap() []error {
	return []error{ErrModelLoad, e.Err}
}

// Backend runs the detection model.
//
// Infer receives a [1, N, N, 3] float tensor (RGB, values in [0,1], row
// major) and returns a [1, 5, A] tensor of normalized anchors. The input
// slice is owned by the caller and must not be retained.
type Backend interface {
	Load(ctx context.Context) error
	InputSize() int
	Infer(ctx context.Context, input []float32) (Output, error)
	Close() error
}

// Output is a [1, 5, A] tensor stored row major: Data[row*Anchors+i].
type Output struct {
	Anchors int
	Data    []float32
}

// Validate checks the tensor shape.
func (o Output) Validate() error {
	if o.Anchors < 0 {
		return fmt.Errorf("negative anchor count %d", o.Anchors)
	}
	if len(o.Data) != outputRows*o.Anchors {
		return fmt.Errorf("output has %d values, want %d for %d anchors", len(o.Data), outputRows*o.Anchors, o.Anchors)
	}
	return nil
}

// Anchor returns the i-th anchor as (cx, cy, w, h, confidence).
func (o Output) Anchor(i int) (cx, cy, w, h, conf float64) {
	a := o.Anchors
	return float64(o.Data[i]),
		float64(o.Data[a+i]),
		float64(o.Data[2*a+i]),
		float64(o.Data[3*a+i]),
		float64(o.Data[4*a+i])
}

// StaticBackend reports the whole frame as one document with full
// confidence. It suits inputs that are already cropped to a document, such
// as scanned photos.
type StaticBackend struct {
	Size int
}

func (s StaticBackend) Load(context.Context) error { return nil }

func (s StaticBackend) InputSize() int {
	if s.Size > 0 {
		return s.Size
	}
	return DefaultInputSize
}

func (s StaticBackend) Infer(ctx context.Context, _ []float32) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return Output{Anchors: 1, Data: []float32{0.5, 0.5, 1, 1, 1}}, nil
}

func (s StaticBackend) Close() error { return nil }
