// Package extraction runs text and barcode recognition over the parts of a
// frame where documents were detected.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/menta2k/privacy-shield/pkg/client"
	"github.com/menta2k/privacy-shield/pkg/processing"
	"github.com/menta2k/privacy-shield/pkg/types"
)

const (
	// DefaultTextConfidence is used for text lines without a reported confidence.
	DefaultTextConfidence = 0.7
	// BarcodeConfidence is fixed: a code either decodes or it does not.
	BarcodeConfidence = 0.99

	regionPadding = 0.05
)

// ErrRecognition is matched by every RecognitionError.
var ErrRecognition = errors.New("recognition failed")

// RecognitionError reports a failed recognition pass.
type RecognitionError struct {
	Pass string // "frame", "text" or "barcode"
	Err  error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("%s recognition failed: %v", e.Pass, e.Err)
}

func (e *RecognitionError) Unwrap() []error {
	return []error{ErrRecognition, e.Err}
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTextConfidence overrides DefaultTextConfidence.
func WithTextConfidence(c float64) Option {
	return func(e *Extractor) {
		if c > 0 && c <= 1 {
			e.textConfidence = c
		}
	}
}

// Extractor combines a text recognizer and a barcode recognizer.
type Extractor struct {
	text           client.TextRecognizer
	codes          client.BarcodeRecognizer
	textConfidence float64
	logger         *slog.Logger
}

// New returns an extractor. Either recognizer may be nil, in which case its
// pass is skipped.
func New(text client.TextRecognizer, codes client.BarcodeRecognizer, opts ...Option) *Extractor {
	e := &Extractor{
		text:           text,
		codes:          codes,
		textConfidence: DefaultTextConfidence,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract recognizes text lines and codes inside the union of regions, or
// the whole frame when regions is empty. Text lines come first, then codes.
// Boxes are in frame pixel coordinates.
func (e *Extractor) Extract(ctx context.Context, frame types.Frame, regions []types.CardBounds) ([]types.ExtractedItem, error) {
	img, err := frame.Image()
	if err != nil {
		return nil, &RecognitionError{Pass: "frame", Err: err}
	}
	bounds := img.Bounds()
	area := searchArea(bounds, regions)
	if area.Empty() {
		return nil, nil
	}

	rotation := processing.NormalizeRotation(frame.Rotation)
	upright := processing.Upright(newRegionView(img, area), rotation)
	toFrame := func(r image.Rectangle) types.Rect {
		return processing.FromUpright(types.RectFromImage(r), rotation, float64(area.Dx()), float64(area.Dy())).
			Translate(float64(area.Min.X), float64(area.Min.Y)).
			Clamp(float64(bounds.Max.X), float64(bounds.Max.Y))
	}

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		lines    []client.TextLine
		codes    []client.Code
	)
	// run starts one pass; the first failure cancels the other pass.
	run := func(pass string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard(fn); err != nil {
				once.Do(func() {
					firstErr = &RecognitionError{Pass: pass, Err: err}
					cancel()
				})
			}
		}()
	}
	if e.text != nil {
		run("text", func() (err error) {
			lines, err = e.text.RecognizeText(passCtx, upright)
			return err
		})
	}
	if e.codes != nil {
		run("barcode", func() (err error) {
			codes, err = e.codes.RecognizeBarcodes(passCtx, upright)
			return err
		})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	items := make([]types.ExtractedItem, 0, len(lines)+len(codes))
	for _, l := range lines {
		box := toFrame(l.Box)
		if box.Empty() {
			continue
		}
		conf := l.Confidence
		if conf <= 0 {
			conf = e.textConfidence
		}
		items = append(items, types.ExtractedItem{
			Text:       []byte(l.Text),
			Bounds:     box,
			Confidence: conf,
		})
	}
	for _, c := range codes {
		box := toFrame(c.Box)
		if box.Empty() {
			continue
		}
		items = append(items, types.ExtractedItem{
			Text:       []byte(c.RawValue),
			Bounds:     box,
			Confidence: BarcodeConfidence,
			IsQRCode:   c.IsQR,
			IsBarcode:  !c.IsQR,
		})
	}

	e.logger.Debug("extraction done",
		"frame", frame.ID, "area", area.String(), "lines", len(lines), "codes", len(codes))
	return items, nil
}

// searchArea is the padded union of the detected regions, or the full
// bounds when there are none.
func searchArea(bounds image.Rectangle, regions []types.CardBounds) image.Rectangle {
	var union types.Rect
	for _, r := range regions {
		union = union.Union(r.Rect)
	}
	if union.Empty() {
		return bounds
	}
	pad := regionPadding * max(union.Width(), union.Height())
	return union.Inset(-pad).Image().Intersect(bounds)
}

// guard turns a recognizer panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognizer panic: %v", r)
		}
	}()
	return fn()
}

// Wipe zero-fills the text of every item.
func Wipe(items []types.ExtractedItem) {
	for i := range items {
		clear(items[i].Text)
		items[i].Text = nil
	}
}
