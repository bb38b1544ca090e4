// Package privacyshield finds sensitive fields on identity documents and
// produces masked copies of the images that contain them, on-device.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		privacyshield "github.com/menta2k/privacy-shield"
//		"github.com/menta2k/privacy-shield/pkg/compositor"
//		"github.com/menta2k/privacy-shield/pkg/policy"
//	)
//
//	func main() {
//		shield := privacyshield.New()
//		defer shield.Close()
//
//		img, err := shield.LoadImage("id_card.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		masked, detections, err := shield.MaskImage(context.Background(), img, policy.General, compositor.BlackRectangle)
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("masked %d fields", len(detections))
//
//		if err := shield.SaveImage(masked, "id_card_masked.jpg", "jpg", 90, false); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The package wires these components together:
//
// 1. Detection (pkg/detection, pkg/sidecar): finds document regions in a frame
// 2. Extraction (pkg/extraction, pkg/ollama, pkg/llamacpp, pkg/barcode): reads text lines and codes
// 3. Classification (pkg/classifier): maps text to field types and drops the text
// 4. Pipeline (pkg/pipeline): single-flight scheduling of live frames
// 5. Compositor and policy (pkg/compositor, pkg/policy): masks what a share purpose does not need
package privacyshield

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/menta2k/privacy-shield/pkg/barcode"
	"github.com/menta2k/privacy-shield/pkg/classifier"
	"github.com/menta2k/privacy-shield/pkg/client"
	"github.com/menta2k/privacy-shield/pkg/compositor"
	"github.com/menta2k/privacy-shield/pkg/detection"
	"github.com/menta2k/privacy-shield/pkg/extraction"
	"github.com/menta2k/privacy-shield/pkg/pipeline"
	"github.com/menta2k/privacy-shield/pkg/policy"
	"github.com/menta2k/privacy-shield/pkg/processing"
	"github.com/menta2k/privacy-shield/pkg/types"
)

// Version of the privacy shield library
const Version = "1.0.0"

// DefaultShareMode is used when a share request names no mode
const DefaultShareMode = compositor.BlackRectangle

// Options selects the backends and tuning of a Shield
type Options struct {
	// Backend runs document detection. Nil means a full-frame static
	// backend, suitable for photos that are already cropped to the document.
	Backend detection.Backend
	// Text recognizes text lines. Nil skips text recognition.
	Text client.TextRecognizer
	// Codes decodes barcodes. Nil uses the built-in gozxing scanner unless
	// DisableBarcodes is set.
	Codes           client.BarcodeRecognizer
	DisableBarcodes bool

	TextConfidence float64
	PassTimeout    time.Duration
	Compositor     []compositor.Option
	OnPublish      func([]types.DetectionResult)
	Logger         *slog.Logger
}

// Shield is the high-level entry point: live frames go in through Submit,
// photos through MaskImage, masked copies come out of SafeShare.
type Shield struct {
	detector   *detection.Detector
	controller *pipeline.Controller
	compositor *compositor.Compositor
	processor  *processing.Processor
	logger     *slog.Logger
}

// New creates a Shield with a static detection backend, barcode scanning and
// no text recognizer
func New() *Shield {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Shield from explicit options
func NewWithOptions(opts Options) *Shield {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	if backend == nil {
		backend = detection.StaticBackend{}
	}
	det := detection.New(backend)
	det.SetLogger(logger)

	codes := opts.Codes
	if codes == nil && !opts.DisableBarcodes {
		scanner := barcode.NewScanner()
		scanner.SetLogger(logger)
		codes = scanner
	}

	extOpts := []extraction.Option{extraction.WithLogger(logger)}
	if opts.TextConfidence > 0 {
		extOpts = append(extOpts, extraction.WithTextConfidence(opts.TextConfidence))
	}
	ext := extraction.New(opts.Text, codes, extOpts...)

	ctrlOpts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithTimeout(opts.PassTimeout)}
	if opts.OnPublish != nil {
		ctrlOpts = append(ctrlOpts, pipeline.WithOnPublish(opts.OnPublish))
	}

	compOpts := append([]compositor.Option{compositor.WithLogger(logger)}, opts.Compositor...)

	return &Shield{
		detector:   det,
		controller: pipeline.New(det, ext, classifier.New(), ctrlOpts...),
		compositor: compositor.New(compOpts...),
		processor:  processing.NewProcessor(),
		logger:     logger,
	}
}

// Warmup loads the detection model before the first frame
func (s *Shield) Warmup(ctx context.Context) error {
	return s.controller.Warmup(ctx)
}

// Submit hands a live frame to the pipeline without blocking
func (s *Shield) Submit(frame types.Frame) {
	s.controller.Submit(frame)
}

// Latest returns the most recently published detections
func (s *Shield) Latest() []types.DetectionResult {
	return s.controller.Latest()
}

// Analyze processes one frame and waits for its detections
func (s *Shield) Analyze(ctx context.Context, frame types.Frame) ([]types.DetectionResult, error) {
	return s.controller.Analyze(ctx, frame)
}

// AnalyzeImage processes a still image
func (s *Shield) AnalyzeImage(ctx context.Context, img image.Image) ([]types.DetectionResult, error) {
	if err := processing.ValidateImage(img, processing.MinImageSize); err != nil {
		return nil, err
	}
	return s.controller.Analyze(ctx, types.FrameFromImage(img, 0))
}

// Status reports whether detection is available
func (s *Shield) Status() pipeline.Status {
	return s.controller.Status()
}

// Stats returns pipeline counters
func (s *Shield) Stats() pipeline.Stats {
	return s.controller.Stats()
}

// BlurStrategy names the blur implementation picked for this machine
func (s *Shield) BlurStrategy() string {
	return s.compositor.BlurStrategy()
}

// Mask obscures the given regions of src
func (s *Shield) Mask(src image.Image, regions []types.Rect, mode compositor.Mode) *image.NRGBA {
	return s.compositor.Mask(src, regions, mode)
}

// SafeShare masks every detection the purpose does not need to keep
// visible. src is not modified.
func (s *Shield) SafeShare(src image.Image, detections []types.DetectionResult, purpose string, mode compositor.Mode) (*image.NRGBA, error) {
	p, err := policy.Lookup(purpose)
	if err != nil {
		return nil, err
	}
	regions := policy.Regions(detections, p)
	s.logger.Debug("safe share", "purpose", p.Purpose, "mode", mode.String(), "masked", len(regions), "kept", len(detections)-len(regions))
	return s.compositor.Mask(src, regions, mode), nil
}

// ShareLatest is SafeShare over the last published detections
func (s *Shield) ShareLatest(src image.Image, purpose string, mode compositor.Mode) (*image.NRGBA, error) {
	return s.SafeShare(src, s.Latest(), purpose, mode)
}

// MaskImage analyzes a photo and masks it for the given purpose
func (s *Shield) MaskImage(ctx context.Context, img image.Image, purpose string, mode compositor.Mode) (*image.NRGBA, []types.DetectionResult, error) {
	if _, err := policy.Lookup(purpose); err != nil {
		return nil, nil, err
	}
	detections, err := s.AnalyzeImage(ctx, img)
	if err != nil {
		return nil, nil, fmt.Errorf("analysis failed: %w", err)
	}
	masked, err := s.SafeShare(img, detections, purpose, mode)
	if err != nil {
		return nil, nil, err
	}
	return masked, detections, nil
}

// DebugOverlay draws the detections on a copy of img
func (s *Shield) DebugOverlay(img image.Image, detections []types.DetectionResult) image.Image {
	return s.processor.CreateDebugOverlay(img, nil, detections)
}

// LoadImage loads an image from file
func (s *Shield) LoadImage(path string) (image.Image, error) {
	return s.processor.LoadImage(path)
}

// LoadImageFromReader loads an image from an io.Reader
func (s *Shield) LoadImageFromReader(r io.Reader) (image.Image, error) {
	return s.processor.LoadImageFromReader(r)
}

// SaveImage saves an image to file
func (s *Shield) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	return s.processor.SaveImage(img, path, format, quality, lossless)
}

// Encode writes an image to w
func (s *Shield) Encode(w io.Writer, img image.Image, format string, quality int, lossless bool) error {
	return s.processor.Encode(w, img, format, quality, lossless)
}

// Close stops the pipeline and releases the detection backend
func (s *Shield) Close() error {
	s.controller.Close()
	return s.detector.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
