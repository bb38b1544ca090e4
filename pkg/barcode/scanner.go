// Package barcode decodes barcodes and QR codes on-device with gozxing.
package barcode

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/menta2k/privacy-shield/pkg/client"
)

// DefaultMaxCodes bounds how many codes one image may yield.
const DefaultMaxCodes = 4

type namedReader struct {
	name   string
	reader gozxing.Reader
}

// Scanner finds codes by running each reader over the image and blanking
// every decoded code before looking for the next one.
type Scanner struct {
	mu       sync.Mutex
	readers  []namedReader
	hints    map[gozxing.DecodeHintType]interface{}
	maxCodes int
	logger   *slog.Logger
}

var _ client.BarcodeRecognizer = (*Scanner)(nil)

// NewScanner returns a scanner for QR, Data Matrix, Code 128, Code 39,
// EAN-13 and ITF.
func NewScanner() *Scanner {
	return &Scanner{
		readers: []namedReader{
			{"qr", qrcode.NewQRCodeReader()},
			{"datamatrix", datamatrix.NewDataMatrixReader()},
			{"code128", oned.NewCode128Reader()},
			{"code39", oned.NewCode39Reader()},
			{"ean13", oned.NewEAN13Reader()},
			{"itf", oned.NewITFReader()},
		},
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
		maxCodes: DefaultMaxCodes,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the scanner logger
func (s *Scanner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMaxCodes changes the per-image code limit
func (s *Scanner) SetMaxCodes(n int) {
	if n > 0 {
		s.maxCodes = n
	}
}

// RecognizeBarcodes returns every code found in img, in img's coordinate
// space. A reader that finds nothing is not an error.
func (s *Scanner) RecognizeBarcodes(ctx context.Context, img image.Image) ([]client.Code, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Working copy at the origin; decoded codes are painted over.
	work := imaging.Clone(img)
	var codes []client.Code

	for len(codes) < s.maxCodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code, ok, err := s.decodeOne(work)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		draw.Draw(work, code.Box, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
		code.Box = code.Box.Add(b.Min)
		codes = append(codes, code)
	}

	s.logger.Debug("barcode scan done", "codes", len(codes))
	return codes, nil
}

func (s *Scanner) decodeOne(img *image.NRGBA) (client.Code, bool, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return client.Code{}, false, err
	}

	for _, r := range s.readers {
		res, err := r.reader.Decode(bmp, s.hints)
		r.reader.Reset()
		if err != nil {
			// NotFound, Checksum and Format exceptions all mean "no code here"
			continue
		}
		format := res.GetBarcodeFormat()
		isQR := format == gozxing.BarcodeFormat_QR_CODE
		square := isQR || format == gozxing.BarcodeFormat_DATA_MATRIX
		box := codeBounds(res.GetResultPoints(), square, img.Bounds())
		if box.Empty() {
			continue
		}
		s.logger.Debug("code decoded", "reader", r.name, "format", format.String())
		return client.Code{
			RawValue: res.GetText(),
			Box:      box,
			IsQR:     isQR,
		}, true, nil
	}
	return client.Code{}, false, nil
}

// codeBounds turns reader result points into a box covering the whole
// symbol. QR points are finder pattern centers, 1-D points lie on a single
// scan line, so both need padding.
func codeBounds(pts []gozxing.ResultPoint, square bool, bounds image.Rectangle) image.Rectangle {
	if len(pts) == 0 {
		return image.Rectangle{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		if p == nil {
			continue
		}
		minX = math.Min(minX, p.GetX())
		minY = math.Min(minY, p.GetY())
		maxX = math.Max(maxX, p.GetX())
		maxY = math.Max(maxY, p.GetY())
	}
	if math.IsInf(minX, 0) {
		return image.Rectangle{}
	}

	dx, dy := maxX-minX, maxY-minY
	var padX, padY float64
	if square {
		pad := 0.25*math.Max(dx, dy) + 2
		padX, padY = pad, pad
	} else {
		padX = 0.05*dx + 2
		padY = math.Max(dy/2, math.Max(dx/4, 8))
	}

	r := image.Rect(
		int(math.Floor(minX-padX)),
		int(math.Floor(minY-padY)),
		int(math.Ceil(maxX+padX)),
		int(math.Ceil(maxY+padY)),
	)
	return r.Intersect(bounds)
}
