package client

import (
	"context"
	"image"
)

// TextLine is one line of recognized text in image pixel coordinates.
// Confidence is 0 when the backend does not report one.
type TextLine struct {
	Text       string
	Box        image.Rectangle
	Confidence float64
}

// Code is one decoded barcode or QR code in image pixel coordinates.
type Code struct {
	RawValue string
	Box      image.Rectangle
	IsQR     bool
}

// TextRecognizer recognizes text lines in an upright image.
type TextRecognizer interface {
	RecognizeText(ctx context.Context, img image.Image) ([]TextLine, error)
}

// BarcodeRecognizer decodes barcodes and QR codes in an upright image.
type BarcodeRecognizer interface {
	RecognizeBarcodes(ctx context.Context, img image.Image) ([]Code, error)
}
