package processing

import (
	"bytes"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/privacy-shield/pkg/types"
)

func TestEncodeForModelResizesLongSide(t *testing.T) {
	p := NewProcessor()
	img := imaging.New(400, 100, color.White)

	data, err := p.EncodeForModel(img, "jpg", 200, 80)
	if err != nil {
		t.Fatalf("EncodeForModel failed: %v", err)
	}
	decoded, err := p.DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if decoded.Bounds().Dx() != 200 || decoded.Bounds().Dy() != 50 {
		t.Errorf("Expected 200x50, got %v", decoded.Bounds())
	}
}

func TestEncodeFormats(t *testing.T) {
	p := NewProcessor()
	img := imaging.New(16, 8, color.NRGBA{10, 20, 30, 255})

	for _, format := range []string{"jpg", "png", "webp"} {
		var buf bytes.Buffer
		if err := p.Encode(&buf, img, format, 90, true); err != nil {
			t.Fatalf("Encode %s failed: %v", format, err)
		}
		decoded, err := p.DecodeImage(buf.Bytes())
		if err != nil {
			t.Fatalf("DecodeImage %s failed: %v", format, err)
		}
		if decoded.Bounds().Dx() != 16 || decoded.Bounds().Dy() != 8 {
			t.Errorf("%s: unexpected bounds %v", format, decoded.Bounds())
		}
	}

	var buf bytes.Buffer
	if err := p.Encode(&buf, img, "tiff", 90, false); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestDecodeImageGarbage(t *testing.T) {
	if _, err := NewProcessor().DecodeImage([]byte("not an image")); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "masked.png")
	img := imaging.New(12, 9, color.Black)

	if err := p.SaveImage(img, path, "png", 90, false); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	loaded, err := p.LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if loaded.Bounds().Dx() != 12 || loaded.Bounds().Dy() != 9 {
		t.Errorf("Unexpected bounds %v", loaded.Bounds())
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	src := imaging.New(100, 100, color.White)
	det := types.NewDetectionResult(types.IDNumber, types.Rect{Left: 10, Top: 10, Right: 50, Bottom: 30}, 0.9)

	out := p.CreateDebugOverlay(src, nil, []types.DetectionResult{det})

	if got := src.NRGBAAt(10, 10); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Errorf("Source was modified: %v", got)
	}
	nrgba, ok := out.(*image.NRGBA)
	if !ok {
		t.Fatalf("Expected *image.NRGBA, got %T", out)
	}
	if got := nrgba.NRGBAAt(10, 10); got != overlayColors[types.IDNumber] {
		t.Errorf("Expected box color at corner, got %v", got)
	}
	if got := nrgba.NRGBAAt(30, 20); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Errorf("Expected box interior untouched, got %v", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{"png": "image/png", "WEBP": "image/webp", "jpg": "image/jpeg", "": "image/jpeg"}
	for format, want := range tests {
		if got := ContentType(format); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", format, got, want)
		}
	}
}

func TestValidateImage(t *testing.T) {
	if err := ValidateImage(imaging.New(10, 64, color.White), MinImageSize); err == nil {
		t.Error("Expected error for narrow image")
	}
	if err := ValidateImage(imaging.New(64, 64, color.White), MinImageSize); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	info := GetImageInfo(imaging.New(200, 100, color.White))
	if info.Width != 200 || info.Height != 100 || info.AspectRatio != 2 {
		t.Errorf("Unexpected info %+v", info)
	}
}
