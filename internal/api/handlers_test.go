package api

import (
	"bytes"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	privacyshield "github.com/menta2k/privacy-shield"
	"github.com/menta2k/privacy-shield/pkg/compositor"
	"github.com/menta2k/privacy-shield/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, chan []types.DetectionResult) {
	t.Helper()
	published := make(chan []types.DetectionResult, 4)
	shield := privacyshield.NewWithOptions(privacyshield.Options{
		OnPublish: func(r []types.DetectionResult) { published <- r },
	})
	srv := httptest.NewServer(NewServer(shield, Options{DefaultMode: compositor.BlackRectangle}).Handler())
	t.Cleanup(func() {
		srv.Close()
		shield.Close()
	})
	return srv, published
}

// qrPNG encodes a 250x250 white image with a QR code at (50,50)
func qrPNG(t *testing.T) []byte {
	t.Helper()
	bm, err := qrcode.NewQRCodeWriter().Encode("ID:123456789", gozxing.BarcodeFormat_QR_CODE, 150, 150, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	img := imaging.New(250, 250, color.White)
	for j := 0; j < bm.GetHeight(); j++ {
		for i := 0; i < bm.GetWidth(); i++ {
			if bm.Get(i, j) {
				img.Set(50+i, 50+j, color.Black)
			}
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

func post(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitRawFrame(t *testing.T) {
	srv, published := newTestServer(t)
	pix := bytes.Repeat([]byte{0xff}, 64*48)

	resp := post(t, srv.URL+"/v1/frames", pix, map[string]string{
		"X-Pixel-Format": "gray8",
		"X-Width":        "64",
		"X-Height":       "48",
		"X-Rotation":     "90",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var fr frameResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil || fr.Frame == "" {
		t.Fatalf("Expected frame id, got %+v, %v", fr, err)
	}

	select {
	case r := <-published:
		if len(r) != 0 {
			t.Errorf("Expected no detections on a blank frame, got %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Frame was never published")
	}

	get, err := http.Get(srv.URL + "/v1/detections")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var dr detectionsResponse
	if err := json.NewDecoder(get.Body).Decode(&dr); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if dr.Detections == nil || len(dr.Detections) != 0 {
		t.Errorf("Expected empty detections list, got %#v", dr.Detections)
	}
}

func TestSubmitFrameRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name    string
		body    []byte
		headers map[string]string
	}{
		{"empty body", nil, nil},
		{"undecodable image", []byte("not an image"), nil},
		{"bad rotation", []byte{1}, map[string]string{"X-Rotation": "left"}},
		{"unknown pixel format", []byte{1}, map[string]string{"X-Pixel-Format": "yuv420"}},
		{"short buffer", []byte{1, 2, 3}, map[string]string{"X-Pixel-Format": "rgba8888", "X-Width": "4", "X-Height": "4"}},
		{"overflowing geometry", make([]byte, 16), map[string]string{"X-Pixel-Format": "rgba8888", "X-Width": "4", "X-Height": "5", "X-Stride": "4611686018427387904"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/v1/frames", tt.body, tt.headers)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestMaskQRCode(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/v1/mask?purpose=general&mode=Black&format=png", qrPNG(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %q", ct)
	}
	if n := resp.Header.Get("X-Detections"); n != "1" {
		t.Errorf("Expected 1 detection, got %q", n)
	}
	if m := resp.Header.Get("X-Mask-Mode"); m != "BLACK_RECTANGLE" {
		t.Errorf("Unexpected mode %q", m)
	}

	img, err := imaging.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if img.Bounds().Dx() != 250 || img.Bounds().Dy() != 250 {
		t.Errorf("Expected 250x250 output, got %v", img.Bounds())
	}
	for y := 115; y < 135; y++ {
		for x := 115; x < 135; x++ {
			if r, g, b, _ := img.At(x, y).RGBA(); r|g|b != 0 {
				t.Fatalf("Expected QR area masked, pixel (%d,%d) is not black", x, y)
			}
		}
	}
	if r, _, _, _ := img.At(5, 5).RGBA(); r == 0 {
		t.Error("Background should be untouched")
	}
}

func TestMaskSourceLatestWithoutDetections(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/v1/mask?source=latest&format=png", qrPNG(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if n := resp.Header.Get("X-Detections"); n != "0" {
		t.Errorf("Expected 0 detections, got %q", n)
	}
}

func TestMaskRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	png := qrPNG(t)
	tests := []struct {
		name  string
		query string
		body  []byte
	}{
		{"unknown purpose", "?purpose=tax_return", png},
		{"unknown mode", "?mode=swirl", png},
		{"unknown format", "?format=gif", png},
		{"garbage image", "", []byte("garbage")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/v1/mask"+tt.query, tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestPurposes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/purposes/bank_account")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var p purposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Purpose != "BANK_ACCOUNT" || len(p.Visible) != 2 || p.Visible[0] != types.IDNumber {
		t.Errorf("Unexpected purpose %+v", p)
	}

	missing, err := http.Get(srv.URL + "/v1/purposes/tax_return")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", missing.StatusCode)
	}

	list, err := http.Get(srv.URL + "/v1/purposes")
	if err != nil {
		t.Fatal(err)
	}
	defer list.Body.Close()
	var all []purposeResponse
	if err := json.NewDecoder(list.Body).Decode(&all); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	found := false
	for _, p := range all {
		found = found || p.Purpose == "GENERAL"
	}
	if !found {
		t.Errorf("GENERAL missing from %+v", all)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for _, key := range []string{"session", "state", "busy", "stats", "blur"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status is missing %q", key)
		}
	}
	if s, _ := body["state"].(string); !strings.EqualFold(s, "starting") {
		t.Errorf("Expected starting state before any frame, got %v", body["state"])
	}
}
