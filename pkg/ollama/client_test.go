package ollama

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/ollama/ollama/api"
)

func fakeOllama(t *testing.T, content string, seen *api.ChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := api.ChatResponse{
			Model:   seen.Model,
			Message: api.Message{Role: "assistant", Content: content},
			Done:    true,
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRecognizeText(t *testing.T) {
	var seen api.ChatRequest
	srv := fakeOllama(t, `{"lines":[{"text":"Jane Doe","box":{"x":0.1,"y":0.1,"w":0.5,"h":0.2},"confidence":0.9}]}`, &seen)

	c, err := NewClient(srv.URL+"/api/chat", "minicpm-v")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	img := imaging.New(200, 100, color.White)
	lines, err := c.RecognizeText(context.Background(), img)
	if err != nil {
		t.Fatalf("RecognizeText failed: %v", err)
	}

	if seen.Model != "minicpm-v" {
		t.Errorf("Expected model minicpm-v, got %q", seen.Model)
	}
	if len(seen.Messages) != 1 || len(seen.Messages[0].Images) != 1 {
		t.Fatalf("Expected one message with one image, got %+v", seen.Messages)
	}
	if len(lines) != 1 || lines[0].Text != "Jane Doe" {
		t.Fatalf("Unexpected lines %+v", lines)
	}
	if lines[0].Box != image.Rect(20, 10, 120, 30) {
		t.Errorf("Unexpected box %v", lines[0].Box)
	}
}

func TestRecognizeTextOffsetsSubImage(t *testing.T) {
	var seen api.ChatRequest
	srv := fakeOllama(t, `{"lines":[{"text":"x","box":{"x":0,"y":0,"w":1,"h":1}}]}`, &seen)

	c, err := NewClient(srv.URL, "m")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	full := image.NewRGBA(image.Rect(0, 0, 100, 100))
	sub := full.SubImage(image.Rect(10, 20, 60, 40))
	lines, err := c.RecognizeText(context.Background(), sub)
	if err != nil {
		t.Fatalf("RecognizeText failed: %v", err)
	}
	if len(lines) != 1 || lines[0].Box != image.Rect(10, 20, 60, 40) {
		t.Errorf("Expected box in sub-image coordinates, got %+v", lines)
	}
}

func TestRecognizeTextUnparseable(t *testing.T) {
	var seen api.ChatRequest
	srv := fakeOllama(t, "Sorry, I can't help with that.", &seen)

	c, err := NewClient(srv.URL, "m")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.RecognizeText(context.Background(), imaging.New(10, 10, color.White)); err == nil {
		t.Error("Expected error for non-JSON reply")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("localhost", "m"); err == nil {
		t.Error("Expected error for URL without scheme")
	}
	if _, err := NewClient("http://localhost:11434", ""); err == nil {
		t.Error("Expected error for empty model")
	}
}
