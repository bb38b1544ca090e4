// Package api exposes a Shield over a local HTTP interface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	privacyshield "github.com/menta2k/privacy-shield"
	"github.com/menta2k/privacy-shield/pkg/compositor"
	"github.com/menta2k/privacy-shield/pkg/pipeline"
	"github.com/menta2k/privacy-shield/pkg/policy"
	"github.com/menta2k/privacy-shield/pkg/processing"
	"github.com/menta2k/privacy-shield/pkg/types"
)

// Options configures a Server
type Options struct {
	DefaultPurpose string
	DefaultMode    compositor.Mode
	Format         string
	Quality        int
	Lossless       bool
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server serves one Shield
type Server struct {
	shield *privacyshield.Shield
	opts   Options
	logger *slog.Logger
}

// NewServer creates a server. Zero options fall back to GENERAL, black
// rectangles and jpg at quality 90.
func NewServer(shield *privacyshield.Shield, opts Options) *Server {
	if opts.DefaultPurpose == "" {
		opts.DefaultPurpose = policy.General
	}
	if opts.Format == "" {
		opts.Format = "jpg"
	}
	if opts.Quality <= 0 {
		opts.Quality = 90
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{shield: shield, opts: opts, logger: logger}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return NewRouter(s)
}

type frameResponse struct {
	Frame string `json:"frame"`
}

type detectionsResponse struct {
	Detections []types.DetectionResult `json:"detections"`
}

type statusResponse struct {
	pipeline.Status
	Stats pipeline.Stats `json:"stats"`
	Blur  string         `json:"blur"`
}

type purposeResponse struct {
	Purpose string            `json:"purpose"`
	Label   string            `json:"label"`
	Visible []types.FieldType `json:"visible"`
}

// SubmitFrameHandler hands a frame to the pipeline and returns at once.
// The body is either an encoded image or, when X-Pixel-Format is set, raw
// pixels described by X-Width, X-Height and X-Stride. X-Rotation carries
// the clockwise rotation needed to display the frame upright.
func (s *Server) SubmitFrameHandler(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rotation, err := headerInt(r, "X-Rotation", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	frame, err := s.decodeFrame(r, body, rotation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.shield.Submit(frame)
	writeJSON(w, http.StatusAccepted, frameResponse{Frame: frame.ID})
}

// DetectionsHandler returns the latest published detections
func (s *Server) DetectionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, detectionsResponse{Detections: s.shield.Latest()})
}

// MaskHandler masks the uploaded image for ?purpose= with ?mode= and
// returns it encoded as ?format=. With ?source=latest the published
// detections are used instead of analyzing the upload.
func (s *Server) MaskHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	purpose := q.Get("purpose")
	if purpose == "" {
		purpose = s.opts.DefaultPurpose
	}
	if _, err := policy.Lookup(purpose); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode := s.opts.DefaultMode
	if m := q.Get("mode"); m != "" {
		parsed, err := compositor.ParseMode(m)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = parsed
	}
	format := s.opts.Format
	if f := q.Get("format"); f != "" {
		format = strings.ToLower(f)
	}
	switch format {
	case "jpg", "jpeg", "png", "webp":
	default:
		http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	img, err := s.shield.LoadImageFromReader(bytes.NewReader(body))
	if err != nil {
		http.Error(w, "could not decode image", http.StatusBadRequest)
		return
	}

	var (
		masked   *image.NRGBA
		detected int
	)
	if q.Get("source") == "latest" {
		out, err := s.shield.ShareLatest(img, purpose, mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		masked, detected = out, len(s.shield.Latest())
	} else {
		out, detections, err := s.shield.MaskImage(r.Context(), img, purpose, mode)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				status = http.StatusServiceUnavailable
			}
			s.logger.Warn("mask request failed", "error", err)
			http.Error(w, "analysis failed", status)
			return
		}
		masked, detected = out, len(detections)
	}

	var buf bytes.Buffer
	if err := s.shield.Encode(&buf, masked, format, s.opts.Quality, s.opts.Lossless); err != nil {
		s.logger.Error("encoding masked image", "error", err)
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", processing.ContentType(format))
	w.Header().Set("X-Detections", strconv.Itoa(detected))
	w.Header().Set("X-Mask-Mode", mode.String())
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// PurposesHandler lists the registered share purposes
func (s *Server) PurposesHandler(w http.ResponseWriter, r *http.Request) {
	var out []purposeResponse
	for _, name := range policy.Purposes() {
		p, err := policy.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, purposeResponse{Purpose: p.Purpose, Label: p.Label, Visible: p.VisibleFields()})
	}
	writeJSON(w, http.StatusOK, out)
}

// PurposeHandler describes a single share purpose
func (s *Server) PurposeHandler(w http.ResponseWriter, r *http.Request) {
	p, err := policy.Lookup(mux.Vars(r)["purpose"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, purposeResponse{Purpose: p.Purpose, Label: p.Label, Visible: p.VisibleFields()})
}

// StatusHandler reports detection availability and pipeline counters
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status: s.shield.Status(),
		Stats:  s.shield.Stats(),
		Blur:   s.shield.BlurStrategy(),
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}

func (s *Server) decodeFrame(r *http.Request, body []byte, rotation int) (types.Frame, error) {
	name := r.Header.Get("X-Pixel-Format")
	if name == "" {
		img, err := s.shield.LoadImageFromReader(bytes.NewReader(body))
		if err != nil {
			return types.Frame{}, errors.New("could not decode image")
		}
		return types.FrameFromImage(img, rotation), nil
	}

	format, err := types.ParsePixelFormat(name)
	if err != nil {
		return types.Frame{}, err
	}
	width, err := headerInt(r, "X-Width", 0)
	if err != nil {
		return types.Frame{}, err
	}
	height, err := headerInt(r, "X-Height", 0)
	if err != nil {
		return types.Frame{}, err
	}
	stride, err := headerInt(r, "X-Stride", 0)
	if err != nil {
		return types.Frame{}, err
	}
	frame := types.NewFrame(body, width, height, format, rotation)
	frame.Stride = stride
	if err := frame.Validate(); err != nil {
		return types.Frame{}, err
	}
	return frame, nil
}

func headerInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.Header.Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q", key, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
