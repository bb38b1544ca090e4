package main

import (
	"fmt"
	"log/slog"
	"time"

	privacyshield "github.com/menta2k/privacy-shield"
	"github.com/menta2k/privacy-shield/internal/config"
	"github.com/menta2k/privacy-shield/pkg/client"
	"github.com/menta2k/privacy-shield/pkg/compositor"
	"github.com/menta2k/privacy-shield/pkg/detection"
	"github.com/menta2k/privacy-shield/pkg/llamacpp"
	"github.com/menta2k/privacy-shield/pkg/ollama"
	"github.com/menta2k/privacy-shield/pkg/sidecar"
	"github.com/menta2k/privacy-shield/pkg/vision"
)

// buildShield wires the configured backends into a Shield
func buildShield(cfg *config.Config, logger *slog.Logger) (*privacyshield.Shield, error) {
	var backend detection.Backend
	switch cfg.Detector.Backend {
	case "static":
		backend = detection.StaticBackend{Size: cfg.Detector.InputSize}
	case "saliency":
		vc := vision.DefaultConfig()
		vc.Size = cfg.Detector.InputSize
		backend = vision.NewWithConfig(vc)
	case "sidecar":
		backend = sidecar.New(sidecar.Config{
			Command:   cfg.Detector.Command,
			Args:      cfg.Detector.Args,
			InputSize: cfg.Detector.InputSize,
			Timeout:   time.Duration(cfg.Detector.TimeoutSecs) * time.Second,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown detector backend: %s (use 'static', 'saliency' or 'sidecar')", cfg.Detector.Backend)
	}

	var text client.TextRecognizer
	rc := cfg.Recognition
	switch rc.Backend {
	case "none":
	case "ollama":
		c, err := ollama.NewClient(rc.URL, rc.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		c.SetImageLimits(rc.MaxDim, rc.Quality)
		c.SetLogger(logger)
		text = c
	case "llamacpp":
		c, err := llamacpp.NewClient(rc.URL, rc.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		c.SetImageLimits(rc.MaxDim, rc.Quality)
		c.SetLogger(logger)
		text = c
	default:
		return nil, fmt.Errorf("unknown recognition backend: %s (use 'ollama', 'llamacpp' or 'none')", rc.Backend)
	}

	compOpts := []compositor.Option{
		compositor.WithBlurRadius(cfg.Compositor.BlurRadius),
		compositor.WithBlockSize(cfg.Compositor.BlockSize),
	}
	if cfg.Compositor.SoftwareBlur {
		compOpts = append(compOpts, compositor.WithSoftwareBlur())
	}

	return privacyshield.NewWithOptions(privacyshield.Options{
		Backend:         backend,
		Text:            text,
		DisableBarcodes: !rc.Barcodes,
		TextConfidence:  rc.TextConfidence,
		PassTimeout:     cfg.PassTimeout(),
		Compositor:      compOpts,
		Logger:          logger,
	}), nil
}
