package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	privacyshield "github.com/menta2k/privacy-shield"
	"github.com/menta2k/privacy-shield/internal/api"
	"github.com/menta2k/privacy-shield/internal/config"
	"github.com/menta2k/privacy-shield/internal/utils"
	"github.com/menta2k/privacy-shield/pkg/compositor"
	"github.com/menta2k/privacy-shield/pkg/policy"
)

func main() {
	var in, outDir, cfgPath, purpose, modeName string
	var backend, url, model, detector string
	var ext string
	var quality int
	var lossless bool
	var serve, debug, version bool
	var addr string

	flag.StringVar(&in, "in", "", "input image or directory of images (jpg/png/webp)")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&cfgPath, "config", "", "config file (default "+config.GetConfigPath()+" when present)")
	flag.StringVar(&purpose, "purpose", "", "share purpose: "+strings.Join(policy.Purposes(), "|"))
	flag.StringVar(&modeName, "mode", "", "mask mode: blur|pixel|black")

	flag.StringVar(&backend, "backend", "", "text recognizer: ollama|llamacpp|none")
	flag.StringVar(&url, "url", "", "recognizer server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	flag.StringVar(&model, "model", "", "recognizer model name")
	flag.StringVar(&detector, "detector", "", "document detector: static|saliency|sidecar")

	flag.StringVar(&ext, "ext", "", "output format: jpg|png|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP output lossless mode")

	flag.BoolVar(&serve, "serve", false, "run the local HTTP API instead of batch masking")
	flag.StringVar(&addr, "addr", "", "listen address for -serve")
	flag.BoolVar(&debug, "debug", false, "debug logging and detection overlay images")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Println(privacyshield.GetVersion())
		return
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	// Flags win over config file and environment
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["out"] {
		cfg.Output.OutputDir = outDir
	}
	if set["ext"] {
		cfg.Output.DefaultFormat = strings.ToLower(ext)
	}
	if set["quality"] {
		cfg.Output.Quality = quality
	}
	if set["lossless"] {
		cfg.Output.Lossless = lossless
	}
	if set["backend"] {
		cfg.Recognition.Backend = backend
		if !set["url"] && backend == "llamacpp" {
			cfg.Recognition.URL = "http://localhost:8080"
		}
	}
	if set["url"] {
		cfg.Recognition.URL = url
	}
	if set["model"] {
		cfg.Recognition.Model = model
	}
	if set["detector"] {
		cfg.Detector.Backend = detector
	}
	if set["addr"] {
		cfg.Server.Addr = addr
	}
	if set["mode"] {
		m, err := compositor.ParseMode(modeName)
		if err != nil {
			log.Fatal(err)
		}
		cfg.Compositor.Mode = m
	}
	if purpose == "" {
		purpose = cfg.Server.DefaultPurpose
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.RegisterPolicies(); err != nil {
		log.Fatal(err)
	}
	if _, err := policy.Lookup(purpose); err != nil {
		log.Fatal(err)
	}

	shield, err := buildShield(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer shield.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve {
		if err := runServer(ctx, shield, cfg, logger); err != nil {
			log.Fatal(err)
		}
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in card.jpg|dir [-purpose GENERAL] [-mode blur|pixel|black] [-backend ollama|llamacpp|none] [-out outdir] [-ext jpg|png|webp] | -serve", filepath.Base(os.Args[0]))
	}
	if err := runBatch(ctx, shield, cfg, in, purpose, debug); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(ctx context.Context, shield *privacyshield.Shield, cfg *config.Config, logger *slog.Logger) error {
	go func() {
		if err := shield.Warmup(ctx); err != nil {
			logger.Error("detector warmup failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(shield, api.Options{
			DefaultPurpose: cfg.Server.DefaultPurpose,
			DefaultMode:    cfg.Compositor.Mode,
			Format:         cfg.Output.DefaultFormat,
			Quality:        cfg.Output.Quality,
			Lossless:       cfg.Output.Lossless,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			Logger:         logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("stats: %+v", shield.Stats())
	return nil
}

func runBatch(ctx context.Context, shield *privacyshield.Shield, cfg *config.Config, in, purpose string, debug bool) error {
	out := cfg.Output
	if err := utils.EnsureDir(out.OutputDir); err != nil {
		return err
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		files, err := utils.ListImageFiles(in, out.OutputDir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no images found in %s", in)
		}
		inputs = files
	}

	failed := 0
	for _, path := range inputs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := maskFile(ctx, shield, cfg, path, purpose, debug); err != nil {
			log.Printf("%s: %v", path, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(inputs))
	}
	return nil
}

func maskFile(ctx context.Context, shield *privacyshield.Shield, cfg *config.Config, path, purpose string, debug bool) error {
	out := cfg.Output
	img, err := shield.LoadImage(path)
	if err != nil {
		return err
	}

	masked, detections, err := shield.MaskImage(ctx, img, purpose, cfg.Compositor.Mode)
	if err != nil {
		return err
	}

	dst := utils.MaskedFilename(path, out.OutputDir, out.Prefix, out.Suffix, purpose, out.DefaultFormat)
	if err := shield.SaveImage(masked, dst, out.DefaultFormat, out.Quality, out.Lossless); err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	size := int64(0)
	if info, err := os.Stat(dst); err == nil {
		size = info.Size()
	}
	log.Printf("wrote %s (%s, %d fields, %s)", dst, utils.FormatFileSize(size), len(detections), cfg.Compositor.Mode.Label())

	if !debug {
		return nil
	}

	base := strings.TrimSuffix(dst, filepath.Ext(dst))
	overlayPath := base + "_debug.png"
	if err := shield.SaveImage(shield.DebugOverlay(img, detections), overlayPath, "png", 92, false); err != nil {
		log.Printf("debug overlay save failed: %v", err)
	} else {
		log.Printf("wrote %s", overlayPath)
	}

	js, _ := json.MarshalIndent(detections, "", "  ")
	_ = os.WriteFile(base+"_detections.json", js, 0o644)
	return nil
}
