package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/menta2k/privacy-shield/pkg/compositor"
	"github.com/menta2k/privacy-shield/pkg/policy"
	"github.com/menta2k/privacy-shield/pkg/types"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "PRIVACY_SHIELD_"

// Config holds the application configuration
type Config struct {
	Detector    DetectorConfig    `json:"detector"`
	Recognition RecognitionConfig `json:"recognition"`
	Compositor  CompositorConfig  `json:"compositor"`
	Output      OutputConfig      `json:"output"`
	Server      ServerConfig      `json:"server"`
	Policies    []PolicyConfig    `json:"policies,omitempty"`
}

// DetectorConfig selects the document detection backend
type DetectorConfig struct {
	Backend     string   `json:"backend"` // static, saliency or sidecar
	InputSize   int      `json:"input_size"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	TimeoutSecs int      `json:"timeout_secs"`
}

// RecognitionConfig selects the text recognizer
type RecognitionConfig struct {
	Backend        string  `json:"backend"` // ollama, llamacpp or none
	URL            string  `json:"url"`
	Model          string  `json:"model"`
	MaxDim         int     `json:"max_dim"`
	Quality        int     `json:"quality"`
	TextConfidence float64 `json:"text_confidence"`
	Barcodes       bool    `json:"barcodes"`
	PassTimeoutSec int     `json:"pass_timeout_secs"`
}

// CompositorConfig holds masking parameters
type CompositorConfig struct {
	Mode         compositor.Mode `json:"mode"`
	BlurRadius   float64         `json:"blur_radius"`
	BlockSize    int             `json:"block_size"`
	SoftwareBlur bool            `json:"software_blur"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	Quality       int    `json:"quality"`
	Lossless      bool   `json:"lossless"`
	Prefix        string `json:"prefix"`
	Suffix        string `json:"suffix"`
}

// ServerConfig configures the local HTTP API
type ServerConfig struct {
	Addr           string `json:"addr"`
	MaxUploadMB    int    `json:"max_upload_mb"`
	DefaultPurpose string `json:"default_purpose"`
}

// PolicyConfig declares an extra share purpose
type PolicyConfig struct {
	Purpose string            `json:"purpose"`
	Label   string            `json:"label"`
	Visible []types.FieldType `json:"visible"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Backend:     "static",
			InputSize:   320,
			TimeoutSecs: 10,
		},
		Recognition: RecognitionConfig{
			Backend:        "none",
			URL:            "http://localhost:11434",
			Model:          "minicpm-v4",
			MaxDim:         1024,
			Quality:        85,
			TextConfidence: 0.7,
			Barcodes:       true,
			PassTimeoutSec: 60,
		},
		Compositor: CompositorConfig{
			Mode:       compositor.BlackRectangle,
			BlurRadius: compositor.DefaultBlurRadius,
			BlockSize:  compositor.DefaultBlockSize,
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			OutputDir:     "./output",
			Quality:       90,
			Prefix:        "",
			Suffix:        "_masked",
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8090",
			MaxUploadMB:    20,
			DefaultPurpose: policy.General,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Keys missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv loads a .env file when present and applies PRIVACY_SHIELD_*
// overrides on top of the current values
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load()

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	str("DETECTOR", &c.Detector.Backend)
	str("DETECTOR_COMMAND", &c.Detector.Command)
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "DETECTOR_ARGS")); v != "" {
		c.Detector.Args = strings.Fields(v)
	}
	str("RECOGNITION", &c.Recognition.Backend)
	str("RECOGNITION_URL", &c.Recognition.URL)
	str("RECOGNITION_MODEL", &c.Recognition.Model)
	str("OUTPUT_DIR", &c.Output.OutputDir)
	str("OUTPUT_FORMAT", &c.Output.DefaultFormat)
	str("ADDR", &c.Server.Addr)

	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "MODE")); v != "" {
		m, err := compositor.ParseMode(v)
		if err != nil {
			return fmt.Errorf("%sMODE: %w", EnvPrefix, err)
		}
		c.Compositor.Mode = m
	}

	for _, err := range []error{
		num("INPUT_SIZE", &c.Detector.InputSize),
		num("QUALITY", &c.Output.Quality),
		num("BLOCK_SIZE", &c.Compositor.BlockSize),
		flag("BARCODES", &c.Recognition.Barcodes),
		flag("SOFTWARE_BLUR", &c.Compositor.SoftwareBlur),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case "static", "saliency":
	case "sidecar":
		if c.Detector.Command == "" {
			return fmt.Errorf("detector.command is required for the sidecar backend")
		}
	default:
		return fmt.Errorf("detector.backend must be static, saliency or sidecar, got %q", c.Detector.Backend)
	}

	if c.Detector.InputSize < 32 {
		return fmt.Errorf("detector.input_size must be at least 32")
	}

	switch c.Recognition.Backend {
	case "none":
	case "ollama", "llamacpp":
		if c.Recognition.URL == "" {
			return fmt.Errorf("recognition.url is required for the %s backend", c.Recognition.Backend)
		}
	default:
		return fmt.Errorf("recognition.backend must be ollama, llamacpp or none, got %q", c.Recognition.Backend)
	}

	if c.Recognition.TextConfidence < 0 || c.Recognition.TextConfidence > 1 {
		return fmt.Errorf("recognition.text_confidence must be between 0 and 1")
	}

	if c.Compositor.BlurRadius <= 0 {
		return fmt.Errorf("compositor.blur_radius must be positive")
	}

	if c.Compositor.BlockSize < 1 {
		return fmt.Errorf("compositor.block_size must be positive")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch strings.ToLower(c.Output.DefaultFormat) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.default_format must be jpg, png or webp")
	}

	for i, p := range c.Policies {
		if strings.TrimSpace(p.Purpose) == "" {
			return fmt.Errorf("policies[%d].purpose cannot be empty", i)
		}
	}

	return nil
}

// PassTimeout is the per-frame deadline
func (c *Config) PassTimeout() time.Duration {
	return time.Duration(c.Recognition.PassTimeoutSec) * time.Second
}

// RegisterPolicies adds the configured purposes to the policy registry
func (c *Config) RegisterPolicies() error {
	for _, p := range c.Policies {
		label := p.Label
		if label == "" {
			label = p.Purpose
		}
		if err := policy.Register(policy.New(p.Purpose, label, p.Visible...)); err != nil {
			return err
		}
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "privacy-shield", "config.json")
}
