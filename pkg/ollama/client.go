package ollama

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/privacy-shield/pkg/client"
	"github.com/menta2k/privacy-shield/pkg/processing"
)

const (
	// DefaultTimeout applies when the caller's context has no deadline
	DefaultTimeout = 300 * time.Second
	// DefaultMaxDim is the long side of the image sent to the model
	DefaultMaxDim  = 1024
	defaultQuality = 90
)

// Client recognizes text through an Ollama vision model
type Client struct {
	client    *api.Client
	model     string
	maxDim    int
	quality   int
	logger    *slog.Logger
	processor *processing.Processor
}

var _ client.TextRecognizer = (*Client)(nil)

// NewClient creates a new Ollama text recognizer
func NewClient(ollamaURL, model string) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	// Drop any path like /api/chat, the SDK adds its own
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{
		client:    api.NewClient(baseURL, http.DefaultClient),
		model:     model,
		maxDim:    DefaultMaxDim,
		quality:   defaultQuality,
		logger:    slog.Default(),
		processor: processing.NewProcessor(),
	}, nil
}

// SetImageLimits sets the long side and JPEG quality of images sent to the model
func (c *Client) SetImageLimits(maxDim, quality int) {
	if maxDim > 0 {
		c.maxDim = maxDim
	}
	if quality > 0 && quality <= 100 {
		c.quality = quality
	}
}

// SetLogger replaces the client logger
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// RecognizeText returns the text lines of img. Boxes are in img's
// coordinate space.
func (c *Client) RecognizeText(ctx context.Context, img image.Image) ([]client.TextLine, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	imgBytes, err := c.processor.EncodeForModel(img, "jpg", c.maxDim, c.quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: client.OCRPrompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: modelOptions(c.model),
	}

	start := time.Now()
	var responseContent string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent += resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}
	if responseContent == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}

	b := img.Bounds()
	lines, err := client.ParseTextLines(responseContent, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	for i := range lines {
		lines[i].Box = lines[i].Box.Add(b.Min)
	}

	c.logger.Debug("ollama text recognition done",
		"model", c.model, "lines", len(lines), "elapsed", time.Since(start))
	return lines, nil
}

// modelOptions keeps sampling deterministic; recognized text is copied, not generated.
func modelOptions(model string) map[string]any {
	options := map[string]any{
		"temperature": 0.0,
	}
	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["num_ctx"] = 4096
	}
	return options
}
