package llamacpp

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
	"strings"
	"time"

	"github.com/menta2k/privacy-shield/pkg/client"
	"github.com/menta2k/privacy-shield/pkg/processing"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultTimeout   = 300 * time.Second
	defaultMaxDim    = 1024
	defaultQuality   = 90
)

// Client recognizes text through a llama.cpp server's OpenAI-compatible API
type Client struct {
	baseURL    string
	model      string
	maxDim     int
	quality    int
	httpClient *http.Client
	logger     *slog.Logger
	processor  *processing.Processor
}

var _ client.TextRecognizer = (*Client)(nil)

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

func NewClient(serverURL, model string) (*Client, error) {
	if serverURL == "" {
		serverURL = defaultServerURL
	}

	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		model:      model,
		maxDim:     defaultMaxDim,
		quality:    defaultQuality,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     slog.Default(),
		processor:  processing.NewProcessor(),
	}, nil
}

// SetImageLimits sets the long side and JPEG quality of images sent to the server
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
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	imgB64, err := c.processor.EncodeBase64ForModel(img, "jpg", c.maxDim, c.quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	req := ChatCompletionRequest{
		Model: c.model,
		Messages: []Message{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: client.OCRPrompt},
					{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/jpeg;base64," + imgB64}},
				},
			},
		},
		Temperature: 0,
		MaxTokens:   4096,
		Stream:      false,
	}

	start := time.Now()
	respBody, err := c.sendRequest(ctx, "/v1/chat/completions", req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	responseText, err := firstText(resp)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	lines, err := client.ParseTextLines(responseText, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	for i := range lines {
		lines[i].Box = lines[i].Box.Add(b.Min)
	}

	c.logger.Debug("llama.cpp text recognition done",
		"model", c.model, "lines", len(lines), "elapsed", time.Since(start))
	return lines, nil
}

var errNoText = errors.New("no text content in response")

// firstText handles both string and content-part array replies
func firstText(resp ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	switch content := resp.Choices[0].Message.Content.(type) {
	case string:
		if content != "" {
			return content, nil
		}
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text, nil
				}
			}
		}
	}
	return "", errNoText
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// The body may echo recognized text; only the status is reported.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	return body, nil
}
