package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"regexp"
	"strings"
)

// OCRPrompt asks a vision model for line-level text with normalized boxes.
const OCRPrompt = `You are an on-device text line reader for identity documents.

Return JSON only:
{
  "lines": [
    {"text": "string", "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}, "confidence": 0.0}
  ]
}

HARD RULES
- One entry per printed text line, in reading order.
- Copy the text exactly as printed. Do not translate, correct or summarize.
- All coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- confidence is your certainty in [0,1]; omit it if unknown.
- If there is no text, return {"lines": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ErrNoJSON is returned when a model reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model response")

// Box is a normalized bounding box with coordinates in [0,1].
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Pixels converts the box to pixel coordinates of a w x h image.
func (b Box) Pixels(w, h int) image.Rectangle {
	x0 := int(clamp(b.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(b.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(b.X+b.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(b.Y+b.H, 0, 1)*float64(h) + 0.5)
	return image.Rect(x0, y0, x1, y1)
}

type ocrReply struct {
	Lines []struct {
		Text       string   `json:"text"`
		Box        Box      `json:"box"`
		Confidence *float64 `json:"confidence"`
	} `json:"lines"`
}

// ParseTextLines decodes a model reply produced for OCRPrompt. Boxes are
// converted to pixels of a w x h image; empty lines and empty boxes are
// skipped.
func ParseTextLines(raw string, w, h int) ([]TextLine, error) {
	raw = SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil, ErrNoJSON
	}

	var reply ocrReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	lines := make([]TextLine, 0, len(reply.Lines))
	for _, l := range reply.Lines {
		box := l.Box.Pixels(w, h)
		if strings.TrimSpace(l.Text) == "" || box.Empty() {
			continue
		}
		line := TextLine{Text: l.Text, Box: box}
		if l.Confidence != nil {
			line.Confidence = clamp(*l.Confidence, 0, 1)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing     = regexp.MustCompile(`,(\s*[}\]])`)
)

// SanitizeModelJSON removes code fences, comment lines and trailing commas
// from a model reply and keeps the outermost object. Inline "//" is kept
// because recognized text may contain it.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
