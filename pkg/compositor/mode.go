package compositor

import (
	"fmt"
	"strings"
)

// Mode selects how a region is obscured.
type Mode int

const (
	Gaussian Mode = iota
	Pixelate
	BlackRectangle
)

var modeNames = [...]struct{ name, label string }{
	Gaussian:       {"GAUSSIAN", "Blur"},
	Pixelate:       {"PIXELATE", "Pixel"},
	BlackRectangle: {"BLACK_RECTANGLE", "Black"},
}

func (m Mode) valid() bool {
	return m >= Gaussian && m <= BlackRectangle
}

func (m Mode) String() string {
	if !m.valid() {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m].name
}

// Label is the short name shown next to a mode picker.
func (m Mode) Label() string {
	if !m.valid() {
		return ""
	}
	return modeNames[m].label
}

// ParseMode accepts a mode name or label, case-insensitively.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(s)
	for m, n := range modeNames {
		if strings.EqualFold(s, n.name) || strings.EqualFold(s, n.label) {
			return Mode(m), nil
		}
	}
	switch strings.ToLower(s) {
	case "black", "black-rectangle", "blackrectangle":
		return BlackRectangle, nil
	}
	return 0, fmt.Errorf("unknown mask mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, fmt.Errorf("invalid mask mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
