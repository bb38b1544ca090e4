// Package vision finds document-like regions without a trained model.
//
// SaliencyBackend scores the input tensor by local edge strength, the way
// printed text and photos stand out against a table top, and reports the
// textured areas as detection anchors.
package vision

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/menta2k/privacy-shield/pkg/detection"
)

// DetectionConfig holds the saliency parameters
type DetectionConfig struct {
	Size           int     // square tensor side
	EdgeThreshold  float64 // minimum mean edge strength of a window
	PixelThreshold float64 // edge strength that counts when tightening a region
	MinRegionRatio float64 // regions smaller than this share of the frame are dropped
	MaxRegions     int
}

// DefaultConfig returns the parameters used by New
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		Size:           detection.DefaultInputSize,
		EdgeThreshold:  0.02,
		PixelThreshold: 0.05,
		MinRegionRatio: 0.02,
		MaxRegions:     4,
	}
}

// SaliencyBackend implements detection.Backend with an edge heuristic
type SaliencyBackend struct {
	config DetectionConfig
	edges  []float64
}

var _ detection.Backend = (*SaliencyBackend)(nil)

// New creates a SaliencyBackend with default configuration
func New() *SaliencyBackend {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a SaliencyBackend with custom configuration
func NewWithConfig(config DetectionConfig) *SaliencyBackend {
	if config.Size <= 0 {
		config.Size = detection.DefaultInputSize
	}
	if config.MaxRegions <= 0 {
		config.MaxRegions = 1
	}
	return &SaliencyBackend{config: config}
}

func (s *SaliencyBackend) Load(context.Context) error {
	s.edges = make([]float64, s.config.Size*s.config.Size)
	return nil
}

func (s *SaliencyBackend) InputSize() int { return s.config.Size }

func (s *SaliencyBackend) Close() error {
	s.edges = nil
	return nil
}

// region is a candidate area in tensor pixels
type region struct {
	rect  image.Rectangle
	score float64
}

// Infer returns one anchor per textured region, strongest first
func (s *SaliencyBackend) Infer(ctx context.Context, input []float32) (detection.Output, error) {
	n := s.config.Size
	if len(input) != n*n*3 {
		return detection.Output{}, fmt.Errorf("input has %d values, want %d", len(input), n*n*3)
	}
	if len(s.edges) != n*n {
		s.edges = make([]float64, n*n)
	}

	s.edgeMap(input)
	if err := ctx.Err(); err != nil {
		return detection.Output{}, err
	}

	regions := s.cluster(s.windows())
	minArea := int(s.config.MinRegionRatio * float64(n*n))

	var total float64
	for _, e := range s.edges {
		total += e
	}

	var found []region
	for _, r := range regions {
		tight := s.tighten(r.rect)
		if tight.Dx()*tight.Dy() < max(minArea, 1) {
			continue
		}
		found = append(found, region{rect: tight, score: s.sum(tight) / total})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].score > found[j].score })
	if len(found) > s.config.MaxRegions {
		found = found[:s.config.MaxRegions]
	}

	out := detection.Output{Anchors: len(found), Data: make([]float32, 5*len(found))}
	a, fn := len(found), float64(n)
	for i, r := range found {
		out.Data[i] = float32(float64(r.rect.Min.X+r.rect.Max.X) / 2 / fn)
		out.Data[a+i] = float32(float64(r.rect.Min.Y+r.rect.Max.Y) / 2 / fn)
		out.Data[2*a+i] = float32(float64(r.rect.Dx()) / fn)
		out.Data[3*a+i] = float32(float64(r.rect.Dy()) / fn)
		out.Data[4*a+i] = float32(0.5 + 0.5*math.Min(1, r.score))
	}
	return out, nil
}

var neighbors = [8][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}

// edgeMap fills edges with the mean RGB distance of every pixel to its 8
// neighbors, scaled to [0,1]. Border pixels are 0.
func (s *SaliencyBackend) edgeMap(input []float32) {
	n := s.config.Size
	clear(s.edges)
	for y := 1; y < n-1; y++ {
		for x := 1; x < n-1; x++ {
			i := (y*n + x) * 3
			var strength float64
			for _, o := range neighbors {
				j := ((y+o[1])*n + x + o[0]) * 3
				dr := float64(input[i] - input[j])
				dg := float64(input[i+1] - input[j+1])
				db := float64(input[i+2] - input[j+2])
				strength += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			s.edges[y*n+x] = strength / (8 * math.Sqrt(3))
		}
	}
}

// windows slides squares of several sizes over the edge map and keeps the
// ones whose mean strength passes EdgeThreshold
func (s *SaliencyBackend) windows() []region {
	n := s.config.Size
	var out []region
	for _, size := range []int{n / 8, n / 6, n / 4} {
		if size < 4 {
			continue
		}
		step := max(1, size/4)
		for y := 0; y+size <= n; y += step {
			for x := 0; x+size <= n; x += step {
				r := image.Rect(x, y, x+size, y+size)
				score := s.sum(r) / float64(size*size)
				if score > s.config.EdgeThreshold {
					out = append(out, region{rect: r, score: score})
				}
			}
		}
	}
	return out
}

// cluster merges overlapping windows into regions
func (s *SaliencyBackend) cluster(windows []region) []region {
	var clusters []region
	for _, w := range windows {
		merged := false
		for i := range clusters {
			if clusters[i].rect.Overlaps(w.rect) {
				clusters[i].rect = clusters[i].rect.Union(w.rect)
				clusters[i].score = math.Max(clusters[i].score, w.score)
				merged = true
				break
			}
		}
		if !merged {
			clusters = append(clusters, w)
		}
	}

	// Unions can grow into each other
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(clusters) && !changed; i++ {
			for j := i + 1; j < len(clusters); j++ {
				if clusters[i].rect.Overlaps(clusters[j].rect) {
					clusters[i].rect = clusters[i].rect.Union(clusters[j].rect)
					clusters[i].score = math.Max(clusters[i].score, clusters[j].score)
					clusters = append(clusters[:j], clusters[j+1:]...)
					changed = true
					break
				}
			}
		}
	}
	return clusters
}

// tighten shrinks r to the pixels whose edge strength passes PixelThreshold
func (s *SaliencyBackend) tighten(r image.Rectangle) image.Rectangle {
	n := s.config.Size
	var tight image.Rectangle
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if s.edges[y*n+x] > s.config.PixelThreshold {
				tight = tight.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	return tight
}

func (s *SaliencyBackend) sum(r image.Rectangle) float64 {
	n := s.config.Size
	var total float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			total += s.edges[y*n+x]
		}
	}
	return total
}
