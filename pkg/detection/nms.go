package detection

import (
	"math"
	"sort"

	"github.com/menta2k/privacy-shield/pkg/types"
)

// IoU returns the intersection-over-union of two rectangles. Rectangles
// that do not overlap have an IoU of 0.
func IoU(a, b types.Rect) float64 {
	il := math.Max(a.Left, b.Left)
	it := math.Max(a.Top, b.Top)
	ir := math.Min(a.Right, b.Right)
	ib := math.Min(a.Bottom, b.Bottom)
	if ir <= il || ib <= it {
		return 0
	}
	inter := (ir - il) * (ib - it)
	return inter / (a.Area() + b.Area() - inter)
}

// NonMaxSuppression keeps the most confident box of every overlapping
// cluster. Boxes are returned in selection order, highest confidence first.
// The input slice is not modified.
func NonMaxSuppression(boxes []types.CardBounds, threshold float64) []types.CardBounds {
	candidates := make([]types.CardBounds, len(boxes))
	copy(candidates, boxes)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	var kept []types.CardBounds
	for len(candidates) > 0 {
		best := candidates[0]
		kept = append(kept, best)

		remaining := candidates[:0]
		for _, c := range candidates[1:] {
			if IoU(best.Rect, c.Rect) <= threshold {
				remaining = append(remaining, c)
			}
		}
		candidates = remaining
	}
	return kept
}
