package stages

import (
	"math"
	"sort"

	"github.com/polisai/framepipe/pkg/domain"
)

// IoU returns the intersection over union of two [x, y, w, h] boxes.
func IoU(a, b domain.Box) float64 {
	left := math.Max(a.X(), b.X())
	top := math.Max(a.Y(), b.Y())
	right := math.Min(a.X()+a.W(), b.X()+b.W())
	bottom := math.Min(a.Y()+a.H(), b.Y()+b.H())
	if right <= left || bottom <= top {
		return 0
	}
	inter := (right - left) * (bottom - top)
	union := a.W()*a.H() + b.W()*b.H() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMSBoxes performs greedy non-maximum suppression. Boxes scoring at or below
// scoreThreshold are discarded, then boxes are visited by descending
// confidence and kept unless they overlap a kept box by more than
// nmsThreshold. The kept indices are returned in visiting order.
func NMSBoxes(boxes []domain.Box, confidences []float64, scoreThreshold, nmsThreshold float64) []int {
	order := make([]int, 0, len(boxes))
	for i := range boxes {
		if i < len(confidences) && confidences[i] > scoreThreshold {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return confidences[order[a]] > confidences[order[b]]
	})

	kept := make([]int, 0, len(order))
	for _, candidate := range order {
		suppressed := false
		for _, k := range kept {
			if IoU(boxes[candidate], boxes[k]) > nmsThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}
