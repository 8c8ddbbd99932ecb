package stages

import (
	"testing"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestIoU(t *testing.T) {
	a := domain.Box{0, 0, 10, 10}
	assert.Equal(t, 1.0, IoU(a, a))
	assert.Equal(t, 0.0, IoU(a, domain.Box{20, 20, 5, 5}))
	assert.InDelta(t, 25.0/175.0, IoU(a, domain.Box{5, 5, 10, 10}), 1e-9)
}

func TestNMSBoxes_SuppressesOverlappingWeakerBoxes(t *testing.T) {
	boxes := []domain.Box{
		{0, 0, 100, 100},   // 0: strong
		{5, 5, 100, 100},   // 1: overlaps 0, weaker
		{300, 300, 50, 50}, // 2: separate
		{0, 0, 10, 10},     // 3: below score threshold
	}
	confidences := []float64{0.9, 0.8, 0.95, 0.4}

	kept := NMSBoxes(boxes, confidences, 0.5, 0.4)

	assert.Equal(t, []int{2, 0}, kept)
}

func TestNMSBoxes_Empty(t *testing.T) {
	assert.Empty(t, NMSBoxes(nil, nil, 0.5, 0.4))
}

func TestNMSBoxesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		boxes := make([]domain.Box, n)
		confidences := make([]float64, n)
		for i := range boxes {
			boxes[i] = domain.Box{
				rapid.Float64Range(0, 200).Draw(t, "x"),
				rapid.Float64Range(0, 200).Draw(t, "y"),
				rapid.Float64Range(1, 100).Draw(t, "w"),
				rapid.Float64Range(1, 100).Draw(t, "h"),
			}
			confidences[i] = rapid.Float64Range(0, 1).Draw(t, "conf")
		}

		kept := NMSBoxes(boxes, confidences, 0.5, 0.4)

		seen := map[int]bool{}
		for j, idx := range kept {
			if idx < 0 || idx >= n || seen[idx] {
				t.Fatalf("invalid or duplicate index %d", idx)
			}
			seen[idx] = true
			if confidences[idx] <= 0.5 {
				t.Fatalf("kept box %d below score threshold", idx)
			}
			if j > 0 && confidences[kept[j-1]] < confidences[idx] {
				t.Fatalf("indices not ordered by descending confidence")
			}
			for _, other := range kept[:j] {
				if IoU(boxes[idx], boxes[other]) > 0.4 {
					t.Fatalf("kept boxes %d and %d overlap", idx, other)
				}
			}
		}
	})
}
