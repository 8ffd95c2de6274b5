package detections

import (
	"sort"

	"github.com/yolostream/yolo-stream-server/models"
)

// IoU computes intersection-over-union of two boxes. Returns 0 when the
// boxes do not overlap or the union area is zero.
func IoU(a, b models.Detection) float64 {
	x1 := maxInt(a.X1, b.X1)
	y1 := maxInt(a.Y1, b.Y1)
	x2 := minInt(a.X2, b.X2)
	y2 := minInt(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	intersection := float64(x2-x1) * float64(y2-y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Suppress applies greedy non-max suppression: candidates are stable-sorted
// by descending confidence, then each survivor discards every remaining
// candidate overlapping it with IoU above iouThreshold. Equal-confidence
// ties keep their input order.
func Suppress(candidates []models.Detection, iouThreshold float64) []models.Detection {
	if len(candidates) == 0 {
		return []models.Detection{}
	}

	sorted := make([]models.Detection, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]models.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if IoU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
