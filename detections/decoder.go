package detections

import (
	"fmt"
	"math"
	"strings"

	"github.com/yolostream/yolo-stream-server/models"
)

// Diagnostics reports what happened during one Decode call. Malformed
// tensors never abort decoding; they are flagged here and the caller gets
// whatever candidates were fully addressable.
type Diagnostics struct {
	UnsupportedShape bool
	Truncated        bool
	Decoded          int
	Kept             int
}

// Err returns a descriptive error when the tensor was malformed, nil
// otherwise. Truncation is not fatal: partial results are still returned.
func (d Diagnostics) Err() error {
	switch {
	case d.UnsupportedShape:
		return ErrUnsupportedShape
	case d.Truncated:
		return fmt.Errorf("%w: decoded %d predictions", ErrTruncatedBuffer, d.Decoded)
	default:
		return nil
	}
}

// Decoder turns a raw YOLO output tensor into pixel-space detections.
// It understands the two common export layouts:
//
//	channel-first: [1, 4+C, N] (box params then class scores, each laid
//	               out contiguously across all N predictions)
//	channel-last:  [N, 4+C] or [1, N, 4+C] (one prediction per row)
//
// Box params are (cx, cy, w, h) as fractions of the input size.
type Decoder struct {
	NumClasses  int
	InputWidth  int
	InputHeight int
	// Labels maps class index to name; indexes past the end fall back
	// to a generated "class_N" name.
	Labels []string
}

type tensorLayout int

const (
	layoutUnsupported tensorLayout = iota
	layoutChannelFirst
	layoutChannelLast
)

func (d *Decoder) layout(shape []int64) (tensorLayout, int) {
	features := int64(4 + d.NumClasses)
	switch len(shape) {
	case 3:
		if shape[0] == 1 && shape[1] == features {
			return layoutChannelFirst, int(shape[2])
		}
		if shape[0] == 1 && shape[2] == features {
			return layoutChannelLast, int(shape[1])
		}
	case 2:
		if shape[1] == features {
			return layoutChannelLast, int(shape[0])
		}
	}
	return layoutUnsupported, 0
}

// Decode parses the flat tensor into candidate detections above
// confThreshold, in prediction order. Sorting by confidence is the
// suppressor's job.
func (d *Decoder) Decode(buf []float32, shape []int64, confThreshold float64) ([]models.Detection, Diagnostics) {
	var diag Diagnostics

	layout, n := d.layout(shape)
	if layout == layoutUnsupported || n < 0 {
		diag.UnsupportedShape = true
		return []models.Detection{}, diag
	}

	features := 4 + d.NumClasses

	// Clip the prediction count to what the buffer can fully address
	// rather than reading out of bounds partway through a prediction.
	usable := n
	switch layout {
	case layoutChannelFirst:
		if len(buf) < features*n {
			usable = len(buf) - (features-1)*n
			if usable < 0 {
				usable = 0
			}
		}
	case layoutChannelLast:
		if len(buf)/features < n {
			usable = len(buf) / features
		}
	}
	if usable < n {
		diag.Truncated = true
	}

	at := func(pred, feature int) float64 {
		if layout == layoutChannelFirst {
			return float64(buf[feature*n+pred])
		}
		return float64(buf[pred*features+feature])
	}

	out := make([]models.Detection, 0, 64)
	for i := 0; i < usable; i++ {
		bestClass := 0
		bestScore := 0.0
		for c := 0; c < d.NumClasses; c++ {
			score := at(i, 4+c)
			if math.IsNaN(score) || math.IsInf(score, 0) {
				score = 0
			}
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		diag.Decoded++
		if bestScore < confThreshold {
			continue
		}

		cx := at(i, 0) * float64(d.InputWidth)
		cy := at(i, 1) * float64(d.InputHeight)
		w := at(i, 2) * float64(d.InputWidth)
		h := at(i, 3) * float64(d.InputHeight)

		det := models.Detection{
			X1:         clamp(int(cx-w/2), 0, d.InputWidth),
			Y1:         clamp(int(cy-h/2), 0, d.InputHeight),
			X2:         clamp(int(cx+w/2), 0, d.InputWidth),
			Y2:         clamp(int(cy+h/2), 0, d.InputHeight),
			Label:      d.className(bestClass),
			Confidence: bestScore,
		}
		if det.X2 < det.X1 {
			det.X2 = det.X1
		}
		if det.Y2 < det.Y1 {
			det.Y2 = det.Y1
		}
		out = append(out, det)
	}
	diag.Kept = len(out)
	return out, diag
}

// HasLabel reports whether name is in the active label set,
// case-insensitively.
func (d *Decoder) HasLabel(name string) bool {
	for _, l := range d.Labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

func (d *Decoder) className(class int) string {
	if class >= 0 && class < len(d.Labels) {
		return d.Labels[class]
	}
	return fmt.Sprintf("class_%d", class)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
