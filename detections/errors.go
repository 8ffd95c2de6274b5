package detections

import "errors"

var (
	// ErrUnsupportedShape means the tensor shape matched neither the
	// channel-first nor the channel-last YOLO layout.
	ErrUnsupportedShape = errors.New("unsupported tensor shape")

	// ErrTruncatedBuffer means the data buffer was shorter than the
	// shape implied; decoding stopped at the last complete prediction.
	ErrTruncatedBuffer = errors.New("truncated tensor buffer")
)
