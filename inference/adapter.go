package inference

import (
	"context"
	"errors"
	"image"
)

// Output is the raw result of one inference run: a flat float32 buffer
// plus the shape descriptor needed to decode it.
type Output struct {
	Data  []float32
	Shape []int64
}

// Adapter abstracts the inference engine. Implementations declare their
// own thread-safety; ONNXAdapter serializes itself, so pooled adapters
// can be used from multiple goroutines.
//
// Reinitialize tears down and rebuilds the underlying session. The
// pipeline invokes it once after a failed Infer before retrying.
type Adapter interface {
	Infer(ctx context.Context, img image.Image) (*Output, error)
	Reinitialize() error
	Close() error
}

// ErrAdapterClosed is returned by Infer after Close.
var ErrAdapterClosed = errors.New("inference adapter is closed")
