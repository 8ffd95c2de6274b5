package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolostream/yolo-stream-server/config"
	"github.com/yolostream/yolo-stream-server/detections"
	"github.com/yolostream/yolo-stream-server/inference"
	"github.com/yolostream/yolo-stream-server/models"
	"github.com/yolostream/yolo-stream-server/tracking"
)

// mockAdapter fails its first failures Infer calls, then returns output.
type mockAdapter struct {
	mu          sync.Mutex
	inferCalls  int
	reinitCalls int
	failures    int
	output      *inference.Output
}

func (m *mockAdapter) Infer(_ context.Context, _ image.Image) (*inference.Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferCalls++
	if m.inferCalls <= m.failures {
		return nil, errors.New("transient inference failure")
	}
	return m.output, nil
}

func (m *mockAdapter) Reinitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reinitCalls++
	return nil
}

func (m *mockAdapter) Close() error { return nil }

// singleBottleOutput is a channel-first [1, 6, 1] tensor holding one
// bottle detection at the image center.
func singleBottleOutput() *inference.Output {
	row := []float32{0.5, 0.5, 0.25, 0.5, 0.1, 0.9}
	return &inference.Output{Data: row, Shape: []int64{1, 6, 1}}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testPipeline(t *testing.T, adapter inference.Adapter) (*Pipeline, *tracking.Tracker) {
	t.Helper()
	pool, err := inference.NewAdapterPool(func() (inference.Adapter, error) {
		return adapter, nil
	}, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := config.Config{ConfThreshold: 0.25, IoUThreshold: 0.45}
	decoder := &detections.Decoder{
		NumClasses:  2,
		InputWidth:  640,
		InputHeight: 640,
		Labels:      []string{"person", "bottle"},
	}
	tracker := tracking.New(0.3, 10*time.Second)
	return New(pool, decoder, tracker, cfg, quietLogger()), tracker
}

func testImage() image.Image {
	return image.NewNRGBA(image.Rect(0, 0, 8, 8))
}

func TestRunSingleObject(t *testing.T) {
	adapter := &mockAdapter{output: singleBottleOutput()}
	p, _ := testPipeline(t, adapter)

	batch, err := p.Run(context.Background(), testImage(), "frame_1", "")
	require.NoError(t, err)
	require.Len(t, batch.Detections, 1)

	det := batch.Detections[0]
	assert.Less(t, det.X1, det.X2)
	assert.Less(t, det.Y1, det.Y2)
	assert.Equal(t, "bottle", det.Label)
	assert.Equal(t, "frame_1", det.FrameID)
	assert.Equal(t, 1, batch.TotalDetections)
	assert.Equal(t, 640, batch.ImageWidth)
	assert.GreaterOrEqual(t, batch.ProcessingTimeMs, int64(0))
}

func TestRunRetriesOnceThroughReinitialize(t *testing.T) {
	adapter := &mockAdapter{output: singleBottleOutput(), failures: 1}
	p, _ := testPipeline(t, adapter)

	batch, err := p.Run(context.Background(), testImage(), "frame_1", "")
	require.NoError(t, err)
	assert.Len(t, batch.Detections, 1)
	assert.Equal(t, 2, adapter.inferCalls)
	assert.Equal(t, 1, adapter.reinitCalls)
}

func TestRunPermanentFailureYieldsEmptyBatch(t *testing.T) {
	adapter := &mockAdapter{output: singleBottleOutput(), failures: 2}
	p, tracker := testPipeline(t, adapter)

	batch, err := p.Run(context.Background(), testImage(), "frame_1", "")
	require.NoError(t, err, "a permanent inference failure is a soft error")
	assert.Empty(t, batch.Detections)
	assert.Equal(t, 2, adapter.inferCalls, "exactly one retry")
	assert.Equal(t, 1, adapter.reinitCalls)
	assert.Equal(t, 0, tracker.ActiveCount(), "failed runs never touch the tracker")
}

func TestRunLabelFilter(t *testing.T) {
	// Two predictions: one person, one bottle, far apart.
	data := []float32{
		0.2, 0.2, 0.1, 0.1, 0.9, 0.0,
		0.8, 0.8, 0.1, 0.1, 0.0, 0.9,
	}
	adapter := &mockAdapter{output: &inference.Output{Data: data, Shape: []int64{2, 6}}}
	p, _ := testPipeline(t, adapter)

	batch, err := p.Run(context.Background(), testImage(), "frame_1", "bottle")
	require.NoError(t, err)
	require.Len(t, batch.Detections, 1)
	assert.Equal(t, "bottle", batch.Detections[0].Label)
}

func TestRunFilterFallsBackWhenLabelUnknown(t *testing.T) {
	data := []float32{
		0.2, 0.2, 0.1, 0.1, 0.9, 0.0,
		0.8, 0.8, 0.1, 0.1, 0.0, 0.9,
	}
	adapter := &mockAdapter{output: &inference.Output{Data: data, Shape: []int64{2, 6}}}
	p, _ := testPipeline(t, adapter)

	// "zebra" is not in the label set: filtering is a no-op, not an
	// empty result.
	batch, err := p.Run(context.Background(), testImage(), "frame_1", "zebra")
	require.NoError(t, err)
	assert.Len(t, batch.Detections, 2)
}

func TestRunAssignsStableTrackIDs(t *testing.T) {
	adapter := &mockAdapter{output: singleBottleOutput()}
	p, _ := testPipeline(t, adapter)

	first, err := p.Run(context.Background(), testImage(), "frame_1", "")
	require.NoError(t, err)
	second, err := p.Run(context.Background(), testImage(), "frame_2", "")
	require.NoError(t, err)

	require.Len(t, first.Detections, 1)
	require.Len(t, second.Detections, 1)
	assert.Equal(t, first.Detections[0].TrackID, second.Detections[0].TrackID)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	adapter := &mockAdapter{output: singleBottleOutput()}
	p, _ := testPipeline(t, adapter)

	total := resultBuffer + 2
	for i := 0; i < total; i++ {
		p.Publish(models.DetectionBatch{FrameID: fmt.Sprintf("frame_%d", i)})
	}

	first := <-p.Results()
	assert.Equal(t, fmt.Sprintf("frame_%d", total-resultBuffer), first.FrameID,
		"the oldest batches are dropped, not the newest")
	assert.Len(t, p.Results(), resultBuffer-1)
}
