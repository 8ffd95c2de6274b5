package server

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yolostream/yolo-stream-server/pipeline"
)

type frameJob struct {
	img     image.Image
	frameID string
}

// streamManager owns continuous-mode ingestion: a monotonic frame
// counter, a target-rate throttle, a single keep-latest pending slot and
// a small worker pool running pipeline executions. Completion order of
// frames is not guaranteed to match ingestion order.
type streamManager struct {
	pipeline *pipeline.Pipeline
	interval time.Duration
	workers  int
	log      *logrus.Entry

	enabled    atomic.Bool
	frameCount atomic.Int64

	mu         sync.Mutex
	lastAccept time.Time

	// pending holds at most one frame; a newer frame supersedes an
	// older one that no worker has picked up yet.
	pending chan frameJob
	wg      sync.WaitGroup
}

func newStreamManager(p *pipeline.Pipeline, interval time.Duration, workers int, log *logrus.Logger) *streamManager {
	if workers <= 0 {
		workers = 1
	}
	return &streamManager{
		pipeline: p,
		interval: interval,
		workers:  workers,
		log:      log.WithField("component", "stream"),
		pending:  make(chan frameJob, 1),
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (m *streamManager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
}

func (m *streamManager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.pending:
			batch, err := m.pipeline.Run(ctx, job.img, job.frameID, "")
			if err != nil {
				m.log.WithError(err).WithField("frame_id", job.frameID).
					WithField("worker", id).Warn("stream frame processing failed")
				continue
			}
			m.pipeline.Publish(batch)
		}
	}
}

// Wait blocks until the workers have exited or the timeout elapses.
func (m *streamManager) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Ingest accepts one frame for continuous processing. The frame id is
// assigned here, at ingestion, regardless of when (or whether) the frame
// is processed. Frames arriving faster than the target interval and
// frames received while streaming is disabled are dropped.
func (m *streamManager) Ingest(img image.Image) (string, bool) {
	frameID := fmt.Sprintf("frame_%d", m.frameCount.Add(1))

	if !m.enabled.Load() {
		m.log.WithField("frame_id", frameID).Debug("streaming disabled, dropping frame")
		return frameID, false
	}

	m.mu.Lock()
	now := time.Now()
	if m.interval > 0 && now.Sub(m.lastAccept) < m.interval {
		m.mu.Unlock()
		m.log.WithField("frame_id", frameID).Debug("frame over target rate, dropping")
		return frameID, false
	}
	m.lastAccept = now
	m.mu.Unlock()

	job := frameJob{img: img, frameID: frameID}
	for {
		select {
		case m.pending <- job:
			return frameID, true
		default:
			// Supersede the not-yet-started frame.
			select {
			case stale := <-m.pending:
				m.log.WithField("frame_id", stale.frameID).Debug("superseded pending frame")
			default:
			}
		}
	}
}

// SetStreaming toggles the streaming flag; idempotent.
func (m *streamManager) SetStreaming(on bool) {
	m.enabled.Store(on)
}

// Status returns the current stream state.
func (m *streamManager) Status() StreamStatus {
	return StreamStatus{
		Streaming:  m.enabled.Load(),
		FrameCount: m.frameCount.Load(),
	}
}
