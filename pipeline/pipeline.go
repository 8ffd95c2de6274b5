package pipeline

import (
	"context"
	"image"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yolostream/yolo-stream-server/config"
	"github.com/yolostream/yolo-stream-server/detections"
	"github.com/yolostream/yolo-stream-server/inference"
	"github.com/yolostream/yolo-stream-server/models"
	"github.com/yolostream/yolo-stream-server/tracking"
)

// resultBuffer bounds the publish channel between the pipeline and the
// broadcast loop. When the consumer lags, the oldest batch is dropped.
const resultBuffer = 8

// Pipeline runs one frame through inference, tensor decode, non-max
// suppression, optional label filtering and tracking. It is safe for
// concurrent use: the stateless stages run in parallel, bounded by the
// adapter pool, and the tracker serializes itself.
type Pipeline struct {
	pool    *inference.AdapterPool
	decoder *detections.Decoder
	tracker *tracking.Tracker
	cfg     config.Config
	log     *logrus.Entry

	results chan models.DetectionBatch
}

// New wires a pipeline from its stages.
func New(pool *inference.AdapterPool, decoder *detections.Decoder, tracker *tracking.Tracker, cfg config.Config, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		pool:    pool,
		decoder: decoder,
		tracker: tracker,
		cfg:     cfg,
		log:     log.WithField("component", "pipeline"),
		results: make(chan models.DetectionBatch, resultBuffer),
	}
}

// Run processes one decoded image. filterLabel keeps only detections with
// that label (case-insensitive); when the label is not in the active label
// set, filtering is skipped and all detections are returned. Inference
// failures are retried once through Reinitialize; a second failure yields
// an empty batch, never an error to the caller, and leaves the tracker
// untouched.
func (p *Pipeline) Run(ctx context.Context, img image.Image, frameID string, filterLabel string) (models.DetectionBatch, error) {
	start := time.Now()
	timings := models.ProcessingTimings{RequestID: frameID}

	inferStart := time.Now()
	output, err := p.infer(ctx, img)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		if ctx.Err() != nil {
			return models.EmptyBatch(frameID, time.Now()), ctx.Err()
		}
		p.log.WithError(err).WithField("frame_id", frameID).
			Warn("inference failed after retry, returning empty batch")
		return models.EmptyBatch(frameID, time.Now()), nil
	}

	postStart := time.Now()
	candidates, diag := p.decoder.Decode(output.Data, output.Shape, p.cfg.ConfThreshold)
	if derr := diag.Err(); derr != nil {
		p.log.WithError(derr).WithField("frame_id", frameID).Warn("tensor decode incomplete")
	}

	kept := detections.Suppress(candidates, p.cfg.IoUThreshold)
	kept = p.filter(kept, filterLabel)
	timings.Postprocess = time.Since(postStart)

	now := time.Now()
	tracked := p.tracker.Update(kept, now)
	for i := range tracked {
		tracked[i].FrameID = frameID
	}
	timings.Tracking = time.Since(now)
	timings.Total = time.Since(start)
	p.logTimings(timings)

	return models.DetectionBatch{
		Detections:       tracked,
		FrameID:          frameID,
		Timestamp:        now.UnixMilli(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ImageWidth:       p.decoder.InputWidth,
		ImageHeight:      p.decoder.InputHeight,
		TotalDetections:  len(tracked),
	}, nil
}

func (p *Pipeline) logTimings(t models.ProcessingTimings) {
	p.log.WithFields(logrus.Fields{
		"request_id":  t.RequestID,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"tracking":    t.Tracking,
		"total":       t.Total,
	}).Debug("processing times")
}

// infer acquires an adapter and runs it, retrying exactly once through
// the adapter's Reinitialize on failure.
func (p *Pipeline) infer(ctx context.Context, img image.Image) (*inference.Output, error) {
	adapter, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(adapter)

	output, err := adapter.Infer(ctx, img)
	if err == nil {
		return output, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.log.WithError(err).Warn("inference failed, reinitializing adapter")
	if rerr := adapter.Reinitialize(); rerr != nil {
		return nil, rerr
	}
	return adapter.Infer(ctx, img)
}

func (p *Pipeline) filter(dets []models.Detection, label string) []models.Detection {
	if label == "" {
		return dets
	}
	if !p.decoder.HasLabel(label) {
		// Configured label is not in the active label set: filtering
		// would always return nothing, so fall back to the full set.
		p.log.WithField("label", label).Debug("filter label not in label set, skipping filter")
		return dets
	}
	out := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		if strings.EqualFold(d.Label, label) {
			out = append(out, d)
		}
	}
	return out
}

// Publish pushes a batch to the result channel, dropping the oldest
// pending batch when the consumer is behind.
func (p *Pipeline) Publish(batch models.DetectionBatch) {
	for {
		select {
		case p.results <- batch:
			return
		default:
			select {
			case <-p.results:
			default:
			}
		}
	}
}

// Results is the stream of published batches.
func (p *Pipeline) Results() <-chan models.DetectionBatch {
	return p.results
}
