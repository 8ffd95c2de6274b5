package models

import "time"

// Detection is a single detected object in input-tensor pixel space.
// Coordinates satisfy 0 <= X1 <= X2 <= frame width and 0 <= Y1 <= Y2 <=
// frame height after decoding.
type Detection struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	TrackID    int     `json:"track_id"`
	FrameID    string  `json:"frame_id,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

// Area returns the pixel area of the detection box.
func (d Detection) Area() float64 {
	w := d.X2 - d.X1
	h := d.Y2 - d.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return float64(w) * float64(h)
}

// DetectionBatch is the result of one pipeline run. The same shape is
// returned from the synchronous detect endpoints and pushed to streaming
// clients, so the field names here are the wire format.
type DetectionBatch struct {
	Detections       []Detection `json:"detections"`
	FrameID          string      `json:"frameId"`
	Timestamp        int64       `json:"timestamp"`
	ProcessingTimeMs int64       `json:"processingTimeMs"`
	ImageWidth       int         `json:"imageWidth"`
	ImageHeight      int         `json:"imageHeight"`
	TotalDetections  int         `json:"totalDetections"`
}

// EmptyBatch returns a batch with no detections for the given frame,
// used when inference fails permanently.
func EmptyBatch(frameID string, now time.Time) DetectionBatch {
	return DetectionBatch{
		Detections: []Detection{},
		FrameID:    frameID,
		Timestamp:  now.UnixMilli(),
	}
}

// TrackDuration is the per-track entry of a status report.
type TrackDuration struct {
	Duration string `json:"duration"`
}

// TrackStatus reports currently live tracks and how long each has been
// visible, seconds formatted to two decimals.
type TrackStatus struct {
	ActiveBottles int                      `json:"active_bottles"`
	Bottles       map[string]TrackDuration `json:"bottles"`
}

// ProcessingTimings collects per-stage durations for one request.
type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Tracking    time.Duration
	Total       time.Duration
}
