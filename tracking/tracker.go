package tracking

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/yolostream/yolo-stream-server/detections"
	"github.com/yolostream/yolo-stream-server/models"
)

// TrackedObject is one live identity. IDs are assigned monotonically and
// never reused for a different object.
type TrackedObject struct {
	ID            int
	LastDetection models.Detection
	FirstSeen     int64 // unix ms
	LastSeen      int64 // unix ms
}

// Tracker matches detections across frames by IoU against each track's
// last known box, same label only. All methods are safe for concurrent
// use; Update runs atomically under one lock so ids within a call are
// pairwise distinct and no track is claimed twice.
type Tracker struct {
	mu             sync.Mutex
	matchThreshold float64
	expiry         time.Duration

	// Insertion order matters: matching ties go to the first track
	// scanned.
	tracks []*TrackedObject
	nextID int
}

// New creates a Tracker. matchThreshold is the minimum IoU for a
// detection to inherit an existing id; expiry removes tracks not seen
// for that long.
func New(matchThreshold float64, expiry time.Duration) *Tracker {
	return &Tracker{
		matchThreshold: matchThreshold,
		expiry:         expiry,
	}
}

// Update assigns a track id to every detection and returns the annotated
// copies in input order. Unmatched detections open new tracks.
func (t *Tracker) Update(dets []models.Detection, now time.Time) []models.Detection {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := now.UnixMilli()
	t.expireLocked(nowMs)

	claimed := make(map[int]bool, len(t.tracks))
	out := make([]models.Detection, len(dets))

	for i, det := range dets {
		var best *TrackedObject
		bestIoU := t.matchThreshold
		for _, tr := range t.tracks {
			if claimed[tr.ID] || tr.LastDetection.Label != det.Label {
				continue
			}
			if iou := detections.IoU(det, tr.LastDetection); iou > bestIoU {
				bestIoU = iou
				best = tr
			}
		}

		if best != nil {
			best.LastDetection = det
			best.LastSeen = nowMs
			claimed[best.ID] = true
			det.TrackID = best.ID
		} else {
			tr := &TrackedObject{
				ID:            t.nextID,
				LastDetection: det,
				FirstSeen:     nowMs,
				LastSeen:      nowMs,
			}
			t.nextID++
			t.tracks = append(t.tracks, tr)
			claimed[tr.ID] = true
			det.TrackID = tr.ID
		}
		det.Timestamp = nowMs
		out[i] = det
	}
	return out
}

// Status reports live tracks and how long each has been visible.
func (t *Tracker) Status(now time.Time) models.TrackStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := now.UnixMilli()
	t.expireLocked(nowMs)

	status := models.TrackStatus{
		ActiveBottles: len(t.tracks),
		Bottles:       make(map[string]models.TrackDuration, len(t.tracks)),
	}
	for _, tr := range t.tracks {
		elapsed := float64(nowMs-tr.FirstSeen) / 1000.0
		status.Bottles[strconv.Itoa(tr.ID)] = models.TrackDuration{
			Duration: fmt.Sprintf("%.2f", elapsed),
		}
	}
	return status
}

// ActiveCount returns the number of live tracks without expiring.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

func (t *Tracker) expireLocked(nowMs int64) {
	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if nowMs-tr.LastSeen <= t.expiry.Milliseconds() {
			live = append(live, tr)
		}
	}
	t.tracks = live
}
