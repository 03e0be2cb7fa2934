// Package tracker correlates per-frame detections into persistent
// object tracks. The algorithm is deterministic: identical ordered
// input always yields identical track assignments.
package tracker

import (
	"fmt"
	"sort"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/infra/metrics"
)

// Correlator matches detections against open tracks by IoU. Not safe
// for concurrent use; the supervisor feeds it frames in strictly
// increasing index order from a single goroutine.
type Correlator struct {
	minIoU float64
	maxGap int
	alpha  float64 // EWMA weight for smoothed confidence

	open       []*entity.Track
	closed     []*entity.Track
	nextSerial map[string]int
	ordinal    int // count of observed sampled frames
	lastSeenAt map[string]int
	accepted   int
}

const defaultAlpha = 0.3

func New(minIoU float64, maxGap int) *Correlator {
	return &Correlator{
		minIoU:     minIoU,
		maxGap:     maxGap,
		alpha:      defaultAlpha,
		nextSerial: make(map[string]int),
		lastSeenAt: make(map[string]int),
	}
}

type candidate struct {
	det   int
	track int
	iou   float64
}

// Observe ingests one frame's detections. frameIndex must be strictly
// greater than any previously observed index.
func (c *Correlator) Observe(frameIndex int, detections []entity.RawDetection) {
	c.ordinal++

	// Candidate pairs: same class, IoU at or above threshold.
	var cands []candidate
	for di, det := range detections {
		for ti, tr := range c.open {
			if tr.Class != det.Class {
				continue
			}
			iou := det.Box.IoU(tr.History[len(tr.History)-1].Box)
			if iou >= c.minIoU {
				cands = append(cands, candidate{det: di, track: ti, iou: iou})
			}
		}
	}

	// Greedy highest-IoU-first. Ties: higher confidence, then smaller
	// x-coordinate, then detection input order.
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.iou != b.iou {
			return a.iou > b.iou
		}
		da, db := detections[a.det], detections[b.det]
		if da.Confidence != db.Confidence {
			return da.Confidence > db.Confidence
		}
		if da.Box.X1 != db.Box.X1 {
			return da.Box.X1 < db.Box.X1
		}
		return a.det < b.det
	})

	matchedDet := make(map[int]bool, len(detections))
	matchedTrack := make(map[int]bool, len(c.open))
	for _, cd := range cands {
		if matchedDet[cd.det] || matchedTrack[cd.track] {
			continue
		}
		matchedDet[cd.det] = true
		matchedTrack[cd.track] = true
		c.extend(c.open[cd.track], frameIndex, detections[cd.det])
	}

	for di, det := range detections {
		if !matchedDet[di] {
			c.spawn(frameIndex, det)
		}
	}
	c.accepted += len(detections)

	c.closeStale()
}

func (c *Correlator) extend(tr *entity.Track, frameIndex int, det entity.RawDetection) {
	tr.History = append(tr.History, entity.TrackPoint{
		FrameIndex: frameIndex,
		Box:        det.Box,
		Confidence: det.Confidence,
	})
	tr.Confidence = c.alpha*det.Confidence + (1-c.alpha)*tr.Confidence
	tr.LastSeen = frameIndex
	c.lastSeenAt[tr.ID] = c.ordinal
}

func (c *Correlator) spawn(frameIndex int, det entity.RawDetection) {
	c.nextSerial[det.Class]++
	tr := &entity.Track{
		ID:    fmt.Sprintf("%s-%d", det.Class, c.nextSerial[det.Class]),
		Class: det.Class,
		History: []entity.TrackPoint{{
			FrameIndex: frameIndex,
			Box:        det.Box,
			Confidence: det.Confidence,
		}},
		Confidence: det.Confidence,
		FirstSeen:  frameIndex,
		LastSeen:   frameIndex,
		State:      entity.TrackStateOpen,
	}
	c.open = append(c.open, tr)
	c.lastSeenAt[tr.ID] = c.ordinal
	metrics.TracksOpenedTotal.Inc()
}

// closeStale closes open tracks unmatched for more than maxGap
// consecutive observed frames. The gap is counted in frames that reach
// Observe: sampled frames that were skipped or failed never arrive
// here, so they do not age open tracks.
func (c *Correlator) closeStale() {
	var still []*entity.Track
	for _, tr := range c.open {
		if c.ordinal-c.lastSeenAt[tr.ID] > c.maxGap {
			tr.State = entity.TrackStateClosed
			c.closed = append(c.closed, tr)
			continue
		}
		still = append(still, tr)
	}
	c.open = still
}

// CloseAll closes every remaining open track at job finalization.
func (c *Correlator) CloseAll() {
	for _, tr := range c.open {
		tr.State = entity.TrackStateClosed
		c.closed = append(c.closed, tr)
	}
	c.open = nil
}

// Tracks returns all closed tracks ordered by first appearance, then ID.
func (c *Correlator) Tracks() []entity.Track {
	out := make([]entity.Track, 0, len(c.closed))
	for _, tr := range c.closed {
		out = append(out, *tr)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FirstSeen != out[j].FirstSeen {
			return out[i].FirstSeen < out[j].FirstSeen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Accepted is the count of detections fed into correlation.
func (c *Correlator) Accepted() int { return c.accepted }
