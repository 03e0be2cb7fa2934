// Package sampler turns a video's frame count into the deterministic,
// finite set of frame indices a job will process.
package sampler

import (
	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// Plan is an immutable sampling plan. Frames returns a fresh copy each
// call, so iteration is restartable.
type Plan struct {
	frames []entity.Frame
	stride int
}

// New builds the plan for a video of frameCount frames at fps.
// Exactly one of stride/maxSamples drives the plan: when maxSamples is
// set, the stride is derived as ceil(frameCount/maxSamples). The first
// frame is always included; the last frame is included whenever the
// video is longer than one stride, so a maxSamples-derived plan can
// hold maxSamples+1 frames when the tail rule adds one.
func New(frameCount int, fps float64, stride, maxSamples int) (*Plan, error) {
	if stride < 0 || (stride == 0 && maxSamples == 0) {
		return nil, &entity.ConfigError{Field: "stride", Reason: "must be > 0"}
	}
	if maxSamples < 0 {
		return nil, &entity.ConfigError{Field: "max_samples", Reason: "must be > 0"}
	}
	if frameCount <= 0 {
		return &Plan{stride: stride}, nil
	}
	if maxSamples > 0 {
		stride = (frameCount + maxSamples - 1) / maxSamples
		if stride < 1 {
			stride = 1
		}
	}
	if fps <= 0 {
		fps = 1
	}

	var frames []entity.Frame
	for idx := 0; idx < frameCount; idx += stride {
		frames = append(frames, entity.Frame{Index: idx, Timestamp: float64(idx) / fps})
	}
	// Keep the tail: a video longer than one stride always contributes
	// its last frame.
	last := frameCount - 1
	if frameCount > stride && frames[len(frames)-1].Index != last {
		frames = append(frames, entity.Frame{Index: last, Timestamp: float64(last) / fps})
	}

	return &Plan{frames: frames, stride: stride}, nil
}

// Frames returns the sampled frames in increasing index order.
func (p *Plan) Frames() []entity.Frame {
	out := make([]entity.Frame, len(p.frames))
	copy(out, p.frames)
	return out
}

func (p *Plan) Len() int { return len(p.frames) }

// Stride is the effective stride, after derivation from maxSamples.
func (p *Plan) Stride() int { return p.stride }
