package entity

// Frame is a sampled (index, timestamp) pair. Immutable once produced
// by the sampler.
type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
}

// BBox is an axis-aligned bounding box in pixel coordinates,
// (X1,Y1) top-left, (X2,Y2) bottom-right.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

func (b BBox) Intersection(o BBox) float64 {
	inter := BBox{
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
		X2: min(b.X2, o.X2),
		Y2: min(b.Y2, o.Y2),
	}
	return inter.Area()
}

// IoU is the intersection-over-union overlap ratio, 0 when either box
// is degenerate.
func (b BBox) IoU(o BBox) float64 {
	inter := b.Intersection(o)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// RawDetection is a single detector output for one frame. Ephemeral:
// consumed by the correlator, never persisted on its own.
type RawDetection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
}

type TrackState string

const (
	TrackStateOpen   TrackState = "open"
	TrackStateClosed TrackState = "closed"
)

// TrackPoint is one observation on a track's bounding-box history.
type TrackPoint struct {
	FrameIndex int     `json:"frame_index"`
	Box        BBox    `json:"box"`
	Confidence float64 `json:"confidence"`
}

// Track is a persistent object identity across sampled frames.
// Once closed it is immutable.
type Track struct {
	ID         string       `json:"id"`
	Class      string       `json:"class"`
	History    []TrackPoint `json:"history"`
	Confidence float64      `json:"confidence"`
	FirstSeen  int          `json:"first_seen"`
	LastSeen   int          `json:"last_seen"`
	State      TrackState   `json:"state"`
}
