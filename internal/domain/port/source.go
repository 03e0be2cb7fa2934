package port

import "context"

// FrameSource is the collaborator contract for video access. The core
// never touches codecs or containers directly.
type FrameSource interface {
	FrameCount() int
	FPS() float64
	// Frame returns the encoded image bytes for one frame index.
	Frame(ctx context.Context, index int) ([]byte, error)
	Close() error
}

// FrameSourceOpener resolves a video key to a readable source. An open
// failure is fatal for the job (entity.SourceUnavailableError).
type FrameSourceOpener interface {
	Open(ctx context.Context, videoKey string) (FrameSource, error)
}
