// Package ffmpeg adapts a downloaded video file into the core's
// FrameSource contract using ffprobe for metadata and ffmpeg for
// indexed single-frame extraction.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/port"
)

// VideoSource reads frames out of a local video file by index.
type VideoSource struct {
	path       string
	frameCount int
	fps        float64
	format     string
	cleanup    func()
	logger     *zap.Logger
}

// NewVideoSource probes the container and returns a ready source.
func NewVideoSource(ctx context.Context, path, format string, logger *zap.Logger) (*VideoSource, error) {
	fps, frames, err := probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}
	return &VideoSource{
		path:       path,
		frameCount: frames,
		fps:        fps,
		format:     format,
		logger:     logger,
	}, nil
}

func (s *VideoSource) FrameCount() int { return s.frameCount }
func (s *VideoSource) FPS() float64    { return s.fps }

// Frame extracts one frame by index as encoded image bytes.
func (s *VideoSource) Frame(ctx context.Context, index int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", s.path,
		"-vf", fmt.Sprintf("select=eq(n\\,%d)", index),
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", s.codec(),
		"-",
	)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame %d: %w: %s", index, err, truncate(errBuf.String(), 256))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg frame %d: empty output", index)
	}
	return out.Bytes(), nil
}

func (s *VideoSource) Close() error {
	if s.cleanup != nil {
		s.cleanup()
	}
	return nil
}

func (s *VideoSource) codec() string {
	if s.format == "png" {
		return "png"
	}
	return "mjpeg"
}

// probe reads the stream's frame rate and frame count. nb_frames is
// absent from some containers; fall back to duration * fps.
func probe(ctx context.Context, path string) (fps float64, frames int, err error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,nb_frames,duration",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe: %w", err)
	}

	var duration float64
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "r_frame_rate":
			fps = parseRate(value)
		case "nb_frames":
			if n, perr := strconv.Atoi(value); perr == nil {
				frames = n
			}
		case "duration":
			if d, perr := strconv.ParseFloat(value, 64); perr == nil {
				duration = d
			}
		}
	}
	if fps <= 0 {
		return 0, 0, fmt.Errorf("ffprobe: no frame rate in %q", string(output))
	}
	if frames == 0 && duration > 0 {
		frames = int(duration * fps)
	}
	if frames == 0 {
		return 0, 0, fmt.Errorf("ffprobe: could not determine frame count")
	}
	return fps, frames, nil
}

// parseRate handles ffprobe's rational rates like "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Opener downloads the video object to a temp dir and opens it as a
// VideoSource. Any failure here is fatal for the job.
type Opener struct {
	storage port.VideoStorage
	tempDir string
	format  string
	logger  *zap.Logger
}

func NewOpener(storage port.VideoStorage, tempDir, format string, logger *zap.Logger) *Opener {
	return &Opener{storage: storage, tempDir: tempDir, format: format, logger: logger}
}

func (o *Opener) Open(ctx context.Context, videoKey string) (port.FrameSource, error) {
	workDir, err := os.MkdirTemp(o.tempDir, "job-*")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	videoPath := filepath.Join(workDir, "input.mp4")
	if err := o.storage.DownloadVideo(ctx, videoKey, videoPath); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("download video: %w", err)
	}

	src, err := NewVideoSource(ctx, videoPath, o.format, o.logger)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	src.cleanup = func() { os.RemoveAll(workDir) }

	o.logger.Info("video source opened",
		zap.String("video_key", videoKey),
		zap.Int("frame_count", src.FrameCount()),
		zap.Float64("fps", src.FPS()),
	)
	return src, nil
}
