package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// fakeDetector scripts per-call behavior.
type fakeDetector struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) ([]entity.RawDetection, error)
}

func (f *fakeDetector) ID() string { return "fake" }

func (f *fakeDetector) Detect(ctx context.Context, _ []byte, _ float64) ([]entity.RawDetection, error) {
	call := int(f.calls.Add(1))
	return f.fn(ctx, call)
}

func oneDetection() []entity.RawDetection {
	return []entity.RawDetection{{Class: "pedestrian", Confidence: 0.9, Box: entity.BBox{X2: 10, Y2: 10}}}
}

func newExecutor(det *fakeDetector, cfg Config) *Executor {
	return New(NewPool(2, 0), det, cfg, zap.NewNop())
}

func TestInferSuccess(t *testing.T) {
	det := &fakeDetector{fn: func(context.Context, int) ([]entity.RawDetection, error) {
		return oneDetection(), nil
	}}
	ex := newExecutor(det, Config{PerFrameTimeout: time.Second})

	got, err := ex.Infer(context.Background(), entity.Frame{Index: 0}, []byte("frame"), 0.5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestInferTimeoutSkipsFrame(t *testing.T) {
	det := &fakeDetector{fn: func(ctx context.Context, _ int) ([]entity.RawDetection, error) {
		<-ctx.Done() // cancellation-aware detector
		return nil, ctx.Err()
	}}
	ex := newExecutor(det, Config{PerFrameTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := ex.Infer(context.Background(), entity.Frame{Index: 3}, nil, 0.5)
	require.ErrorIs(t, err, entity.ErrInferenceTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// Timeouts are not retried.
	assert.Equal(t, int32(1), det.calls.Load())
}

func TestInferAbandonsNonCancellableDetector(t *testing.T) {
	release := make(chan struct{})
	det := &fakeDetector{fn: func(_ context.Context, _ int) ([]entity.RawDetection, error) {
		<-release // ignores ctx entirely
		return oneDetection(), nil
	}}
	ex := newExecutor(det, Config{PerFrameTimeout: 20 * time.Millisecond})

	_, err := ex.Infer(context.Background(), entity.Frame{Index: 7}, nil, 0.5)
	require.ErrorIs(t, err, entity.ErrInferenceTimeout)

	// The abandoned call finishing later must not disturb anything.
	close(release)
	time.Sleep(20 * time.Millisecond)
}

func TestInferRetriesThenSucceeds(t *testing.T) {
	det := &fakeDetector{fn: func(_ context.Context, call int) ([]entity.RawDetection, error) {
		if call < 3 {
			return nil, errors.New("model hiccup")
		}
		return oneDetection(), nil
	}}
	ex := newExecutor(det, Config{
		PerFrameTimeout: time.Second,
		MaxRetries:      2,
		RetryBaseDelay:  time.Millisecond,
	})

	got, err := ex.Infer(context.Background(), entity.Frame{Index: 1}, nil, 0.5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(3), det.calls.Load())
}

func TestInferGivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("boom")
	det := &fakeDetector{fn: func(context.Context, int) ([]entity.RawDetection, error) {
		return nil, boom
	}}
	ex := newExecutor(det, Config{
		PerFrameTimeout: time.Second,
		MaxRetries:      2,
		RetryBaseDelay:  time.Millisecond,
	})

	_, err := ex.Infer(context.Background(), entity.Frame{Index: 2}, nil, 0.5)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), det.calls.Load())
}

func TestPoolCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	det := &fakeDetector{fn: func(context.Context, int) ([]entity.RawDetection, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}}
	ex := New(NewPool(2, 0), det, Config{PerFrameTimeout: time.Second}, zap.NewNop())

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func(i int) {
			_, _ = ex.Infer(context.Background(), entity.Frame{Index: i}, nil, 0.5)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestInferHonorsCallerCancellation(t *testing.T) {
	det := &fakeDetector{fn: func(ctx context.Context, _ int) ([]entity.RawDetection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ex := newExecutor(det, Config{PerFrameTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := ex.Infer(ctx, entity.Frame{Index: 0}, nil, 0.5)
	require.ErrorIs(t, err, context.Canceled)
}
