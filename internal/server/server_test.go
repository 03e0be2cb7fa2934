package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/executor"
	"github.com/roadlens/vru-detection-service/internal/registry"
	"github.com/roadlens/vru-detection-service/internal/usecase"
)

type stubSource struct {
	frameCount int
}

func (s *stubSource) FrameCount() int { return s.frameCount }
func (s *stubSource) FPS() float64    { return 30 }
func (s *stubSource) Close() error    { return nil }

func (s *stubSource) Frame(_ context.Context, index int) ([]byte, error) {
	return []byte(fmt.Sprintf("frame-%d", index)), nil
}

type stubOpener struct {
	src     port.FrameSource
	openErr error
}

func (o *stubOpener) Open(_ context.Context, _ string) (port.FrameSource, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.src, nil
}

type stubDetector struct {
	delay time.Duration
}

func (d *stubDetector) ID() string { return "stub" }

func (d *stubDetector) Detect(ctx context.Context, _ []byte, _ float64) ([]entity.RawDetection, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []entity.RawDetection{{
		Class:      "pedestrian",
		Confidence: 0.9,
		Box:        entity.BBox{X1: 10, Y1: 10, X2: 50, Y2: 80},
	}}, nil
}

func newTestServer(t *testing.T, opener port.FrameSourceOpener, det port.Detector) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, opener, det, nil)
}

func newTestServerWith(t *testing.T, opener port.FrameSourceOpener, det port.Detector, history JobHistory) *httptest.Server {
	t.Helper()
	reg := registry.New(zap.NewNop())
	t.Cleanup(reg.Close)

	defaults := usecase.Defaults{
		ConfidenceThreshold: 0.5,
		TargetClasses:       []string{"pedestrian", "cyclist"},
		MinIoU:              0.3,
		MaxGap:              3,
	}
	svc := usecase.NewDetectionService(reg, executor.NewPool(4, 0), det, opener, defaults, zap.NewNop())
	svc.Supervisor().SetGracePeriod(100 * time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	ts := httptest.NewServer(New(svc, history, zap.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func submitJob(t *testing.T, ts *httptest.Server, msg entity.SubmitMessage) entity.SubmitAck {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack entity.SubmitAck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return ack
}

func waitTerminal(t *testing.T, ts *httptest.Server, jobID string) entity.StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/jobs/" + jobID)
		require.NoError(t, err)
		var snap entity.StatusSnapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		resp.Body.Close()
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return entity.StatusSnapshot{}
}

func TestSubmitAndFetchResult(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 30}}, &stubDetector{})

	ack := submitJob(t, ts, entity.SubmitMessage{VideoKey: "dashcam/a.mp4", Stride: 10})
	assert.False(t, ack.Deduplicated)

	snap := waitTerminal(t, ts, ack.JobID.String())
	assert.Equal(t, entity.JobStateCompleted, snap.State)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + ack.JobID.String() + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result entity.JobResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, ack.JobID, result.JobID)
	assert.Equal(t, entity.ResultSourceReal, result.Source)
	assert.NotEmpty(t, result.Tracks)
}

func TestSubmitRejectsInvalidConfig(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 30}}, &stubDetector{})

	body := []byte(`{"video_key":"dashcam/a.mp4","stride":-2}`)
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "invalid_config", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "stride")
}

func TestSubmitDeduplicatesActiveVideoKey(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 200}}, &stubDetector{delay: 50 * time.Millisecond})

	first := submitJob(t, ts, entity.SubmitMessage{VideoKey: "dashcam/busy.mp4"})
	second := submitJob(t, ts, entity.SubmitMessage{VideoKey: "dashcam/busy.mp4"})

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestResultConflictBeforeTerminal(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 200}}, &stubDetector{delay: 50 * time.Millisecond})

	ack := submitJob(t, ts, entity.SubmitMessage{VideoKey: "dashcam/slow.mp4"})

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + ack.JobID.String() + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 500}}, &stubDetector{delay: 50 * time.Millisecond})

	ack := submitJob(t, ts, entity.SubmitMessage{VideoKey: "dashcam/long.mp4", Stride: 1, MaxConcurrency: 1})

	resp, err := http.Post(ts.URL+"/api/v1/jobs/"+ack.JobID.String()+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	snap := waitTerminal(t, ts, ack.JobID.String())
	assert.Equal(t, entity.JobStateCancelled, snap.State)
}

type stubHistory struct {
	jobs map[uuid.UUID]*entity.Job
}

func (h *stubHistory) FindByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	job, ok := h.jobs[id]
	if !ok {
		return nil, errors.New("no rows in result set")
	}
	return job, nil
}

func TestStatusFallsBackToStoreHistory(t *testing.T) {
	old := &entity.Job{
		ID:       uuid.New(),
		VideoKey: "dashcam/old.mp4",
		State:    entity.JobStateCompleted,
		Counters: entity.JobCounters{FramesTotal: 13, FramesProcessed: 13, DetectionsFound: 4},
	}
	hist := &stubHistory{jobs: map[uuid.UUID]*entity.Job{old.ID: old}}
	ts := newTestServerWith(t, &stubOpener{src: &stubSource{frameCount: 30}}, &stubDetector{}, hist)

	// Unknown to the registry, present in the store: served from history.
	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + old.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap entity.StatusSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, old.ID, snap.JobID)
	assert.Equal(t, entity.JobStateCompleted, snap.State)
	assert.Equal(t, 13, snap.FramesProcessed)

	// Unknown to both stays a 404.
	resp2, err := http.Get(ts.URL + "/api/v1/jobs/" + uuid.NewString())
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestUnknownJobRoutes(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 30}}, &stubDetector{})
	missing := "018f2d6e-0000-7000-8000-000000000000"

	for _, url := range []string{
		ts.URL + "/api/v1/jobs/" + missing,
		ts.URL + "/api/v1/jobs/" + missing + "/result",
		ts.URL + "/api/v1/jobs/" + missing + "/events",
	} {
		resp, err := http.Get(url)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, url)
	}

	resp, err := http.Post(ts.URL+"/api/v1/jobs/not-a-uuid/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStreamReplaysJournal(t *testing.T) {
	ts := newTestServer(t, &stubOpener{src: &stubSource{frameCount: 30}}, &stubDetector{})

	ack := submitJob(t, ts, entity.SubmitMessage{VideoKey: "dashcam/a.mp4", Stride: 10})
	waitTerminal(t, ts, ack.JobID.String())

	// Subscribing after the terminal state replays the full journal and
	// then closes the stream.
	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + ack.JobID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []entity.ProgressEvent
	var lastID uint64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			_, err := fmt.Sscanf(line, "id: %d", &lastID)
			require.NoError(t, err)
		case strings.HasPrefix(line, "data: "):
			var ev entity.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			events = append(events, ev)
		}
	}

	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq, "sequence numbers are gapless from 1")
	}
	assert.Equal(t, entity.JobStateQueued, events[0].State)
	assert.Equal(t, entity.JobStateCompleted, events[len(events)-1].State)

	// Resuming from the last seen ID yields nothing new.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs/"+ack.JobID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", fmt.Sprint(lastID))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()

	scanner = bufio.NewScanner(resp2.Body)
	for scanner.Scan() {
		assert.False(t, strings.HasPrefix(scanner.Text(), "data: "), "no events past the last seen sequence")
	}
}

func TestReadyz(t *testing.T) {
	ts := newTestServer(t, &stubOpener{openErr: errors.New("unused")}, &stubDetector{})

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
