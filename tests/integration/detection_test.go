package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/executor"
	"github.com/roadlens/vru-detection-service/internal/infra/detector"
	"github.com/roadlens/vru-detection-service/internal/infra/ffmpeg"
	miniostorage "github.com/roadlens/vru-detection-service/internal/infra/minio"
	"github.com/roadlens/vru-detection-service/internal/infra/postgres"
	"github.com/roadlens/vru-detection-service/internal/infra/rabbitmq"
	"github.com/roadlens/vru-detection-service/internal/registry"
	"github.com/roadlens/vru-detection-service/internal/relay"
	"github.com/roadlens/vru-detection-service/internal/usecase"
	"github.com/roadlens/vru-detection-service/pkg/logger"
)

type stack struct {
	pgConnStr string
	rmqURL    string
	minioEnd  string
	pool      *pgxpool.Pool
	rmqConn   *amqp.Connection
	storage   *miniostorage.Storage
	log       *zap.Logger
}

// startStack brings up postgres, rabbitmq and minio containers, runs
// migrations and ensures the video bucket.
func startStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("jobs"),
		tcpostgres.WithUsername("job_user"),
		tcpostgres.WithPassword("job_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	t.Cleanup(func() { rmqContainer.Terminate(ctx) })

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { minioContainer.Terminate(ctx) })

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	require.NoError(t, postgres.RunMigrations(pgConnStr, "../../migrations"))

	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:    minioEndpoint,
		AccessKey:   "minioadmin",
		SecretKey:   "minioadmin",
		UseSSL:      false,
		VideoBucket: "videos",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBucket(ctx))

	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	t.Cleanup(func() { rmqConn.Close() })

	log, _ := logger.New("debug")

	return &stack{
		pgConnStr: pgConnStr,
		rmqURL:    rmqURL,
		minioEnd:  minioEndpoint,
		pool:      pool,
		rmqConn:   rmqConn,
		storage:   storage,
		log:       log,
	}
}

// startService wires the full pipeline the way cmd/worker does, with
// the synthetic detector standing in for a model server.
func (s *stack) startService(t *testing.T, ctx context.Context) {
	t.Helper()

	pub, err := rabbitmq.NewPublisher(s.rmqConn, "roadlens.video")
	require.NoError(t, err)

	progressPub := rabbitmq.NewProgressPublisher(pub)
	resultPub := rabbitmq.NewResultPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, "video.detect.submit.dlq")

	reg := registry.New(s.log)
	t.Cleanup(reg.Close)

	det := detector.NewSyntheticDetector([]string{"pedestrian", "cyclist"})
	opener := ffmpeg.NewOpener(s.storage, t.TempDir(), "png", s.log)

	service := usecase.NewDetectionService(
		reg,
		executor.NewPool(4, 0),
		det,
		opener,
		usecase.Defaults{
			ConfidenceThreshold: 0.5,
			TargetClasses:       []string{"pedestrian", "cyclist"},
			MinIoU:              0.3,
			MaxGap:              3,
		},
		s.log,
	)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		service.Shutdown(shutdownCtx)
	})

	recorder := postgres.NewJobRecorder(s.pool)
	go relay.New(reg, progressPub, resultPub, recorder, s.log).Run(ctx)

	gateway := rabbitmq.NewSubmitGateway(service, dlqPub, s.log)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         s.rmqURL,
		Queue:       "video.detect.submit",
		Exchange:    "roadlens.video",
		DLQ:         "video.detect.submit.dlq",
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, gateway.Handle, s.log)
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	go consumer.Start(ctx)

	// Give the consumer time to start
	time.Sleep(500 * time.Millisecond)
}

func (s *stack) publishSubmit(t *testing.T, ctx context.Context, body []byte) {
	t.Helper()
	ch, err := s.rmqConn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.PublishWithContext(ctx,
		"roadlens.video",
		rabbitmq.SubmitRoutingKey,
		false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	))
}

func TestDetectVideoEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	testVideoPath := filepath.Join("..", "testdata", "test.mp4")
	if _, err := os.Stat(testVideoPath); os.IsNotExist(err) {
		t.Skip("test video not found at tests/testdata/test.mp4 - generate it with: ffmpeg -f lavfi -i testsrc=duration=2:size=320x240:rate=10 -c:v libx264 -pix_fmt yuv420p tests/testdata/test.mp4")
	}

	s := startStack(t, ctx)
	s.startService(t, ctx)

	// Upload the test video
	minioClient, err := miniogo.New(s.minioEnd, &miniogo.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	videoKey := "dashcam/test.mp4"
	_, err = minioClient.FPutObject(ctx, "videos", videoKey, testVideoPath, miniogo.PutObjectOptions{
		ContentType: "video/mp4",
	})
	require.NoError(t, err)

	// Submit via the queue
	fallback := true
	msg := entity.SubmitMessage{
		VideoKey:        videoKey,
		Stride:          5,
		FallbackEnabled: &fallback,
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	s.publishSubmit(t, ctx, body)

	// Wait for the final result on the result queue
	resCh, err := s.rmqConn.Channel()
	require.NoError(t, err)
	defer resCh.Close()

	resultMsgs, err := resCh.Consume(rabbitmq.ResultQueue, "", true, false, false, false, nil)
	require.NoError(t, err)

	var result entity.JobResult
	select {
	case delivery := <-resultMsgs:
		require.NoError(t, json.Unmarshal(delivery.Body, &result))
	case <-time.After(2 * time.Minute):
		t.Fatal("timeout waiting for result message")
	}

	assert.Equal(t, videoKey, result.VideoKey)
	assert.Equal(t, entity.JobStateCompleted, result.State)
	assert.Equal(t, "synthetic", result.DetectorID)
	assert.Greater(t, result.Counters.FramesProcessed, 0)
	assert.Equal(t, result.Counters.FramesDispatched,
		result.Counters.FramesProcessed+result.Counters.FramesSkipped+result.Counters.FramesFailed)
	assert.NotEmpty(t, result.Tracks)

	// Verify the job row and stored result document
	var dbState string
	var dbProcessed int
	var dbResult []byte
	err = s.pool.QueryRow(ctx,
		"SELECT state, frames_processed, result FROM detection_jobs WHERE id=$1", result.JobID,
	).Scan(&dbState, &dbProcessed, &dbResult)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", dbState)
	assert.Equal(t, result.Counters.FramesProcessed, dbProcessed)

	var stored entity.JobResult
	require.NoError(t, json.Unmarshal(dbResult, &stored))
	assert.Equal(t, result.JobID, stored.JobID)

	t.Logf("Test passed: %d frames processed, %d tracks", result.Counters.FramesProcessed, len(result.Tracks))
}

func TestDetectSubmitPoisonMessages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := startStack(t, ctx)
	s.startService(t, ctx)

	// Malformed JSON goes to the DLQ instead of requeueing forever
	s.publishSubmit(t, ctx, []byte(`{invalid json`))

	time.Sleep(2 * time.Second)

	dlqCh, err := s.rmqConn.Channel()
	require.NoError(t, err)
	defer dlqCh.Close()

	dlqMsg, ok, err := dlqCh.Get("video.detect.submit.dlq", true)
	require.NoError(t, err)
	assert.True(t, ok, "malformed message should be in DLQ")
	assert.Equal(t, `{invalid json`, string(dlqMsg.Body))

	// Invalid config is poison too
	s.publishSubmit(t, ctx, []byte(`{"video_key":"dashcam/x.mp4","stride":-3}`))

	time.Sleep(2 * time.Second)

	dlqMsg, ok, err = dlqCh.Get("video.detect.submit.dlq", true)
	require.NoError(t, err)
	assert.True(t, ok, "invalid-config message should be in DLQ")

	reason, _ := dlqMsg.Headers["x-dlq-reason"].(string)
	assert.Contains(t, reason, "config_error")
}
