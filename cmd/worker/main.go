package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/executor"
	"github.com/roadlens/vru-detection-service/internal/infra/config"
	"github.com/roadlens/vru-detection-service/internal/infra/detector"
	"github.com/roadlens/vru-detection-service/internal/infra/ffmpeg"
	"github.com/roadlens/vru-detection-service/internal/infra/metrics"
	miniostorage "github.com/roadlens/vru-detection-service/internal/infra/minio"
	"github.com/roadlens/vru-detection-service/internal/infra/postgres"
	"github.com/roadlens/vru-detection-service/internal/infra/profile"
	"github.com/roadlens/vru-detection-service/internal/infra/rabbitmq"
	"github.com/roadlens/vru-detection-service/internal/infra/tracing"
	"github.com/roadlens/vru-detection-service/internal/registry"
	"github.com/roadlens/vru-detection-service/internal/relay"
	"github.com/roadlens/vru-detection-service/internal/server"
	"github.com/roadlens/vru-detection-service/internal/usecase"
	"github.com/roadlens/vru-detection-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting vru-detection-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Migrations
	err = postgres.RunMigrations(cfg.DatabaseURL, "migrations")
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:    cfg.MinIOEndpoint,
		AccessKey:   cfg.MinIOAccessKey,
		SecretKey:   cfg.MinIOSecretKey,
		UseSSL:      cfg.MinIOUseSSL,
		VideoBucket: cfg.MinIOVideoBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBucket(ctx), "ensure minio bucket")

	// Detection profile
	prof, err := profile.Load(cfg.ProfilePath)
	fatalOnErr(err, "load detection profile")

	// Detector capability: HTTP model server, or the synthetic stand-in
	// when no endpoint is configured.
	var det port.Detector
	if cfg.DetectorURL != "" {
		det = detector.NewHTTPDetector(cfg.DetectorURL)
	} else {
		det = detector.NewSyntheticDetector(prof.TargetClasses)
	}
	log.Info("detector configured", zap.String("detector_id", det.ID()))

	// Frame source: MinIO download + ffmpeg indexed extraction
	opener := ffmpeg.NewOpener(storage, cfg.TempDir, cfg.FrameFormat, log)
	fatalOnErr(os.MkdirAll(cfg.TempDir, 0o755), "create temp dir")

	// Core: registry, shared inference pool, service facade
	reg := registry.New(log)
	defer reg.Close()

	infPool := executor.NewPool(cfg.InferencePoolSize, cfg.DetectorRateLimit)
	service := usecase.NewDetectionService(reg, infPool, det, opener, prof.Defaults(), log)

	// RabbitMQ publishers
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")

	progressPub := rabbitmq.NewProgressPublisher(pub)
	resultPub := rabbitmq.NewResultPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Relay: registry firehose -> AMQP + postgres
	recorder := postgres.NewJobRecorder(pool)
	rel := relay.New(reg, progressPub, resultPub, recorder, log)
	go rel.Run(ctx)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	// HTTP gateway; the recorder doubles as status history for jobs
	// that predate this process.
	httpSrv := server.New(service, recorder, log)
	go func() {
		if err := httpSrv.Start(ctx, cfg.HTTPPort); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()

	// Consumer (worker pool)
	gateway := rabbitmq.NewSubmitGateway(service, dlqPub, log)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQSubmitQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.ConsumerWorkers,
		BaseDelayMs: cfg.ConsumerRetryBaseMS,
	}, gateway.Handle, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("vru-detection-service started, consuming submissions")

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown: stop intake first, then wait for in-flight jobs.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	consumer.Close()
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Warn("jobs still in flight at shutdown deadline", zap.Error(err))
	}
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("vru-detection-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
