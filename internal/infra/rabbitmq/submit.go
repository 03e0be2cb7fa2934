package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/usecase"
)

// SubmitGateway turns queue messages into job submissions. Malformed
// bodies and invalid configs are poison, not transient: they go to the
// DLQ with a reason instead of being requeued forever.
type SubmitGateway struct {
	service *usecase.DetectionService
	dlq     port.DLQPublisher
	logger  *zap.Logger
}

func NewSubmitGateway(service *usecase.DetectionService, dlq port.DLQPublisher, logger *zap.Logger) *SubmitGateway {
	return &SubmitGateway{service: service, dlq: dlq, logger: logger}
}

// Handle implements the consumer's MessageHandler.
func (g *SubmitGateway) Handle(ctx context.Context, body []byte) error {
	var msg entity.SubmitMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		g.logger.Error("malformed submit message", zap.Error(err), zap.ByteString("body", body))
		_ = g.dlq.PublishToDLQ(ctx, body, "unmarshal_error: "+err.Error())
		return nil
	}

	ack, err := g.service.Submit(ctx, msg)
	if err != nil {
		var cfgErr *entity.ConfigError
		if errors.As(err, &cfgErr) {
			g.logger.Warn("rejected submit message", zap.Error(cfgErr), zap.String("video_key", msg.VideoKey))
			_ = g.dlq.PublishToDLQ(ctx, body, "config_error: "+cfgErr.Error())
			return nil
		}
		return err
	}

	g.logger.Info("submit accepted from queue",
		zap.String("job_id", ack.JobID.String()),
		zap.String("video_key", msg.VideoKey),
		zap.Bool("deduplicated", ack.Deduplicated),
	)
	return nil
}
