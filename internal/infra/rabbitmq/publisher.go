package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	SubmitRoutingKey   = "video.detect.submit"
	ProgressRoutingKey = "video.detect.progress"
	ResultRoutingKey   = "video.detect.result"

	ProgressQueue = "video.detect.progress"
	ResultQueue   = "video.detect.result"
)

type Publisher struct {
	channel  *amqp.Channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg []byte) error {
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
}

// ProgressPublisher fans job progress events out to the progress queue.
// Events carry their per-job sequence number, so consumers dedup on it.
type ProgressPublisher struct {
	pub *Publisher
}

func NewProgressPublisher(pub *Publisher) *ProgressPublisher {
	return &ProgressPublisher{pub: pub}
}

func (pp *ProgressPublisher) PublishProgress(ctx context.Context, msg []byte) error {
	return pp.pub.publish(ctx, ProgressRoutingKey, msg)
}

// ResultPublisher publishes the finalized JobResult once per job.
type ResultPublisher struct {
	pub *Publisher
}

func NewResultPublisher(pub *Publisher) *ResultPublisher {
	return &ResultPublisher{pub: pub}
}

func (rp *ResultPublisher) PublishResult(ctx context.Context, msg []byte) error {
	return rp.pub.publish(ctx, ResultRoutingKey, msg)
}

type DLQPublisher struct {
	pub   *Publisher
	queue string
}

func NewDLQPublisher(pub *Publisher, dlqQueue string) *DLQPublisher {
	return &DLQPublisher{pub: pub, queue: dlqQueue}
}

func (dp *DLQPublisher) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	return dp.pub.channel.PublishWithContext(ctx,
		"",
		dp.queue,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"x-dlq-reason": reason,
			},
		},
	)
}
