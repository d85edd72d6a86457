package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
)

// Producer publishes verification requests and participant events
type Producer struct {
	producer sarama.SyncProducer
	config   *config.KafkaConfig
	logger   *slog.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewProducerFrom(producer, cfg, logger), nil
}

// NewProducerFrom wraps an existing sarama producer
func NewProducerFrom(producer sarama.SyncProducer, cfg *config.KafkaConfig, logger *slog.Logger) *Producer {
	return &Producer{producer: producer, config: cfg, logger: logger}
}

// EnqueueVerification queues a verification request. Requests of one
// participant share a partition and are processed in order.
func (p *Producer) EnqueueVerification(ctx context.Context, req domain.VerificationRequest) error {
	if req.ParticipantID == "" || req.TaskID == "" {
		return domain.Invalid("task_id", "participant and task are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.config.VerificationTopic,
		Key:   sarama.StringEncoder(req.ParticipantID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("publishing verification request: %w", err)
	}
	p.logger.Debug("verification request queued",
		"participant_id", req.ParticipantID,
		"task_id", req.TaskID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// PublishEvent forwards a participant event to the events topic. It has the
// listener signature so it can subscribe to the identity resolver.
func (p *Producer) PublishEvent(event domain.Event) {
	if p.config.EventsTopic == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.config.EventsTopic,
		Key:   sarama.StringEncoder(event.ParticipantID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	})
	if err != nil {
		p.logger.Error("failed to publish event",
			"type", event.Type,
			"participant_id", event.ParticipantID,
			"error", err,
		)
	}
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
